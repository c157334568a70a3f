package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RichardoC/padchat/internal/config"
	"github.com/RichardoC/padchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// scriptedModel replays fixed chunks and records what it was sent.
type scriptedModel struct {
	chunks []string
	err    error
	got    []llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.got = messages
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	full := ""
	for _, c := range m.chunks {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		full += c
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func text(t *testing.T, mc llms.MessageContent) string {
	t.Helper()
	require.Len(t, mc.Parts, 1)
	part, ok := mc.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestGenerateMapsRoles(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Hello", " world"}}
	svc := NewWithModel(model, "be brief", time.Second, zap.NewNop())

	reply, err := svc.Generate(context.Background(), []models.Turn{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hey"},
		{Role: models.RoleUser, Content: "how are you"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)

	require.Len(t, model.got, 4)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.got[0].Role)
	assert.Equal(t, "be brief", text(t, model.got[0]))
	assert.Equal(t, schema.ChatMessageTypeHuman, model.got[1].Role)
	assert.Equal(t, schema.ChatMessageTypeAI, model.got[2].Role)
	assert.Equal(t, "how are you", text(t, model.got[3]))
}

func TestGenerateWithoutSystemPrompt(t *testing.T) {
	model := &scriptedModel{chunks: []string{"ok"}}
	svc := NewWithModel(model, "", 0, zap.NewNop())

	_, err := svc.Generate(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Len(t, model.got, 1)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.got[0].Role)
}

func TestStreamForwardsChunksInOrder(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Hi", "", " there"}}
	svc := NewWithModel(model, "", time.Second, zap.NewNop())

	var got []string
	err := svc.Stream(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "hello"}},
		func(ctx context.Context, fragment string) error {
			got = append(got, fragment)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", " there"}, got)
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	model := &scriptedModel{chunks: []string{"a", "b", "c"}}
	svc := NewWithModel(model, "", time.Second, zap.NewNop())
	stop := errors.New("client gone")

	calls := 0
	err := svc.Stream(context.Background(), nil, func(ctx context.Context, fragment string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestGenerateModelError(t *testing.T) {
	boom := errors.New("upstream 500")
	svc := NewWithModel(&scriptedModel{err: boom}, "", time.Second, zap.NewNop())

	_, err := svc.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "palm", Model: "x"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewOpenAIWithoutToken(t *testing.T) {
	svc, err := New(config.LLMConfig{
		Provider: config.ProviderOpenAI,
		BaseURL:  "http://localhost:11434/v1/",
		Model:    "llama3.1:8b",
		Timeout:  time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, svc)
}
