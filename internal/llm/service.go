package llm

import (
	"context"
	"time"

	"github.com/RichardoC/padchat/internal/config"
	"github.com/RichardoC/padchat/internal/models"
	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// Local OpenAI-compatible servers ignore the token but the client insists on one.
const placeholderToken = "fake"

type Service struct {
	llm          llms.Model
	systemPrompt string
	timeout      time.Duration
	logger       *zap.Logger
}

func New(cfg config.LLMConfig, logger *zap.Logger) (*Service, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	case config.ProviderOpenAI:
		token := cfg.Token
		if token == "" {
			token = placeholderToken
		}
		model, err = openai.New(
			openai.WithToken(token),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, errors.Errorf("unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "init %s client", cfg.Provider)
	}

	logger.Info("LLM client ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.String("baseURL", cfg.BaseURL))
	return NewWithModel(model, cfg.SystemPrompt, cfg.Timeout, logger), nil
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(model llms.Model, systemPrompt string, timeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		llm:          model,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		logger:       logger,
	}
}

// Generate returns the whole reply in one call.
func (s *Service) Generate(ctx context.Context, turns []models.Turn) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.llm.GenerateContent(ctx, s.messages(turns))
	if err != nil {
		return "", errors.Wrap(err, "failed to generate completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// Stream calls onFragment with each chunk of the reply as the model produces
// it. An error from onFragment aborts generation and is returned.
func (s *Service) Stream(ctx context.Context, turns []models.Turn, onFragment func(ctx context.Context, fragment string) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.llm.GenerateContent(ctx, s.messages(turns),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onFragment(ctx, string(chunk))
		}))
	if err != nil {
		return errors.Wrap(err, "failed to stream completion")
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) messages(turns []models.Turn) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(turns)+1)
	if s.systemPrompt != "" {
		out = append(out, llms.TextParts(schema.ChatMessageTypeSystem, s.systemPrompt))
	}
	for _, t := range turns {
		role := schema.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, t.Content))
	}
	return out
}
