package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/padchat/internal/db"
	"github.com/RichardoC/padchat/internal/history"
	"github.com/RichardoC/padchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeModel emits fixed fragments. If err is set it is returned after the
// fragments; if block is set it waits for cancellation after the fragments.
type fakeModel struct {
	fragments []string
	reply     string
	err       error
	block     bool
	afterSend func()

	mu  sync.Mutex
	got [][]models.Turn
}

func (m *fakeModel) record(turns []models.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, append([]models.Turn(nil), turns...))
}

func (m *fakeModel) lastTurns() []models.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.got) == 0 {
		return nil
	}
	return m.got[len(m.got)-1]
}

func (m *fakeModel) Generate(ctx context.Context, turns []models.Turn) (string, error) {
	m.record(turns)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *fakeModel) Stream(ctx context.Context, turns []models.Turn, onFragment func(ctx context.Context, fragment string) error) error {
	m.record(turns)
	for _, f := range m.fragments {
		if err := onFragment(ctx, f); err != nil {
			return err
		}
		if m.afterSend != nil {
			m.afterSend()
		}
	}
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

type brokenWriter struct{ writes int }

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("connection reset by peer")
}

type env struct {
	conversations *db.ConversationStore
	messages      *db.MessageStore
	convID        int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	var mu sync.Mutex
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Join(t.TempDir(), "pipeline.db"))
	database, err := db.Open(ctx, db.DriverSQLite, dsn, db.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conversations := db.NewConversationStore(database)
	conv, err := conversations.Create(ctx, "pipeline", nil)
	require.NoError(t, err)
	return &env{conversations: conversations, messages: db.NewMessageStore(database), convID: conv.ID}
}

func (e *env) pipeline(model Model, opts Options) *Pipeline {
	assembler := history.NewAssembler(e.messages, 64)
	return New(e.conversations, e.messages, assembler, model, opts, zap.NewNop())
}

func (e *env) flat(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := e.messages.ListFlat(context.Background(), e.convID)
	require.NoError(t, err)
	return msgs
}

func TestStreamWritesFragmentsAndPersistsReply(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"Hi", " there"}}
	p := e.pipeline(model, Options{})

	var out bytes.Buffer
	res, err := p.Stream(context.Background(), Request{ConversationID: e.convID, UserMessage: "  hello  "}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out.String())
	assert.False(t, res.Interrupted)

	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Hi there", res.Assistant.Content)
	assert.Equal(t, models.StatusComplete, res.Assistant.Status)
	assert.Equal(t, "hello", res.User.Content)

	msgs := e.flat(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	assert.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "hello"}}, model.lastTurns())
}

func TestStreamSendsPriorHistory(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"first"}}
	p := e.pipeline(model, Options{})
	ctx := context.Background()

	_, err := p.Stream(ctx, Request{ConversationID: e.convID, UserMessage: "one"}, &bytes.Buffer{})
	require.NoError(t, err)

	model.fragments = []string{"second"}
	_, err = p.Stream(ctx, Request{ConversationID: e.convID, UserMessage: "two"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "first"},
		{Role: models.RoleUser, Content: "two"},
	}, model.lastTurns())
}

func TestStreamModelFailureKeepsUserTurnOnly(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"Hi"}, err: errors.New("upstream 500")}
	p := e.pipeline(model, Options{})

	var out bytes.Buffer
	res, err := p.Stream(context.Background(), Request{ConversationID: e.convID, UserMessage: "hello"}, &out)
	assert.ErrorIs(t, err, models.ErrGeneration)
	require.NotNil(t, res)
	assert.Nil(t, res.Assistant)
	assert.False(t, res.Interrupted)

	details, err := e.conversations.GetDetails(context.Background(), e.convID)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, models.RoleUser, details[0].Role)
	assert.Equal(t, "hello", details[0].Content)
}

func TestStreamWriterFailureMarksPartialReply(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"a", "b", "c"}}
	p := e.pipeline(model, Options{OnInterrupt: MarkPartial})

	w := &brokenWriter{}
	res, err := p.Stream(context.Background(), Request{ConversationID: e.convID, UserMessage: "hello"}, w)
	assert.ErrorIs(t, err, models.ErrStreamInterrupted)
	assert.Equal(t, 1, w.writes)
	require.NotNil(t, res)
	assert.True(t, res.Interrupted)

	require.NotNil(t, res.Assistant)
	assert.Equal(t, "a", res.Assistant.Content)
	assert.Equal(t, models.StatusInterrupted, res.Assistant.Status)

	msgs := e.flat(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.StatusInterrupted, msgs[1].Status)
}

func TestStreamCancelledContextMarksPartialReply(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &fakeModel{fragments: []string{"partial"}, block: true, afterSend: cancel}
	p := e.pipeline(model, Options{OnInterrupt: MarkPartial})

	var out bytes.Buffer
	res, err := p.Stream(ctx, Request{ConversationID: e.convID, UserMessage: "hello"}, &out)
	assert.ErrorIs(t, err, models.ErrStreamInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Interrupted)
	assert.Equal(t, "partial", out.String())

	msgs := e.flat(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.Equal(t, models.StatusInterrupted, msgs[1].Status)
}

func TestStreamDiscardPolicyStoresNoReply(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"a", "b"}}
	p := e.pipeline(model, Options{OnInterrupt: Discard})

	res, err := p.Stream(context.Background(), Request{ConversationID: e.convID, UserMessage: "hello"}, &brokenWriter{})
	assert.ErrorIs(t, err, models.ErrStreamInterrupted)
	assert.True(t, res.Interrupted)
	assert.Nil(t, res.Assistant)

	msgs := e.flat(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestStreamRejectsBadRequests(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{fragments: []string{"never"}}
	p := e.pipeline(model, Options{})
	ctx := context.Background()
	parent := int64(1)

	cases := []struct {
		name string
		req  Request
		kind error
	}{
		{"empty message", Request{ConversationID: e.convID, UserMessage: "   "}, models.ErrValidation},
		{"unknown mode", Request{ConversationID: e.convID, UserMessage: "hi", Mode: "tree"}, models.ErrValidation},
		{"parent in flat mode", Request{ConversationID: e.convID, UserMessage: "hi", ParentID: &parent}, models.ErrValidation},
		{"missing conversation", Request{ConversationID: 999, UserMessage: "hi"}, models.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			res, err := p.Stream(ctx, tc.req, &out)
			assert.ErrorIs(t, err, tc.kind)
			assert.Nil(t, res)
			assert.Zero(t, out.Len())
		})
	}
	assert.Empty(t, e.flat(t))
	assert.Empty(t, model.lastTurns())
}

func TestStreamBranchingPlacesTurnsUnderParent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	root, err := e.messages.InsertChild(ctx, db.ChildTurn{
		ConversationID: e.convID,
		Role:           models.RoleUser,
		Content:        "root question",
	})
	require.NoError(t, err)
	_, err = e.messages.InsertChild(ctx, db.ChildTurn{
		ConversationID: e.convID,
		Role:           models.RoleAssistant,
		Content:        "root answer",
	})
	require.NoError(t, err)

	model := &fakeModel{fragments: []string{"nested ", "answer"}}
	p := e.pipeline(model, Options{Mode: ModeBranching})

	var out bytes.Buffer
	res, err := p.Stream(ctx, Request{
		ConversationID: e.convID,
		UserMessage:    "follow up",
		ParentID:       &root.ID,
		BranchID:       1,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "nested answer", out.String())

	assert.Equal(t, 2, res.User.Depth)
	assert.Equal(t, 2, res.Assistant.Depth)
	assert.Equal(t, root.ID, *res.Assistant.ParentID)

	parent, err := e.messages.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, parent.NumOfChildren)

	nested, err := e.messages.ListByParent(ctx, root.ID, 1)
	require.NoError(t, err)
	require.Len(t, nested, 2)
	assert.Equal(t, "follow up", nested[0].Content)
	assert.Equal(t, "nested answer", nested[1].Content)

	assert.Equal(t, []models.Turn{
		{Role: models.RoleUser, Content: "root question"},
		{Role: models.RoleAssistant, Content: "root answer"},
		{Role: models.RoleUser, Content: "follow up"},
	}, model.lastTurns())
}

func TestStreamBranchingRejectsUnknownParent(t *testing.T) {
	e := newEnv(t)
	missing := int64(4242)
	p := e.pipeline(&fakeModel{}, Options{Mode: ModeBranching})

	_, err := p.Stream(context.Background(), Request{
		ConversationID: e.convID,
		UserMessage:    "hi",
		ParentID:       &missing,
	}, &bytes.Buffer{})
	assert.ErrorIs(t, err, models.ErrInvalidReference)
}

func TestCompletePersistsReply(t *testing.T) {
	e := newEnv(t)
	model := &fakeModel{reply: "whole reply"}
	p := e.pipeline(model, Options{})

	res, err := p.Complete(context.Background(), Request{ConversationID: e.convID, UserMessage: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "whole reply", res.Assistant.Content)

	msgs := e.flat(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "whole reply", msgs[1].Content)
}

func TestCompleteModelFailure(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline(&fakeModel{err: errors.New("timeout")}, Options{})

	res, err := p.Complete(context.Background(), Request{ConversationID: e.convID, UserMessage: "hello"})
	assert.ErrorIs(t, err, models.ErrGeneration)
	assert.Nil(t, res.Assistant)
	assert.Len(t, e.flat(t), 1)
}

func TestHistoryIsTrimmedToBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := e.messages.InsertUserTurn(ctx, e.convID, strings.Repeat("x", 40))
		require.NoError(t, err)
	}

	model := &fakeModel{reply: "ok"}
	// each old turn costs 14 with the heuristic, the new one 5
	p := e.pipeline(model, Options{MaxContextTokens: 20})

	_, err := p.Complete(ctx, Request{ConversationID: e.convID, UserMessage: "hey"})
	require.NoError(t, err)

	turns := model.lastTurns()
	require.Len(t, turns, 2)
	assert.Equal(t, "hey", turns[1].Content)
}
