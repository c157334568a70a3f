package generation

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/RichardoC/padchat/internal/db"
	"github.com/RichardoC/padchat/internal/history"
	"github.com/RichardoC/padchat/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Model is the language-model capability the pipeline drives.
type Model interface {
	Generate(ctx context.Context, turns []models.Turn) (string, error)
	Stream(ctx context.Context, turns []models.Turn, onFragment func(ctx context.Context, fragment string) error) error
}

type Mode string

const (
	ModeFlat      Mode = "flat"
	ModeBranching Mode = "branching"
)

// InterruptPolicy decides what is stored when the caller goes away mid-stream.
type InterruptPolicy string

const (
	// MarkPartial stores the text produced so far with StatusInterrupted.
	MarkPartial InterruptPolicy = "mark"
	// Discard stores nothing for the reply.
	Discard InterruptPolicy = "discard"
)

type Request struct {
	ConversationID int64
	UserMessage    string
	// Mode overrides the pipeline default when non-empty.
	Mode Mode
	// ParentID and BranchID place the turns in branching mode.
	ParentID *int64
	BranchID int64
}

type Result struct {
	User      *models.Message
	Assistant *models.Message
	// Interrupted is set when the caller disconnected before the stream drained.
	Interrupted bool
}

type Options struct {
	Mode             Mode
	OnInterrupt      InterruptPolicy
	MaxContextTokens int
	Counter          history.TokenCounter
}

type Pipeline struct {
	conversations *db.ConversationStore
	messages      *db.MessageStore
	assembler     *history.Assembler
	model         Model
	opts          Options
	logger        *zap.Logger
}

func New(
	conversations *db.ConversationStore,
	messages *db.MessageStore,
	assembler *history.Assembler,
	model Model,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if opts.Mode == "" {
		opts.Mode = ModeFlat
	}
	if opts.OnInterrupt == "" {
		opts.OnInterrupt = MarkPartial
	}
	if opts.Counter == nil {
		opts.Counter = history.HeuristicCounter{}
	}
	return &Pipeline{
		conversations: conversations,
		messages:      messages,
		assembler:     assembler,
		model:         model,
		opts:          opts,
		logger:        logger,
	}
}

// Stream persists the user turn, streams the model's reply to w fragment by
// fragment, and persists the assistant turn once the stream has drained.
// Nothing is written to w before the user turn is durable, so a validation or
// lookup failure can still be reported as a regular error response.
func (p *Pipeline) Stream(ctx context.Context, req Request, w io.Writer) (*Result, error) {
	logger := p.logger.With(zap.Int64("conversationID", req.ConversationID))

	user, turns, err := p.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}
	res := &Result{User: user}

	fragments := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(fragments)
		return p.model.Stream(gctx, turns, func(ctx context.Context, fragment string) error {
			select {
			case fragments <- fragment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	var (
		reply    strings.Builder
		writeErr error
	)
	flusher, _ := w.(http.Flusher)
	g.Go(func() error {
		for fragment := range fragments {
			reply.WriteString(fragment)
			if _, err := io.WriteString(w, fragment); err != nil {
				writeErr = err
				return errors.Wrap(err, "write fragment")
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})
	genErr := g.Wait()

	// Once generation has ended the reply must land even if the request
	// context is cancelled in the meantime.
	saveCtx := context.WithoutCancel(ctx)

	if writeErr != nil || (genErr != nil && ctx.Err() != nil) {
		res.Interrupted = true
		cause := writeErr
		if cause == nil {
			cause = ctx.Err()
		}
		logger.Warn("stream interrupted by caller",
			zap.Int("generatedBytes", reply.Len()),
			zap.String("policy", string(p.opts.OnInterrupt)),
			zap.Error(cause))

		if p.opts.OnInterrupt == MarkPartial && reply.Len() > 0 {
			res.Assistant, err = p.saveAssistant(saveCtx, req, reply.String(), models.StatusInterrupted)
			if err != nil {
				logger.Error("failed to save interrupted reply", zap.Error(err))
				return res, err
			}
		}
		return res, models.Wrap(models.ErrStreamInterrupted, cause, "conversation %d", req.ConversationID)
	}

	if genErr != nil {
		logger.Error("generation failed", zap.Int64("userMessageID", user.ID), zap.Error(genErr))
		return res, models.Wrap(models.ErrGeneration, genErr, "conversation %d", req.ConversationID)
	}

	res.Assistant, err = p.saveAssistant(saveCtx, req, reply.String(), models.StatusComplete)
	if err != nil {
		logger.Error("failed to save reply", zap.Error(err))
		return res, err
	}
	logger.Info("reply streamed",
		zap.Int64("userMessageID", user.ID),
		zap.Int64("assistantMessageID", res.Assistant.ID),
		zap.Int("bytes", reply.Len()))
	return res, nil
}

// Complete is the non-streaming path: one model call, then one write.
func (p *Pipeline) Complete(ctx context.Context, req Request) (*Result, error) {
	logger := p.logger.With(zap.Int64("conversationID", req.ConversationID))

	user, turns, err := p.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}
	res := &Result{User: user}

	reply, err := p.model.Generate(ctx, turns)
	if err != nil {
		logger.Error("generation failed", zap.Int64("userMessageID", user.ID), zap.Error(err))
		return res, models.Wrap(models.ErrGeneration, err, "conversation %d", req.ConversationID)
	}

	res.Assistant, err = p.saveAssistant(ctx, req, reply, models.StatusComplete)
	if err != nil {
		logger.Error("failed to save reply", zap.Error(err))
		return res, err
	}
	return res, nil
}

// prepare validates the request, persists the user turn and assembles the
// transcript for the model, ending with that user turn.
func (p *Pipeline) prepare(ctx context.Context, req *Request) (*models.Message, []models.Turn, error) {
	req.UserMessage = strings.TrimSpace(req.UserMessage)
	if req.UserMessage == "" {
		return nil, nil, models.Errorf(models.ErrValidation, "user message is required")
	}
	if req.Mode == "" {
		req.Mode = p.opts.Mode
	}
	if req.Mode != ModeFlat && req.Mode != ModeBranching {
		return nil, nil, models.Errorf(models.ErrValidation, "unknown history mode %q", req.Mode)
	}
	if req.Mode == ModeFlat && req.ParentID != nil {
		return nil, nil, models.Errorf(models.ErrValidation, "parent message requires branching mode")
	}

	ok, err := p.conversations.Exists(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, models.Errorf(models.ErrNotFound, "conversation %d not found", req.ConversationID)
	}

	var user *models.Message
	if req.Mode == ModeBranching {
		user, err = p.messages.InsertChild(ctx, db.ChildTurn{
			ConversationID: req.ConversationID,
			ParentID:       req.ParentID,
			BranchID:       req.BranchID,
			Role:           models.RoleUser,
			Content:        req.UserMessage,
		})
	} else {
		user, err = p.messages.InsertUserTurn(ctx, req.ConversationID, req.UserMessage)
	}
	if err != nil {
		return nil, nil, err
	}

	var past []models.Message
	if req.Mode == ModeBranching {
		past, err = p.assembler.Branch(ctx, req.ConversationID, req.ParentID, req.BranchID)
	} else {
		past, err = p.assembler.Flat(ctx, req.ConversationID)
	}
	if err != nil {
		return user, nil, err
	}

	turns := make([]models.Turn, 0, len(past)+1)
	for _, m := range past {
		if m.ID == user.ID {
			continue
		}
		turns = append(turns, m.Turn())
	}
	turns = append(turns, user.Turn())

	window, stats := history.Window(turns, p.opts.MaxContextTokens, p.opts.Counter)
	if stats.Skipped > 0 || stats.OverBudgetNewest {
		p.logger.Debug("history trimmed to token budget",
			zap.Int64("conversationID", req.ConversationID),
			zap.Int("budget", stats.Budget),
			zap.Int("included", stats.Included),
			zap.Int("skipped", stats.Skipped),
			zap.Bool("overBudgetNewest", stats.OverBudgetNewest))
	}
	return user, window, nil
}

func (p *Pipeline) saveAssistant(ctx context.Context, req Request, content string, status models.Status) (*models.Message, error) {
	if req.Mode == ModeBranching {
		return p.messages.InsertChild(ctx, db.ChildTurn{
			ConversationID: req.ConversationID,
			ParentID:       req.ParentID,
			BranchID:       req.BranchID,
			Role:           models.RoleAssistant,
			Content:        content,
			Status:         status,
		})
	}
	return p.messages.InsertAssistantTurn(ctx, req.ConversationID, content, status)
}
