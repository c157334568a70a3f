package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/RichardoC/padchat/internal/models"
	"github.com/pkg/errors"
)

const conversationColumns = `id, name, origin_message_id, created_at`

// ConversationStore reads and writes the conversation table.
type ConversationStore struct {
	db *Database
}

func NewConversationStore(database *Database) *ConversationStore {
	return &ConversationStore{db: database}
}

// ListAll returns every conversation in insertion order.
func (s *ConversationStore) ListAll(ctx context.Context) ([]models.Conversation, error) {
	conversations := make([]models.Conversation, 0)
	err := s.db.Select(ctx, &conversations, `
        SELECT `+conversationColumns+`
        FROM conversation
        ORDER BY id ASC`)
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "list conversations")
	}
	return conversations, nil
}

func (s *ConversationStore) Get(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Get(ctx, &conv, `SELECT `+conversationColumns+` FROM conversation WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.ErrNotFound, "conversation %d not found", id)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "get conversation %d", id)
	}
	return &conv, nil
}

func (s *ConversationStore) Exists(ctx context.Context, id int64) (bool, error) {
	ok, err := exists(ctx, s.db.db, `SELECT COUNT(1) FROM conversation WHERE id = ?`, id)
	if err != nil {
		return false, models.Wrap(models.ErrStore, err, "check conversation %d", id)
	}
	return ok, nil
}

// GetDetails returns the top-level messages of a conversation in display
// order. Nested replies are reached through MessageStore.ListByParent.
func (s *ConversationStore) GetDetails(ctx context.Context, id int64) ([]models.Message, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "conversation %d not found", id)
	}

	messages := make([]models.Message, 0)
	err = s.db.Select(ctx, &messages, `
        SELECT `+messageColumns+`
        FROM message
        WHERE conversation_id = ? AND depth = 1
        ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "get conversation %d details", id)
	}
	return messages, nil
}

// Create inserts a conversation. When originMessageID is set it must reference
// an existing message.
func (s *ConversationStore) Create(ctx context.Context, name string, originMessageID *int64) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Errorf(models.ErrValidation, "conversation name is required")
	}

	conv := &models.Conversation{
		Name:            name,
		OriginMessageID: originMessageID,
		CreatedAt:       s.db.Now(),
	}
	err := s.db.WithTx(ctx, func(q Querier) error {
		if originMessageID != nil {
			ok, err := exists(ctx, q, `SELECT COUNT(1) FROM message WHERE id = ?`, *originMessageID)
			if err != nil {
				return err
			}
			if !ok {
				return models.Errorf(models.ErrInvalidReference, "origin message %d does not exist", *originMessageID)
			}
		}
		id, err := s.db.insert(ctx, q, `
            INSERT INTO conversation (name, origin_message_id, created_at)
            VALUES (?, ?, ?)`, conv.Name, conv.OriginMessageID, conv.CreatedAt)
		if err != nil {
			return err
		}
		conv.ID = id
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "create conversation")
	}
	return conv, nil
}

func exists(ctx context.Context, q Querier, query string, args ...interface{}) (bool, error) {
	var n int
	if err := get(ctx, q, &n, query, args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

// storeErr tags err as a store failure unless it already carries a kind.
func storeErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		models.ErrValidation,
		models.ErrNotFound,
		models.ErrInvalidReference,
		models.ErrIntegrity,
		models.ErrStore,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return models.Wrap(models.ErrStore, err, format, args...)
}
