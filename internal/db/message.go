package db

import (
	"context"
	"database/sql"

	"github.com/RichardoC/padchat/internal/models"
	"github.com/pkg/errors"
)

const messageColumns = `id, content, role, conversation_id, parent_id, branch_id, depth, num_of_children, status, created_at`

// MessageStore reads and writes the message table. Rows are append-only; the
// only update ever issued is the num_of_children bump on the parent of a new
// child, and it shares a transaction with the child insert.
type MessageStore struct {
	db *Database
}

func NewMessageStore(database *Database) *MessageStore {
	return &MessageStore{db: database}
}

// ChildTurn is one message attached under ParentID within BranchID. A nil
// ParentID places the message at the root level of the conversation.
type ChildTurn struct {
	ConversationID int64
	ParentID       *int64
	BranchID       int64
	Role           models.Role
	Content        string
	Status         models.Status
}

// Exchange is a user turn and its assistant reply written together.
type Exchange struct {
	ConversationID int64
	ParentID       *int64
	BranchID       int64
	User           string
	Assistant      string
}

func (s *MessageStore) Get(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.Get(ctx, &msg, `SELECT `+messageColumns+` FROM message WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.ErrNotFound, "message %d not found", id)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "get message %d", id)
	}
	return &msg, nil
}

// ListFlat returns every message of a conversation regardless of depth, oldest first.
func (s *MessageStore) ListFlat(ctx context.Context, conversationID int64) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	err := s.db.Select(ctx, &messages, `
        SELECT `+messageColumns+`
        FROM message
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "list messages of conversation %d", conversationID)
	}
	return messages, nil
}

// ListLevel returns the messages sharing (parentID, branchID), oldest first.
// The root level of a conversation has a nil parentID.
func (s *MessageStore) ListLevel(ctx context.Context, conversationID int64, parentID *int64, branchID int64) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	var err error
	if parentID == nil {
		err = s.db.Select(ctx, &messages, `
            SELECT `+messageColumns+`
            FROM message
            WHERE conversation_id = ? AND parent_id IS NULL AND branch_id = ?
            ORDER BY created_at ASC, id ASC`, conversationID, branchID)
	} else {
		err = s.db.Select(ctx, &messages, `
            SELECT `+messageColumns+`
            FROM message
            WHERE parent_id = ? AND branch_id = ?
            ORDER BY created_at ASC, id ASC`, *parentID, branchID)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "list messages of branch %d", branchID)
	}
	return messages, nil
}

// ListByParent returns the direct children of parentID within branchID.
func (s *MessageStore) ListByParent(ctx context.Context, parentID, branchID int64) ([]models.Message, error) {
	ok, err := exists(ctx, s.db.db, `SELECT COUNT(1) FROM message WHERE id = ?`, parentID)
	if err != nil {
		return nil, models.Wrap(models.ErrStore, err, "check message %d", parentID)
	}
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "message %d not found", parentID)
	}
	return s.ListLevel(ctx, 0, &parentID, branchID)
}

// InsertUserTurn appends a top-level user message.
func (s *MessageStore) InsertUserTurn(ctx context.Context, conversationID int64, content string) (*models.Message, error) {
	return s.insertFlat(ctx, conversationID, models.RoleUser, content, models.StatusComplete)
}

// InsertAssistantTurn appends a top-level assistant message.
func (s *MessageStore) InsertAssistantTurn(ctx context.Context, conversationID int64, content string, status models.Status) (*models.Message, error) {
	return s.insertFlat(ctx, conversationID, models.RoleAssistant, content, status)
}

func (s *MessageStore) insertFlat(ctx context.Context, conversationID int64, role models.Role, content string, status models.Status) (*models.Message, error) {
	msg := &models.Message{
		Content:        content,
		Role:           role,
		ConversationID: conversationID,
		Depth:          1,
		Status:         status,
	}
	err := s.db.WithTx(ctx, func(q Querier) error {
		if err := requireConversation(ctx, q, conversationID); err != nil {
			return err
		}
		return s.insert(ctx, q, msg)
	})
	if err != nil {
		return nil, storeErr(err, "insert %s turn", role)
	}
	return msg, nil
}

// InsertChild bumps the parent's child counter and inserts the child in one
// transaction.
func (s *MessageStore) InsertChild(ctx context.Context, turn ChildTurn) (*models.Message, error) {
	if !turn.Role.Valid() {
		return nil, models.Errorf(models.ErrValidation, "unknown role %q", turn.Role)
	}
	if turn.Status == "" {
		turn.Status = models.StatusComplete
	}

	var msg *models.Message
	err := s.db.WithTx(ctx, func(q Querier) error {
		depth, err := s.attach(ctx, q, turn.ConversationID, turn.ParentID, 1)
		if err != nil {
			return err
		}
		msg = &models.Message{
			Content:        turn.Content,
			Role:           turn.Role,
			ConversationID: turn.ConversationID,
			ParentID:       turn.ParentID,
			BranchID:       turn.BranchID,
			Depth:          depth,
			Status:         turn.Status,
		}
		return s.insert(ctx, q, msg)
	})
	if err != nil {
		return nil, storeErr(err, "insert %s child", turn.Role)
	}
	return msg, nil
}

// InsertExchange writes the parent counter bump and both turns atomically:
// either all three statements take effect or none does.
func (s *MessageStore) InsertExchange(ctx context.Context, ex Exchange) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithTx(ctx, func(q Querier) error {
		depth, err := s.attach(ctx, q, ex.ConversationID, ex.ParentID, 2)
		if err != nil {
			return err
		}
		out = make([]models.Message, 0, 2)
		for _, t := range []models.Turn{
			{Role: models.RoleUser, Content: ex.User},
			{Role: models.RoleAssistant, Content: ex.Assistant},
		} {
			msg := models.Message{
				Content:        t.Content,
				Role:           t.Role,
				ConversationID: ex.ConversationID,
				ParentID:       ex.ParentID,
				BranchID:       ex.BranchID,
				Depth:          depth,
				Status:         models.StatusComplete,
			}
			if err := s.insert(ctx, q, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "insert exchange")
	}
	return out, nil
}

func requireConversation(ctx context.Context, q Querier, conversationID int64) error {
	ok, err := exists(ctx, q, `SELECT COUNT(1) FROM conversation WHERE id = ?`, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return models.Errorf(models.ErrNotFound, "conversation %d not found", conversationID)
	}
	return nil
}

// attach checks the conversation, validates the parent and bumps its child
// counter by n, returning the depth for the new children. Root-level children
// get depth 1.
func (s *MessageStore) attach(ctx context.Context, q Querier, conversationID int64, parentID *int64, n int) (int, error) {
	if err := requireConversation(ctx, q, conversationID); err != nil {
		return 0, err
	}
	if parentID == nil {
		return 1, nil
	}

	var parent struct {
		ConversationID int64 `db:"conversation_id"`
		Depth          int   `db:"depth"`
	}
	err := get(ctx, q, &parent, `SELECT conversation_id, depth FROM message WHERE id = ?`, *parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.Errorf(models.ErrInvalidReference, "parent message %d does not exist", *parentID)
	}
	if err != nil {
		return 0, err
	}
	if parent.ConversationID != conversationID {
		return 0, models.Errorf(models.ErrInvalidReference,
			"parent message %d belongs to conversation %d, not %d", *parentID, parent.ConversationID, conversationID)
	}

	if _, err := exec(ctx, q, `UPDATE message SET num_of_children = num_of_children + ? WHERE id = ?`, n, *parentID); err != nil {
		return 0, err
	}
	return parent.Depth + 1, nil
}

func (s *MessageStore) insert(ctx context.Context, q Querier, msg *models.Message) error {
	msg.CreatedAt = s.db.Now()
	id, err := s.db.insert(ctx, q, `
        INSERT INTO message (content, role, conversation_id, parent_id, branch_id, depth, num_of_children, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		msg.Content, string(msg.Role), msg.ConversationID, msg.ParentID, msg.BranchID, msg.Depth, string(msg.Status), msg.CreatedAt)
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}
