package history

import (
	"context"

	"github.com/RichardoC/padchat/internal/models"
)

// MessageReader is the slice of the message store the assembler needs.
type MessageReader interface {
	Get(ctx context.Context, id int64) (*models.Message, error)
	ListFlat(ctx context.Context, conversationID int64) ([]models.Message, error)
	ListLevel(ctx context.Context, conversationID int64, parentID *int64, branchID int64) ([]models.Message, error)
}

// Assembler builds the ordered transcript handed to the model.
type Assembler struct {
	messages MessageReader
	maxDepth int
}

func NewAssembler(messages MessageReader, maxDepth int) *Assembler {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Assembler{messages: messages, maxDepth: maxDepth}
}

// Flat returns every message of the conversation, oldest first.
func (a *Assembler) Flat(ctx context.Context, conversationID int64) ([]models.Message, error) {
	return a.messages.ListFlat(ctx, conversationID)
}

type level struct {
	parentID *int64
	branchID int64
	// cut is the id of the ancestor on the path; messages after it in the
	// same level belong to other continuations and are skipped.
	cut int64
}

// Branch returns one root-to-leaf path ending at the level (parentID, branchID).
// Ancestor levels are included up to and including the ancestor on the path,
// plus the ancestor's reply when the ancestor is a user turn.
// A parent chain that revisits a message or runs deeper than the configured
// bound is reported as ErrIntegrity.
func (a *Assembler) Branch(ctx context.Context, conversationID int64, parentID *int64, branchID int64) ([]models.Message, error) {
	var ancestors []level
	visited := make(map[int64]bool)

	for cur := parentID; cur != nil; {
		if visited[*cur] {
			return nil, models.Errorf(models.ErrIntegrity, "cycle in parent chain at message %d", *cur)
		}
		if len(visited) >= a.maxDepth {
			return nil, models.Errorf(models.ErrIntegrity, "parent chain deeper than %d at message %d", a.maxDepth, *cur)
		}
		visited[*cur] = true

		msg, err := a.messages.Get(ctx, *cur)
		if err != nil {
			return nil, err
		}
		if msg.ConversationID != conversationID {
			return nil, models.Errorf(models.ErrIntegrity,
				"message %d belongs to conversation %d, not %d", msg.ID, msg.ConversationID, conversationID)
		}
		ancestors = append(ancestors, level{parentID: msg.ParentID, branchID: msg.BranchID, cut: msg.ID})
		cur = msg.ParentID
	}

	transcript := make([]models.Message, 0)
	for i := len(ancestors) - 1; i >= 0; i-- {
		lv := ancestors[i]
		msgs, err := a.messages.ListLevel(ctx, conversationID, lv.parentID, lv.branchID)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, upTo(msgs, lv.cut)...)
	}

	leaf, err := a.messages.ListLevel(ctx, conversationID, parentID, branchID)
	if err != nil {
		return nil, err
	}
	return append(transcript, leaf...), nil
}

// upTo cuts a level at the message id. When id is a user turn answered by the
// assistant turn right after it, the answer is kept with it.
func upTo(msgs []models.Message, id int64) []models.Message {
	for i, m := range msgs {
		if m.ID != id {
			continue
		}
		if m.Role == models.RoleUser && i+1 < len(msgs) && msgs[i+1].Role == models.RoleAssistant {
			return msgs[:i+2]
		}
		return msgs[:i+1]
	}
	return msgs
}
