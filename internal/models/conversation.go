package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Status marks whether a persisted reply is whole or was cut short by the caller.
type Status string

const (
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

type Message struct {
	ID             int64     `db:"id" json:"id"`
	Content        string    `db:"content" json:"content"`
	Role           Role      `db:"role" json:"role"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	ParentID       *int64    `db:"parent_id" json:"parent_id"`
	BranchID       int64     `db:"branch_id" json:"branch_id"`
	Depth          int       `db:"depth" json:"depth"`
	NumOfChildren  int       `db:"num_of_children" json:"num_of_children"`
	Status         Status    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Conversation struct {
	ID              int64     `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	OriginMessageID *int64    `db:"origin_message_id" json:"origin_message_id,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Turn is the role/content projection of a message handed to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}

func Turns(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, m.Turn())
	}
	return turns
}
