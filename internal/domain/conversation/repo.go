package conversation

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists conversations and their message logs.
type Repository interface {
	// Append creates the hospital's conversation if needed, lets fn adjust it,
	// and appends msg, all under a lock on that conversation. An inbound msg
	// whose provider message id is already logged is dropped and the
	// conversation is returned unchanged.
	Append(ctx context.Context, hospitalID uuid.UUID, msg *Message, fn func(c *Conversation)) (*Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	GetByHospital(ctx context.Context, hospitalID uuid.UUID) (*Conversation, error)
	// Messages returns the latest limit messages in arrival order.
	Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)
	List(ctx context.Context, limit, offset int) ([]*Conversation, int, error)
}
