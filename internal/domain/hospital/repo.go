package hospital

import (
	"context"

	"github.com/google/uuid"
)

type ListFilter struct {
	Tier     Tier
	Status   SubscriptionStatus
	IsActive *bool
	County   string
	Search   string
}

// Repository persists hospitals. Update runs fn on the current row while
// holding that row; returning db.ErrSkipUpdate from fn leaves it unchanged.
type Repository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	GetByPhone(ctx context.Context, phone string) (*Hospital, error)
	GetByFacilityCode(ctx context.Context, code string) (*Hospital, error)
	Update(ctx context.Context, id uuid.UUID, fn func(h *Hospital) error) (*Hospital, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Hospital, int, error)
	Count(ctx context.Context) (int, error)
}
