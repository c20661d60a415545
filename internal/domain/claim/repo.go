package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ListFilter struct {
	Status     Status
	Statuses   []Status
	HospitalID uuid.UUID
	Search     string
	From       time.Time
	To         time.Time
	Flagged    *bool
}

// Repository persists claims. Update runs fn against the current row under
// an exclusive per-claim lock; returning db.ErrSkipUpdate from fn leaves the
// row untouched.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByNumber(ctx context.Context, number string) (*Claim, error)
	Update(ctx context.Context, id uuid.UUID, fn func(c *Claim) error) (*Claim, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Claim, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, int, error)
}
