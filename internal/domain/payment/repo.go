package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ListFilter struct {
	Status          Status
	Statuses        []Status
	Type            Type
	HospitalID      uuid.UUID
	ClaimID         uuid.UUID
	RequestedBefore time.Time
}

// Repository persists payments. Create returns ErrInFlight when the claim
// already has a pending or processing payment.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error)
	InFlightForClaim(ctx context.Context, claimID uuid.UUID) (*Payment, error)
	CountForClaim(ctx context.Context, claimID uuid.UUID) (int, error)
	Update(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Payment, int, error)
}
