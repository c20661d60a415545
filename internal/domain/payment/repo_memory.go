package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

type memoryRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Payment
	byCheckout map[string]uuid.UUID
	locks      *db.KeyedMutex
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:       make(map[uuid.UUID]*Payment),
		byCheckout: make(map[string]uuid.UUID),
		locks:      db.NewKeyedMutex(),
	}
}

var errDuplicateCheckout = errors.New("checkout request id already recorded")

// inFlightLocked must be called with mu held.
func (r *memoryRepo) inFlightLocked(claimID uuid.UUID) *Payment {
	for _, p := range r.byID {
		if p.ClaimID != nil && *p.ClaimID == claimID && p.Status.InFlight() {
			return p
		}
	}
	return nil
}

func (r *memoryRepo) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ClaimID != nil && p.Status.InFlight() && r.inFlightLocked(*p.ClaimID) != nil {
		return ErrInFlight
	}
	if id := p.checkoutID(); id != "" {
		if _, ok := r.byCheckout[id]; ok {
			return errDuplicateCheckout
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.byID[p.ID] = p.clone()
	if id := p.checkoutID(); id != "" {
		r.byCheckout[id] = p.ID
	}
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (r *memoryRepo) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	r.mu.RLock()
	id, ok := r.byCheckout[checkoutRequestID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) InFlightForClaim(_ context.Context, claimID uuid.UUID) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.inFlightLocked(claimID); p != nil {
		return p.clone(), nil
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) CountForClaim(_ context.Context, claimID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.byID {
		if p.ClaimID != nil && *p.ClaimID == claimID {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) Update(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		if errors.Is(err, db.ErrSkipUpdate) {
			return r.GetByID(ctx, id)
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byID[id]
	if cid := current.checkoutID(); cid != "" && cid != prev.checkoutID() {
		if other, ok := r.byCheckout[cid]; ok && other != id {
			return nil, errDuplicateCheckout
		}
		r.byCheckout[cid] = id
	}
	current.ID = id
	current.CreatedAt = prev.CreatedAt
	current.UpdatedAt = time.Now().UTC()
	r.byID[id] = current.clone()
	return current, nil
}

func (f ListFilter) matches(p *Payment) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.HospitalID != uuid.Nil && p.HospitalID != f.HospitalID {
		return false
	}
	if f.ClaimID != uuid.Nil && (p.ClaimID == nil || *p.ClaimID != f.ClaimID) {
		return false
	}
	if !f.RequestedBefore.IsZero() && !p.RequestedAt.Before(f.RequestedBefore) {
		return false
	}
	return true
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Payment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Payment
	for _, p := range r.byID {
		if f.matches(p) {
			matched = append(matched, p.clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RequestedAt.Equal(matched[j].RequestedAt) {
			return matched[i].Attempt > matched[j].Attempt
		}
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})
	return pagination.Window(matched, limit, offset), len(matched), nil
}
