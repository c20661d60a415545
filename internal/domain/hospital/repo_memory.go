package hospital

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/pkg/pagination"
)

type memoryRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Hospital
	byPhone    map[string]uuid.UUID
	byFacility map[string]uuid.UUID
	locks      *db.KeyedMutex
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:       make(map[uuid.UUID]*Hospital),
		byPhone:    make(map[string]uuid.UUID),
		byFacility: make(map[string]uuid.UUID),
		locks:      db.NewKeyedMutex(),
	}
}

func (r *memoryRepo) Create(_ context.Context, h *Hospital) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPhone[h.PhoneNumber]; ok {
		return ErrAlreadyExists
	}
	if h.FacilityCode != nil {
		if _, ok := r.byFacility[*h.FacilityCode]; ok {
			return ErrAlreadyExists
		}
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	now := time.Now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now

	r.byID[h.ID] = h.clone()
	r.byPhone[h.PhoneNumber] = h.ID
	if h.FacilityCode != nil {
		r.byFacility[*h.FacilityCode] = h.ID
	}
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h.clone(), nil
}

func (r *memoryRepo) GetByPhone(ctx context.Context, phone string) (*Hospital, error) {
	r.mu.RLock()
	id, ok := r.byPhone[phone]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) GetByFacilityCode(ctx context.Context, code string) (*Hospital, error) {
	r.mu.RLock()
	id, ok := r.byFacility[code]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) Update(ctx context.Context, id uuid.UUID, fn func(h *Hospital) error) (*Hospital, error) {
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
	if current.FacilityCode != nil {
		if other, ok := r.byFacility[*current.FacilityCode]; ok && other != id {
			return nil, ErrAlreadyExists
		}
	}
	if prev.FacilityCode != nil {
		delete(r.byFacility, *prev.FacilityCode)
	}
	if current.FacilityCode != nil {
		r.byFacility[*current.FacilityCode] = id
	}
	current.ID = id
	current.PhoneNumber = prev.PhoneNumber
	current.CreatedAt = prev.CreatedAt
	current.UpdatedAt = time.Now().UTC()
	r.byID[id] = current.clone()
	return current, nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Hospital, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var matched []*Hospital
	for _, h := range r.byID {
		if f.Tier != "" && h.Tier != f.Tier {
			continue
		}
		if f.Status != "" && h.SubscriptionStatus != f.Status {
			continue
		}
		if f.IsActive != nil && h.IsActive != *f.IsActive {
			continue
		}
		if f.County != "" && !strings.EqualFold(h.County, f.County) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(h.Name), search) && !strings.Contains(h.PhoneNumber, search) {
			continue
		}
		matched = append(matched, h.clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return pagination.Window(matched, limit, offset), len(matched), nil
}

func (r *memoryRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), nil
}
