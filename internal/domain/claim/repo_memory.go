package claim

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
	mu       sync.RWMutex
	byID     map[uuid.UUID]*Claim
	byNumber map[string]uuid.UUID
	locks    *db.KeyedMutex
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:     make(map[uuid.UUID]*Claim),
		byNumber: make(map[string]uuid.UUID),
		locks:    db.NewKeyedMutex(),
	}
}

var errDuplicateNumber = errors.New("claim number already exists")

func (r *memoryRepo) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byNumber[c.ClaimNumber]; ok {
		return errDuplicateNumber
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.byID[c.ID] = c.clone()
	r.byNumber[c.ClaimNumber] = c.ID
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (r *memoryRepo) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) Update(ctx context.Context, id uuid.UUID, fn func(c *Claim) error) (*Claim, error) {
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
	current.ID = id
	current.ClaimNumber = prev.ClaimNumber
	current.HospitalID = prev.HospitalID
	current.CreatedAt = prev.CreatedAt
	current.UpdatedAt = time.Now().UTC()
	r.byID[id] = current.clone()
	return current, nil
}

func (f ListFilter) matches(c *Claim) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.HospitalID != uuid.Nil && c.HospitalID != f.HospitalID {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToUpper(c.ClaimNumber), strings.ToUpper(f.Search)) {
		return false
	}
	if !f.From.IsZero() && c.SubmittedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !c.SubmittedAt.Before(f.To) {
		return false
	}
	if f.Flagged != nil && (len(c.Flags) > 0) != *f.Flagged {
		return false
	}
	return true
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Claim
	for _, c := range r.byID {
		if f.matches(c) {
			matched = append(matched, c.clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].ClaimNumber > matched[j].ClaimNumber
		}
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})
	return pagination.Window(matched, limit, offset), len(matched), nil
}

func (r *memoryRepo) CountByStatus(_ context.Context) (map[Status]int, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	flagged := 0
	for _, c := range r.byID {
		counts[c.Status]++
		if len(c.Flags) > 0 {
			flagged++
		}
	}
	return counts, flagged, nil
}
