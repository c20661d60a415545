package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/pkg/pagination"
)

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	seq  int64
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*Job), now: time.Now}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := s.now().UTC()
	job.Seq = s.seq
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryStore) ordered() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

func (s *MemoryStore) Claim(_ context.Context, n int, lease time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	blocked := make(map[string]bool)
	var claimed []*Job
	for _, j := range s.ordered() {
		if j.Status != StatusPending && j.Status != StatusRunning {
			continue
		}
		runnable := (j.Status == StatusPending && !j.RunAt.After(now)) ||
			(j.Status == StatusRunning && j.LockedUntil != nil && j.LockedUntil.Before(now))
		if runnable && len(claimed) < n && (j.OrderingKey == "" || !blocked[j.OrderingKey]) {
			until := now.Add(lease)
			j.Status = StatusRunning
			j.Attempts++
			j.LockedUntil = &until
			j.UpdatedAt = now
			claimed = append(claimed, j.clone())
		}
		if j.OrderingKey != "" {
			blocked[j.OrderingKey] = true
		}
	}
	return claimed, nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(j)
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Ack(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(j *Job) {
		j.Status = StatusDone
		j.LockedUntil = nil
	})
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return s.update(id, func(j *Job) {
		j.Status = StatusPending
		j.RunAt = runAt.UTC()
		j.LockedUntil = nil
		j.LastError = lastErr
	})
}

func (s *MemoryStore) Bury(_ context.Context, id uuid.UUID, lastErr string) error {
	return s.update(id, func(j *Job) {
		j.Status = StatusDead
		j.LockedUntil = nil
		j.LastError = lastErr
	})
}

func (s *MemoryStore) Requeue(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusDead {
		return nil, ErrNotFound
	}
	now := s.now().UTC()
	j.Status = StatusPending
	j.Attempts = 0
	j.RunAt = now
	j.UpdatedAt = now
	return j.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Job
	all := s.ordered()
	for i := len(all) - 1; i >= 0; i-- {
		j := all[i]
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.OrderingKey != "" && j.OrderingKey != filter.OrderingKey {
			continue
		}
		matched = append(matched, j.clone())
	}
	return pagination.Window(matched, limit, offset), len(matched), nil
}
