// Package queue is a durable job queue with per-key FIFO ordering. Jobs are
// written in the same transaction as the state change that produced them and
// are consumed by a pool of workers with exponential backoff and a dead
// letter state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

var ErrNotFound = errors.New("job not found")

// Job is one unit of background work. Jobs that share an OrderingKey run one
// at a time in Seq order; an empty key means no ordering constraint.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Seq         int64           `json:"seq"`
	Kind        string          `json:"kind"`
	OrderingKey string          `json:"ordering_key"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status      Status
	Kind        string
	OrderingKey string
}

// Store persists jobs. Enqueue joins a transaction carried in ctx.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	// Claim leases up to n runnable jobs for lease. A job is runnable when no
	// earlier job with the same ordering key is pending or running.
	Claim(ctx context.Context, n int, lease time.Duration) ([]*Job, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	Bury(ctx context.Context, id uuid.UUID, lastErr string) error
	// Requeue moves a dead job back to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id uuid.UUID) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error)
}

// Enqueuer is what domain services depend on to schedule work.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, orderingKey string, payload any) error
}

// Client builds jobs and hands them to a Store.
type Client struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

func NewClient(store Store, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Client{store: store, maxAttempts: maxAttempts, now: time.Now}
}

func (c *Client) Enqueue(ctx context.Context, kind, orderingKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := &Job{
		ID:          uuid.New(),
		Kind:        kind,
		OrderingKey: orderingKey,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: c.maxAttempts,
		RunAt:       c.now().UTC(),
	}
	if err := c.store.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// PermanentError marks a job failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
