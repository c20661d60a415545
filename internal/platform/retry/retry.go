// Package retry classifies outbound failures and retries the transient ones
// with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Policy returns how long to wait before the given attempt (1-based).
type Policy interface {
	NextDelay(attempt int) time.Duration
}

// Exponential doubles from Initial up to Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (p Exponential) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// TransientError is a timeout, connection failure or 5xx from a provider.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for op.
func Transient(op string, statusCode int, err error) error {
	return &TransientError{Op: op, StatusCode: statusCode, Err: err}
}

// IsTransient reports whether err is worth retrying. Deadline and network
// timeouts count even when the caller did not wrap them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExhaustedError is returned once every attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, fails permanently, or attempts run out.
// A cancelled ctx stops the loop with ctx's error.
func Do(ctx context.Context, attempts int, policy Policy, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if policy == nil {
		policy = Exponential{}
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(policy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}
