package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type noDelay struct{}

func (noDelay) NextDelay(int) time.Duration { return 0 }

func TestExponential_NextDelay(t *testing.T) {
	p := Exponential{Initial: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	if got := (Exponential{}).NextDelay(1); got != time.Second {
		t.Errorf("expected default initial 1s, got %s", got)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Transient("mpesa.stkpush", 503, errors.New("unavailable"))) {
		t.Error("expected TransientError to be transient")
	}
	if !IsTransient(fmt.Errorf("send: %w", context.DeadlineExceeded)) {
		t.Error("expected deadline to be transient")
	}
	if IsTransient(errors.New("invalid phone number")) {
		t.Error("plain error should be permanent")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, noDelay{}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("op", 502, errors.New("bad gateway"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	permanent := errors.New("rejected")
	err := Do(context.Background(), 5, noDelay{}, func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	err := Do(context.Background(), 2, noDelay{}, func(ctx context.Context) error {
		return Transient("op", 500, errors.New("boom"))
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if ex.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", ex.Attempts)
	}
	if !IsTransient(err) {
		t.Error("exhausted error should still unwrap to transient")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, Exponential{Initial: time.Hour, Max: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient("op", 0, errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
