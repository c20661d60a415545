package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(s Store) *Dispatcher {
	return NewDispatcher(s, DispatcherConfig{
		Workers:        2,
		PollInterval:   5 * time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}, zerolog.Nop())
}

func TestDispatcher_AcksSuccessfulJobs(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	var ran int
	d.Handle("k", func(ctx context.Context, job *Job) error {
		ran++
		return nil
	})

	job := enqueue(t, s, "k", "a")
	n, err := d.DispatchPending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 job dispatched, got %d (%v)", n, err)
	}
	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusDone || ran != 1 {
		t.Errorf("expected done job, got %s (ran %d)", got.Status, ran)
	}
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.Handle("k", func(ctx context.Context, job *Job) error {
		return errors.New("gateway timeout")
	})

	job := enqueue(t, s, "k", "a")
	d.DispatchPending(context.Background())

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if !got.RunAt.Equal(now.Add(time.Second)) {
		t.Errorf("expected run_at +1s, got %s", got.RunAt)
	}
	if got.LastError != "gateway timeout" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
}

func TestDispatcher_Backoff(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

type fixedDelay time.Duration

func (f fixedDelay) NextDelay(int) time.Duration { return time.Duration(f) }

func TestDispatcher_CustomBackoffPolicy(t *testing.T) {
	s := NewMemoryStore()
	d := NewDispatcher(s, DispatcherConfig{Backoff: fixedDelay(42 * time.Second)}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.Handle("k", func(ctx context.Context, job *Job) error {
		return errors.New("analyzer busy")
	})

	job := enqueue(t, s, "k", "a")
	d.DispatchPending(context.Background())

	got, _ := s.Get(context.Background(), job.ID)
	if !got.RunAt.Equal(now.Add(42 * time.Second)) {
		t.Errorf("expected run_at +42s, got %s", got.RunAt)
	}
}

func TestDispatcher_DeadLettersAfterMaxAttempts(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	d.Handle("k", func(ctx context.Context, job *Job) error {
		return errors.New("still failing")
	})
	var dead []*Job
	d.OnDead(func(ctx context.Context, job *Job, err error) {
		dead = append(dead, job)
	})

	job := &Job{Kind: "k", Payload: []byte(`{}`), MaxAttempts: 1}
	s.Enqueue(context.Background(), job)
	d.DispatchPending(context.Background())

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusDead {
		t.Fatalf("expected dead, got %s", got.Status)
	}
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Error("expected OnDead callback")
	}
}

func TestDispatcher_PermanentErrorSkipsRetries(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	d.Handle("k", func(ctx context.Context, job *Job) error {
		return Permanent(errors.New("bad payload"))
	})

	job := enqueue(t, s, "k", "")
	d.DispatchPending(context.Background())

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusDead || got.Attempts != 1 {
		t.Errorf("expected dead after one attempt, got %s/%d", got.Status, got.Attempts)
	}
}

func TestDispatcher_UnknownKindAndPanic(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	d.Handle("boom", func(ctx context.Context, job *Job) error {
		panic("nil map")
	})

	unknown := enqueue(t, s, "nobody", "")
	panicky := enqueue(t, s, "boom", "")
	d.DispatchPending(context.Background())

	got, _ := s.Get(context.Background(), unknown.ID)
	if got.Status != StatusDead {
		t.Errorf("expected unknown kind to be dead, got %s", got.Status)
	}
	got, _ = s.Get(context.Background(), panicky.ID)
	if got.Status != StatusPending || got.LastError == "" {
		t.Errorf("expected panic to schedule a retry, got %s %q", got.Status, got.LastError)
	}
}

func TestDispatcher_RunProcessesInKeyOrder(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)

	var mu sync.Mutex
	var order []string
	var done atomic.Int32
	d.Handle("k", func(ctx context.Context, job *Job) error {
		var p struct{ N string }
		if err := job.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.N)
		mu.Unlock()
		done.Add(1)
		return nil
	})

	client := NewClient(s, 3)
	for _, n := range []string{"1", "2", "3", "4"} {
		client.Enqueue(context.Background(), "k", "same", struct{ N string }{n})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for done.Load() < 4 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for jobs")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"1", "2", "3", "4"} {
		if order[i] != want {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDispatcher_Drain(t *testing.T) {
	s := NewMemoryStore()
	d := newTestDispatcher(s)
	d.Handle("k", func(ctx context.Context, job *Job) error { return nil })
	for i := 0; i < 3; i++ {
		enqueue(t, s, "k", "same")
	}
	n, err := d.Drain(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 drained, got %d (%v)", n, err)
	}
}
