package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enqueue(t *testing.T, s Store, kind, key string) *Job {
	t.Helper()
	job := &Job{Kind: kind, OrderingKey: key, Payload: []byte(`{}`), MaxAttempts: 3}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestMemoryStore_ClaimRespectsOrderingKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a1 := enqueue(t, s, "k", "hospital-a")
	a2 := enqueue(t, s, "k", "hospital-a")
	b1 := enqueue(t, s, "k", "hospital-b")

	jobs, err := s.Claim(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 claimed jobs, got %d", len(jobs))
	}
	if jobs[0].ID != a1.ID || jobs[1].ID != b1.ID {
		t.Errorf("expected a1 and b1 to be claimed first")
	}
	if jobs[0].Attempts != 1 || jobs[0].Status != StatusRunning {
		t.Errorf("expected running job on attempt 1, got %s/%d", jobs[0].Status, jobs[0].Attempts)
	}

	// a2 stays blocked while a1 is running.
	jobs, _ = s.Claim(ctx, 10, time.Minute)
	if len(jobs) != 0 {
		t.Fatalf("expected nothing claimable, got %d", len(jobs))
	}

	if err := s.Ack(ctx, a1.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	jobs, _ = s.Claim(ctx, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != a2.ID {
		t.Fatalf("expected a2 after a1 was acked, got %v", jobs)
	}
}

func TestMemoryStore_RetryBlocksLaterJobsUntilDue(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	first := enqueue(t, s, "k", "claim-1")
	enqueue(t, s, "k", "claim-1")

	s.Claim(ctx, 1, time.Minute)
	if err := s.Retry(ctx, first.ID, now.Add(30*time.Second), "timeout"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	jobs, _ := s.Claim(ctx, 10, time.Minute)
	if len(jobs) != 0 {
		t.Fatalf("expected later job to wait behind backoff, got %d jobs", len(jobs))
	}

	now = now.Add(31 * time.Second)
	jobs, _ = s.Claim(ctx, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Fatalf("expected retried job to run first")
	}
	if jobs[0].Attempts != 2 || jobs[0].LastError != "timeout" {
		t.Errorf("unexpected job state %+v", jobs[0])
	}
}

func TestMemoryStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	job := enqueue(t, s, "k", "")
	s.Claim(ctx, 1, time.Minute)

	now = now.Add(2 * time.Minute)
	jobs, _ := s.Claim(ctx, 1, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatal("expected job with expired lease to be reclaimed")
	}
	if jobs[0].Attempts != 2 {
		t.Errorf("expected attempt 2, got %d", jobs[0].Attempts)
	}
}

func TestMemoryStore_DeadJobUnblocksKeyAndRequeues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := enqueue(t, s, "k", "key")
	second := enqueue(t, s, "k", "key")

	s.Claim(ctx, 1, time.Minute)
	if err := s.Bury(ctx, first.ID, "boom"); err != nil {
		t.Fatalf("bury: %v", err)
	}

	jobs, _ := s.Claim(ctx, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != second.ID {
		t.Fatal("expected second job to run once first is dead")
	}

	if _, err := s.Requeue(ctx, second.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound requeueing a live job, got %v", err)
	}
	requeued, err := s.Requeue(ctx, first.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != StatusPending || requeued.Attempts != 0 {
		t.Errorf("unexpected requeued state %s/%d", requeued.Status, requeued.Attempts)
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	enqueue(t, s, "claim.analyze", "a")
	enqueue(t, s, "payment.request", "b")
	last := enqueue(t, s, "claim.analyze", "c")

	items, total, err := s.List(ctx, ListFilter{Kind: "claim.analyze"}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 jobs, got %d/%d", len(items), total)
	}
	if items[0].ID != last.ID {
		t.Error("expected newest job first")
	}

	if _, err := s.Get(ctx, last.ID); err != nil {
		t.Errorf("get: %v", err)
	}
}

func TestClient_Enqueue(t *testing.T) {
	s := NewMemoryStore()
	c := NewClient(s, 5)

	if err := c.Enqueue(context.Background(), "claim.analyze", "claim-1", map[string]string{"claim_id": "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, _, _ := s.List(context.Background(), ListFilter{}, 10, 0)
	if len(items) != 1 {
		t.Fatalf("expected 1 job, got %d", len(items))
	}
	var payload map[string]string
	if err := items[0].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["claim_id"] != "x" || items[0].MaxAttempts != 5 {
		t.Errorf("unexpected job %+v", items[0])
	}
}

func TestJob_DecodeIsPermanent(t *testing.T) {
	j := &Job{Kind: "k", Payload: []byte(`not json`)}
	var v map[string]any
	if err := j.Decode(&v); !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}
