package intake

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/db/dbtest"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
)

var testPG *dbtest.Instance

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Short() {
		inst, err := dbtest.Start(15546)
		if err != nil {
			fmt.Fprintf(os.Stderr, "embedded postgres unavailable, skipping pg tests: %v\n", err)
		} else {
			testPG = inst
		}
	}
	code := m.Run()
	if testPG != nil {
		testPG.Stop()
	}
	os.Exit(code)
}

func requirePG(t *testing.T) {
	t.Helper()
	if testPG == nil {
		t.Skip("postgres not available")
	}
	if err := testPG.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestSeenSetPG_Window(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	s := NewSeenSetPG(testPG.Pool).(*seenSetPG)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	fresh, err := s.MarkSeen(ctx, "wamid.1", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("first sighting: %v %v", fresh, err)
	}
	fresh, err = s.MarkSeen(ctx, "wamid.1", time.Hour)
	if err != nil || fresh {
		t.Fatalf("second sighting should be a duplicate: %v %v", fresh, err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err = s.MarkSeen(ctx, "wamid.1", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("sighting after expiry should be fresh: %v %v", fresh, err)
	}

	s.MarkSeen(ctx, "wamid.2", time.Minute)
	s.now = func() time.Time { return base.Add(2*time.Hour + 5*time.Minute) }
	n, err := s.Purge(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected one purged row, got %d (%v)", n, err)
	}
}

type pgFailingEnqueuer struct{}

func (pgFailingEnqueuer) Enqueue(context.Context, string, string, any) error {
	return errors.New("enqueue failed")
}

func TestGatePG_HandoffIsAtomic(t *testing.T) {
	requirePG(t)
	ctx := context.Background()
	seen := NewSeenSetPG(testPG.Pool)
	tx := db.NewTransactor(testPG.Pool)

	broken := NewGate(seen, pgFailingEnqueuer{}, tx, time.Hour, zerolog.Nop())
	if _, err := broken.Ingest(ctx, delivery(imageMsg)); err == nil {
		t.Fatal("expected an error")
	}

	store := queue.NewPGStore(testPG.Pool)
	g := NewGate(seen, queue.NewClient(store, 3), tx, time.Hour, zerolog.Nop())
	out, err := g.Ingest(ctx, delivery(imageMsg))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out[0].Kind != OutcomeAccepted {
		t.Fatalf("redelivery after a failed handoff must be accepted, got %s", out[0].Kind)
	}
	out, _ = g.Ingest(ctx, delivery(imageMsg))
	if out[0].Kind != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", out[0].Kind)
	}
	_, total, err := store.List(ctx, queue.ListFilter{Kind: JobInbound}, 10, 0)
	if err != nil || total != 1 {
		t.Errorf("expected one queued job, got %d (%v)", total, err)
	}
}
