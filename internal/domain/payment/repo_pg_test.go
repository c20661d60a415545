package payment

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/db/dbtest"
	"github.com/shaclaims/shaclaims/internal/platform/idgen"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
)

var testPG *dbtest.Instance

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Short() {
		inst, err := dbtest.Start(15545)
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

func requirePGFixture(t *testing.T, gw Gateway) *fixture {
	t.Helper()
	if testPG == nil {
		t.Skip("postgres not available")
	}
	ctx := context.Background()
	if err := testPG.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	ids, _ := idgen.NewSnowflake(4)
	tx := db.NewTransactor(testPG.Pool)
	hospitals := hospital.NewService(hospital.NewRepoPG(testPG.Pool), hospital.Defaults{Tier: hospital.TierPerClaim})
	claims := claim.NewService(claim.NewRepoPG(testPG.Pool), hospitals, ids, queue.NewClient(queue.NewPGStore(testPG.Pool), 3), tx, claim.Options{Fee: 300})
	repo := NewRepoPG(testPG.Pool)
	svc := NewService(repo, claims, gw, tx, Options{Attempts: 2, Policy: noDelay{}, Timeout: time.Second})
	return &fixture{svc: svc, repo: repo, claims: claims, hospitals: hospitals}
}

func TestRepoPG_RequestAndReconcile(t *testing.T) {
	f := requirePGFixture(t, &fakeGateway{})
	ctx := context.Background()
	c := f.awaitingClaim(t, "254700000701")

	p, err := f.svc.RequestPayment(ctx, c.ID, 300)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := f.repo.GetByCheckoutID(ctx, "CR-1")
	if err != nil || got.ID != p.ID || got.Status != StatusProcessing {
		t.Fatalf("by checkout: %+v %v", got, err)
	}

	res, err := f.svc.Reconcile(ctx, success("CR-1", "QAB123"))
	if err != nil || res.Outcome != ReconcileCompleted {
		t.Fatalf("reconcile: %+v %v", res, err)
	}
	stored, _ := f.svc.Get(ctx, p.ID)
	if stored.ReceiptNumber != "QAB123" || stored.TransactionDate == nil || stored.ResultCode == nil || *stored.ResultCode != 0 {
		t.Errorf("unexpected stored payment %+v", stored)
	}
	if cl := f.claim(t, c); cl.Status != claim.StatusPaymentReceived || cl.Payment.ReceiptNumber != "QAB123" {
		t.Errorf("unexpected claim %s %+v", cl.Status, cl.Payment)
	}
}

func TestRepoPG_OneInFlightPerClaim(t *testing.T) {
	f := requirePGFixture(t, &fakeGateway{})
	ctx := context.Background()
	c := f.awaitingClaim(t, "254700000702")
	cid := c.ID

	first := &Payment{HospitalID: c.HospitalID, ClaimID: &cid, Type: TypePerClaim, Amount: 300,
		PhoneNumber: "254700000702", Status: StatusPending, Attempt: 1, RequestedAt: time.Now().UTC()}
	if err := f.repo.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := *first
	second.ID = uuid.Nil
	second.Attempt = 2
	if err := f.repo.Create(ctx, &second); !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
	n, err := f.repo.CountForClaim(ctx, cid)
	if err != nil || n != 1 {
		t.Errorf("expected 1 payment, got %d (%v)", n, err)
	}
}

func TestRepoPG_ConcurrentCallbacksSettleOnce(t *testing.T) {
	f := requirePGFixture(t, &fakeGateway{})
	ctx := context.Background()
	c := f.awaitingClaim(t, "254700000703")
	if _, err := f.svc.RequestPayment(ctx, c.ID, 300); err != nil {
		t.Fatalf("request: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Reconcile(ctx, success("CR-1", "QAB123"))
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			if res.Outcome == ReconcileCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if completed != 1 {
		t.Errorf("expected one completion, got %d", completed)
	}
}

func TestRepoPG_ListFilters(t *testing.T) {
	f := requirePGFixture(t, &fakeGateway{})
	ctx := context.Background()
	a := f.awaitingClaim(t, "254700000704")
	b := f.awaitingClaim(t, "254700000705")
	if _, err := f.svc.RequestPayment(ctx, a.ID, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RequestPayment(ctx, b.ID, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Reconcile(ctx, success("CR-2", "QAB200")); err != nil {
		t.Fatal(err)
	}

	items, total, err := f.svc.List(ctx, ListFilter{Statuses: []Status{StatusPending, StatusProcessing}}, 10, 0)
	if err != nil || total != 1 || items[0].checkoutID() != "CR-1" {
		t.Errorf("in flight: %d %v", total, err)
	}
	_, total, _ = f.svc.List(ctx, ListFilter{HospitalID: b.HospitalID}, 10, 0)
	if total != 1 {
		t.Errorf("expected 1 payment for hospital b, got %d", total)
	}
	_, total, _ = f.svc.List(ctx, ListFilter{RequestedBefore: time.Now().UTC().Add(-time.Hour)}, 10, 0)
	if total != 0 {
		t.Errorf("expected no stale payments, got %d", total)
	}
}
