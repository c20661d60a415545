package hospital

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService() *Service {
	return NewService(NewMemoryRepo(), Defaults{Tier: TierPerClaim})
}

func TestService_ResolveCreatesOnFirstContact(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	h, err := svc.Resolve(ctx, "+254 700-000-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.PhoneNumber != "254700000001" {
		t.Errorf("expected normalized phone, got %s", h.PhoneNumber)
	}
	if h.Name != "Hospital_254700000001" || h.Tier != TierPerClaim || h.ClaimsUsed != 0 {
		t.Errorf("unexpected defaults %+v", h)
	}

	again, err := svc.Resolve(ctx, "254700000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != h.ID {
		t.Error("expected the same hospital on second contact")
	}
	if n, _ := svc.Count(ctx); n != 1 {
		t.Errorf("expected 1 hospital, got %d", n)
	}
}

func TestService_ResolveConcurrentFirstContact(t *testing.T) {
	svc := newTestService()
	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := svc.Resolve(context.Background(), "254700000002")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids <- h.ID.String()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected one hospital, got %d", len(seen))
	}
}

func TestService_ResolveEmptyAddress(t *testing.T) {
	if _, err := newTestService().Resolve(context.Background(), "abc"); err == nil {
		t.Error("expected error for address without digits")
	}
}

func TestService_ConsumeQuota(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	h, _ := svc.Resolve(ctx, "254700000003")
	limit := 2
	svc.UpdateSubscription(ctx, h.ID, SubscriptionUpdate{ClaimsLimit: &limit})

	for i := 0; i < 2; i++ {
		if _, err := svc.ConsumeQuota(ctx, h.ID); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	_, err := svc.ConsumeQuota(ctx, h.ID)
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quota.Limit != 2 || quota.Used != 2 {
		t.Errorf("unexpected quota error %+v", quota)
	}
}

func TestService_ConsumeQuotaRollsOverMonthly(t *testing.T) {
	svc := newTestService()
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	h, _ := svc.Resolve(ctx, "254700000004")
	limit := 1
	svc.UpdateSubscription(ctx, h.ID, SubscriptionUpdate{ClaimsLimit: &limit})
	svc.ConsumeQuota(ctx, h.ID)
	if _, err := svc.ConsumeQuota(ctx, h.ID); err == nil {
		t.Fatal("expected quota to be exhausted in January")
	}

	now = now.Add(2 * time.Hour)
	got, err := svc.ConsumeQuota(ctx, h.ID)
	if err != nil {
		t.Fatalf("expected quota to roll over in February: %v", err)
	}
	if got.UsagePeriod != "2026-02" || got.ClaimsUsed != 1 {
		t.Errorf("unexpected usage %s/%d", got.UsagePeriod, got.ClaimsUsed)
	}
}

func TestService_ConsumeQuotaInactive(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	h, _ := svc.Resolve(ctx, "254700000005")
	svc.Deactivate(ctx, h.ID)

	if _, err := svc.ConsumeQuota(ctx, h.ID); !errors.Is(err, ErrHospitalInactive) {
		t.Fatalf("expected ErrHospitalInactive, got %v", err)
	}

	active := SubscriptionActive
	got, err := svc.UpdateSubscription(ctx, h.ID, SubscriptionUpdate{Status: &active})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !got.IsActive {
		t.Error("expected reactivation to set is_active")
	}
}

func TestService_UnlimitedWhenLimitZero(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	h, _ := svc.Resolve(ctx, "254700000006")
	for i := 0; i < 50; i++ {
		if _, err := svc.ConsumeQuota(ctx, h.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestService_ResetMonthlyUsage(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	h, _ := svc.Resolve(ctx, "254700000007")
	svc.ConsumeQuota(ctx, h.ID)

	got, err := svc.ResetMonthlyUsage(ctx, h.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ClaimsUsed != 0 {
		t.Errorf("expected 0 claims used, got %d", got.ClaimsUsed)
	}
}

func TestService_CreateAndProfile(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	code := "FAC-001"
	h := &Hospital{PhoneNumber: "0700 000 008", Name: "Kisumu County Referral", FacilityCode: &code}
	if err := svc.Create(ctx, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := &Hospital{PhoneNumber: "0700000009", FacilityCode: &code}
	if err := svc.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected duplicate facility code to fail, got %v", err)
	}

	byCode, err := svc.GetByFacilityCode(ctx, "FAC-001")
	if err != nil || byCode.ID != h.ID {
		t.Fatalf("expected lookup by facility code, got %v", err)
	}

	county := "Kisumu"
	empty := " "
	updated, err := svc.UpdateProfile(ctx, h.ID, ProfileUpdate{County: &county, FacilityCode: &empty})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.County != "Kisumu" || updated.FacilityCode != nil {
		t.Errorf("unexpected profile %+v", updated)
	}
	if _, err := svc.GetByFacilityCode(ctx, "FAC-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cleared facility code to be gone, got %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if err := svc.Create(ctx, &Hospital{}); err == nil {
		t.Error("expected phone_number required")
	}
	if err := svc.Create(ctx, &Hospital{PhoneNumber: "254700000010", Tier: "gold"}); err == nil {
		t.Error("expected invalid tier")
	}
	h, _ := svc.Resolve(ctx, "254700000011")
	neg := -1
	if _, err := svc.UpdateSubscription(ctx, h.ID, SubscriptionUpdate{ClaimsLimit: &neg}); err == nil {
		t.Error("expected negative limit to fail")
	}
	blank := ""
	if _, err := svc.UpdateProfile(ctx, h.ID, ProfileUpdate{Name: &blank}); err == nil {
		t.Error("expected empty name to fail")
	}
}

func TestService_List(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	svc.Resolve(ctx, "254700000012")
	h, _ := svc.Resolve(ctx, "254700000013")
	svc.Deactivate(ctx, h.ID)

	active := true
	items, total, err := svc.List(ctx, ListFilter{IsActive: &active}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Errorf("expected 1 active hospital, got %d", total)
	}
	_, total, _ = svc.List(ctx, ListFilter{Search: "0013"}, 10, 0)
	if total != 1 {
		t.Errorf("expected search by phone to match 1, got %d", total)
	}
}
