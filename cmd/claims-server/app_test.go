package main

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		StorageDriver:       config.StorageDriverMemory,
		CORSOrigins:         []string{"http://localhost:3000"},
		BodyLimit:           "2M",
		RequestTimeout:      5 * time.Second,
		MetaVerifyToken:     "verify-me",
		MetaTemplateName:    "claim_update",
		ClaimFee:            300,
		DedupWindow:         24 * time.Hour,
		SessionWindow:       24 * time.Hour,
		QueueWorkers:        1,
		QueuePollInterval:   time.Second,
		QueueMaxAttempts:    3,
		OutboundMaxAttempts: 1,
		PaymentTimeout:      time.Second,
		NodeID:              1,
		DefaultTier:         "per_claim",
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func TestHealth_ReportsCounts(t *testing.T) {
	a := newTestApp(t)
	e := a.routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Storage != config.StorageDriverMemory || resp.Claims == nil {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestRoutes_WebhookVerification(t *testing.T) {
	e := newTestApp(t).routes()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Errorf("expected challenge echoed, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRoutes_DevModeAdminAPI(t *testing.T) {
	e := newTestApp(t).routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Errorf("expected an empty page, got %s", rec.Body.String())
	}
}

func TestRoutes_ProductionRequiresToken(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.AdminJWTSecret = strings.Repeat("k", 32)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestInboundMessageRunsThroughDispatcher(t *testing.T) {
	a := newTestApp(t)
	e := a.routes()

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"254712345678","id":"wamid.1","type":"image","image":{"id":"media-1","mime_type":"image/jpeg"}}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := a.dispatcher.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	stats, err := a.claims.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("expected one claim, got %d", stats.Total)
	}
}

func TestEvery_ZeroIntervalReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		every(context.Background(), 0, func(context.Context) { t.Error("fn should not run") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("every did not return")
	}
}

func TestEvery_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 10)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	every(ctx, 5*time.Millisecond, func(context.Context) { calls <- struct{}{} })
	if len(calls) == 0 {
		t.Error("expected at least one tick")
	}
}

func TestMigrationSource_DefaultsToEmbedded(t *testing.T) {
	entries, err := fs.Glob(migrationSource(""), "*.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected embedded migrations")
	}
}
