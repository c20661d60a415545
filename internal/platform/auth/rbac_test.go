package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		has      []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{RoleReviewer}, []string{RoleAnalyst, RoleReviewer}, true},
		{"admin passes everything", []string{RoleAdmin}, []string{RoleReviewer}, true},
		{"wrong role", []string{RoleReviewer}, []string{RoleAnalyst}, false},
		{"no roles", nil, []string{RoleAnalyst}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(context.Background(), "u1", tt.has...))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(tt.required...)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.allowed {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", err)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithUser(context.Background(), "u1", RoleAnalyst)
	if !HasRole(ctx, RoleAnalyst) {
		t.Error("expected analyst")
	}
	if HasRole(ctx, RoleReviewer) {
		t.Error("did not expect reviewer")
	}
	if HasRole(context.Background(), RoleAnalyst) {
		t.Error("empty context has no roles")
	}
}
