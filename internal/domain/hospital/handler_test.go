package hospital

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func TestHandler_CreateHospital(t *testing.T) {
	h, e := newTestHandler()
	body := `{"phone_number":"254700000101","name":"Nakuru Level 5","tier":"weekly_retainer"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Hospital
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Tier != TierWeeklyRetainer || got.ID == uuid.Nil {
		t.Errorf("unexpected hospital %+v", got)
	}
}

func TestHandler_CreateHospital_Conflict(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Resolve(context.Background(), "254700000102")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"phone_number":"254700000102"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateHospital(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_GetHospital(t *testing.T) {
	h, e := newTestHandler()
	hosp, _ := h.svc.Resolve(context.Background(), "254700000103")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(hosp.ID.String())

	if err := h.GetHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetHospital_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetHospital(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetHospital_InvalidID(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetHospital(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListHospitals(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Resolve(context.Background(), "254700000104")
	h.svc.Resolve(context.Background(), "254700000105")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=1", nil), rec)
	if err := h.ListHospitals(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 || !resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?active=maybe", nil), httptest.NewRecorder())
	if err := h.ListHospitals(c); err == nil {
		t.Error("expected bad active filter to fail")
	}
}

func TestHandler_UpdateSubscription(t *testing.T) {
	h, e := newTestHandler()
	hosp, _ := h.svc.Resolve(context.Background(), "254700000106")

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"tier":"free","claims_limit":5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(hosp.ID.String())

	if err := h.UpdateSubscription(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Hospital
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Tier != TierFree || got.ClaimsLimit != 5 {
		t.Errorf("unexpected subscription %+v", got)
	}
}

func TestHandler_DeactivateAndReset(t *testing.T) {
	h, e := newTestHandler()
	hosp, _ := h.svc.Resolve(context.Background(), "254700000107")
	h.svc.ConsumeQuota(context.Background(), hosp.ID)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(hosp.ID.String())
	if err := h.ResetClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(hosp.ID.String())
	if err := h.DeactivateHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Hospital
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.IsActive || got.ClaimsUsed != 0 {
		t.Errorf("unexpected hospital %+v", got)
	}
}
