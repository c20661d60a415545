package claim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/shaclaims/shaclaims/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t, 0)
	return NewHandler(f.svc), f, echo.New()
}

func jsonContext(e *echo.Echo, method, body string, rec *httptest.ResponseRecorder) echo.Context {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(req.Context(), "analyst-1", auth.RoleAnalyst))
	return e.NewContext(req, rec)
}

func TestHandler_GetClaim(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.newClaim(t, "254700000501")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.GetClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Claim
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ClaimNumber != cl.ClaimNumber {
		t.Errorf("unexpected claim %+v", got)
	}
}

func TestHandler_GetClaimByNumber_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("number")
	c.SetParamValues("CLM-NOPE")

	err := h.GetClaimByNumber(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListClaims_FilterByStatus(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.newClaim(t, "254700000502")
	f.advance(t, f.newClaim(t, "254700000502"), StatusAnalyzing)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=analyzing", nil), rec)
	if err := h.ListClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int      `json:"total"`
		Data  []*Claim `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Data[0].Status != StatusAnalyzing {
		t.Errorf("unexpected list %+v", body)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=lost", nil), httptest.NewRecorder())
	if err, ok := h.ListClaims(c).(*echo.HTTPError); !ok || err.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status")
	}
}

func TestHandler_Transition_PaymentReceivedRefused(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.advance(t, f.newClaim(t, "254700000503"), StatusAwaitingPayment)

	c := jsonContext(e, http.MethodPost, `{"status":"payment_received"}`, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	err := h.TransitionClaim(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_Transition_ReplayReportsNotApplied(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.newClaim(t, "254700000504")

	for i, want := range []bool{true, false} {
		rec := httptest.NewRecorder()
		c := jsonContext(e, http.MethodPost, `{"status":"analyzing"}`, rec)
		c.SetParamNames("id")
		c.SetParamValues(cl.ID.String())
		if err := h.TransitionClaim(c); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		var resp TransitionResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Applied != want || resp.Claim.Status != StatusAnalyzing {
			t.Errorf("call %d: unexpected response %+v", i, resp)
		}
	}
}

func TestHandler_AttachAnalysis(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.advance(t, f.newClaim(t, "254700000505"), StatusAnalyzing)

	rec := httptest.NewRecorder()
	c := jsonContext(e, http.MethodPost, `{"confidence":82,"errors":[{"field":"member_no","issue":"invalid"}]}`, rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.AttachAnalysis(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp TransitionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Claim.Status != StatusAwaitingPayment {
		t.Errorf("expected awaiting_payment, got %s", resp.Claim.Status)
	}

	c = jsonContext(e, http.MethodPost, `{"errors":[]}`, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err, ok := h.AttachAnalysis(c).(*echo.HTTPError); !ok || err.Code != http.StatusBadRequest {
		t.Error("expected 400 without confidence")
	}
}

func TestHandler_AddNotes_RecordsAuthor(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.newClaim(t, "254700000506")

	rec := httptest.NewRecorder()
	c := jsonContext(e, http.MethodPost, `{"note":"called the facility"}`, rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.AddNotes(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), cl.ID)
	if !strings.Contains(got.Notes, "analyst-1: called the facility") {
		t.Errorf("unexpected notes %q", got.Notes)
	}
}

func TestHandler_CorrectedDocumentAndSend(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.advance(t, f.newClaim(t, "254700000507"), StatusPaymentReceived)

	rec := httptest.NewRecorder()
	c := jsonContext(e, http.MethodPost, `{"url":"https://files/c.pdf","filename":"c.pdf","annotations":[{"type":"highlight","x":1,"y":2,"width":30,"height":4,"page":1}]}`, rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.AttachCorrectedDocument(c); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = jsonContext(e, http.MethodPost, ``, rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.SendDocument(c); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	got, _ := f.svc.Get(context.Background(), cl.ID)
	if got.Status != StatusProcessing || got.CorrectedDocuments[0].UploadedBy != "analyst-1" {
		t.Errorf("unexpected claim %+v", got)
	}
}

func TestHandler_GetStats(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.newClaim(t, "254700000508")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.GetStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Stats
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Total != 1 || st.ByStatus[StatusReceived] != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}
