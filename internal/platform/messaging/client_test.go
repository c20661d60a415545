package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("12345", "token", WithBaseURL(srv.URL), WithTimeout(time.Second))
}

func TestClient_SendText(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"messages":[{"id":"wamid.ABC"}]}`))
	})

	id, err := c.SendText(context.Background(), "254700000001", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "wamid.ABC" {
		t.Errorf("expected wamid.ABC, got %s", id)
	}
	if got["type"] != "text" || got["to"] != "254700000001" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestClient_SendTemplate(t *testing.T) {
	var got struct {
		Template struct {
			Name       string `json:"name"`
			Components []struct {
				Parameters []struct {
					Text string `json:"text"`
				} `json:"parameters"`
			} `json:"components"`
		} `json:"template"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	})

	_, err := c.SendTemplate(context.Background(), "254700000001", TemplateMessage{Name: "claim_update", Params: []string{"CLM-1", "ready"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Template.Name != "claim_update" || len(got.Template.Components) != 1 {
		t.Fatalf("unexpected template payload %+v", got)
	}
	if got.Template.Components[0].Parameters[1].Text != "ready" {
		t.Errorf("expected params in order")
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.SendText(context.Background(), "254700000001", "hi")
	if !retry.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := NewClient("1", "t", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))

	_, err := c.SendText(context.Background(), "254700000001", "hi")
	if !retry.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestClient_SessionClosed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":131047,"message":"Re-engagement message"}}`))
	})
	_, err := c.SendText(context.Background(), "254700000001", "hi")
	if retry.IsTransient(err) {
		t.Error("4xx must not be transient")
	}
	if !IsSessionClosed(err) {
		t.Errorf("expected session closed error, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"object":"whatsapp_business_account"}`)
	header := "sha256=" + SignPayload(payload, "app-secret")

	if !VerifySignature(payload, "app-secret", header) {
		t.Error("expected valid signature")
	}
	if VerifySignature(payload, "other", header) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature(payload, "app-secret", strings.TrimPrefix(header, "sha256=")) {
		t.Error("expected missing prefix to fail")
	}
}

func TestTemplates_Render(t *testing.T) {
	tpl := NewTemplates()
	got, err := tpl.Render(ReplyClaimReceived, map[string]string{"claim_number": "CLM-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Claim #CLM-7 received! We'll analyze it and get back to you." {
		t.Errorf("unexpected render %q", got)
	}
	if _, err := tpl.Render("missing", nil); err == nil {
		t.Error("expected error for unknown template")
	}

	tpl.Register(Template{ID: ReplyHelp, Body: "custom {{x}}"})
	if got := tpl.MustRender(ReplyHelp, nil); got != "custom {{x}}" {
		t.Errorf("expected unreplaced placeholder, got %q", got)
	}
}

func TestMockSender(t *testing.T) {
	m := &MockSender{}
	m.SendText(context.Background(), "a", "b")
	m.SendDocument(context.Background(), "a", Document{URL: "https://x/doc.pdf"})
	if sent := m.Sent(); len(sent) != 2 || sent[1].Type != "document" {
		t.Errorf("unexpected sent %v", sent)
	}
}
