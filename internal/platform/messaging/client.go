// Package messaging sends WhatsApp messages through the Cloud API and
// verifies inbound webhook signatures.
package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// Sender delivers outbound messages and returns the provider message id.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendDocument(ctx context.Context, to string, doc Document) (string, error)
	SendTemplate(ctx context.Context, to string, tpl TemplateMessage) (string, error)
}

type Document struct {
	URL      string `json:"link"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// TemplateMessage is a pre-approved template, the only kind of message the
// provider accepts outside the session window.
type TemplateMessage struct {
	Name     string
	Language string
	Params   []string
}

// APIError is a non-retryable rejection from the provider.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// SessionClosedCode is returned by the provider when free-form messages are
// sent after the 24h customer service window.
const SessionClosedCode = 131047

// IsSessionClosed reports whether err is the provider refusing a free-form
// message because the session window has lapsed.
func IsSessionClosed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == SessionClosedCode
}

type Client struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	httpClient    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient.Timeout = d
		}
	}
}

func NewClient(phoneNumberID, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:       "https://graph.facebook.com/v18.0",
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	})
}

func (c *Client) SendDocument(ctx context.Context, to string, doc Document) (string, error) {
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "document",
		"document":          doc,
	})
}

func (c *Client) SendTemplate(ctx context.Context, to string, tpl TemplateMessage) (string, error) {
	lang := tpl.Language
	if lang == "" {
		lang = "en"
	}
	template := map[string]any{
		"name":     tpl.Name,
		"language": map[string]string{"code": lang},
	}
	if len(tpl.Params) > 0 {
		params := make([]map[string]string, len(tpl.Params))
		for i, p := range tpl.Params {
			params[i] = map[string]string{"type": "text", "text": p}
		}
		template["components"] = []map[string]any{{"type": "body", "parameters": params}}
	}
	return c.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          template,
	})
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

func (c *Client) send(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", retry.Transient("whatsapp.send", 0, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed sendResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", retry.Transient("whatsapp.send", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		if parsed.Error != nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return "", apiErr
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("whatsapp api: response carried no message id")
	}
	return parsed.Messages[0].ID, nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header value ("sha256=<hex>").
func VerifySignature(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}
