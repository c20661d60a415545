// Package analyzer calls the external claim document analyzer. The analyzer
// is opaque: it receives document links and answers with the issues it found
// and a confidence score.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

type Document struct {
	URL      string `json:"url,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type Request struct {
	ClaimID     string     `json:"claim_id"`
	ClaimNumber string     `json:"claim_number"`
	Documents   []Document `json:"documents"`
}

type Finding struct {
	Field      string `json:"field"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
}

type Result struct {
	Errors     []Finding `json:"errors"`
	Confidence float64   `json:"confidence"`
}

type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze posts the claim documents and returns the analyzer's findings.
func (c *Client) Analyze(ctx context.Context, in Request) (*Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient("analyzer", 0, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.Transient("analyzer", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analyzer: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out Result
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("analyzer: decode response: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 100 {
		return nil, fmt.Errorf("analyzer: confidence %v out of range", out.Confidence)
	}
	return &out, nil
}
