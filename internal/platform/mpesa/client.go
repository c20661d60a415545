// Package mpesa is a thin client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// APIError is a Daraja rejection that retrying will not fix.
type APIError struct {
	StatusCode int
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa: status %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// STKPushRequest asks the customer's phone to approve a payment.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResult is the outcome of an STK push status query. Pending is set
// while the customer has not yet answered the prompt.
type QueryResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	Pending           bool
	ResultCode        int
	ResultDesc        string
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + ts))
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := c.do(req, "mpesa.oauth", &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("mpesa oauth: empty access token")
	}

	ttl, _ := strconv.Atoi(out.ExpiresIn)
	if ttl <= 0 {
		ttl = 3599
	}
	c.token = out.AccessToken
	// Refresh a minute early so an in-flight request never carries a stale token.
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(op, 0, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.Transient(op, resp.StatusCode, apiErr)
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// STKPush issues a Lipa na M-Pesa Online request. The returned
// CheckoutRequestID correlates the later callback.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	phone, err := NormalizePhone(in.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("mpesa stk push: amount must be positive")
	}
	ts := c.now().In(eat).Format(timestampLayout)
	body := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            in.Amount,
		"PartyA":            phone,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  truncate(in.AccountReference, 12),
		"TransactionDesc":   truncate(in.Description, 13),
	}

	var out STKPushResponse
	if err := c.post(ctx, "mpesa.stkpush", "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: out.ResponseCode, Message: out.ResponseDescription}
	}
	return &out, nil
}

// processingCode is returned by the query endpoint, as an HTTP 500, while
// the customer has not answered the prompt.
const processingCode = "500.001.1001"

// Query asks Daraja for the status of an earlier STK push.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	ts := c.now().In(eat).Format(timestampLayout)
	body := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out struct {
		MerchantRequestID string `json:"MerchantRequestID"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResultCode        string `json:"ResultCode"`
		ResultDesc        string `json:"ResultDesc"`
	}
	err := c.post(ctx, "mpesa.query", "/mpesa/stkpushquery/v1/query", body, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == processingCode {
			return &QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
		}
		return nil, err
	}

	code, convErr := strconv.Atoi(out.ResultCode)
	if convErr != nil {
		return &QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultDesc: out.ResultDesc}, nil
	}
	return &QueryResult{
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        out.ResultDesc,
	}, nil
}

// NormalizePhone converts 07XXXXXXXX, +2547XXXXXXXX and 2547XXXXXXXX to the
// 2547XXXXXXXX form Daraja expects.
func NormalizePhone(s string) (string, error) {
	s = strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "254" + s[1:]
	case (strings.HasPrefix(s, "7") || strings.HasPrefix(s, "1")) && len(s) == 9:
		s = "254" + s
	}
	if len(s) != 12 || !strings.HasPrefix(s, "254") {
		return "", fmt.Errorf("mpesa: invalid phone number %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("mpesa: invalid phone number %q", s)
		}
	}
	return s, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
