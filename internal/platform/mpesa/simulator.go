package mpesa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulator stands in for Daraja when no credentials are configured. Push
// requests are accepted and stay pending until Settle records an answer.
type Simulator struct {
	mu      sync.Mutex
	results map[string]*QueryResult
}

func NewSimulator() *Simulator {
	return &Simulator{results: make(map[string]*QueryResult)}
}

func (s *Simulator) STKPush(_ context.Context, in STKPushRequest) (*STKPushResponse, error) {
	if _, err := NormalizePhone(in.PhoneNumber); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("mpesa stk push: amount must be positive")
	}
	checkout := "ws_CO_" + time.Now().In(eat).Format(timestampLayout) + strings.ToUpper(uuid.NewString()[:8])
	merchant := strings.ToUpper(uuid.NewString()[:13])

	s.mu.Lock()
	s.results[checkout] = &QueryResult{MerchantRequestID: merchant, CheckoutRequestID: checkout, Pending: true}
	s.mu.Unlock()

	return &STKPushResponse{
		MerchantRequestID:   merchant,
		CheckoutRequestID:   checkout,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (s *Simulator) Query(_ context.Context, checkoutRequestID string) (*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[checkoutRequestID]
	if !ok {
		return nil, &APIError{StatusCode: 400, Code: "400.002.02", Message: "Bad Request - Invalid CheckoutRequestID"}
	}
	cp := *r
	return &cp, nil
}

// Settle records the customer's answer for a checkout id.
func (s *Simulator) Settle(checkoutRequestID string, resultCode int, desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.results[checkoutRequestID]; ok {
		r.Pending = false
		r.ResultCode = resultCode
		r.ResultDesc = desc
	}
}
