package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
)

type Type string

const (
	TypePerClaim       Type = "per_claim"
	TypeWeeklyRetainer Type = "weekly_retainer"
	TypeBulk           Type = "bulk"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// InFlight reports whether the payment still waits on the gateway.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// Immutable payments accept no further changes, not even admin overrides.
func (s Status) Immutable() bool {
	return s == StatusCompleted || s == StatusRefunded
}

var (
	ErrNotFound       = errors.New("payment not found")
	ErrInFlight       = errors.New("claim already has a payment in flight")
	ErrImmutable      = errors.New("payment can no longer be changed")
	ErrInvalidAmount  = errors.New("amount must be a positive whole number of shillings")
	ErrNoCorrelation  = errors.New("payment has no checkout request id yet")
	ErrInvalidRequest = errors.New("invalid request")
)

type Payment struct {
	ID                uuid.UUID  `json:"id"`
	HospitalID        uuid.UUID  `json:"hospital_id"`
	ClaimID           *uuid.UUID `json:"claim_id,omitempty"`
	Type              Type       `json:"type"`
	Amount            int64      `json:"amount"`
	PhoneNumber       string     `json:"phone_number"`
	Status            Status     `json:"status"`
	CheckoutRequestID *string    `json:"checkout_request_id,omitempty"`
	MerchantRequestID string     `json:"merchant_request_id,omitempty"`
	ReceiptNumber     string     `json:"receipt_number,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	ResultCode        *int       `json:"result_code,omitempty"`
	ResultDesc        string     `json:"result_desc,omitempty"`
	Attempt           int        `json:"attempt"`
	RequestedAt       time.Time  `json:"requested_at"`
	ReconciledAt      *time.Time `json:"reconciled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (p *Payment) checkoutID() string {
	if p.CheckoutRequestID == nil {
		return ""
	}
	return *p.CheckoutRequestID
}

// Snapshot is the claim's denormalized view of this payment.
func (p *Payment) Snapshot() claim.PaymentSnapshot {
	return claim.PaymentSnapshot{
		PaymentID:         p.ID,
		Amount:            p.Amount,
		Status:            string(p.Status),
		CheckoutRequestID: p.checkoutID(),
		MerchantRequestID: p.MerchantRequestID,
		ReceiptNumber:     p.ReceiptNumber,
		TransactionDate:   p.TransactionDate,
		Attempt:           p.Attempt,
	}
}

func (p *Payment) clone() *Payment {
	cp := *p
	if p.ClaimID != nil {
		v := *p.ClaimID
		cp.ClaimID = &v
	}
	if p.CheckoutRequestID != nil {
		v := *p.CheckoutRequestID
		cp.CheckoutRequestID = &v
	}
	if p.TransactionDate != nil {
		v := *p.TransactionDate
		cp.TransactionDate = &v
	}
	if p.ResultCode != nil {
		v := *p.ResultCode
		cp.ResultCode = &v
	}
	if p.ReconciledAt != nil {
		v := *p.ReconciledAt
		cp.ReconciledAt = &v
	}
	return &cp
}

// Outcome classifies what a reconciliation did.
type Outcome string

const (
	// ReconcileUnmatched: no payment carries the callback's correlation id.
	// Nothing is mutated.
	ReconcileUnmatched Outcome = "unmatched"
	// ReconcileAlreadyReconciled: the payment had already settled.
	ReconcileAlreadyReconciled Outcome = "already_reconciled"
	ReconcileCompleted         Outcome = "completed"
	ReconcileFailed            Outcome = "failed"
	// ReconcileStillPending is only returned by Recheck when the gateway has
	// no answer yet.
	ReconcileStillPending Outcome = "pending"
)

type ReconcileResult struct {
	Outcome Outcome      `json:"outcome"`
	Payment *Payment     `json:"payment,omitempty"`
	Claim   *claim.Claim `json:"claim,omitempty"`
}

// RecheckSummary counts what a sweep of stale payments found.
type RecheckSummary struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Abandoned int `json:"abandoned"`
	Errors    int `json:"errors"`
}
