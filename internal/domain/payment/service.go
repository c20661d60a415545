package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/mpesa"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// JobSettled is enqueued with a SettledPayload whenever a payment completes
// or fails, in the same transaction as the change.
const JobSettled = "payment.settled"

type SettledPayload struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// FlagPaymentUnapplied marks a claim whose payment completed after the claim
// had already left awaiting_payment.
const FlagPaymentUnapplied = "payment_unapplied"

// FlagAmountMismatch marks a claim whose completed callback reported a
// different amount than was requested. The payment still completes.
const FlagAmountMismatch = "payment_amount_mismatch"

// ReceiptUnconfirmed prefixes ResultDesc on payments completed by a status
// query. The query carries no receipt number, so ReceiptNumber stays empty
// until someone confirms it against the M-Pesa statement.
const ReceiptUnconfirmed = "receipt unconfirmed (settled by status query)"

// Gateway issues STK push requests and queries their status.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	Query(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// Claims is the part of the claim state machine the payment engine drives.
type Claims interface {
	Get(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
	MarkPaymentReceived(ctx context.Context, id uuid.UUID, ev claim.PaymentEvidence) (*claim.Claim, bool, error)
	SyncPayment(ctx context.Context, id uuid.UUID, snap claim.PaymentSnapshot) (*claim.Claim, error)
	Flag(ctx context.Context, id uuid.UUID, code, message string) (*claim.Claim, error)
}

type Options struct {
	// Attempts bounds STK push calls per request, transient failures only.
	Attempts int
	Policy   retry.Policy
	// Timeout bounds each gateway call.
	Timeout time.Duration
	// Jobs receives JobSettled notifications when set.
	Jobs queue.Enqueuer
}

type Service struct {
	repo     Repository
	claims   Claims
	gateway  Gateway
	tx       db.Transactor
	jobs     queue.Enqueuer
	attempts int
	policy   retry.Policy
	timeout  time.Duration
	now      func() time.Time
}

func NewService(repo Repository, claims Claims, gateway Gateway, tx db.Transactor, opts Options) *Service {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Policy == nil {
		opts.Policy = retry.Exponential{Initial: time.Second, Max: 10 * time.Second}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Service{
		repo:     repo,
		claims:   claims,
		gateway:  gateway,
		tx:       tx,
		jobs:     opts.Jobs,
		attempts: opts.Attempts,
		policy:   opts.Policy,
		timeout:  opts.Timeout,
		now:      time.Now,
	}
}

// RequestPayment asks the hospital to pay amount for a claim awaiting
// payment. A payment already in flight for the claim is returned unchanged.
// When the gateway cannot be reached the payment is marked failed, the claim
// is flagged, and both the payment and the error are returned.
func (s *Service) RequestPayment(ctx context.Context, claimID uuid.UUID, amount int64) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	c, err := s.claims.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c.Status != claim.StatusAwaitingPayment {
		return nil, &claim.InvalidStateError{ClaimID: c.ID, From: c.Status, Op: "request payment"}
	}
	if p, err := s.repo.InFlightForClaim(ctx, claimID); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	phone, err := mpesa.NormalizePhone(c.HospitalAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	prior, err := s.repo.CountForClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}

	id := claimID
	p := &Payment{
		ID:          uuid.New(),
		HospitalID:  c.HospitalID,
		ClaimID:     &id,
		Type:        TypePerClaim,
		Amount:      amount,
		PhoneNumber: phone,
		Status:      StatusPending,
		Attempt:     prior + 1,
		RequestedAt: s.now().UTC(),
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		_, err := s.claims.SyncPayment(ctx, claimID, p.Snapshot())
		return err
	})
	if errors.Is(err, ErrInFlight) {
		return s.repo.InFlightForClaim(ctx, claimID)
	}
	if err != nil {
		return nil, fmt.Errorf("create payment for claim %s: %w", c.ClaimNumber, err)
	}
	return s.push(ctx, p, c.ClaimNumber)
}

func (s *Service) push(ctx context.Context, p *Payment, claimNumber string) (*Payment, error) {
	var resp *mpesa.STKPushResponse
	err := retry.Do(ctx, s.attempts, s.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		r, err := s.gateway.STKPush(callCtx, mpesa.STKPushRequest{
			PhoneNumber:      p.PhoneNumber,
			Amount:           p.Amount,
			AccountReference: claimNumber,
			Description:      "Claim fee",
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	// Settle bookkeeping even when the caller's context is gone.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		failed, ferr := s.markRequestFailed(bg, p, err)
		if ferr != nil {
			return nil, fmt.Errorf("stk push: %v; record failure: %w", err, ferr)
		}
		return failed, fmt.Errorf("stk push for claim %s: %w", claimNumber, err)
	}

	var updated *Payment
	err = s.tx.RunInTx(bg, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.Update(ctx, p.ID, func(p *Payment) error {
			checkout := resp.CheckoutRequestID
			p.CheckoutRequestID = &checkout
			p.MerchantRequestID = resp.MerchantRequestID
			if p.Status == StatusPending {
				p.Status = StatusProcessing
			}
			return nil
		})
		if err != nil {
			return err
		}
		_, err = s.claims.SyncPayment(ctx, *updated.ClaimID, updated.Snapshot())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store checkout id %s: %w", resp.CheckoutRequestID, err)
	}
	return updated, nil
}

func (s *Service) markRequestFailed(ctx context.Context, p *Payment, cause error) (*Payment, error) {
	var failed *Payment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		now := s.now().UTC()
		failed, err = s.repo.Update(ctx, p.ID, func(p *Payment) error {
			if !p.Status.InFlight() {
				return db.ErrSkipUpdate
			}
			p.Status = StatusFailed
			p.ResultDesc = cause.Error()
			p.ReconciledAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := s.claims.SyncPayment(ctx, *failed.ClaimID, failed.Snapshot()); err != nil {
			return err
		}
		if errors.Is(cause, context.Canceled) {
			return nil
		}
		_, err = s.claims.Flag(ctx, *failed.ClaimID, claim.FlagPaymentRequestFailed,
			fmt.Sprintf("payment request attempt %d failed: %v", failed.Attempt, cause))
		return err
	})
	return failed, err
}

// Reconcile applies a gateway callback to the payment it correlates with.
func (s *Service) Reconcile(ctx context.Context, cb mpesa.Callback) (*ReconcileResult, error) {
	p, err := s.repo.GetByCheckoutID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, ErrNotFound) {
		return &ReconcileResult{Outcome: ReconcileUnmatched}, nil
	}
	if err != nil {
		return nil, err
	}
	var mismatch bool
	checkAmount := func(ctx context.Context, p *Payment) error {
		if !mismatch || p.ClaimID == nil {
			return nil
		}
		zerolog.Ctx(ctx).Warn().
			Str("payment_id", p.ID.String()).
			Int64("requested", p.Amount).
			Int64("paid", cb.Amount).
			Msg("callback amount differs from requested amount")
		_, err := s.claims.Flag(ctx, *p.ClaimID, FlagAmountMismatch,
			fmt.Sprintf("payment %s requested KES %d but callback reported KES %d", p.ID, p.Amount, cb.Amount))
		return err
	}
	return s.settle(ctx, p.ID, func(p *Payment, now time.Time) (Outcome, error) {
		if !p.Status.InFlight() {
			return ReconcileAlreadyReconciled, nil
		}
		code := cb.ResultCode
		p.ResultCode = &code
		p.ResultDesc = cb.ResultDesc
		p.ReconciledAt = &now
		if p.MerchantRequestID == "" {
			p.MerchantRequestID = cb.MerchantRequestID
		}
		if code != 0 {
			p.Status = StatusFailed
			return ReconcileFailed, nil
		}
		p.Status = StatusCompleted
		p.ReceiptNumber = cb.ReceiptNumber
		p.TransactionDate = cb.TransactionDate
		mismatch = cb.Amount != 0 && cb.Amount != p.Amount
		return ReconcileCompleted, nil
	}, checkAmount)
}

// settle runs fn on the payment under its lock and carries the outcome over
// to the claim in the same transaction. followUp, when set, runs after the
// claim is updated.
func (s *Service) settle(ctx context.Context, id uuid.UUID, fn func(p *Payment, now time.Time) (Outcome, error), followUp func(ctx context.Context, p *Payment) error) (*ReconcileResult, error) {
	var res *ReconcileResult
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		res = &ReconcileResult{}
		now := s.now().UTC()
		p, err := s.repo.Update(ctx, id, func(p *Payment) error {
			outcome, err := fn(p, now)
			if err != nil {
				return err
			}
			res.Outcome = outcome
			if outcome == ReconcileAlreadyReconciled {
				return db.ErrSkipUpdate
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Payment = p
		if res.Outcome == ReconcileAlreadyReconciled {
			return nil
		}
		if p.ClaimID != nil {
			if res.Claim, err = s.applyToClaim(ctx, p); err != nil {
				return err
			}
		}
		if followUp != nil {
			if err := followUp(ctx, p); err != nil {
				return err
			}
		}
		return s.notifySettled(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) notifySettled(ctx context.Context, p *Payment) error {
	if s.jobs == nil {
		return nil
	}
	key := p.ID.String()
	if p.ClaimID != nil {
		key = p.ClaimID.String()
	}
	return s.jobs.Enqueue(ctx, JobSettled, key, SettledPayload{PaymentID: p.ID})
}

func (s *Service) applyToClaim(ctx context.Context, p *Payment) (*claim.Claim, error) {
	claimID := *p.ClaimID
	c, err := s.claims.SyncPayment(ctx, claimID, p.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("sync claim payment: %w", err)
	}
	if p.Status != StatusCompleted {
		return c, nil
	}
	if c.Status != claim.StatusAwaitingPayment {
		return s.flagUnapplied(ctx, p, c.Status)
	}
	c, _, err = s.claims.MarkPaymentReceived(ctx, claimID, claim.PaymentEvidence{
		PaymentID:     p.ID,
		ClaimID:       claimID,
		Status:        string(p.Status),
		ReceiptNumber: p.ReceiptNumber,
		Snapshot:      p.Snapshot(),
	})
	var invalid *claim.InvalidStateError
	if errors.As(err, &invalid) {
		return s.flagUnapplied(ctx, p, invalid.From)
	}
	return c, err
}

func (s *Service) flagUnapplied(ctx context.Context, p *Payment, status claim.Status) (*claim.Claim, error) {
	return s.claims.Flag(ctx, *p.ClaimID, FlagPaymentUnapplied,
		fmt.Sprintf("payment %s (receipt %s) completed while claim was %s", p.ID, p.ReceiptNumber, status))
}

// Recheck asks the gateway for the payment's status and reconciles the
// answer.
func (s *Service) Recheck(ctx context.Context, id uuid.UUID) (*ReconcileResult, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.InFlight() {
		return &ReconcileResult{Outcome: ReconcileAlreadyReconciled, Payment: p}, nil
	}
	if p.CheckoutRequestID == nil {
		return nil, ErrNoCorrelation
	}

	var q *mpesa.QueryResult
	err = retry.Do(ctx, s.attempts, s.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		r, err := s.gateway.Query(callCtx, *p.CheckoutRequestID)
		if err != nil {
			return err
		}
		q = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query payment %s: %w", p.ID, err)
	}
	if q.Pending {
		return &ReconcileResult{Outcome: ReconcileStillPending, Payment: p}, nil
	}
	desc := q.ResultDesc
	if q.ResultCode == 0 {
		desc = strings.TrimSuffix(ReceiptUnconfirmed+": "+desc, ": ")
	}
	return s.Reconcile(ctx, mpesa.Callback{
		MerchantRequestID: q.MerchantRequestID,
		CheckoutRequestID: *p.CheckoutRequestID,
		ResultCode:        q.ResultCode,
		ResultDesc:        desc,
	})
}

const recheckBatch = 200

// RecheckStale sweeps in-flight payments requested more than olderThan ago.
// Payments that never got a checkout id are abandoned as failed so the claim
// can be billed again.
func (s *Service) RecheckStale(ctx context.Context, olderThan time.Duration) (RecheckSummary, error) {
	var sum RecheckSummary
	items, _, err := s.repo.List(ctx, ListFilter{
		Statuses:        []Status{StatusPending, StatusProcessing},
		RequestedBefore: s.now().UTC().Add(-olderThan),
	}, recheckBatch, 0)
	if err != nil {
		return sum, err
	}
	for _, p := range items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Checked++
		if p.CheckoutRequestID == nil {
			if _, err := s.abandon(ctx, p.ID); err != nil {
				sum.Errors++
				continue
			}
			sum.Abandoned++
			continue
		}
		res, err := s.Recheck(ctx, p.ID)
		if err != nil {
			sum.Errors++
			continue
		}
		switch res.Outcome {
		case ReconcileCompleted:
			sum.Completed++
		case ReconcileFailed:
			sum.Failed++
		case ReconcileStillPending:
			sum.Pending++
		}
	}
	return sum, nil
}

func (s *Service) abandon(ctx context.Context, id uuid.UUID) (*ReconcileResult, error) {
	return s.settle(ctx, id, func(p *Payment, now time.Time) (Outcome, error) {
		if !p.Status.InFlight() || p.CheckoutRequestID != nil {
			return ReconcileAlreadyReconciled, nil
		}
		p.Status = StatusFailed
		p.ResultDesc = "request abandoned before the gateway answered"
		p.ReconciledAt = &now
		return ReconcileFailed, nil
	}, nil)
}

// Override settles a payment by hand. Completing goes through the same path
// as a successful callback, so the claim advances with it.
func (s *Service) Override(ctx context.Context, id uuid.UUID, status Status, receipt, reason string) (*ReconcileResult, error) {
	reason = strings.TrimSpace(reason)
	receipt = strings.TrimSpace(receipt)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	switch status {
	case StatusCompleted:
		if receipt == "" {
			return nil, fmt.Errorf("%w: receipt number is required to complete a payment", ErrInvalidRequest)
		}
	case StatusFailed:
	default:
		return nil, fmt.Errorf("%w: override status must be completed or failed", ErrInvalidRequest)
	}

	return s.settle(ctx, id, func(p *Payment, now time.Time) (Outcome, error) {
		if p.Status.Immutable() {
			return "", ErrImmutable
		}
		if p.Status == status {
			return ReconcileAlreadyReconciled, nil
		}
		p.Status = status
		p.ResultDesc = "override: " + reason
		p.ReconciledAt = &now
		if status == StatusFailed {
			return ReconcileFailed, nil
		}
		code := 0
		p.ResultCode = &code
		p.ReceiptNumber = receipt
		if p.TransactionDate == nil {
			p.TransactionDate = &now
		}
		return ReconcileCompleted, nil
	}, nil)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Payment, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// ListForClaim returns every attempt for a claim, newest first.
func (s *Service) ListForClaim(ctx context.Context, claimID uuid.UUID) ([]*Payment, error) {
	items, _, err := s.repo.List(ctx, ListFilter{ClaimID: claimID}, 100, 0)
	return items, err
}
