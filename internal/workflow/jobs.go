package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/domain/payment"
	"github.com/shaclaims/shaclaims/internal/platform/analyzer"
	"github.com/shaclaims/shaclaims/internal/platform/messaging"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

func claimRecipient(c *claim.Claim) recipient {
	return recipient{HospitalID: c.HospitalID, Address: c.HospitalAddress}
}

func (w *Workflow) loadClaim(ctx context.Context, job *queue.Job) (*claim.Claim, claim.JobPayload, error) {
	var p claim.JobPayload
	if err := job.Decode(&p); err != nil {
		return nil, p, err
	}
	c, err := w.claims.Get(ctx, p.ClaimID)
	if errors.Is(err, claim.ErrNotFound) {
		return nil, p, queue.Permanent(err)
	}
	return c, p, err
}

// HandleAnalyze starts analysis and, when an analyzer is configured, attaches
// its findings. Without one the claim waits in analyzing for an analyst.
func (w *Workflow) HandleAnalyze(ctx context.Context, job *queue.Job) error {
	c, _, err := w.loadClaim(ctx, job)
	if err != nil {
		return err
	}
	c, _, err = w.claims.StartAnalysis(ctx, c.ID)
	var invalid *claim.InvalidStateError
	if errors.As(err, &invalid) || errors.Is(err, claim.ErrNoDocuments) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if c.Status != claim.StatusAnalyzing {
		return nil
	}
	if w.analyzer == nil {
		w.log(ctx).Info().Str("claim_number", c.ClaimNumber).Msg("claim awaiting manual analysis")
		return nil
	}

	req := analyzer.Request{ClaimID: c.ID.String(), ClaimNumber: c.ClaimNumber}
	for _, d := range c.OriginalDocuments {
		req.Documents = append(req.Documents, analyzer.Document{URL: d.URL, MediaID: d.MediaID, MimeType: d.MimeType})
	}
	res, err := w.analyzer.Analyze(ctx, req)
	if err != nil {
		if retry.IsTransient(err) {
			return err
		}
		if _, ferr := w.claims.Flag(ctx, c.ID, claim.FlagAnalysisFailed, err.Error()); ferr != nil {
			return ferr
		}
		w.log(ctx).Warn().Err(err).Str("claim_number", c.ClaimNumber).Msg("analysis failed, left for manual review")
		return nil
	}

	result := claim.AnalysisResult{Confidence: res.Confidence, Errors: make([]claim.Finding, 0, len(res.Errors))}
	for _, f := range res.Errors {
		result.Errors = append(result.Errors, claim.Finding{Field: f.Field, Issue: f.Issue, Suggestion: f.Suggestion})
	}
	c, applied, err := w.claims.AttachAnalysis(ctx, c.ID, result)
	if errors.Is(err, claim.ErrInvalidInput) || errors.As(err, &invalid) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if applied {
		w.notify(ctx, claimRecipient(c), &c.ID, messaging.ReplyAnalysisComplete, map[string]string{
			"claim_number": c.ClaimNumber,
			"error_count":  strconv.Itoa(len(result.Errors)),
			"confidence":   strconv.FormatFloat(result.Confidence, 'f', 0, 64),
		})
	}
	return nil
}

// HandleRequestPayment sends the STK push for a claim that finished
// analysis.
func (w *Workflow) HandleRequestPayment(ctx context.Context, job *queue.Job) error {
	c, p, err := w.loadClaim(ctx, job)
	if err != nil {
		return err
	}
	amount := p.Amount
	if amount <= 0 {
		amount = w.claims.Fee()
	}
	return w.requestPayment(ctx, c, amount)
}

// requestPayment asks for payment and tells the hospital. A claim that has
// moved on is not an error. A gateway failure has already failed the
// payment and flagged the claim, so it is not retried here.
func (w *Workflow) requestPayment(ctx context.Context, c *claim.Claim, amount int64) error {
	to := claimRecipient(c)
	pay, err := w.payments.RequestPayment(ctx, c.ID, amount)
	var invalid *claim.InvalidStateError
	switch {
	case errors.As(err, &invalid):
		w.log(ctx).Info().Str("claim_number", c.ClaimNumber).Str("status", string(invalid.From)).Msg("payment no longer needed")
		return nil
	case err != nil && pay != nil:
		w.notify(ctx, to, &c.ID, messaging.ReplyPaymentFailed, map[string]string{
			"claim_number": c.ClaimNumber,
			"reason":       "the payment service is unavailable",
		})
		return queue.Permanent(err)
	case errors.Is(err, payment.ErrInvalidRequest), errors.Is(err, payment.ErrInvalidAmount):
		return queue.Permanent(err)
	case err != nil:
		return err
	}
	w.notify(ctx, to, &c.ID, messaging.ReplyPaymentPrompt, map[string]string{
		"claim_number": c.ClaimNumber,
		"amount":       strconv.FormatInt(pay.Amount, 10),
	})
	return nil
}

// HandleSettled tells the hospital how its payment ended.
func (w *Workflow) HandleSettled(ctx context.Context, job *queue.Job) error {
	var sp payment.SettledPayload
	if err := job.Decode(&sp); err != nil {
		return err
	}
	p, err := w.payments.Get(ctx, sp.PaymentID)
	if errors.Is(err, payment.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if p.ClaimID == nil {
		return nil
	}
	c, err := w.claims.Get(ctx, *p.ClaimID)
	if err != nil {
		return err
	}
	to := claimRecipient(c)
	switch p.Status {
	case payment.StatusCompleted:
		w.notify(ctx, to, &c.ID, messaging.ReplyPaymentConfirmed, map[string]string{
			"claim_number": c.ClaimNumber,
			"receipt":      p.ReceiptNumber,
		})
	case payment.StatusFailed:
		reason := p.ResultDesc
		if reason == "" {
			reason = "the payment was not completed"
		}
		w.notify(ctx, to, &c.ID, messaging.ReplyPaymentFailed, map[string]string{
			"claim_number": c.ClaimNumber,
			"reason":       reason,
		})
	}
	return nil
}

// HandleDeliver sends the latest corrected document and completes the claim,
// or stamps a redelivery.
func (w *Workflow) HandleDeliver(ctx context.Context, job *queue.Job) error {
	c, p, err := w.loadClaim(ctx, job)
	if err != nil {
		return err
	}
	if !p.Resend && c.Status == claim.StatusCompleted {
		return nil
	}
	if c.Status != claim.StatusProcessing && c.Status != claim.StatusCompleted {
		return queue.Permanent(&claim.InvalidStateError{ClaimID: c.ID, From: c.Status, To: claim.StatusCompleted, Op: "deliver document"})
	}
	latest := c.LatestCorrected()
	if latest == nil {
		return queue.Permanent(fmt.Errorf("claim %s: %w", c.ClaimNumber, claim.ErrNoDocuments))
	}

	doc := messaging.Document{
		URL:      latest.URL,
		Filename: latest.Filename,
		Caption:  w.templates.MustRender(messaging.ReplyDocumentDelivered, map[string]string{"claim_number": c.ClaimNumber}),
	}
	msgID, err := w.sendDocument(ctx, claimRecipient(c), c.ID, doc, job.Attempts <= 1)
	if err != nil {
		return err
	}
	if p.Resend {
		_, err = w.claims.RecordRedelivery(ctx, c.ID, msgID)
		return err
	}
	_, _, err = w.claims.MarkDelivered(ctx, c.ID, msgID)
	return err
}
