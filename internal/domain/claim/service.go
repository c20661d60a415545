package claim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/idgen"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
)

// Background job kinds enqueued by claim transitions. Each carries a
// JobPayload and uses the claim id as its ordering key.
const (
	JobAnalyze         = "claim.analyze"
	JobRequestPayment  = "payment.request"
	JobDeliverDocument = "document.deliver"
)

type JobPayload struct {
	ClaimID uuid.UUID `json:"claim_id"`
	Amount  int64     `json:"amount,omitempty"`
	Resend  bool      `json:"resend,omitempty"`
}

// QuotaConsumer counts a new claim against its hospital's subscription.
type QuotaConsumer interface {
	ConsumeQuota(ctx context.Context, hospitalID uuid.UUID) (*hospital.Hospital, error)
}

type Options struct {
	// Fee is the amount requested per claim once analysis is attached.
	Fee int64
}

type Service struct {
	repo  Repository
	quota QuotaConsumer
	ids   idgen.Generator
	jobs  queue.Enqueuer
	tx    db.Transactor
	fee   int64
	now   func() time.Time
}

func NewService(repo Repository, quota QuotaConsumer, ids idgen.Generator, jobs queue.Enqueuer, tx db.Transactor, opts Options) *Service {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	if opts.Fee <= 0 {
		opts.Fee = 300
	}
	return &Service{repo: repo, quota: quota, ids: ids, jobs: jobs, tx: tx, fee: opts.Fee, now: time.Now}
}

func (s *Service) Fee() int64 { return s.fee }

// Create opens a claim for the hospital's documents. Quota consumption, the
// insert and the analysis job commit together.
func (s *Service) Create(ctx context.Context, h *hospital.Hospital, docs []Document) (*Claim, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	now := s.now().UTC()
	for i := range docs {
		if docs[i].ID == uuid.Nil {
			docs[i].ID = uuid.New()
		}
		if docs[i].UploadedAt.IsZero() {
			docs[i].UploadedAt = now
		}
	}
	c := &Claim{
		ID:                 uuid.New(),
		ClaimNumber:        s.ids.NextClaimNumber(),
		HospitalID:         h.ID,
		HospitalAddress:    h.PhoneNumber,
		Status:             StatusReceived,
		OriginalDocuments:  docs,
		CorrectedDocuments: []CorrectedDocument{},
		Flags:              []Flag{},
		SubmittedAt:        now,
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.quota.ConsumeQuota(ctx, h.ID); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, c); err != nil {
			return fmt.Errorf("create claim: %w", err)
		}
		return s.enqueue(ctx, JobAnalyze, JobPayload{ClaimID: c.ID})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) enqueue(ctx context.Context, kind string, p JobPayload) error {
	if s.jobs == nil {
		return nil
	}
	if err := s.jobs.Enqueue(ctx, kind, p.ClaimID.String(), p); err != nil {
		return fmt.Errorf("enqueue %s for claim %s: %w", kind, p.ClaimID, err)
	}
	return nil
}

// mutate applies fn under the claim's lock and runs after, when set, in the
// same transaction.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(c *Claim) error, after func(ctx context.Context, c *Claim) error) (*Claim, error) {
	var out *Claim
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.Update(ctx, id, fn)
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, c); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

// transition moves the claim to `to`. applied is false when the claim was
// already there or past it.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, apply func(c *Claim, now time.Time) error, hook func(ctx context.Context, c *Claim) error) (*Claim, bool, error) {
	applied := false
	now := s.now().UTC()
	c, err := s.mutate(ctx, id, func(c *Claim) error {
		ok, err := checkTransition(c.ID, c.Status, to)
		if err != nil {
			return err
		}
		if !ok {
			return db.ErrSkipUpdate
		}
		if apply != nil {
			if err := apply(c, now); err != nil {
				return err
			}
		}
		c.Status = to
		applied = true
		return nil
	}, func(ctx context.Context, c *Claim) error {
		if applied && hook != nil {
			return hook(ctx, c)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, applied, nil
}

func (s *Service) StartAnalysis(ctx context.Context, id uuid.UUID) (*Claim, bool, error) {
	return s.transition(ctx, id, StatusAnalyzing, func(c *Claim, _ time.Time) error {
		if len(c.OriginalDocuments) == 0 {
			return ErrNoDocuments
		}
		return nil
	}, nil)
}

// AttachAnalysis stores the analyzer's findings and queues the payment
// request for the claim fee.
func (s *Service) AttachAnalysis(ctx context.Context, id uuid.UUID, result AnalysisResult) (*Claim, bool, error) {
	if result.Confidence < 0 || result.Confidence > 100 {
		return nil, false, fmt.Errorf("%w: confidence must be between 0 and 100, got %v", ErrInvalidInput, result.Confidence)
	}
	return s.transition(ctx, id, StatusAwaitingPayment, func(c *Claim, now time.Time) error {
		r := result
		if r.Errors == nil {
			r.Errors = []Finding{}
		}
		if r.ProcessedAt.IsZero() {
			r.ProcessedAt = now
		}
		c.AnalysisResult = &r
		return nil
	}, func(ctx context.Context, c *Claim) error {
		return s.enqueue(ctx, JobRequestPayment, JobPayload{ClaimID: c.ID, Amount: s.fee})
	})
}

// MarkPaymentReceived records a settled payment. Only the payment engine
// calls it, with evidence of a completed payment for this claim.
func (s *Service) MarkPaymentReceived(ctx context.Context, id uuid.UUID, ev PaymentEvidence) (*Claim, bool, error) {
	if ev.ClaimID != id || ev.PaymentID == uuid.Nil || ev.Status != "completed" {
		return nil, false, ErrInvalidEvidence
	}
	return s.transition(ctx, id, StatusPaymentReceived, func(c *Claim, now time.Time) error {
		snap := ev.Snapshot
		snap.UpdatedAt = now
		c.Payment = &snap
		return nil
	}, nil)
}

// SendCorrectedDocument queues the latest corrected document for delivery.
func (s *Service) SendCorrectedDocument(ctx context.Context, id uuid.UUID) (*Claim, bool, error) {
	return s.transition(ctx, id, StatusProcessing, func(c *Claim, _ time.Time) error {
		if len(c.CorrectedDocuments) == 0 {
			return fmt.Errorf("claim %s has no corrected document: %w", c.ClaimNumber, ErrNoDocuments)
		}
		return nil
	}, func(ctx context.Context, c *Claim) error {
		return s.enqueue(ctx, JobDeliverDocument, JobPayload{ClaimID: c.ID})
	})
}

// ResendCorrectedDocument queues another delivery of the latest corrected
// document for a claim already in processing or completed.
func (s *Service) ResendCorrectedDocument(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.mutate(ctx, id, func(c *Claim) error {
		if c.Status != StatusProcessing && c.Status != StatusCompleted {
			return &InvalidStateError{ClaimID: c.ID, From: c.Status, Op: "resend corrected document"}
		}
		if len(c.CorrectedDocuments) == 0 {
			return ErrNoDocuments
		}
		return db.ErrSkipUpdate
	}, func(ctx context.Context, c *Claim) error {
		return s.enqueue(ctx, JobDeliverDocument, JobPayload{ClaimID: c.ID, Resend: true})
	})
}

func (s *Service) MarkDelivered(ctx context.Context, id uuid.UUID, providerMessageID string) (*Claim, bool, error) {
	return s.transition(ctx, id, StatusCompleted, func(c *Claim, now time.Time) error {
		c.DeliveredAt = &now
		c.CompletedAt = &now
		c.DeliveryMessageID = providerMessageID
		return nil
	}, nil)
}

// RecordRedelivery stamps a resent document's delivery time without a
// transition.
func (s *Service) RecordRedelivery(ctx context.Context, id uuid.UUID, providerMessageID string) (*Claim, error) {
	now := s.now().UTC()
	return s.mutate(ctx, id, func(c *Claim) error {
		c.DeliveredAt = &now
		c.DeliveryMessageID = providerMessageID
		return nil
	}, nil)
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*Claim, bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, false, ErrReasonRequired
	}
	return s.transition(ctx, id, StatusRejected, func(c *Claim, now time.Time) error {
		c.RejectionReason = reason
		c.CompletedAt = &now
		return nil
	}, nil)
}

// Transition is the admin entry point for status changes. Only analysis
// start and rejection may be requested directly; payment_received is
// reserved for the payment engine and other moves have their own operations.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, reason string) (*Claim, bool, error) {
	switch to {
	case StatusAnalyzing:
		return s.StartAnalysis(ctx, id)
	case StatusRejected:
		return s.Reject(ctx, id, reason)
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return nil, false, &InvalidStateError{ClaimID: c.ID, From: c.Status, To: to}
}

// AddNotes appends a note line to the claim's notes.
func (s *Service) AddNotes(ctx context.Context, id uuid.UUID, author, note string) (*Claim, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("%w: note is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	return s.mutate(ctx, id, func(c *Claim) error {
		if err := c.requireMutable("add notes"); err != nil {
			return err
		}
		line := fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), note)
		if author != "" {
			line = fmt.Sprintf("[%s] %s: %s", now.Format(time.RFC3339), author, note)
		}
		if c.Notes != "" {
			c.Notes += "\n"
		}
		c.Notes += line
		return nil
	}, nil)
}

func (s *Service) AttachCorrectedDocument(ctx context.Context, id uuid.UUID, doc CorrectedDocument) (*Claim, error) {
	if strings.TrimSpace(doc.URL) == "" {
		return nil, fmt.Errorf("%w: corrected document url is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	doc.ID = uuid.New()
	doc.UploadedAt = now
	if doc.Annotations == nil {
		doc.Annotations = []Annotation{}
	}
	for i := range doc.Annotations {
		if !doc.Annotations[i].Type.Valid() {
			return nil, fmt.Errorf("%w: annotation type %q", ErrInvalidInput, doc.Annotations[i].Type)
		}
		doc.Annotations[i].ID = uuid.New()
		doc.Annotations[i].CreatedAt = now
		if doc.Annotations[i].CreatedBy == "" {
			doc.Annotations[i].CreatedBy = doc.UploadedBy
		}
	}
	return s.mutate(ctx, id, func(c *Claim) error {
		if err := c.requireMutable("attach corrected document"); err != nil {
			return err
		}
		c.CorrectedDocuments = append(c.CorrectedDocuments, doc)
		return nil
	}, nil)
}

// AddAnnotation attaches an annotation to the corrected document docID, or to
// the latest corrected document when docID is nil.
func (s *Service) AddAnnotation(ctx context.Context, id uuid.UUID, docID uuid.UUID, a Annotation) (*Claim, error) {
	if !a.Type.Valid() {
		return nil, fmt.Errorf("%w: annotation type %q", ErrInvalidInput, a.Type)
	}
	if a.Page < 1 {
		a.Page = 1
	}
	a.ID = uuid.New()
	a.CreatedAt = s.now().UTC()
	return s.mutate(ctx, id, func(c *Claim) error {
		if err := c.requireMutable("add annotation"); err != nil {
			return err
		}
		for i := len(c.CorrectedDocuments) - 1; i >= 0; i-- {
			d := &c.CorrectedDocuments[i]
			if docID == uuid.Nil || d.ID == docID {
				d.Annotations = append(d.Annotations, a)
				return nil
			}
		}
		return fmt.Errorf("corrected document %s: %w", docID, ErrNotFound)
	}, nil)
}

// Flag raises a follow-up marker. Allowed in any state.
func (s *Service) Flag(ctx context.Context, id uuid.UUID, code, message string) (*Claim, error) {
	now := s.now().UTC()
	return s.mutate(ctx, id, func(c *Claim) error {
		c.Flags = append(c.Flags, Flag{Code: code, Message: message, RaisedAt: now})
		return nil
	}, nil)
}

// SyncPayment writes the payment snapshot. A snapshot from an older attempt
// than the one already shown is ignored.
func (s *Service) SyncPayment(ctx context.Context, id uuid.UUID, snap PaymentSnapshot) (*Claim, error) {
	now := s.now().UTC()
	return s.mutate(ctx, id, func(c *Claim) error {
		if c.Payment != nil && c.Payment.PaymentID != snap.PaymentID && snap.Attempt < c.Payment.Attempt {
			return db.ErrSkipUpdate
		}
		snap.UpdatedAt = now
		c.Payment = &snap
		return nil
	}, nil)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByNumber accepts "CLM-…", "#CLM-…" or the bare base36 suffix.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return s.repo.GetByNumber(ctx, idgen.NormalizeClaimNumber(number))
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Claim, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) RecentForHospital(ctx context.Context, hospitalID uuid.UUID, n int) ([]*Claim, error) {
	items, _, err := s.repo.List(ctx, ListFilter{HospitalID: hospitalID}, n, 0)
	return items, err
}

func (s *Service) PendingPayments(ctx context.Context, limit, offset int) ([]*Claim, int, error) {
	return s.repo.List(ctx, ListFilter{Status: StatusAwaitingPayment}, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, flagged, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: make(map[Status]int, len(Statuses)), Flagged: flagged}
	for _, status := range Statuses {
		st.ByStatus[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}
