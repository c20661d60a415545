package claim

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusReceived        Status = "received"
	StatusAnalyzing       Status = "analyzing"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaymentReceived Status = "payment_received"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusRejected        Status = "rejected"
)

// Statuses lists every status in lifecycle order, rejected last.
var Statuses = []Status{
	StatusReceived, StatusAnalyzing, StatusAwaitingPayment, StatusPaymentReceived,
	StatusProcessing, StatusCompleted, StatusRejected,
}

var order = map[Status]int{
	StatusReceived:        0,
	StatusAnalyzing:       1,
	StatusAwaitingPayment: 2,
	StatusPaymentReceived: 3,
	StatusProcessing:      4,
	StatusCompleted:       5,
}

// rejectable are the states an explicit rejection may leave. A claim with a
// payment in flight or already settled cannot be rejected.
var rejectable = map[Status]bool{
	StatusReceived:   true,
	StatusAnalyzing:  true,
	StatusProcessing: true,
}

func (s Status) Valid() bool {
	_, ok := order[s]
	return ok || s == StatusRejected
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

var (
	ErrNotFound        = errors.New("claim not found")
	ErrNoDocuments     = errors.New("claim has no documents")
	ErrReasonRequired  = errors.New("rejection reason is required")
	ErrInvalidEvidence = errors.New("payment evidence does not prove a completed payment for this claim")
	ErrInvalidInput    = errors.New("invalid input")
)

// InvalidStateError reports an illegal transition or a mutation attempted on
// a claim in a state that does not allow it. The claim is left unchanged.
type InvalidStateError struct {
	ClaimID uuid.UUID
	From    Status
	To      Status
	Op      string
}

func (e *InvalidStateError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("claim %s: cannot move from %s to %s", e.ClaimID, e.From, e.To)
	}
	return fmt.Sprintf("claim %s: %s not allowed in state %s", e.ClaimID, e.Op, e.From)
}

// checkTransition decides whether moving from -> to applies. Repeating the
// current state or moving backwards is a silent no-op; skipping forward and
// leaving a rejected claim are errors.
func checkTransition(id uuid.UUID, from, to Status) (bool, error) {
	if from == to {
		return false, nil
	}
	invalid := &InvalidStateError{ClaimID: id, From: from, To: to}
	if from == StatusRejected {
		return false, invalid
	}
	if to == StatusRejected {
		if rejectable[from] {
			return true, nil
		}
		return false, invalid
	}
	if order[to] < order[from] {
		return false, nil
	}
	if from != StatusCompleted && order[to] == order[from]+1 {
		return true, nil
	}
	return false, invalid
}

type DocumentType string

const (
	DocumentImage DocumentType = "image"
	DocumentPDF   DocumentType = "pdf"
)

type Document struct {
	ID         uuid.UUID    `json:"id"`
	MediaID    string       `json:"media_id,omitempty"`
	URL        string       `json:"url,omitempty"`
	Type       DocumentType `json:"type"`
	MimeType   string       `json:"mime_type,omitempty"`
	Filename   string       `json:"filename,omitempty"`
	Caption    string       `json:"caption,omitempty"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

type AnnotationType string

const (
	AnnotationRect      AnnotationType = "rect"
	AnnotationCircle    AnnotationType = "circle"
	AnnotationArrow     AnnotationType = "arrow"
	AnnotationText      AnnotationType = "text"
	AnnotationHighlight AnnotationType = "highlight"
)

func (t AnnotationType) Valid() bool {
	switch t {
	case AnnotationRect, AnnotationCircle, AnnotationArrow, AnnotationText, AnnotationHighlight:
		return true
	}
	return false
}

type Annotation struct {
	ID        uuid.UUID      `json:"id"`
	Type      AnnotationType `json:"type"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Width     float64        `json:"width,omitempty"`
	Height    float64        `json:"height,omitempty"`
	Radius    float64        `json:"radius,omitempty"`
	Text      string         `json:"text,omitempty"`
	Color     string         `json:"color,omitempty"`
	Page      int            `json:"page"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
}

type CorrectedDocument struct {
	ID          uuid.UUID    `json:"id"`
	URL         string       `json:"url"`
	Filename    string       `json:"filename"`
	UploadedAt  time.Time    `json:"uploaded_at"`
	UploadedBy  string       `json:"uploaded_by"`
	Annotations []Annotation `json:"annotations"`
}

type Finding struct {
	Field      string `json:"field"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion,omitempty"`
}

type AnalysisResult struct {
	Errors      []Finding `json:"errors"`
	Confidence  float64   `json:"confidence"`
	ProcessedAt time.Time `json:"processed_at"`
}

// PaymentSnapshot mirrors the claim's current payment. Only the payment
// engine writes it.
type PaymentSnapshot struct {
	PaymentID         uuid.UUID  `json:"payment_id"`
	Amount            int64      `json:"amount"`
	Status            string     `json:"status"`
	CheckoutRequestID string     `json:"checkout_request_id,omitempty"`
	MerchantRequestID string     `json:"merchant_request_id,omitempty"`
	ReceiptNumber     string     `json:"receipt_number,omitempty"`
	TransactionDate   *time.Time `json:"transaction_date,omitempty"`
	Attempt           int        `json:"attempt"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PaymentEvidence is what the payment engine presents when a claim's payment
// has settled.
type PaymentEvidence struct {
	PaymentID     uuid.UUID
	ClaimID       uuid.UUID
	Status        string
	ReceiptNumber string
	Snapshot      PaymentSnapshot
}

// Flag marks a claim for manual follow-up.
type Flag struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

const (
	FlagPaymentRequestFailed = "payment_request_failed"
	FlagDeliveryFailed       = "delivery_failed"
	FlagAnalysisFailed       = "analysis_failed"
	FlagJobDead              = "job_dead"
)

type Claim struct {
	ID                 uuid.UUID           `json:"id"`
	ClaimNumber        string              `json:"claim_number"`
	HospitalID         uuid.UUID           `json:"hospital_id"`
	HospitalAddress    string              `json:"hospital_address"`
	Status             Status              `json:"status"`
	OriginalDocuments  []Document          `json:"original_documents"`
	CorrectedDocuments []CorrectedDocument `json:"corrected_documents"`
	AnalysisResult     *AnalysisResult     `json:"analysis_result"`
	Payment            *PaymentSnapshot    `json:"payment"`
	Notes              string              `json:"notes"`
	Flags              []Flag              `json:"flags"`
	RejectionReason    string              `json:"rejection_reason,omitempty"`
	SubmittedAt        time.Time           `json:"submitted_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	DeliveredAt        *time.Time          `json:"delivered_at,omitempty"`
	DeliveryMessageID  string              `json:"delivery_message_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// LatestCorrected returns the most recently attached corrected document.
func (c *Claim) LatestCorrected() *CorrectedDocument {
	if len(c.CorrectedDocuments) == 0 {
		return nil
	}
	return &c.CorrectedDocuments[len(c.CorrectedDocuments)-1]
}

func (c *Claim) requireMutable(op string) error {
	if c.Status.Terminal() {
		return &InvalidStateError{ClaimID: c.ID, From: c.Status, Op: op}
	}
	return nil
}

func (c *Claim) clone() *Claim {
	cp := *c
	cp.OriginalDocuments = append([]Document(nil), c.OriginalDocuments...)
	cp.CorrectedDocuments = make([]CorrectedDocument, len(c.CorrectedDocuments))
	for i, d := range c.CorrectedDocuments {
		d.Annotations = append([]Annotation(nil), d.Annotations...)
		cp.CorrectedDocuments[i] = d
	}
	cp.Flags = append([]Flag(nil), c.Flags...)
	if c.AnalysisResult != nil {
		a := *c.AnalysisResult
		a.Errors = append([]Finding(nil), a.Errors...)
		cp.AnalysisResult = &a
	}
	if c.Payment != nil {
		p := *c.Payment
		cp.Payment = &p
	}
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		cp.CompletedAt = &v
	}
	if c.DeliveredAt != nil {
		v := *c.DeliveredAt
		cp.DeliveredAt = &v
	}
	return &cp
}

// Stats counts claims by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Flagged  int            `json:"flagged"`
}
