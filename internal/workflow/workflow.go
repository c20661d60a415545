// Package workflow runs the background jobs that move a claim from an
// inbound WhatsApp message to a delivered corrected document.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/domain/conversation"
	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/domain/intake"
	"github.com/shaclaims/shaclaims/internal/domain/payment"
	"github.com/shaclaims/shaclaims/internal/platform/analyzer"
	"github.com/shaclaims/shaclaims/internal/platform/messaging"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// Analyzer scores a claim's documents. A nil Analyzer leaves claims in
// analyzing for an analyst to fill in.
type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Request) (*analyzer.Result, error)
}

type Deps struct {
	Hospitals     *hospital.Service
	Conversations *conversation.Service
	Claims        *claim.Service
	Payments      *payment.Service
	Analyzer      Analyzer
	Sender        messaging.Sender
	Templates     *messaging.Templates
}

type Config struct {
	// TemplateName is the approved template used once the session window
	// has closed. Its single body parameter carries the reply text.
	TemplateName     string
	TemplateLanguage string
	SendAttempts     int
	SendPolicy       retry.Policy
	// StatusLimit is how many claims the "status" command lists.
	StatusLimit int
}

func (c Config) withDefaults() Config {
	if c.TemplateName == "" {
		c.TemplateName = "claim_update"
	}
	if c.TemplateLanguage == "" {
		c.TemplateLanguage = "en"
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SendPolicy == nil {
		c.SendPolicy = retry.Exponential{Initial: time.Second, Max: 10 * time.Second}
	}
	if c.StatusLimit <= 0 {
		c.StatusLimit = 3
	}
	return c
}

type Workflow struct {
	hospitals     *hospital.Service
	conversations *conversation.Service
	claims        *claim.Service
	payments      *payment.Service
	analyzer      Analyzer
	sender        messaging.Sender
	templates     *messaging.Templates
	cfg           Config
	logger        zerolog.Logger
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Workflow {
	if deps.Templates == nil {
		deps.Templates = messaging.NewTemplates()
	}
	return &Workflow{
		hospitals:     deps.Hospitals,
		conversations: deps.Conversations,
		claims:        deps.Claims,
		payments:      deps.Payments,
		analyzer:      deps.Analyzer,
		sender:        deps.Sender,
		templates:     deps.Templates,
		cfg:           cfg.withDefaults(),
		logger:        logger.With().Str("component", "workflow").Logger(),
	}
}

// Register wires every job kind the pipeline produces into d.
func (w *Workflow) Register(d *queue.Dispatcher) {
	d.Handle(intake.JobInbound, w.HandleInbound)
	d.Handle(claim.JobAnalyze, w.HandleAnalyze)
	d.Handle(claim.JobRequestPayment, w.HandleRequestPayment)
	d.Handle(claim.JobDeliverDocument, w.HandleDeliver)
	d.Handle(payment.JobSettled, w.HandleSettled)
	d.OnDead(w.OnDead)
}

// OnDead flags the claim a dead-lettered job belonged to so an analyst picks
// it up.
func (w *Workflow) OnDead(ctx context.Context, job *queue.Job, cause error) {
	var p struct {
		ClaimID uuid.UUID `json:"claim_id"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.ClaimID == uuid.Nil {
		w.logger.Error().Err(cause).Str("job_id", job.ID.String()).Str("kind", job.Kind).Msg("dead job has no claim to flag")
		return
	}
	msg := fmt.Sprintf("%s gave up after %d attempts: %v", job.Kind, job.Attempts, cause)
	if _, err := w.claims.Flag(ctx, p.ClaimID, claim.FlagJobDead, msg); err != nil {
		w.logger.Error().Err(err).Str("claim_id", p.ClaimID.String()).Msg("flag claim for dead job")
	}
}

func (w *Workflow) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &w.logger
}
