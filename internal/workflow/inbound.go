package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/domain/conversation"
	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/domain/intake"
	"github.com/shaclaims/shaclaims/internal/platform/idgen"
	"github.com/shaclaims/shaclaims/internal/platform/messaging"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
)

// HandleInbound processes one accepted WhatsApp message: the hospital is
// resolved, the message logged, and images or documents open a claim while
// text is read as a command.
func (w *Workflow) HandleInbound(ctx context.Context, job *queue.Job) error {
	var in intake.InboundJob
	if err := job.Decode(&in); err != nil {
		return err
	}
	ev := in.Event()

	h, err := w.hospitals.Resolve(ctx, ev.From)
	if err != nil {
		return err
	}
	to := recipient{HospitalID: h.ID, Address: ev.From}
	if _, err := w.conversations.RecordMessage(ctx, h.ID, conversation.Inbound, inboundPayload(ev)); err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}

	switch p := ev.Payload.(type) {
	case intake.ImagePayload:
		return w.openClaim(ctx, h, to, claim.Document{
			MediaID: p.MediaID, Type: claim.DocumentImage, MimeType: p.MimeType, Caption: p.Caption,
		})
	case intake.DocumentPayload:
		return w.openClaim(ctx, h, to, claim.Document{
			MediaID: p.MediaID, Type: claim.DocumentPDF, MimeType: p.MimeType, Filename: p.Filename, Caption: p.Caption,
		})
	case intake.TextPayload:
		w.command(ctx, h, to, p.Body)
		return nil
	case intake.OtherPayload:
		w.log(ctx).Debug().Str("type", p.Type).Str("from", ev.From).Msg("unsupported message type recorded")
		return nil
	default:
		return queue.Permanent(fmt.Errorf("unclassified payload %T", ev.Payload))
	}
}

func inboundPayload(ev intake.Event) conversation.Payload {
	p := conversation.Payload{ProviderMessageID: ev.MessageID, Address: ev.From}
	switch v := ev.Payload.(type) {
	case intake.ImagePayload:
		p.Type, p.MediaRef, p.Content = conversation.TypeImage, v.MediaID, v.Caption
	case intake.DocumentPayload:
		p.Type, p.MediaRef, p.Content = conversation.TypeDocument, v.MediaID, v.Filename
	case intake.TextPayload:
		p.Type, p.Content = conversation.TypeText, v.Body
	case intake.OtherPayload:
		p.Type, p.Content = conversation.TypeOther, v.Type
	}
	return p
}

func (w *Workflow) openClaim(ctx context.Context, h *hospital.Hospital, to recipient, doc claim.Document) error {
	c, err := w.claims.Create(ctx, h, []claim.Document{doc})
	var quota *hospital.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		w.notify(ctx, to, nil, messaging.ReplyQuotaExceeded, map[string]string{"limit": strconv.Itoa(quota.Limit)})
		return nil
	case errors.Is(err, hospital.ErrHospitalInactive):
		w.notify(ctx, to, nil, messaging.ReplyHospitalInactive, nil)
		return nil
	case err != nil:
		return err
	}
	w.log(ctx).Info().Str("claim_number", c.ClaimNumber).Str("hospital_id", h.ID.String()).Msg("claim received")
	w.notify(ctx, to, &c.ID, messaging.ReplyClaimReceived, map[string]string{"claim_number": c.ClaimNumber})
	return nil
}

// command answers "status", "pay <claim number>" and replies with help to
// anything else.
func (w *Workflow) command(ctx context.Context, h *hospital.Hospital, to recipient, text string) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		w.notify(ctx, to, nil, messaging.ReplyHelp, nil)
		return
	}
	switch fields[0] {
	case "status":
		w.status(ctx, h, to)
	case "pay":
		if len(fields) < 2 {
			w.notify(ctx, to, nil, messaging.ReplyHelp, nil)
			return
		}
		w.pay(ctx, h, to, fields[1])
	default:
		w.notify(ctx, to, nil, messaging.ReplyHelp, nil)
	}
}

func (w *Workflow) status(ctx context.Context, h *hospital.Hospital, to recipient) {
	recent, err := w.claims.RecentForHospital(ctx, h.ID, w.cfg.StatusLimit)
	if err != nil {
		w.log(ctx).Error().Err(err).Msg("load recent claims")
		return
	}
	if len(recent) == 0 {
		w.notify(ctx, to, nil, messaging.ReplyNoClaims, nil)
		return
	}
	lines := []string{w.templates.MustRender(messaging.ReplyStatusHeader, nil)}
	for _, c := range recent {
		lines = append(lines, w.templates.MustRender(messaging.ReplyStatusLine, map[string]string{
			"claim_number": c.ClaimNumber,
			"status":       string(c.Status),
		}))
	}
	if _, err := w.send(ctx, to, nil, strings.Join(lines, "\n")); err != nil {
		w.log(ctx).Warn().Err(err).Msg("status reply not sent")
	}
}

func (w *Workflow) pay(ctx context.Context, h *hospital.Hospital, to recipient, number string) {
	c, err := w.claims.GetByNumber(ctx, number)
	if err != nil || c.HospitalID != h.ID || c.Status != claim.StatusAwaitingPayment {
		w.notify(ctx, to, nil, messaging.ReplyClaimNotFound, map[string]string{"claim_number": idgen.NormalizeClaimNumber(number)})
		return
	}
	if err := w.requestPayment(ctx, c, w.claims.Fee()); err != nil {
		w.log(ctx).Error().Err(err).Str("claim_number", c.ClaimNumber).Msg("payment request from chat failed")
	}
}
