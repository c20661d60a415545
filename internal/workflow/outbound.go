package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaclaims/shaclaims/internal/domain/conversation"
	"github.com/shaclaims/shaclaims/internal/platform/messaging"
	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// errWindowClosed defers a document delivery until the hospital writes
// again. It is transient so the job is retried with backoff.
var errWindowClosed = retry.Transient("deliver document", 0, errors.New("session window closed"))

// recipient is a hospital's WhatsApp address and the conversation it belongs
// to.
type recipient struct {
	HospitalID uuid.UUID
	Address    string
}

func (w *Workflow) sendWithRetry(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var id string
	err := retry.Do(ctx, w.cfg.SendAttempts, w.cfg.SendPolicy, func(ctx context.Context) error {
		var err error
		id, err = fn(ctx)
		return err
	})
	return id, err
}

// send delivers body as free text inside the session window and as the
// fallback template outside it. The sent message is appended to the
// conversation.
func (w *Workflow) send(ctx context.Context, to recipient, claimID *uuid.UUID, body string) (string, error) {
	win, err := w.conversations.Window(ctx, to.HospitalID)
	if err != nil {
		return "", fmt.Errorf("session window: %w", err)
	}
	if win.Active {
		id, err := w.sendWithRetry(ctx, func(ctx context.Context) (string, error) {
			return w.sender.SendText(ctx, to.Address, body)
		})
		if err == nil {
			return id, w.record(ctx, to, conversation.Payload{Type: conversation.TypeText, Content: body, ProviderMessageID: id, ClaimID: claimID})
		}
		if !messaging.IsSessionClosed(err) {
			return "", err
		}
	}
	return w.sendTemplate(ctx, to, claimID, body)
}

func (w *Workflow) sendTemplate(ctx context.Context, to recipient, claimID *uuid.UUID, body string) (string, error) {
	tpl := messaging.TemplateMessage{Name: w.cfg.TemplateName, Language: w.cfg.TemplateLanguage, Params: []string{body}}
	id, err := w.sendWithRetry(ctx, func(ctx context.Context) (string, error) {
		return w.sender.SendTemplate(ctx, to.Address, tpl)
	})
	if err != nil {
		return "", err
	}
	return id, w.record(ctx, to, conversation.Payload{
		Type: conversation.TypeTemplate, Content: body, TemplateName: tpl.Name, ProviderMessageID: id, ClaimID: claimID,
	})
}

func (w *Workflow) record(ctx context.Context, to recipient, p conversation.Payload) error {
	p.Address = to.Address
	if _, err := w.conversations.RecordMessage(ctx, to.HospitalID, conversation.Outbound, p); err != nil {
		return fmt.Errorf("record outbound message: %w", err)
	}
	return nil
}

// notify renders a reply and sends it. Failures are logged, not returned:
// a reply never decides whether the job that produced it succeeded.
func (w *Workflow) notify(ctx context.Context, to recipient, claimID *uuid.UUID, replyID string, data map[string]string) {
	body, err := w.templates.Render(replyID, data)
	if err != nil {
		w.log(ctx).Error().Err(err).Str("reply", replyID).Msg("render reply")
		return
	}
	if _, err := w.send(ctx, to, claimID, body); err != nil {
		w.log(ctx).Warn().Err(err).Str("reply", replyID).Str("to", to.Address).Msg("reply not sent")
	}
}

// sendDocument delivers a document, which only the session window allows.
// Outside it the hospital is sent a template asking them to reply, and
// errWindowClosed is returned.
func (w *Workflow) sendDocument(ctx context.Context, to recipient, claimID uuid.UUID, doc messaging.Document, firstAttempt bool) (string, error) {
	win, err := w.conversations.Window(ctx, to.HospitalID)
	if err != nil {
		return "", fmt.Errorf("session window: %w", err)
	}
	if win.Active {
		id, err := w.sendWithRetry(ctx, func(ctx context.Context) (string, error) {
			return w.sender.SendDocument(ctx, to.Address, doc)
		})
		if err == nil {
			return id, w.record(ctx, to, conversation.Payload{
				Type: conversation.TypeDocument, Content: doc.Caption, MediaRef: doc.URL, ProviderMessageID: id, ClaimID: &claimID,
			})
		}
		if !messaging.IsSessionClosed(err) {
			return "", err
		}
	}
	if firstAttempt {
		body := fmt.Sprintf("Your corrected documents are ready. Reply to this message to receive them. (%s)", doc.Filename)
		if _, err := w.sendTemplate(ctx, to, &claimID, body); err != nil {
			w.log(ctx).Warn().Err(err).Msg("window reopen template not sent")
		}
	}
	return "", errWindowClosed
}
