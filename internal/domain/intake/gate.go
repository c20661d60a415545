package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
)

// Gate admits each provider message at most once per window. An accepted
// message is marked seen and queued in the same transaction, so a storage
// failure leaves no trace and the provider's redelivery is processed.
type Gate struct {
	seen   SeenSet
	jobs   queue.Enqueuer
	tx     db.Transactor
	window time.Duration
	logger zerolog.Logger
}

func NewGate(seen SeenSet, jobs queue.Enqueuer, tx db.Transactor, window time.Duration, logger zerolog.Logger) *Gate {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{
		seen:   seen,
		jobs:   jobs,
		tx:     tx,
		window: window,
		logger: logger.With().Str("component", "intake").Logger(),
	}
}

// Ingest handles one webhook delivery. The returned error is a storage
// failure; outcomes already decided before it are returned alongside.
func (g *Gate) Ingest(ctx context.Context, raw []byte) ([]Outcome, error) {
	outcomes := parse(raw)
	for i := range outcomes {
		o := &outcomes[i]
		if o.Kind == OutcomeMalformed {
			g.logger.Warn().Str("message_id", o.MessageID).Str("reason", o.Reason).Msg("malformed webhook payload")
			continue
		}
		fresh, err := g.admit(ctx, o.Event)
		if err != nil {
			g.logger.Error().Err(err).Str("message_id", o.MessageID).Msg("inbound handoff failed")
			return outcomes[:i], fmt.Errorf("admit message %s: %w", o.MessageID, err)
		}
		if !fresh {
			o.Kind = OutcomeDuplicate
			g.logger.Debug().Str("message_id", o.MessageID).Msg("duplicate delivery dropped")
			continue
		}
		g.logger.Info().
			Str("message_id", o.MessageID).
			Str("from", o.Event.From).
			Str("type", o.Event.Type()).
			Msg("inbound message queued")
	}
	return outcomes, nil
}

func (g *Gate) admit(ctx context.Context, ev *Event) (bool, error) {
	var fresh bool
	err := g.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		fresh, err = g.seen.MarkSeen(ctx, ev.MessageID, g.window)
		if err != nil || !fresh {
			return err
		}
		return g.jobs.Enqueue(ctx, JobInbound, ev.From, NewInboundJob(*ev))
	})
	return fresh, err
}
