package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shaclaims/shaclaims/internal/platform/retry"
)

// HandlerFunc processes one job. Returning an error schedules a retry unless
// the error is Permanent or the job has used all its attempts.
type HandlerFunc func(ctx context.Context, job *Job) error

// DeadFunc is called after a job is moved to the dead letter state.
type DeadFunc func(ctx context.Context, job *Job, err error)

type DispatcherConfig struct {
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Backoff spaces retries of failed jobs. Defaults to doubling from
	// InitialBackoff up to MaxBackoff.
	Backoff retry.Policy
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Backoff == nil {
		c.Backoff = retry.Exponential{Initial: c.InitialBackoff, Max: c.MaxBackoff}
	}
	return c
}

// Dispatcher claims jobs from a Store and runs the handler registered for
// their kind.
type Dispatcher struct {
	store    Store
	cfg      DispatcherConfig
	handlers map[string]HandlerFunc
	onDead   []DeadFunc
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(store Store, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With().Str("component", "queue").Logger(),
		now:      time.Now,
	}
}

// Handle registers fn for jobs of kind. Register before Run.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// OnDead registers a callback for dead-lettered jobs.
func (d *Dispatcher) OnDead(fn DeadFunc) {
	d.onDead = append(d.onDead, fn)
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("workers", d.cfg.Workers).Dur("poll_interval", d.cfg.PollInterval).Msg("queue dispatcher started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(ctx, worker)
		})
	}
	err := g.Wait()
	d.logger.Info().Msg("queue dispatcher stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		jobs, err := d.store.Claim(ctx, 1, d.cfg.Lease)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Int("worker", worker).Msg("claim jobs")
		}
		for _, job := range jobs {
			d.process(ctx, job)
		}
		if len(jobs) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchPending runs one batch synchronously and returns how many jobs
// were processed.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	jobs, err := d.store.Claim(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	for _, job := range jobs {
		d.process(ctx, job)
	}
	return len(jobs), nil
}

// Drain keeps dispatching until no runnable job is left or ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.DispatchPending(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	log := d.logger.With().
		Str("job_id", job.ID.String()).
		Str("kind", job.Kind).
		Str("ordering_key", job.OrderingKey).
		Int("attempt", job.Attempts).
		Logger()

	err := d.invoke(log.WithContext(ctx), job)

	// Settle even if ctx was cancelled mid-job so the lease is not wasted.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := d.store.Ack(settleCtx, job.ID); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack job")
		}
	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		log.Error().Err(err).Msg("job dead-lettered")
		if buryErr := d.store.Bury(settleCtx, job.ID, err.Error()); buryErr != nil {
			log.Error().Err(buryErr).Msg("bury job")
			return
		}
		job.Status = StatusDead
		job.LastError = err.Error()
		for _, fn := range d.onDead {
			fn(settleCtx, job, err)
		}
	default:
		delay := d.backoff(job.Attempts)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
		if retryErr := d.store.Retry(settleCtx, job.ID, d.now().Add(delay), err.Error()); retryErr != nil {
			log.Error().Err(retryErr).Msg("reschedule job")
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, job *Job) (err error) {
	fn, ok := d.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("stack", string(debug.Stack())).
				Msgf("panic in job handler: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.Backoff.NextDelay(attempt)
}
