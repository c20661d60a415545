package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shaclaims/shaclaims/internal/config"
	"github.com/shaclaims/shaclaims/internal/domain/claim"
	"github.com/shaclaims/shaclaims/internal/domain/conversation"
	"github.com/shaclaims/shaclaims/internal/domain/hospital"
	"github.com/shaclaims/shaclaims/internal/domain/intake"
	"github.com/shaclaims/shaclaims/internal/domain/payment"
	"github.com/shaclaims/shaclaims/internal/platform/analyzer"
	"github.com/shaclaims/shaclaims/internal/platform/auth"
	"github.com/shaclaims/shaclaims/internal/platform/db"
	"github.com/shaclaims/shaclaims/internal/platform/idgen"
	"github.com/shaclaims/shaclaims/internal/platform/messaging"
	"github.com/shaclaims/shaclaims/internal/platform/middleware"
	"github.com/shaclaims/shaclaims/internal/platform/mpesa"
	"github.com/shaclaims/shaclaims/internal/platform/queue"
	"github.com/shaclaims/shaclaims/internal/platform/retry"
	"github.com/shaclaims/shaclaims/internal/workflow"
)

const version = "0.1.0"

// app holds every wired component. pool is nil with the memory driver.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	jobs          queue.Store
	seen          intake.SeenSet
	stopSeen      func()
	hospitals     *hospital.Service
	conversations *conversation.Service
	claims        *claim.Service
	payments      *payment.Service
	gate          *intake.Gate
	dispatcher    *queue.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, stopSeen: func() {}}

	ids, err := idgen.NewSnowflake(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("claim number generator: %w", err)
	}

	var (
		hospitalRepo     hospital.Repository
		conversationRepo conversation.Repository
		claimRepo        claim.Repository
		paymentRepo      payment.Repository
		tx               db.Transactor
	)
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("STORAGE_DRIVER=memory, state is lost on restart")
		hospitalRepo = hospital.NewMemoryRepo()
		conversationRepo = conversation.NewMemoryRepo()
		claimRepo = claim.NewMemoryRepo()
		paymentRepo = payment.NewMemoryRepo()
		a.jobs = queue.NewMemoryStore()
		seen := intake.NewMemorySeenSet(time.Minute)
		a.seen, a.stopSeen = seen, seen.Stop
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		hospitalRepo = hospital.NewRepoPG(pool)
		conversationRepo = conversation.NewRepoPG(pool)
		claimRepo = claim.NewRepoPG(pool)
		paymentRepo = payment.NewRepoPG(pool)
		a.jobs = queue.NewPGStore(pool)
		a.seen = intake.NewSeenSetPG(pool)
		tx = db.NewTransactor(pool)
		logger.Info().Msg("connected to database")
	}

	jobs := queue.NewClient(a.jobs, cfg.QueueMaxAttempts)
	sendPolicy := retry.Exponential{Initial: time.Second, Max: 30 * time.Second}

	a.hospitals = hospital.NewService(hospitalRepo, hospital.Defaults{
		Tier:        hospital.Tier(cfg.DefaultTier),
		ClaimsLimit: cfg.DefaultClaimsLimit,
	})
	a.conversations = conversation.NewService(conversationRepo, cfg.SessionWindow)
	a.claims = claim.NewService(claimRepo, a.hospitals, ids, jobs, tx, claim.Options{Fee: cfg.ClaimFee})
	a.payments = payment.NewService(paymentRepo, a.claims, a.gateway(), tx, payment.Options{
		Attempts: cfg.OutboundMaxAttempts,
		Policy:   sendPolicy,
		Timeout:  cfg.PaymentTimeout,
		Jobs:     jobs,
	})
	a.gate = intake.NewGate(a.seen, jobs, tx, cfg.DedupWindow, logger)

	wf := workflow.New(workflow.Deps{
		Hospitals:     a.hospitals,
		Conversations: a.conversations,
		Claims:        a.claims,
		Payments:      a.payments,
		Analyzer:      a.analyzer(),
		Sender:        a.sender(),
		Templates:     messaging.NewTemplates(),
	}, workflow.Config{
		TemplateName: cfg.MetaTemplateName,
		SendAttempts: cfg.OutboundMaxAttempts,
		SendPolicy:   sendPolicy,
	}, logger)

	a.dispatcher = queue.NewDispatcher(a.jobs, queue.DispatcherConfig{
		Workers:      cfg.QueueWorkers,
		PollInterval: cfg.QueuePollInterval,
	}, logger)
	wf.Register(a.dispatcher)

	return a, nil
}

func (a *app) gateway() payment.Gateway {
	if a.cfg.MpesaConsumerKey == "" {
		a.logger.Warn().Msg("MPESA_CONSUMER_KEY not set, using the payment simulator")
		return mpesa.NewSimulator()
	}
	return mpesa.NewClient(mpesa.Config{
		BaseURL:        a.cfg.MpesaBaseURL,
		ConsumerKey:    a.cfg.MpesaConsumerKey,
		ConsumerSecret: a.cfg.MpesaConsumerSecret,
		Shortcode:      a.cfg.MpesaShortcode,
		Passkey:        a.cfg.MpesaPasskey,
		CallbackURL:    a.cfg.MpesaCallbackURL,
		Timeout:        a.cfg.PaymentTimeout,
	})
}

func (a *app) sender() messaging.Sender {
	if a.cfg.MetaAccessToken == "" {
		a.logger.Warn().Msg("META_ACCESS_TOKEN not set, outbound messages are only logged")
		return messaging.NewLogSender(a.logger)
	}
	return messaging.NewClient(a.cfg.MetaPhoneNumberID, a.cfg.MetaAccessToken,
		messaging.WithBaseURL(a.cfg.MetaAPIBase),
		messaging.WithTimeout(a.cfg.MessagingTimeout),
	)
}

func (a *app) analyzer() workflow.Analyzer {
	if a.cfg.AnalyzerURL == "" {
		a.logger.Info().Msg("ANALYZER_URL not set, claims wait in analyzing for an analyst")
		return nil
	}
	return analyzer.NewClient(a.cfg.AnalyzerURL, a.cfg.AnalyzerTimeout)
}

func (a *app) close() {
	a.stopSeen()
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) routes() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Webhooks authenticate with provider secrets, not dashboard tokens.
	intake.NewHandler(a.gate, cfg.MetaVerifyToken, cfg.MetaAppSecret).RegisterRoutes(e)
	payment.NewWebhookHandler(a.payments, cfg.MpesaCallbackToken, a.logger).RegisterRoutes(e)

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AdminJWTSecret),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	hospital.NewHandler(a.hospitals).RegisterRoutes(apiV1)
	conversation.NewHandler(a.conversations).RegisterRoutes(apiV1)
	claim.NewHandler(a.claims).RegisterRoutes(apiV1)
	payment.NewHandler(a.payments, cfg.ClaimFee).RegisterRoutes(apiV1)
	queue.NewHandler(a.jobs).RegisterRoutes(apiV1)

	e.GET("/health", a.health)
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "driver": config.StorageDriverMemory})
		})
	}
	return e
}

type healthResponse struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Storage   string       `json:"storage"`
	Hospitals int          `json:"hospitals"`
	Claims    *claim.Stats `json:"claims"`
	DeadJobs  int          `json:"dead_jobs"`
}

func (a *app) health(c echo.Context) error {
	ctx := c.Request().Context()
	resp := healthResponse{Status: "ok", Version: version, Storage: a.cfg.StorageDriver}

	var err error
	if resp.Hospitals, err = a.hospitals.Count(ctx); err != nil {
		return a.unhealthy(c, err)
	}
	if resp.Claims, err = a.claims.Stats(ctx); err != nil {
		return a.unhealthy(c, err)
	}
	if _, resp.DeadJobs, err = a.jobs.List(ctx, queue.ListFilter{Status: queue.StatusDead}, 1, 0); err != nil {
		return a.unhealthy(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *app) unhealthy(c echo.Context, err error) error {
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("health check")
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
}

// serve runs the HTTP server, the job dispatcher and the periodic sweeps
// until ctx is cancelled, then shuts the server down gracefully.
func (a *app) serve(ctx context.Context) error {
	e := a.routes()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("storage", a.cfg.StorageDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		every(ctx, a.cfg.PaymentRecheckEvery, func(ctx context.Context) {
			a.recheckPayments(ctx, a.cfg.PaymentRecheckAfter)
		})
		return nil
	})
	g.Go(func() error {
		every(ctx, time.Hour, a.purgeSeen)
		return nil
	})

	err := g.Wait()
	a.logger.Info().Msg("server stopped")
	return err
}

// every calls fn each interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *app) recheckPayments(ctx context.Context, olderThan time.Duration) payment.RecheckSummary {
	sum, err := a.payments.RecheckStale(ctx, olderThan)
	log := a.logger.Info()
	if err != nil {
		log = a.logger.Error().Err(err)
	}
	log.Int("checked", sum.Checked).
		Int("completed", sum.Completed).
		Int("failed", sum.Failed).
		Int("pending", sum.Pending).
		Int("abandoned", sum.Abandoned).
		Int("errors", sum.Errors).
		Msg("payment recheck sweep")
	return sum
}

func (a *app) purgeSeen(ctx context.Context) {
	n, err := a.seen.Purge(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("purge seen message ids")
		return
	}
	if n > 0 {
		a.logger.Debug().Int("purged", n).Msg("purged seen message ids")
	}
}
