package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ehr/booking/internal/config"
	"github.com/ehr/booking/internal/domain/booking"
	"github.com/ehr/booking/internal/domain/identity"
	"github.com/ehr/booking/internal/platform/auth"
	"github.com/ehr/booking/internal/platform/cache"
	"github.com/ehr/booking/internal/platform/db"
	"github.com/ehr/booking/internal/platform/events"
	"github.com/ehr/booking/internal/platform/middleware"
	"github.com/ehr/booking/internal/platform/telemetry"
	"github.com/ehr/booking/internal/platform/webhook"
)

// backends are the optional collaborators of the booking service. Nil fields
// are simply not wired.
type backends struct {
	cache     *cache.Redis
	publisher *events.Publisher
	webhooks  *webhook.Dispatcher
	tracing   *sdktrace.TracerProvider
}

func (b backends) pingers() map[string]db.Pinger {
	deps := make(map[string]db.Pinger)
	if b.cache != nil {
		deps["redis"] = b.cache
	}
	if b.publisher != nil {
		deps["amqp"] = b.publisher
	}
	return deps
}

func (b backends) close() {
	if b.cache != nil {
		_ = b.cache.Close()
	}
	if b.publisher != nil {
		_ = b.publisher.Close()
	}
	if b.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.webhooks.Close(ctx)
	}
	if b.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.tracing.Shutdown(ctx)
	}
}

// sinks fans booking events out to every connected backend. It returns nil
// when none is connected.
func (b backends) sinks(recorder events.Recorder) booking.EventPublisher {
	f := events.NewFanout(recorder)
	if b.publisher != nil {
		f.Add("amqp", b.publisher)
	}
	if b.webhooks != nil {
		f.Add("webhook", b.webhooks)
	}
	if f.Len() == 0 {
		return nil
	}
	return f
}

// connectBackends dials Redis, RabbitMQ and the OTLP collector when
// configured. Any of them being unreachable degrades the server instead of
// stopping it.
func connectBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) backends {
	var b backends
	if cfg.RedisURL != "" {
		c, err := cache.NewRedis(ctx, cfg.RedisURL, "booking:")
		if err != nil {
			logger.Warn().Err(err).Msg("agenda cache disabled")
		} else {
			b.cache = c
			logger.Info().Dur("ttl", cfg.AgendaCacheTTL).Msg("agenda cache enabled")
		}
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("booking event publishing disabled")
		} else {
			b.publisher = p
			logger.Info().Str("exchange", cfg.AMQPExchange).Msg("booking event publishing enabled")
		}
	}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
		}
		d, err := webhook.NewDispatcher(endpoints, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("webhooks disabled")
		} else {
			b.webhooks = d
			logger.Info().Int("endpoints", len(endpoints)).Msg("webhooks enabled")
		}
	}
	if cfg.TracingEnabled {
		tp, err := newTracing(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("tracing disabled")
		} else {
			b.tracing = tp
			telemetry.InstallGlobal(tp)
			logger.Info().Str("endpoint", cfg.OTLPEndpoint).Float64("sample_rate", cfg.TracingSampleRate).Msg("tracing enabled")
		}
	}
	return b
}

func newTracing(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	exp, err := telemetry.NewOTLPExporter(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	return telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName: "booking-server",
		Environment: cfg.Env,
		SampleRate:  cfg.TracingSampleRate,
	}, exp)
}

func poolGauges(pool *pgxpool.Pool) []telemetry.Gauge {
	return []telemetry.Gauge{
		{Name: "db_pool_total_connections", Help: "Open database pool connections.", Read: func() float64 { return float64(pool.Stat().TotalConns()) }},
		{Name: "db_pool_acquired_connections", Help: "Database connections in use.", Read: func() float64 { return float64(pool.Stat().AcquiredConns()) }},
		{Name: "db_pool_idle_connections", Help: "Idle database pool connections.", Read: func() float64 { return float64(pool.Stat().IdleConns()) }},
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, b backends) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var metrics *telemetry.Metrics
	var recorder events.Recorder
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	if b.tracing != nil {
		e.Use(telemetry.TracingMiddleware(b.tracing))
	}
	if cfg.MetricsEnabled {
		metrics = telemetry.New(poolGauges(pool)...)
		recorder = metrics
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(authMiddleware(cfg))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(logger))

	identitySvc := identity.NewService(identity.NewPatientRepoPG(pool), identity.NewPractitionerRepoPG(pool))
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)

	opts := []booking.Option{booking.WithDefaults(cfg.BookingDefaultDuration, cfg.BookingDefaultKind)}
	if b.cache != nil {
		opts = append(opts, booking.WithCache(b.cache, cfg.AgendaCacheTTL))
	}
	if pub := b.sinks(recorder); pub != nil {
		opts = append(opts, booking.WithPublisher(pub))
	}
	if metrics != nil {
		opts = append(opts, booking.WithRecorder(metrics))
	}
	if b.tracing != nil {
		opts = append(opts, booking.WithTracer(telemetry.Tracer(b.tracing)))
	}
	bookingSvc := booking.NewService(
		booking.NewBookingRepoPG(pool),
		booking.NewTransactorPG(pool),
		identitySvc,
		logger.With().Str("component", "booking").Logger(),
		opts...,
	)
	booking.NewHandler(bookingSvc).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, b.pingers()))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	return e
}

func runServer(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: requests without a token act as an admin dev-user")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	b := connectBackends(ctx, cfg, logger)
	defer b.close()

	e := newServer(cfg, pool, logger, b)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		if cfg.TLSEnabled {
			errCh <- e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
