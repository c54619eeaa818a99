package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhalm/uploadguard"
	"github.com/nhalm/uploadguard/internal/config"
	"github.com/nhalm/uploadguard/store"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides ADDR)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := uploadguard.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	set, err := store.Open(ctx, storeConfig(cfg),
		store.WithLogger(logger),
		store.WithFallbackHook(uploadguard.LogFallback),
		store.WithFallbackHook(metrics.ObserveFallback),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			logger.Warn("close counter store", zap.Error(err))
		}
	}()

	srv, err := newServer(cfg, set, reg, metrics, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Store.Backend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return set.Local.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend: store.Backend(cfg.Store.Backend),
		Redis: store.RedisConfig{
			URL:          cfg.Store.RedisAddr,
			Password:     cfg.Store.RedisPassword,
			DB:           cfg.Store.RedisDB,
			Prefix:       cfg.Store.RedisPrefix,
			DialTimeout:  cfg.Store.RedisDialTimeout,
			ReadTimeout:  cfg.Store.RedisReadTimeout,
			WriteTimeout: cfg.Store.RedisWriteTimeout,
		},
		SweepInterval:    cfg.Store.SweepInterval,
		OperationTimeout: cfg.Store.OperationTimeout,
	}
}

// server holds the wired components behind the HTTP routes.
type server struct {
	cfg        *config.Config
	set        *store.Set
	registry   *prometheus.Registry
	limiter    *uploadguard.Limiter
	accountant *uploadguard.Accountant
	uploads    uploadguard.Rule
	reads      uploadguard.Rule
	logger     *zap.Logger
}

func newServer(cfg *config.Config, set *store.Set, reg *prometheus.Registry, metrics *uploadguard.Metrics, logger *zap.Logger) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("quota timezone: %w", err)
	}

	accountant, err := uploadguard.NewAccountant(set, uploadguard.QuotaLimits{
		DailyMB:   cfg.Quota.DailyMB,
		MonthlyMB: cfg.Quota.MonthlyMB,
	},
		uploadguard.WithLocation(loc),
		uploadguard.WithAccountantLogger(logger),
		uploadguard.WithAccountantMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	uploads, err := ruleFor(cfg, config.CategoryUploads)
	if err != nil {
		return nil, err
	}
	reads, err := ruleFor(cfg, config.CategoryReads)
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:      cfg,
		set:      set,
		registry: reg,
		limiter: uploadguard.NewLimiter(set,
			uploadguard.WithLimiterLogger(logger),
			uploadguard.WithLimiterMetrics(metrics),
		),
		accountant: accountant,
		uploads:    uploads,
		reads:      reads,
		logger:     logger,
	}, nil
}

func ruleFor(cfg *config.Config, category string) (uploadguard.Rule, error) {
	l, ok := cfg.Limit(category)
	if !ok {
		return uploadguard.Rule{}, fmt.Errorf("no rate limit configured for %q", category)
	}
	return uploadguard.NewRule(l.Category, l.Limit, l.Window())
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(uploadguard.Handler(uploadguard.WithCanonlog(), uploadguard.WithRequestID()))

	var shared uploadguard.Pinger
	if s.set.Shared != nil {
		shared = s.set.Shared
	}
	r.Get("/healthz", uploadguard.HealthHandler(shared))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(uploadguard.IdentityFromHeader(s.cfg.IdentityHeader))

		trust := []uploadguard.RateLimitOption{}
		if s.cfg.TrustProxy {
			trust = append(trust, uploadguard.RateLimitTrustProxy())
		}

		upload := []func(http.Handler) http.Handler{
			uploadguard.NewRateLimiter(s.limiter, s.uploads, trust...).Handler,
			uploadguard.UploadQuota(s.accountant, uploadguard.WithMaxUploadBytes(s.cfg.Quota.MaxUploadBytes)),
		}
		if s.cfg.Quota.MaxUploadBytes > 0 {
			upload = append(upload, uploadguard.MaxBodySize(s.cfg.Quota.MaxUploadBytes))
		}
		r.With(upload...).Post("/uploads", s.handleUpload)

		r.With(
			uploadguard.NewRateLimiter(s.limiter, s.reads, trust...).Handler,
		).Get("/jobs/{id}", s.handleGetJob)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(uploadguard.APIKey(s.cfg.AdminAPIKey))
		uploadguard.NewAdmin(s.limiter, s.accountant, s.logger).Routes(r)
	})

	return r
}

// UploadAccepted is the body of a successful upload.
type UploadAccepted struct {
	UploadID string                 `json:"uploadId"`
	Bytes    int64                  `json:"bytes"`
	Usage    uploadguard.QuotaUsage `json:"usage"`
}

// handleUpload receives the document body and commits its size to the quota.
// Document storage and processing live in the downstream services.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity, _ := uploadguard.IdentityFromContext(r.Context())

	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			uploadguard.SetError(w, r, uploadguard.ErrPayloadTooLarge)
			return
		}
		uploadguard.SetError(w, r, uploadguard.ErrBadRequest.With("Upload body could not be read"))
		return
	}

	s.accountant.RecordUsage(r.Context(), identity, n)

	var usage uploadguard.QuotaUsage
	if d, ok := uploadguard.QuotaDecisionFromContext(r.Context()); ok {
		usage = d.Usage
		mb := uploadguard.BytesToMB(n)
		usage.DailyUsedMB += mb
		usage.MonthlyUsedMB += mb
		usage.DailyRemainingMB = max(0, usage.DailyRemainingMB-mb)
		usage.MonthlyRemainingMB = max(0, usage.MonthlyRemainingMB-mb)
	}

	uploadguard.SetResponse(w, r, http.StatusCreated, UploadAccepted{
		UploadID: uuid.NewString(),
		Bytes:    n,
		Usage:    usage,
	})
}

// handleGetJob answers job lookups. Jobs are owned by the processing service, so
// this front door only applies the read limit and reports unknown jobs.
func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		uploadguard.SetError(w, r, uploadguard.ErrBadRequest.WithParam("Job id must be a UUID", "id"))
		return
	}
	uploadguard.SetError(w, r, uploadguard.ErrNotFound.With("Job not found"))
}
