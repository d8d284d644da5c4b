// livepanel - live assessment round orchestration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/livepanel/internal/api"
	"github.com/ashureev/livepanel/internal/catalog"
	"github.com/ashureev/livepanel/internal/config"
	"github.com/ashureev/livepanel/internal/control"
	"github.com/ashureev/livepanel/internal/difficulty"
	"github.com/ashureev/livepanel/internal/evaluator"
	"github.com/ashureev/livepanel/internal/eventlog"
	"github.com/ashureev/livepanel/internal/feed"
	"github.com/ashureev/livepanel/internal/identity"
	"github.com/ashureev/livepanel/internal/jobs"
	"github.com/ashureev/livepanel/internal/middleware"
	"github.com/ashureev/livepanel/internal/plan"
	"github.com/ashureev/livepanel/internal/rounds"
	"github.com/ashureev/livepanel/internal/scoring"
	"github.com/ashureev/livepanel/internal/store"
	"github.com/ashureev/livepanel/internal/supervisor"
	"github.com/ashureev/livepanel/internal/timer"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "queue", cfg.Queue.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load track catalog", "error", err, "path", cfg.CatalogPath)
		os.Exit(1)
	}

	hub := feed.NewHub(feed.DefaultBuffer, logger)
	events := eventlog.New(repo, hub, logger)
	plans := plan.NewMutator(repo, cfg.Scoring.PlanWriteRetries)
	gate := identity.RoleGate{}
	sup := supervisor.New(repo, plans, events, gate, logger)

	// Evaluator is optional: without it every score is degraded.
	var eval scoring.Evaluator = evaluator.Unavailable{}
	evalCfg := evaluator.DefaultConfig(cfg.Evaluator.Addr)
	evalCfg.ConnectTimeout = cfg.Evaluator.ConnectTimeout
	grpcEval, err := evaluator.Dial(ctx, evalCfg, logger)
	if err != nil {
		slog.Warn("Failed to connect to evaluator, scores will be degraded", "address", cfg.Evaluator.Addr, "error", err)
	} else {
		defer grpcEval.Close()
		eval = grpcEval
		slog.Info("Evaluator connected", "address", cfg.Evaluator.Addr)
	}

	pipeline := scoring.NewPipeline(scoring.Config{
		Store:            repo,
		Plans:            plans,
		Log:              events,
		Catalog:          cat,
		Evaluator:        eval,
		Stopper:          sup,
		Gate:             gate,
		EvaluatorTimeout: cfg.Evaluator.Timeout,
		MinResponseChars: cfg.Scoring.MinResponseChars,
		Logger:           logger,
	})
	adapter := difficulty.New(repo, plans, events, cat, logger)

	queue, closeQueue, err := newQueue(cfg, repo, logger)
	if err != nil {
		slog.Error("Failed to initialize scoring queue", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	engine := rounds.NewEngine(rounds.Config{
		Store:      repo,
		Plans:      plans,
		Log:        events,
		Supervisor: sup,
		Catalog:    cat,
		Queue:      queue,
		Gate:       gate,
		Logger:     logger,
	})
	controls := control.NewService(control.Config{
		Sessions: repo,
		Plans:    plans,
		Log:      events,
		Catalog:  cat,
		Gate:     gate,
		Lookback: cfg.Control.Lookback,
		Logger:   logger,
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(api.Config{
		Rounds:  engine,
		Control: controls,
		Scores:  pipeline,
		Events:  events,
		Gate:    gate,
		Logger:  logger,
	})
	pingers := map[string]api.Pinger{
		"database": repo,
		"queue":    queue,
	}
	if grpcEval != nil {
		pingers["evaluator"] = grpcEval
	}
	healthHandler := api.NewHealthHandler(pingers, 5*time.Second)
	wsHandler := feed.NewWebSocketHandler(hub, events, repo, gate, cfg.AllowedOrigins, cfg.IsDevelopment(), logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware())
	r.Use(limiter.Middleware)

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/sessions/{sessionID}/events", wsHandler.ServeHTTP)

	// Note: WebSocket feeds are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start round timer.
	if cfg.Timer.Enabled {
		timer.NewWorker(timer.Config{
			Sessions: repo,
			Plans:    plans,
			Rounds:   engine,
			Interval: cfg.Timer.Interval,
			Grace:    cfg.Timer.Grace,
			Logger:   logger,
		}).Start(gctx)
	}

	// Start scoring worker.
	g.Go(func() error {
		return queue.Run(gctx, jobs.ScoreAndAdapt(pipeline, adapter, repo, logger))
	})

	// Start server.
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newQueue(cfg *config.Config, repo *store.SQLiteStore, logger *slog.Logger) (jobs.Queue, func(), error) {
	retry := jobs.DefaultRetryPolicy
	retry.MaxAttempts = cfg.Queue.MaxAttempts

	if cfg.Queue.Kind == config.QueueAMQP {
		q, err := jobs.NewAMQPQueue(cfg.Queue.RabbitMQURL, cfg.Queue.Name, retry, logger)
		if err != nil {
			return nil, nil, err
		}
		return q, func() {
			if err := q.Close(); err != nil {
				slog.Error("Failed to close scoring queue", "error", err)
			}
		}, nil
	}

	q := jobs.NewOutboxQueue(repo, jobs.OutboxConfig{
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
		Retry:        retry,
	}, logger)
	return q, func() {}, nil
}
