package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/edusuite/coursescan/internal/api"
	"github.com/edusuite/coursescan/internal/classify"
	"github.com/edusuite/coursescan/internal/config"
	"github.com/edusuite/coursescan/internal/lms"
	"github.com/edusuite/coursescan/internal/progress"
	"github.com/edusuite/coursescan/internal/ratelimit"
	"github.com/edusuite/coursescan/internal/resilience"
	"github.com/edusuite/coursescan/internal/task"
	"github.com/edusuite/coursescan/internal/tasks/findreplace"
)

// application holds the wired components of the server.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	engine *task.Engine
	router http.Handler
}

// newApplication builds the full dependency graph: rate-limit store,
// limiter, classifier, resilience loop, LMS client, broadcaster, task
// registry and engine, and the HTTP router. Every task type the server
// can run is registered here, explicitly.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	var store ratelimit.Store
	if cfg.Redis.Addr != "" {
		store = ratelimit.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		logger.Info("using redis rate limit store", "addr", cfg.Redis.Addr)
	} else {
		store = ratelimit.NewMemoryStore()
		logger.Info("using in-memory rate limit store")
	}

	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		GlobalMultiplier:  cfg.RateLimit.GlobalMultiplier,
		PollInterval:      time.Second,
	}, logger)

	classifier := classify.NewClassifier(logger)
	loop := resilience.NewLoop(limiter, classifier, logger)
	client := lms.NewClient(cfg.LMS, loop, logger)

	broadcaster := progress.NewBroadcaster(logger)

	registry := task.NewRegistry(logger)
	if err := registry.Register(
		findreplace.TypeName,
		findreplace.NewFactory(client, limiter, logger),
		findreplace.Version,
	); err != nil {
		return nil, fmt.Errorf("failed to register task types: %w", err)
	}

	engine := task.NewEngine(registry, limiter, broadcaster, task.EngineConfig{
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		Retention:      cfg.Engine.Retention,
		SweepInterval:  cfg.Engine.SweepInterval,
	}, logger)

	taskHandler := api.NewTaskHandler(engine, registry, limiter, cfg.RateLimit, logger)
	progressHandler := api.NewProgressHandler(broadcaster, logger)

	return &application{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		router: api.NewRouter(taskHandler, progressHandler),
	}, nil
}
