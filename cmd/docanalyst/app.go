package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/docanalyst/internal/backend"
	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/config"
	"github.com/aristath/docanalyst/internal/document"
	"github.com/aristath/docanalyst/internal/events"
	"github.com/aristath/docanalyst/internal/orchestrator"
	"github.com/aristath/docanalyst/internal/persistence"
	"github.com/aristath/docanalyst/internal/persistence/postgres"
	"github.com/aristath/docanalyst/internal/task"
)

// application holds the wired components shared by serve and analyze.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	pm      *backend.ProcessManager
	bus     *events.EventBus
	catalog *catalog.Catalog
	service *orchestrator.Service

	closeStore func() error
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	cat := catalog.Legal()

	store, closeStore, err := openStore(ctx, cfg, cat.Validate, logger)
	if err != nil {
		return nil, err
	}

	pm := backend.NewProcessManager()
	invoker, err := backend.New(ctx, backend.Config{
		Type:   cfg.Backend,
		Binary: cfg.ClaudeBinary,
		Model:  cfg.Model,
		APIKey: cfg.GeminiAPIKey,
	}, pm, logger)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("creating %s backend: %w", cfg.Backend, err)
	}

	bus := events.NewEventBus()
	orch, err := orchestrator.New(orchestrator.Config{
		Store:      store,
		Catalog:    cat,
		Preparer:   document.NewFilePreparer(cfg.MaxDocumentChars),
		Invoker:    invoker,
		Breakers:   orchestrator.NewCircuitBreakerRegistry(breakerConfig(cfg.Breaker, cfg.Workers), logger),
		Events:     bus,
		Logger:     logger,
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout.Std(),
		Retry:      retryConfig(cfg.Retry),
	})
	if err != nil {
		bus.Close()
		closeStore()
		return nil, err
	}

	return &application{
		cfg:        cfg,
		logger:     logger,
		pm:         pm,
		bus:        bus,
		catalog:    cat,
		service:    orchestrator.NewService(orch, logger),
		closeStore: closeStore,
	}, nil
}

// shutdown fails in-flight tasks, kills leftover subprocesses and closes the store.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping service: %w", err))
	}
	if err := a.pm.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}
	a.bus.Close()
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// openStore selects the TaskStore named by the configuration.
func openStore(ctx context.Context, cfg *config.Config, validate task.JobValidator, logger *slog.Logger) (task.Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		return task.NewMemoryStore(validate), func() error { return nil }, nil

	case "sqlite":
		s, err := persistence.NewSQLiteStore(ctx, cfg.SQLitePath, validate)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("using sqlite task store", "path", cfg.SQLitePath)
		return s, s.Close, nil

	case "postgres":
		s, err := postgres.Open(ctx, cfg.DatabaseURL, validate, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		logger.Info("using postgres task store")
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func retryConfig(c config.RetryConfig) orchestrator.RetryConfig {
	return orchestrator.RetryConfig{
		InitialInterval:     c.InitialInterval.Std(),
		MaxInterval:         c.MaxInterval.Std(),
		MaxElapsedTime:      c.MaxElapsedTime.Std(),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
		MaxRetries:          c.MaxRetries,
	}
}

// breakerConfig lets a full round of workers through a half-open breaker.
func breakerConfig(c config.BreakerConfig, workers int) orchestrator.BreakerConfig {
	maxRequests := c.MaxRequests
	if workers > 0 && maxRequests < uint32(workers) {
		maxRequests = uint32(workers)
	}
	return orchestrator.BreakerConfig{
		MaxRequests:         maxRequests,
		Timeout:             c.Timeout.Std(),
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
}
