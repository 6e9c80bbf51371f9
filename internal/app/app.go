// Package app wires the engine's components from configuration. Both the
// HTTP server and the one-shot CLI build on it.
package app

import (
	"context"
	"fmt"

	"github.com/timmy/skiptrace/internal/cache"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/export"
	"github.com/timmy/skiptrace/internal/extractor"
	"github.com/timmy/skiptrace/internal/gate"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/scraper"
	"github.com/timmy/skiptrace/internal/service"
	"github.com/timmy/skiptrace/internal/storage"
	"gorm.io/gorm"
)

// App holds the long-lived components of one process.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Gate     *gate.Gate
	Hub      *service.Hub
	Registry *extractor.Registry
	Tasks    *service.TaskService
	Cache    *cache.Store // nil when caching is disabled
}

// initDB is replaced in tests.
var initDB = repository.InitDB

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New opens the database and builds every component from cfg. The database
// is closed again when any later step fails.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	db, err := initDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
	}()

	registry, err := extractor.NewRegistryFromConfig(cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("init sources: %w", err)
	}
	if len(registry.Modes()) == 0 {
		return nil, fmt.Errorf("no lookup source is enabled")
	}

	g := gate.New(cfg.Scraper.MaxConcurrency)
	client := scraper.NewClient(scraper.Config{
		Endpoint:    cfg.Scraper.Endpoint,
		Token:       cfg.Scraper.Token,
		Render:      cfg.Scraper.Render,
		Timeout:     cfg.Scraper.Timeout,
		MaxRetries:  cfg.Scraper.MaxRetries,
		BackoffBase: cfg.Scraper.BackoffBase,
		BackoffMax:  cfg.Scraper.BackoffMax,
	}, g)

	taskRepo := repository.NewTaskRepository(db)
	resultRepo := repository.NewResultRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)

	a := &App{Config: cfg, DB: db, Gate: g, Hub: service.NewHub(), Registry: registry}

	var pageCache cache.Cache = cache.Nop{}
	orchCfg := service.OrchestratorConfig{MaxPages: cfg.Tasks.MaxPages}
	if cfg.Cache.Enabled {
		a.Cache = cache.NewStore(repository.NewCacheRepository(db))
		pageCache = a.Cache
		orchCfg.CacheTTL = cfg.Cache.TTL
	}

	var objectStorage storage.ObjectStorage
	if cfg.Storage.Enabled {
		objectStorage, err = storage.NewStorage(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		if b, ok := objectStorage.(bucketEnsurer); ok {
			if err = b.EnsureBucket(ctx); err != nil {
				return nil, fmt.Errorf("ensure export bucket: %w", err)
			}
		}
	}

	orch := service.NewOrchestrator(client, pageCache, ledgerRepo, taskRepo, resultRepo, orchCfg)
	orch.AddProgressObserver(a.Hub)
	orch.AddCompletionObserver(a.Hub)

	a.Tasks = service.NewTaskService(
		taskRepo,
		resultRepo,
		ledgerRepo,
		registry,
		orch,
		export.NewExporter(objectStorage, cfg.Storage.Prefix),
		g,
		service.TaskServiceConfig{Limits: cfg.Tasks, Defaults: cfg.Filters},
	)

	logger.With(logger.Fields{
		logger.FieldCount: len(registry.Modes()),
	}).Info(ctx, "Engine ready: modes=%v, max_concurrency=%d, cache=%t, exports_uploaded=%t",
		registry.Modes(), g.Capacity(), cfg.Cache.Enabled, cfg.Storage.Enabled)
	return a, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
