package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/skiptrace/internal/api"
	"github.com/timmy/skiptrace/internal/api/handler"
	"github.com/timmy/skiptrace/internal/app"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/logger"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = 6 * time.Hour
)

func main() {
	// Initialize logger first (env driven, rotated file outside local)
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize engine")
	}
	defer a.Close()

	// Tasks left running by a previous process can never settle now
	if _, err := a.Tasks.RecoverInterrupted(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to recover interrupted tasks")
	}

	sqlDB, err := a.DB.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to get sql.DB instance")
	}
	var purger handler.CachePurger
	if a.Cache != nil {
		purger = a.Cache
	}

	router := api.SetupRouter(api.Deps{
		Tasks:  a.Tasks,
		Events: a.Hub,
		Admin:  a.Tasks,
		Cache:  purger,
		DB:     sqlDB,
		Gate:   a.Gate,
		Logger: appLogger,
		Server: cfg.Server,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Settle tasks first so event streams see their done event
		taskErr := a.Tasks.Shutdown(shutdownCtx)
		srvErr := srv.Shutdown(shutdownCtx)
		return errors.Join(taskErr, srvErr)
	})

	if a.Cache != nil {
		g.Go(func() error {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := a.Cache.Purge(gctx); err != nil && gctx.Err() == nil {
						appLogger.WithError(err).Warn("Cache purge failed")
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		appLogger.WithError(err).Error("Server exited with error")
		return
	}
	appLogger.Info("Server exited")
}
