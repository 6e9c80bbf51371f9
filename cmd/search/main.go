package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timmy/skiptrace/internal/app"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "skiptrace-search",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	owner := flag.String("owner", "", "Account the task is billed to")
	mode := flag.String("mode", "peoplelookup", "Lookup source to search")
	names := flag.String("names", "", "Comma-separated full names to look up")
	locations := flag.String("locations", "", "Semicolon-separated locations, e.g. \"Austin, TX;Dallas, TX\"")
	minAge := flag.Int("min-age", 0, "Minimum age (0 uses the configured default)")
	maxAge := flag.Int("max-age", 0, "Maximum age (0 uses the configured default)")
	states := flag.String("states", "", "Comma-separated state codes to keep")
	exactName := flag.Bool("exact-name", false, "Require first and last name to match")
	wireless := flag.Bool("wireless-only", false, "Keep only records with a wireless number")
	grant := flag.String("grant", "", "Credits to add to the owner's balance before submitting")
	exportPath := flag.String("export", "", "Write the results CSV to this file")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *owner == "" || *names == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
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

	if *grant != "" {
		amount, err := domain.ParseCredits(*grant)
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid -grant amount")
		}
		balance, err := a.Tasks.Grant(ctx, *owner, amount)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to grant credits")
		}
		appLogger.WithFields(logger.Fields{"owner_id": *owner, "balance": balance.String()}).Info("Credits granted")
	}

	task, err := a.Tasks.Submit(ctx, service.SubmitRequest{
		OwnerID:   *owner,
		Mode:      *mode,
		Names:     strings.Split(*names, ","),
		Locations: strings.Split(*locations, ";"),
		Filters: domain.FilterConfig{
			MinAge:         *minAge,
			MaxAge:         *maxAge,
			ExactNameMatch: *exactName,
			States:         strings.Split(*states, ","),
			WirelessOnly:   *wireless,
		},
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to submit task")
	}
	appLogger.WithField("task_id", task.ID).Info("Task submitted, press Ctrl-C to cancel")

	// First signal cancels the task; it still settles and persists what it paid for
	go func() {
		<-ctx.Done()
		if err := a.Tasks.Cancel(context.Background(), *owner, task.ID); err == nil {
			appLogger.Warn("Cancellation requested, waiting for the task to settle")
		}
	}()

	if err := a.Tasks.Wait(context.Background(), task.ID); err != nil {
		appLogger.WithError(err).Fatal("Failed waiting for task")
	}

	snap, err := a.Tasks.Status(context.Background(), *owner, task.ID, 0)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read task status")
	}
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))

	if *exportPath != "" {
		res, err := a.Tasks.Export(context.Background(), *owner, task.ID)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to export results")
		}
		if err := os.WriteFile(*exportPath, res.Body, 0o644); err != nil {
			appLogger.WithError(err).Fatal("Failed to write export")
		}
		fields := logger.Fields{"path": *exportPath, "count": snap.TotalResults}
		if res.URL != "" {
			fields["url"] = res.URL
		}
		appLogger.WithFields(fields).Info("Results exported")
	}

	if snap.Status == domain.TaskStatusFailed {
		os.Exit(1)
	}
}
