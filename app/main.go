package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedriver/river/app/api"
	"github.com/feedriver/river/app/cfg"
	"github.com/feedriver/river/app/database"
	"github.com/feedriver/river/app/feedlist"
	"github.com/feedriver/river/app/fetch"
	"github.com/feedriver/river/app/output"
	"github.com/feedriver/river/app/river"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if c == nil {
		// Help was shown, exit gracefully
		return
	}

	setupLogger(c.Debug)
	slog.Info("Starting river", "version", c.Version)

	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		fatal("Failed to open database", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		fatal("Failed to run migrations", err)
	}
	slog.Info("Database ready", "path", c.DBPath, "migration_version", version, "dirty", dirty)

	repo := database.NewStateRepository(db)

	subs, err := feedlist.Load(c.FeedsFile)
	if err != nil {
		fatal("Failed to load subscription list", err)
	}
	slog.Info("Loaded subscriptions", "file", c.FeedsFile, "count", len(subs))

	archive, err := output.NewArchive(c.OutputDir)
	if err != nil {
		fatal("Failed to prepare output directory", err)
	}

	fetcher := fetch.NewClient(&http.Client{}, c.UserAgent)

	scheduler, err := river.NewScheduler(fetcher, repo, archive, river.Options{
		MinInterval:     c.MinInterval,
		MaxInterval:     c.MaxInterval,
		Smoothing:       c.Smoothing,
		BackoffCap:      c.BackoffCap,
		WorkerCount:     c.WorkerCount,
		FetchTimeout:    c.FetchTimeout,
		FirstCheckLimit: c.FirstCheckLimit,
		RetentionCount:  c.RetentionCount,
		RetentionAge:    c.RetentionAge,
		SeenMultiple:    c.SeenMultiple,
	})
	if err != nil {
		// Invalid bounds make the schedule meaningless; refuse to start.
		fatal("Invalid configuration", err)
	}

	scheduler.Start()
	defer scheduler.Stop()
	scheduler.SetFeeds(subs)

	reloadCtx, stopReload := context.WithCancel(context.Background())
	defer stopReload()
	go reloadLoop(reloadCtx, c, scheduler, repo)

	handler := api.NewHandler(scheduler, c.Version)
	server := api.NewServer(handler)

	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Scheduler is stopped via defer; in-flight fetches finish or hit their
	// fetch timeout.
	slog.Info("Shutdown complete")
}

// reloadLoop re-reads the subscription list so additions and removals take
// effect without a restart. State rows of unsubscribed feeds are pruned.
func reloadLoop(ctx context.Context, c *cfg.Cfg, scheduler *river.Scheduler, repo *database.StateRepository) {
	if c.ReloadInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		subs, err := feedlist.Load(c.FeedsFile)
		if err != nil {
			slog.Warn("Failed to reload subscription list, keeping current set", "error", err)
			continue
		}
		scheduler.SetFeeds(subs)

		keep := make([]string, 0, len(subs))
		for _, sub := range subs {
			keep = append(keep, sub.URL)
		}
		if pruned, err := repo.Prune(keep); err != nil {
			slog.Warn("Failed to prune feed states", "error", err)
		} else if pruned > 0 {
			slog.Info("Pruned unsubscribed feed states", "count", pruned)
		}
	}
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
