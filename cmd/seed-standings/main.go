package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/resolver"
	"github.com/tourney-link/internal/standings"
	"github.com/tourney-link/internal/store"
	"github.com/tourney-link/internal/tetrio"
)

// seed-standings pulls the full ranked ladder from the ranking service in a
// single request, refreshes every linked record it covers, and rebuilds the
// Redis standings snapshot. Run it after bulk-linking players or before a
// tournament to avoid one API call per record.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout for the seed run")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	recordStore, err := store.NewPostgres(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer recordStore.Close()

	if err := recordStore.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	standingsService, err := standings.NewService(&cfg.Redis, &cfg.Standings, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer standingsService.Close()

	rankingClient := tetrio.NewClient(&cfg.Tetrio, logger)
	res := resolver.New(rankingClient, recordStore, nil, cfg.Sweep.Concurrency, logger)

	start := time.Now()
	updated, err := res.SeedFromLadder(ctx)
	if err != nil {
		logger.Error("ladder seed failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ladder seed complete", "updated", updated, "elapsed", time.Since(start))

	rebuilder := standings.NewRebuilder(recordStore, standingsService)
	if err := rebuilder.RebuildFromStore(ctx); err != nil {
		logger.Error("standings rebuild failed", "error", err)
		os.Exit(1)
	}

	count, err := standingsService.Count(ctx)
	if err != nil {
		logger.Warn("failed to count standings entries", "error", err)
	} else {
		logger.Info("standings rebuilt", "entries", count)
	}
}
