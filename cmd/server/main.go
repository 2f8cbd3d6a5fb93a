package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/events"
	"github.com/tourney-link/internal/faq"
	"github.com/tourney-link/internal/handler"
	"github.com/tourney-link/internal/presence"
	"github.com/tourney-link/internal/resolver"
	"github.com/tourney-link/internal/standings"
	"github.com/tourney-link/internal/store"
	"github.com/tourney-link/internal/tetrio"
	"github.com/tourney-link/internal/websocket"
	"github.com/tourney-link/internal/worker"
)

// eventFanout sends resolver events both to the dashboard hub and, when
// Kafka is configured, to the event topic the presence consumer reads.
type eventFanout struct {
	producer *events.Producer
	hub      *websocket.Hub
}

func (f *eventFanout) PublishUsernameChanged(ctx context.Context, event domain.UsernameChangedEvent) error {
	f.hub.BroadcastUsernameChanged(event)
	if f.producer != nil {
		return f.producer.PublishUsernameChanged(ctx, event)
	}
	return nil
}

func (f *eventFanout) PublishPlayerRefreshed(ctx context.Context, event domain.PlayerRefreshedEvent) error {
	f.hub.BroadcastPlayerRefreshed(event)
	if f.producer != nil {
		return f.producer.PublishPlayerRefreshed(ctx, event)
	}
	return nil
}

// hubRenamer surfaces rename decisions on the presence channel so the chat
// platform integration listening there can apply them.
type hubRenamer struct {
	hub *websocket.Hub
}

func (r *hubRenamer) RequestRename(_ context.Context, req domain.RenameRequest) error {
	r.hub.BroadcastRenameRequested(req)
	return nil
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis-backed standings
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	standingsService, err := standings.NewService(&cfg.Redis, &cfg.Standings, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer standingsService.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL record store
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	recordStore, err := store.NewPostgres(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer recordStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := recordStore.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize Kafka producer for username-change events
	var producer *events.Producer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka producer", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.EventTopic)
		producer, err = events.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without Kafka", "error", err)
			producer = nil
		}
	}

	// Initialize ranking service client and resolver
	rankingClient := tetrio.NewClient(&cfg.Tetrio, logger)
	publisher := &eventFanout{producer: producer, hub: wsHub}
	res := resolver.New(rankingClient, recordStore, publisher, cfg.Sweep.Concurrency, logger)

	// Rebuild standings from the database on startup (recovery)
	rebuilder := standings.NewRebuilder(recordStore, standingsService)
	logger.Info("rebuilding standings from database")
	if err := rebuilder.RebuildFromStore(ctx); err != nil {
		logger.Warn("failed to rebuild standings on startup", "error", err)
	}

	// Start stale-record sweeper
	sweeper := worker.NewSweeper(res, rebuilder, &cfg.Sweep, logger)
	if cfg.Sweep.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer driving presence sync
	var consumer *events.Consumer
	if cfg.Kafka.Enabled {
		presenceSync := presence.New(&hubRenamer{hub: wsHub}, logger)
		consumer, err = events.NewConsumer(&cfg.Kafka, presenceSync, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := consumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				consumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Load FAQ table
	faqTable, err := faq.Load(cfg.FAQ.Path)
	if err != nil {
		logger.Warn("failed to load FAQ file, using built-in entries", "error", err)
		faqTable = faq.Default()
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(res, standingsService, faqTable, wsHub, cfg, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop Kafka producer
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to stop Kafka producer", "error", err)
		}
	}

	// Stop sweeper
	if err := sweeper.Stop(); err != nil {
		logger.Error("failed to stop sweeper", "error", err)
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
