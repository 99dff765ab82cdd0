package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/order-intake/backend/internal/aggregator"
	"github.com/order-intake/backend/internal/api/handlers"
	cacheredis "github.com/order-intake/backend/internal/cache/redis"
	"github.com/order-intake/backend/internal/changes"
	"github.com/order-intake/backend/internal/events"
	"github.com/order-intake/backend/internal/ingestion"
	"github.com/order-intake/backend/internal/llm"
	"github.com/order-intake/backend/internal/metrics"
	"github.com/order-intake/backend/internal/middleware/ratelimit"
	"github.com/order-intake/backend/internal/middleware/security"
	"github.com/order-intake/backend/internal/session"
	"github.com/order-intake/backend/internal/snapshot"
	"github.com/order-intake/backend/internal/storage"
	"github.com/order-intake/backend/internal/storage/memory"
	storeredis "github.com/order-intake/backend/internal/storage/redis"
	"github.com/order-intake/backend/internal/storage/sqlite"
	"github.com/order-intake/backend/internal/trigger"
	"github.com/order-intake/backend/pkg/config"
	appLogger "github.com/order-intake/backend/pkg/logger"
)

const maxPDFPages = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting order intake API server", zap.String("storage", cfg.Storage.Backend))

	metrics.Init()

	store, err := openStore(cfg)
	if err != nil {
		appLogger.Fatal("Failed to open record store", zap.Error(err))
	}
	defer store.Close()

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.Timeout(),
	)
	if cfg.LLM.APIKey == "" {
		appLogger.Warn("No LLM API key configured; extraction will fail until one is set")
	}

	hub := events.NewHub(64)

	aggOpts := []aggregator.Option{
		aggregator.WithPublisher(hub),
		aggregator.WithTimeout(cfg.Aggregator.InvocationTimeout()),
		aggregator.WithDetector(session.Detector{StaleAfter: cfg.Aggregator.StaleAfter()}),
	}
	if cfg.Aggregator.CacheExtractions {
		cache, err := cacheredis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.CacheTTL(),
		)
		if err != nil {
			appLogger.Warn("Extraction cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer cache.Close()
			aggOpts = append(aggOpts, aggregator.WithCache(cache))
		}
	}
	if path := cfg.Aggregator.SchemaPromptFile; path != "" {
		prompt, err := os.ReadFile(path)
		if err != nil {
			appLogger.Fatal("Failed to read schema prompt", zap.String("path", path), zap.Error(err))
		}
		aggOpts = append(aggOpts, aggregator.WithSchemaPrompt(string(prompt)))
	}
	agg := aggregator.New(store, llmClient, aggOpts...)

	var snapshots changes.SnapshotSource
	if cfg.Snapshot.BaseURL != "" {
		snapshots = snapshot.NewClient(cfg.Snapshot.BaseURL, cfg.Snapshot.APIKey, cfg.Snapshot.Timeout())
	}
	analyzer := changes.NewAnalyzer(store, llmClient, snapshots, changes.WithPublisher(hub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggerHandler := trigger.NewHandler(agg, analyzer, nil, cfg.Dispatcher.Workers)
	dispatcher := trigger.NewDispatcher(triggerHandler, cfg.Dispatcher.Workers, cfg.Dispatcher.QueueSize)
	triggerHandler.SetPublisher(dispatcher)
	dispatcher.Start(ctx)

	processor := ingestion.NewProcessor(store, dispatcher,
		ingestion.WithSummarizer(llmClient),
		ingestion.WithTextExtractor(ingestion.NewPDFExtractor(maxPDFPages)),
	)

	if cfg.Aggregator.StaleAfter() > 0 {
		sweeper := aggregator.NewSweeper(agg, store, cfg.Aggregator.StaleAfter(), cfg.Aggregator.SweepInterval())
		sweeper.SetAnnouncer(func(ctx context.Context, sessionID string) error {
			return dispatcher.Publish(ctx, trigger.MutationEvent{SessionID: sessionID, Mutation: trigger.MutationOrderCreated})
		})
		go func() {
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				appLogger.Error("Stale session sweeper stopped", zap.Error(err))
			}
		}()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Server.Development}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	deps := handlers.Deps{
		Store:       store,
		Processor:   processor,
		Triggers:    triggerHandler,
		Aggregator:  agg,
		Hub:         hub,
		MaxBodySize: cfg.Server.BodyLimit,
	}

	var limiter *ratelimit.RateLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter = ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute})
		deps.WriteLimiter = limiter.Middleware()
	}

	handlers.Register(app, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.Shutdown(); err != nil {
		appLogger.Warn("HTTP shutdown error", zap.Error(err))
	}
	// Drain queued triggers before cancelling the workers' context.
	dispatcher.Stop()
	cancel()
	if limiter != nil {
		limiter.Stop()
	}
	appLogger.Info("Server stopped")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storeredis.NewStore(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	case "memory":
		appLogger.Warn("Using in-memory record store; data is lost on restart")
		return memory.New(), nil
	default:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		client, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}
