package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-trade-bot-go/internal/cache"
	"call-trade-bot-go/internal/config"
	"call-trade-bot-go/internal/database"
	"call-trade-bot-go/internal/gateway"
	"call-trade-bot-go/internal/logger"
	"call-trade-bot-go/internal/quote"
	"call-trade-bot-go/internal/signer"
	"call-trade-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	log.Info("Configuration loaded",
		zap.String("chain", cfg.Chain.Name),
		zap.Int64("chain_id", cfg.Chain.ID),
		zap.Bool("dry_run", cfg.Trading.DryRun))

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))
	repo := database.NewRepository(db)

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Upstream clients
	gw := gateway.New(cfg.Quote.RequestsPerSecond, gateway.WithLogger(log))
	defer gw.Close()
	quotes := quote.NewService(cfg.Quote, cfg.Chain, gw, log)
	signerClient := signer.NewClient(cfg.Signer, cfg.Chain.ID, log)

	locks := trader.ChainLocker{trader.NewExecutionLocks()}
	if cfg.Redis.Addr != "" {
		redisLocks, err := cache.NewRedisLocker(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() { _ = redisLocks.Close() }()
		locks = append(locks, redisLocks)
		log.Info("Distributed entry locks enabled", zap.String("addr", cfg.Redis.Addr))
	}

	executor := trader.NewExecutor(repo, repo, quotes, signerClient, locks, cfg.Chain, cfg.Trading, log)
	ingestion := trader.NewCallIngestion(repo, repo, executor, cfg.Chain, cfg.Trading, log)
	monitor := trader.NewPositionMonitor(repo, quotes, executor, log)

	engine := trader.NewEngine(log, []trader.Schedule{
		{Loop: ingestion, Interval: cfg.Trading.CallInterval},
		{Loop: monitor, Interval: cfg.Trading.MonitorInterval},
	})

	api := trader.NewAPIServer(cfg.Server.Port, engine, repo, gw, log)
	api.Start()

	runErr := engine.Run(ctx)
	if runErr != nil {
		log.Error("Trading engine exited with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
	if runErr != nil {
		_ = log.Sync()
		os.Exit(1)
	}
}
