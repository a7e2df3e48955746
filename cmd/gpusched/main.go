// Package main is the entry point for the GPU scheduler.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/pipelines/internal/config"
	"github.com/limiquantix/pipelines/internal/repository/etcd"
	"github.com/limiquantix/pipelines/internal/repository/postgres"
	"github.com/limiquantix/pipelines/internal/repository/redis"
	"github.com/limiquantix/pipelines/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("Pipelines GPU Scheduler")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting GPU scheduler",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("ledger", cfg.Ledger.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to infrastructure", zap.Error(err))
	}

	srv, err := server.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// connect opens the optional infrastructure connections named in cfg.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]server.ServerOption, error) {
	var opts []server.ServerOption

	if cfg.Ledger.Backend == config.LedgerBackendPostgres {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cfg.Etcd.Enabled() {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithEtcd(client))
	} else {
		logger.Warn("etcd not configured, consolidation passes are not coordinated across instances")
	}

	if cfg.Redis.Enabled() {
		publisher, err := redis.NewPublisher(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithRedis(publisher))
	} else {
		logger.Warn("Redis not configured, consolidation actions are only logged")
	}

	return opts, nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
