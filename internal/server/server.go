// Package server assembles the GPU scheduler process: ledger, solver, scheduler,
// consolidation engine and the operational HTTP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/limiquantix/pipelines/internal/config"
	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/drs"
	"github.com/limiquantix/pipelines/internal/metrics"
	"github.com/limiquantix/pipelines/internal/repository/etcd"
	"github.com/limiquantix/pipelines/internal/repository/memory"
	"github.com/limiquantix/pipelines/internal/repository/postgres"
	"github.com/limiquantix/pipelines/internal/repository/redis"
	"github.com/limiquantix/pipelines/internal/scheduler"
	"github.com/limiquantix/pipelines/internal/solver"
)

const shutdownTimeout = 10 * time.Second

// Server owns every long-lived component of the process.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	clock      clock.WithTicker
	registry   *prometheus.Registry
	httpServer *http.Server

	// Infrastructure
	db        *postgres.DB
	publisher *redis.Publisher
	etcd      *etcd.Client

	scheduler *scheduler.Scheduler
	engine    *drs.Engine
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL stores the ledger in PostgreSQL. Required when ledger.backend is postgres.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis publishes consolidation actions and reports through Redis.
func WithRedis(publisher *redis.Publisher) ServerOption {
	return func(s *Server) {
		s.publisher = publisher
	}
}

// WithEtcd guards consolidation passes with an etcd lock.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.WithTicker) ServerOption {
	return func(s *Server) {
		s.clock = clk
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config:   cfg,
		logger:   logger,
		clock:    clock.RealClock{},
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(s.registry)

	ledger, err := s.initLedger()
	if err != nil {
		return nil, err
	}

	bnb := solver.NewBranchAndBound(solver.Config{
		MaxNodes:             cfg.Solver.MaxNodes,
		IntegralityTolerance: cfg.Solver.IntegralityTolerance,
		RelativeGap:          cfg.Solver.RelativeGap,
	}, logger)

	s.scheduler = scheduler.New(ledger, bnb, scheduler.Config{
		ReclaimSolveTimeout:     cfg.Scheduler.ReclaimSolveTimeout,
		ConsolidateSolveTimeout: cfg.DRS.SolveTimeout,
		BinWeight:               cfg.DRS.BinWeight,
		MoveWeight:              cfg.DRS.MoveWeight,
	}, s.clock, m, logger)

	// Typed nil pointers must not leak into the interfaces.
	var lock drs.PassLock
	if s.etcd != nil {
		lock = s.etcd
	}
	var publisher drs.Publisher
	if s.publisher != nil {
		publisher = s.publisher
	}
	s.engine = drs.NewEngine(cfg.DRS, s.scheduler, lock, publisher, s.clock, m, logger)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// initLedger selects the ledger backend.
func (s *Server) initLedger() (scheduler.Ledger, error) {
	switch s.config.Ledger.Backend {
	case config.LedgerBackendPostgres:
		if s.db == nil {
			return nil, errors.New("postgres ledger backend requires a database connection")
		}
		s.logger.Info("Using PostgreSQL ledger")
		return postgres.NewLedger(s.db.Pool(), s.config.Database.MaxTxRetries, s.logger), nil
	default:
		s.logger.Info("Using in-memory ledger")
		ledger, err := memory.NewLedger(s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory ledger: %w", err)
		}
		return ledger, nil
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/drs/last-pass", func(w http.ResponseWriter, r *http.Request) {
		report := s.engine.LastPass()
		if report == nil {
			http.Error(w, "no consolidation pass yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/capacity", func(w http.ResponseWriter, r *http.Request) {
		free, err := s.scheduler.FreeCapacity(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(free)
	})
}

// Scheduler returns the admission and consolidation entry point.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Engine returns the consolidation engine.
func (s *Server) Engine() *drs.Engine {
	return s.engine
}

// Handler returns the operational HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Health checks every configured dependency.
func (s *Server) Health(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// SyncInventory upserts the configured teams and nodes into the ledger.
func (s *Server) SyncInventory(ctx context.Context) error {
	inv := s.config.Inventory
	if len(inv.Teams) == 0 && len(inv.Nodes) == 0 {
		return nil
	}
	teams := lo.Map(inv.Teams, func(t config.TeamConfig, _ int) *domain.TeamQuota {
		return &domain.TeamQuota{Name: t.Name, QuotaAmount: t.Quota}
	})
	nodes := lo.Map(inv.Nodes, func(n config.NodeConfig, _ int) *domain.GPUNode {
		return &domain.GPUNode{Name: n.Name, Capacity: n.Capacity}
	})
	return s.scheduler.SyncInventory(ctx, teams, nodes)
}

// Run syncs the inventory, starts the consolidation engine and serves the operational
// endpoint until ctx is done. A ctx cancelled before startup completes is a clean
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SyncInventory(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Info("Shutdown signal received before startup")
			return s.Shutdown()
		}
		return fmt.Errorf("failed to sync inventory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		s.engine.Start(ctx)
	}()

	errCh := make(chan error, 1)
	if s.config.Metrics.Enabled {
		s.logger.Info("Starting metrics server", zap.String("address", s.config.Metrics.Address))
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("metrics server error: %w", err)
	}
	cancel()

	<-engineDone
	if err := s.Shutdown(); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}
