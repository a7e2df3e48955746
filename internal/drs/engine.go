// Package drs runs periodic GPU consolidation passes: it packs allocations onto fewer
// nodes, commits the moves to the ledger and hands the resulting actions to the
// deployment layer.
package drs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/limiquantix/pipelines/internal/config"
	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/metrics"
	"github.com/limiquantix/pipelines/internal/scheduler"
)

// Pass results that only the engine produces. The others come from the scheduler.
const (
	ResultLocked = "locked"
	ResultError  = "error"
)

// Consolidator computes and commits consolidation moves.
type Consolidator interface {
	PackNodes(ctx context.Context) ([]domain.JobAction, error)
	ApplyConsolidation(ctx context.Context, actions []domain.JobAction) ([]domain.JobAction, error)
	CheckInvariants(ctx context.Context) error
	FreeCapacity(ctx context.Context) ([]domain.NodeFree, error)
}

// PassLock is a lock shared by every scheduler instance. ok is false when another
// instance holds it.
type PassLock interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error)
}

// Publisher delivers applied actions to the deployment layer and keeps the last report.
type Publisher interface {
	PublishActions(ctx context.Context, passID string, actions []domain.JobAction) error
	StoreReport(ctx context.Context, report *PassReport) error
}

// PassReport describes one consolidation pass.
type PassReport struct {
	ID         string             `json:"id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Result     string             `json:"result"`
	Proposed   []domain.JobAction `json:"proposed,omitempty"`
	Applied    []domain.JobAction `json:"applied,omitempty"`
	Violations string             `json:"violations,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Moves returns the number of applied job moves.
func (r *PassReport) Moves() int {
	return len(r.Applied) / 2
}

// Engine runs consolidation passes on a fixed interval.
type Engine struct {
	config       config.DRSConfig
	consolidator Consolidator
	lock         PassLock
	publisher    Publisher
	clock        clock.WithTicker
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu        sync.RWMutex
	isRunning bool
	lastPass  *PassReport
}

// NewEngine creates a new consolidation engine. lock, publisher and m may be nil: without a
// lock every instance consolidates, without a publisher actions are only logged.
func NewEngine(
	cfg config.DRSConfig,
	consolidator Consolidator,
	lock PassLock,
	publisher Publisher,
	clk clock.WithTicker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:       cfg,
		consolidator: consolidator,
		lock:         lock,
		publisher:    publisher,
		clock:        clk,
		metrics:      m,
		logger:       logger.With(zap.String("component", "drs")),
	}
}

// Start runs a pass immediately and then once per interval until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if !e.config.Enabled {
		e.logger.Info("DRS engine disabled")
		return
	}

	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Starting DRS engine",
		zap.Duration("interval", e.config.Interval),
		zap.Bool("auto_apply", e.config.AutoApply),
		zap.String("lock_key", e.config.LockKey),
	)

	ticker := e.clock.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("DRS engine stopped")
			e.mu.Lock()
			e.isRunning = false
			e.mu.Unlock()
			return
		case <-ticker.C():
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Consolidation pass failed", zap.Error(err))
	}
}

// RunOnce runs a single consolidation pass. A pass skipped because another instance holds
// the lock returns a report with ResultLocked and is not stored.
func (e *Engine) RunOnce(ctx context.Context) (*PassReport, error) {
	report := &PassReport{
		ID:        uuid.NewString(),
		StartedAt: e.clock.Now(),
	}
	logger := e.logger.With(zap.String("pass_id", report.ID))

	if e.lock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
		unlock, ok, err := e.lock.TryLock(lockCtx, e.config.LockKey)
		cancel()
		if err != nil {
			return e.fail(ctx, report, fmt.Errorf("failed to acquire pass lock: %w", err))
		}
		if !ok {
			logger.Debug("Another instance is consolidating, skipping pass")
			report.Result = ResultLocked
			report.FinishedAt = e.clock.Now()
			return report, nil
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.LockTimeout)
			defer cancel()
			if err := unlock(unlockCtx); err != nil {
				logger.Warn("Failed to release pass lock", zap.Error(err))
			}
		}()
	}

	proposed, err := e.consolidator.PackNodes(ctx)
	if err != nil {
		return e.fail(ctx, report, fmt.Errorf("failed to pack nodes: %w", err))
	}
	report.Proposed = proposed

	switch {
	case len(proposed) == 0:
		report.Result = scheduler.ConsolidationNoop
	case !e.config.AutoApply:
		report.Result = scheduler.ConsolidationProposed
		logger.Info("Consolidation proposed, auto apply is off", zap.Int("moves", len(proposed)/2))
	default:
		applied, err := e.consolidator.ApplyConsolidation(ctx, proposed)
		if err != nil {
			return e.fail(ctx, report, fmt.Errorf("failed to apply consolidation: %w", err))
		}
		report.Applied = applied
		report.Result = scheduler.ConsolidationApplied
	}

	if err := e.consolidator.CheckInvariants(ctx); err != nil {
		report.Violations = err.Error()
		logger.Error("Ledger invariants violated after consolidation", zap.Error(err))
	}

	if len(report.Applied) > 0 {
		if e.publisher == nil {
			for _, a := range report.Applied {
				logger.Info("Consolidation action", zap.Stringer("action", a))
			}
		} else if err := e.publisher.PublishActions(ctx, report.ID, report.Applied); err != nil {
			// The ledger already reflects the moves; the report keeps them for replay.
			report.Error = err.Error()
			logger.Error("Failed to publish consolidation actions", zap.Error(err))
		}
	}

	e.updateCapacityMetrics(ctx)
	e.finish(ctx, report)

	logger.Info("Consolidation pass finished",
		zap.String("result", report.Result),
		zap.Int("proposed", len(report.Proposed)/2),
		zap.Int("applied", report.Moves()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (e *Engine) fail(ctx context.Context, report *PassReport, err error) (*PassReport, error) {
	report.Result = ResultError
	report.Error = err.Error()
	e.finish(ctx, report)
	return report, err
}

func (e *Engine) finish(ctx context.Context, report *PassReport) {
	report.FinishedAt = e.clock.Now()

	e.mu.Lock()
	e.lastPass = report
	e.mu.Unlock()

	if e.publisher == nil {
		return
	}
	if err := e.publisher.StoreReport(context.WithoutCancel(ctx), report); err != nil {
		e.logger.Warn("Failed to store pass report", zap.String("pass_id", report.ID), zap.Error(err))
	}
}

func (e *Engine) updateCapacityMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	free, err := e.consolidator.FreeCapacity(ctx)
	if err != nil {
		e.logger.Warn("Failed to read free capacity", zap.Error(err))
		return
	}
	for _, f := range free {
		e.metrics.SetFreeCapacity(f.Node, f.Free)
	}
}

// LastPass returns the report of the most recent pass, or nil before the first one.
func (e *Engine) LastPass() *PassReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPass
}

// IsRunning returns whether the engine loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}
