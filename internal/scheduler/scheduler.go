package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/metrics"
	"github.com/limiquantix/pipelines/internal/solver"
)

// Scheduler admits GPU requests against the ledger and consolidates placements.
// It holds no placement state of its own; the ledger is the single source of truth.
type Scheduler struct {
	ledger  Ledger
	planner *Planner
	solver  solver.Solver
	config  Config
	clock   clock.PassiveClock
	metrics *metrics.Metrics
	logger  *zap.Logger

	// packing serializes consolidation passes within this process.
	packing sync.Mutex
}

// New creates a new Scheduler instance. m may be nil.
func New(ledger Ledger, s solver.Solver, config Config, clk clock.PassiveClock, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger:  ledger,
		planner: NewPlanner(s, config.ReclaimSolveTimeout, m, logger),
		solver:  s,
		config:  config,
		clock:   clk,
		metrics: m,
		logger:  logger.With(zap.String("component", "scheduler")),
	}
}

type provisionOptions struct {
	lowPriority bool
}

// ProvisionOption configures a resource request.
type ProvisionOption func(*provisionOptions)

// WithLowPriority marks the job as evictable when its team goes over quota.
func WithLowPriority() ProvisionOption {
	return func(o *provisionOptions) {
		o.lowPriority = true
	}
}

// TryProvisionResources decides whether job of team may consume amount now and returns the
// actions the caller must apply. An empty result is a rejection (over quota or no
// capacity), not an error. Errors are returned for invalid requests and ledger failures.
func (s *Scheduler) TryProvisionResources(ctx context.Context, team, job string, amount float64, opts ...ProvisionOption) ([]domain.JobAction, error) {
	var options provisionOptions
	for _, opt := range opts {
		opt(&options)
	}

	logger := s.logger.With(
		zap.String("team", team),
		zap.String("job", job),
		zap.Float64("amount", amount),
		zap.Bool("low_priority", options.lowPriority),
	)

	if !domain.ValidAmount(amount) {
		s.metrics.RecordAdmission(metrics.OutcomeInvalid)
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, amount)
	}
	if job == "" {
		s.metrics.RecordAdmission(metrics.OutcomeInvalid)
		return nil, fmt.Errorf("%w: job name is required", domain.ErrInvalidArgument)
	}

	var (
		actions []domain.JobAction
		outcome string
	)
	err := s.ledger.Update(ctx, func(tx LedgerTx) error {
		actions, outcome = nil, ""

		quota, err := tx.GetTeam(ctx, team)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownTeam, team)
		}
		if err != nil {
			return fmt.Errorf("failed to get team: %w", err)
		}

		if _, err := tx.GetAllocation(ctx, job); err == nil {
			return fmt.Errorf("%w: job %s already holds an allocation", domain.ErrAlreadyExists, job)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to get allocation: %w", err)
		}

		fit, err := FindFirstFitNode(ctx, tx, amount)
		if err != nil {
			return err
		}
		if fit != nil {
			alloc, err := s.allocate(ctx, tx, team, job, fit.Node, amount, options.lowPriority)
			if err != nil {
				return err
			}
			actions = []domain.JobAction{domain.CreateJob(alloc)}
			outcome = metrics.OutcomePlaced
			return nil
		}

		consumed, err := tx.TotalConsumedByTeam(ctx, team)
		if err != nil {
			return fmt.Errorf("failed to get team consumption: %w", err)
		}
		if domain.Exceeds(domain.SumAmounts(consumed, amount), quota.QuotaAmount) {
			logger.Info("Rejected request over team quota",
				zap.Float64("consumed", consumed),
				zap.Float64("quota", quota.QuotaAmount),
			)
			outcome = metrics.OutcomeOverQuota
			return nil
		}

		plan, err := s.planner.Plan(ctx, tx, amount)
		if err != nil {
			return err
		}
		if !plan.Feasible {
			logger.Info("Rejected request, no node can be freed")
			outcome = metrics.OutcomeNoCapacity
			return nil
		}

		for _, victim := range plan.Evicted {
			if err := tx.DeleteAllocation(ctx, victim.Job); err != nil {
				return fmt.Errorf("failed to evict job %s: %w", victim.Job, err)
			}
			actions = append(actions, domain.DeleteJob(victim))
		}
		alloc, err := s.allocate(ctx, tx, team, job, plan.Node, amount, options.lowPriority)
		if err != nil {
			return err
		}
		actions = append(actions, domain.CreateJob(alloc))
		outcome = metrics.OutcomeReclaimed
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrAlreadyExists) {
			s.metrics.RecordAdmission(metrics.OutcomeInvalid)
		} else {
			s.metrics.RecordAdmission(metrics.OutcomeError)
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			logger.Error("Ledger invariant violated during admission", zap.Error(err))
		}
		return nil, err
	}

	s.metrics.RecordAdmission(outcome)
	switch outcome {
	case metrics.OutcomePlaced:
		logger.Info("Scheduled job", zap.String("node", actions[0].Node))
	case metrics.OutcomeReclaimed:
		s.metrics.RecordEvictions(len(actions) - 1)
		logger.Info("Scheduled job after reclaiming capacity",
			zap.String("node", actions[len(actions)-1].Node),
			zap.Int("evicted", len(actions)-1),
		)
	}
	return actions, nil
}

// allocate records the allocation and re-checks the node it landed on.
func (s *Scheduler) allocate(ctx context.Context, tx LedgerTx, team, job, node string, amount float64, lowPriority bool) (*domain.Allocation, error) {
	alloc := &domain.Allocation{
		Job:            job,
		Team:           team,
		Node:           node,
		ConsumedAmount: amount,
		LowPriority:    lowPriority,
		CreatedAt:      s.clock.Now(),
	}
	if err := tx.CreateAllocation(ctx, alloc); err != nil {
		return nil, fmt.Errorf("failed to create allocation: %w", err)
	}
	if err := checkNodeCapacity(ctx, tx, node); err != nil {
		return nil, err
	}
	return alloc, nil
}

// JobEnded releases the allocation of job. A job without an allocation, or one held by
// another team, is a no-op, so completions may be delivered more than once.
func (s *Scheduler) JobEnded(ctx context.Context, job, team string) error {
	logger := s.logger.With(zap.String("job", job), zap.String("team", team))

	released := false
	err := s.ledger.Update(ctx, func(tx LedgerTx) error {
		released = false
		alloc, err := tx.GetAllocation(ctx, job)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get allocation: %w", err)
		}
		if alloc.Team != team {
			logger.Warn("Ignoring job completion from another team", zap.String("owner", alloc.Team))
			return nil
		}
		if err := tx.DeleteAllocation(ctx, job); err != nil {
			return fmt.Errorf("failed to delete allocation: %w", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.RecordRelease(released)
	if released {
		logger.Info("Released job allocation")
	} else {
		logger.Debug("Job completion had no allocation to release")
	}
	return nil
}

// SyncInventory upserts teams and nodes from the cluster inventory. Records that are not
// listed are left untouched. Shrinking a node below the load it currently carries fails
// with domain.ErrConflict.
func (s *Scheduler) SyncInventory(ctx context.Context, teams []*domain.TeamQuota, nodes []*domain.GPUNode) error {
	for _, t := range teams {
		if t.Name == "" || t.QuotaAmount < 0 {
			return fmt.Errorf("%w: team %q needs a name and a non-negative quota", domain.ErrInvalidArgument, t.Name)
		}
	}
	for _, n := range nodes {
		if n.Name == "" || n.Capacity < 0 {
			return fmt.Errorf("%w: node %q needs a name and a non-negative capacity", domain.ErrInvalidArgument, n.Name)
		}
	}

	now := s.clock.Now()
	err := s.ledger.Update(ctx, func(tx LedgerTx) error {
		for _, t := range teams {
			team := t.Clone()
			team.CreatedAt, team.UpdatedAt = now, now
			if existing, err := tx.GetTeam(ctx, t.Name); err == nil {
				team.CreatedAt = existing.CreatedAt
			} else if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("failed to get team %s: %w", t.Name, err)
			}
			if err := tx.PutTeam(ctx, team); err != nil {
				return fmt.Errorf("failed to put team %s: %w", t.Name, err)
			}
		}
		for _, n := range nodes {
			node := n.Clone()
			node.CreatedAt, node.UpdatedAt = now, now
			if existing, err := tx.GetNode(ctx, n.Name); err == nil {
				node.CreatedAt = existing.CreatedAt
				load, err := nodeLoad(ctx, tx, n.Name)
				if err != nil {
					return err
				}
				if domain.Exceeds(load, n.Capacity) {
					return fmt.Errorf("%w: node %s carries %g, cannot shrink to %g", domain.ErrConflict, n.Name, load, n.Capacity)
				}
			} else if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("failed to get node %s: %w", n.Name, err)
			}
			if err := tx.PutNode(ctx, node); err != nil {
				return fmt.Errorf("failed to put node %s: %w", n.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Synced inventory", zap.Int("teams", len(teams)), zap.Int("nodes", len(nodes)))
	return nil
}

// CheckInvariants verifies that no node holds more than its capacity and that every
// allocation references an existing team and node. All violations are reported.
func (s *Scheduler) CheckInvariants(ctx context.Context) error {
	var result *multierror.Error
	err := s.ledger.View(ctx, func(r LedgerReader) error {
		nodes, err := r.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		for _, n := range nodes {
			if err := checkNodeCapacity(ctx, r, n.Name); err != nil {
				result = multierror.Append(result, err)
			}
		}

		allocs, err := r.ListAllocations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list allocations: %w", err)
		}
		for _, a := range allocs {
			if _, err := r.GetTeam(ctx, a.Team); err != nil {
				result = multierror.Append(result, fmt.Errorf("%w: job %s references team %s: %v", domain.ErrInvariantViolation, a.Job, a.Team, err))
			}
			if _, err := r.GetNode(ctx, a.Node); err != nil {
				result = multierror.Append(result, fmt.Errorf("%w: job %s references node %s: %v", domain.ErrInvariantViolation, a.Job, a.Node, err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return result.ErrorOrNil()
}

// FreeCapacity returns the free capacity of every node.
func (s *Scheduler) FreeCapacity(ctx context.Context) ([]domain.NodeFree, error) {
	var free []domain.NodeFree
	err := s.ledger.View(ctx, func(r LedgerReader) error {
		var err error
		free, err = r.FreeCapacityByNode(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read free capacity: %w", err)
	}
	return free, nil
}
