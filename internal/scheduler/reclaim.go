package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/metrics"
	"github.com/limiquantix/pipelines/internal/solver"
)

// Plan is the outcome of a reclamation search.
type Plan struct {
	Feasible bool
	// Node can hold the request once the Evicted allocations are removed.
	Node string
	// Evicted is ordered worst offender first, then by job name.
	Evicted []*domain.Allocation
}

// Planner decides which low-priority jobs of over-quota teams to evict so that a request
// fits on a node.
type Planner struct {
	solver  solver.Solver
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPlanner creates a new reclamation planner. Each node solve is bounded by timeout.
func NewPlanner(s solver.Solver, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Planner {
	return &Planner{
		solver:  s,
		timeout: timeout,
		metrics: m,
		logger:  logger.With(zap.String("component", "reclaim-planner")),
	}
}

type reclaimCandidate struct {
	node         *domain.GPUNode
	fixedLoad    float64
	eligible     []*domain.Allocation
	eligibleLoad float64
}

// Plan searches the nodes, most eligible load first, for one where evicting a subset of
// eligible jobs frees amount. Eligible jobs are low priority and belong to a team that
// is over quota. A plan that is not Feasible means no node can be freed.
func (p *Planner) Plan(ctx context.Context, r LedgerReader, amount float64) (*Plan, error) {
	if !domain.ValidAmount(amount) {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, amount)
	}

	over, err := r.OverQuotaTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get over-quota teams: %w", err)
	}
	if len(over) == 0 {
		p.logger.Debug("No over-quota teams to reclaim from")
		return &Plan{}, nil
	}
	rank := make(map[string]int, len(over))
	for i, t := range over {
		rank[t.Team] = i
	}

	candidates, err := p.candidates(ctx, r, rank)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		evicted, ok := p.planNode(ctx, c, amount, rank)
		if !ok {
			continue
		}
		p.logger.Debug("Found reclamation plan",
			zap.String("node", c.node.Name),
			zap.Int("evicted", len(evicted)),
			zap.Float64("amount", amount),
		)
		return &Plan{Feasible: true, Node: c.node.Name, Evicted: evicted}, nil
	}
	return &Plan{}, nil
}

// candidates returns nodes carrying eligible jobs ordered by eligible load descending,
// then by name.
func (p *Planner) candidates(ctx context.Context, r LedgerReader, rank map[string]int) ([]reclaimCandidate, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	allocs, err := r.ListAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	byNode := lo.GroupBy(allocs, func(a *domain.Allocation) string { return a.Node })

	var candidates []reclaimCandidate
	for _, node := range nodes {
		c := reclaimCandidate{node: node}
		var fixed []float64
		for _, a := range byNode[node.Name] {
			if _, over := rank[a.Team]; over && a.LowPriority {
				c.eligible = append(c.eligible, a)
			} else {
				fixed = append(fixed, a.ConsumedAmount)
			}
		}
		if len(c.eligible) == 0 {
			continue
		}
		c.fixedLoad = domain.SumAmounts(fixed...)
		c.eligibleLoad = domain.SumAmounts(lo.Map(c.eligible, func(a *domain.Allocation, _ int) float64 {
			return a.ConsumedAmount
		})...)
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].eligibleLoad != candidates[j].eligibleLoad {
			return candidates[i].eligibleLoad > candidates[j].eligibleLoad
		}
		return candidates[i].node.Name < candidates[j].node.Name
	})
	return candidates, nil
}

// planNode returns the allocations to evict from c so that amount fits.
func (p *Planner) planNode(ctx context.Context, c reclaimCandidate, amount float64, rank map[string]int) ([]*domain.Allocation, bool) {
	logger := p.logger.With(zap.String("node", c.node.Name))

	// budget is how much eligible load may stay on the node.
	budget := domain.Sub(domain.Sub(c.node.Capacity, c.fixedLoad), amount)
	if budget < -domain.Epsilon {
		logger.Debug("Evicting every eligible job would not free enough capacity",
			zap.Float64("capacity", c.node.Capacity),
			zap.Float64("fixed_load", c.fixedLoad),
			zap.Float64("amount", amount),
		)
		return nil, false
	}
	budget = max(budget, 0)
	if domain.GreaterOrEqual(budget, c.eligibleLoad) {
		return nil, true
	}

	keep, ok := p.solveRetained(ctx, logger, c, budget, rank)
	if !ok {
		return nil, false
	}

	var evicted []*domain.Allocation
	retained := make([]float64, 0, len(c.eligible))
	for i, a := range c.eligible {
		if keep[i] {
			retained = append(retained, a.ConsumedAmount)
		} else {
			evicted = append(evicted, a)
		}
	}
	if domain.Exceeds(domain.SumAmounts(retained...), budget) {
		logger.Warn("Solver returned a plan that does not free enough capacity",
			zap.Float64("budget", budget),
		)
		return nil, false
	}

	sort.SliceStable(evicted, func(i, j int) bool {
		if rank[evicted[i].Team] != rank[evicted[j].Team] {
			return rank[evicted[i].Team] < rank[evicted[j].Team]
		}
		return evicted[i].Job < evicted[j].Job
	})
	return evicted, true
}

// solveRetained solves the knapsack over retained eligible jobs in two stages. The first
// maximizes retained capacity. The second keeps that capacity and maximizes a preference
// score that favors retaining more jobs, and retaining jobs of teams further down the
// over-quota ranking, so that evictions come from the worst offender first.
func (p *Planner) solveRetained(ctx context.Context, logger *zap.Logger, c reclaimCandidate, budget float64, rank map[string]int) ([]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	n := len(c.eligible)
	build := func(stage string) (*solver.Model, []solver.Var, []solver.Term) {
		m := solver.NewModel(fmt.Sprintf("reclaim/%s/%s", c.node.Name, stage))
		keep := make([]solver.Var, n)
		load := make([]solver.Term, n)
		for i, a := range c.eligible {
			keep[i] = m.NewBinaryVar("keep/" + a.Job)
			load[i] = solver.Term{Var: keep[i], Coef: a.ConsumedAmount}
		}
		m.AddConstraint("capacity", solver.LessOrEqual, budget+domain.Epsilon, load...)
		return m, keep, load
	}

	capModel, keep, load := build("capacity")
	capModel.SetObjective(solver.Maximize, 0, load...)
	for i, kept := range greedyRetained(c.eligible, budget) {
		capModel.SetHint(keep[i], lo.Ternary(kept, 1.0, 0.0))
	}
	capSol, ok := p.solve(ctx, logger, capModel)
	if !ok {
		return nil, false
	}
	result := lo.Map(keep, func(v solver.Var, _ int) bool { return capSol.Bool(v) })

	prefModel, keep, load := build("preference")
	prefModel.AddConstraint("retained", solver.GreaterOrEqual, capSol.Objective-domain.Epsilon, load...)
	teams := float64(len(rank) + 1)
	weights := make([]solver.Term, n)
	for i, a := range c.eligible {
		bonus := float64(rank[a.Team]+1) / (teams * float64(n+1))
		weights[i] = solver.Term{Var: keep[i], Coef: 1 + bonus}
		prefModel.SetHint(keep[i], lo.Ternary(result[i], 1.0, 0.0))
	}
	prefModel.SetObjective(solver.Maximize, 0, weights...)
	prefSol, ok := p.solve(ctx, logger, prefModel)
	if !ok {
		logger.Debug("Preference stage failed, using capacity stage plan")
		return result, true
	}
	return lo.Map(keep, func(v solver.Var, _ int) bool { return prefSol.Bool(v) }), true
}

// greedyRetained keeps the largest jobs that still fit in budget. It seeds the capacity
// stage so a solve cut short by its timeout still yields a plan.
func greedyRetained(eligible []*domain.Allocation, budget float64) []bool {
	order := lo.Range(len(eligible))
	sort.SliceStable(order, func(i, j int) bool {
		a, b := eligible[order[i]], eligible[order[j]]
		if a.ConsumedAmount != b.ConsumedAmount {
			return a.ConsumedAmount > b.ConsumedAmount
		}
		return a.Job < b.Job
	})

	keep := make([]bool, len(eligible))
	retained := 0.0
	for _, i := range order {
		next := domain.SumAmounts(retained, eligible[i].ConsumedAmount)
		if domain.Exceeds(next, budget) {
			continue
		}
		keep[i] = true
		retained = next
	}
	return keep
}

func (p *Planner) solve(ctx context.Context, logger *zap.Logger, m *solver.Model) (*solver.Solution, bool) {
	start := time.Now()
	sol, err := p.solver.Solve(ctx, m)
	if err != nil {
		p.metrics.RecordSolve(metrics.ProblemReclaim, solver.StatusError.String(), time.Since(start))
		logger.Error("Failed to solve reclamation model", zap.String("model", m.Name()), zap.Error(err))
		return nil, false
	}
	p.metrics.RecordSolve(metrics.ProblemReclaim, sol.Status.String(), time.Since(start))

	switch sol.Status {
	case solver.StatusOptimal, solver.StatusFeasible:
		return sol, true
	case solver.StatusTimeout:
		logger.Warn("Reclamation solve timed out", zap.String("model", m.Name()), zap.Duration("timeout", p.timeout))
	case solver.StatusInfeasible:
		logger.Debug("Reclamation model infeasible", zap.String("model", m.Name()))
	default:
		logger.Warn("Reclamation solve failed", zap.String("model", m.Name()), zap.String("status", sol.Status.String()))
	}
	return nil, false
}
