package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/metrics"
	"github.com/limiquantix/pipelines/internal/solver"
)

// Consolidation pass results.
const (
	ConsolidationSkipped    = "skipped"
	ConsolidationNoop       = "noop"
	ConsolidationProposed   = "proposed"
	ConsolidationApplied    = "applied"
	ConsolidationSolveError = "solve_error"
)

// PackNodes re-solves the placement of every allocation onto as few nodes as possible,
// penalizing moves, and returns a DeleteJob+CreateJob pair for every job whose node
// changed. It reads a snapshot and never writes to the ledger; use ApplyConsolidation to
// commit the moves. Solver failures and timeouts without a solution yield no actions. An
// overlapping call returns immediately with no actions.
func (s *Scheduler) PackNodes(ctx context.Context) ([]domain.JobAction, error) {
	if !s.packing.TryLock() {
		s.logger.Debug("Consolidation already running, skipping")
		s.metrics.RecordConsolidation(ConsolidationSkipped, 0, 0)
		return nil, nil
	}
	defer s.packing.Unlock()

	var (
		nodes  []*domain.GPUNode
		allocs []*domain.Allocation
	)
	err := s.ledger.View(ctx, func(r LedgerReader) error {
		var err error
		if nodes, err = r.ListNodes(ctx); err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		if allocs, err = r.ListAllocations(ctx); err != nil {
			return fmt.Errorf("failed to list allocations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 || len(nodes) == 0 {
		s.metrics.RecordConsolidation(ConsolidationNoop, 0, 0)
		return nil, nil
	}

	p, ok := s.buildPacking(nodes, allocs)
	if !ok {
		s.metrics.RecordConsolidation(ConsolidationSolveError, 0, 0)
		return nil, nil
	}

	solveCtx, cancel := context.WithTimeout(ctx, s.config.ConsolidateSolveTimeout)
	defer cancel()

	start := time.Now()
	sol, err := s.solver.Solve(solveCtx, p.model)
	if err != nil {
		s.metrics.RecordSolve(metrics.ProblemConsolidate, solver.StatusError.String(), time.Since(start))
		s.metrics.RecordConsolidation(ConsolidationSolveError, 0, 0)
		s.logger.Error("Failed to solve consolidation model", zap.Error(err))
		return nil, nil
	}
	s.metrics.RecordSolve(metrics.ProblemConsolidate, sol.Status.String(), time.Since(start))
	if !sol.Status.HasSolution() {
		s.metrics.RecordConsolidation(ConsolidationSolveError, 0, 0)
		s.logger.Warn("Consolidation solve produced no solution",
			zap.String("status", sol.Status.String()),
			zap.Int("jobs", len(allocs)),
			zap.Int("nodes", len(nodes)),
		)
		return nil, nil
	}
	if sol.Objective >= p.currentCost-domain.Epsilon {
		s.metrics.RecordConsolidation(ConsolidationNoop, 0, 0)
		s.logger.Debug("Current placement is already optimal", zap.Float64("cost", p.currentCost))
		return nil, nil
	}

	now := s.clock.Now()
	var actions []domain.JobAction
	for _, a := range allocs {
		target := ""
		for _, c := range p.choices[a.Job] {
			if sol.Bool(c.assign) {
				target = c.node
				break
			}
		}
		if target == "" {
			s.logger.Warn("Consolidation solution leaves a job unassigned", zap.String("job", a.Job))
			s.metrics.RecordConsolidation(ConsolidationSolveError, 0, 0)
			return nil, nil
		}
		if target == a.Node {
			continue
		}
		moved := a.Clone()
		moved.Node = target
		moved.CreatedAt = now
		actions = append(actions, domain.DeleteJob(a), domain.CreateJob(moved))
	}

	s.metrics.RecordConsolidation(ConsolidationProposed, len(actions)/2, 0)
	s.logger.Info("Computed consolidation plan",
		zap.String("status", sol.Status.String()),
		zap.Float64("current_cost", p.currentCost),
		zap.Float64("new_cost", sol.Objective),
		zap.Int("moves", len(actions)/2),
	)
	return actions, nil
}

type placementChoice struct {
	node   string
	assign solver.Var
}

type packingModel struct {
	model       *solver.Model
	choices     map[string][]placementChoice
	currentCost float64
}

// buildPacking builds the bin-packing model
//
//	min  BinWeight·Σ u[n] + MoveWeight·Σ_j (1 − x[j][current(j)])
//	s.t. Σ_n x[j][n] = 1                       for every job j
//	     Σ_j c_j·x[j][n] − cap_n·u[n] ≤ 0       for every node n
//
// with x[j][n] only defined where job j fits on node n at all.
func (s *Scheduler) buildPacking(nodes []*domain.GPUNode, allocs []*domain.Allocation) (*packingModel, bool) {
	m := solver.NewModel("consolidate")
	p := &packingModel{model: m, choices: make(map[string][]placementChoice, len(allocs))}

	used := make(map[string]solver.Var, len(nodes))
	occupied := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		used[n.Name] = m.NewBinaryVar("used/" + n.Name)
	}
	for _, a := range allocs {
		occupied[a.Node] = true
	}

	load := make(map[string][]solver.Term, len(nodes))
	var moveTerms []solver.Term
	constant := 0.0
	for _, a := range allocs {
		var assign []solver.Term
		current := false
		for _, n := range nodes {
			if domain.Exceeds(a.ConsumedAmount, n.Capacity) {
				continue
			}
			x := m.NewBinaryVar("assign/" + a.Job + "/" + n.Name)
			p.choices[a.Job] = append(p.choices[a.Job], placementChoice{node: n.Name, assign: x})
			assign = append(assign, solver.Term{Var: x, Coef: 1})
			load[n.Name] = append(load[n.Name], solver.Term{Var: x, Coef: a.ConsumedAmount})
			if n.Name == a.Node {
				current = true
				moveTerms = append(moveTerms, solver.Term{Var: x, Coef: -s.config.MoveWeight})
			}
		}
		if len(assign) == 0 {
			s.logger.Warn("Job does not fit on any node, skipping consolidation",
				zap.String("job", a.Job),
				zap.Float64("amount", a.ConsumedAmount),
			)
			return nil, false
		}
		constant += s.config.MoveWeight
		if !current {
			p.currentCost += s.config.MoveWeight
		}
		m.AddConstraint("assign/"+a.Job, solver.Equal, 1, assign...)
	}

	objective := moveTerms
	for _, n := range nodes {
		terms := append(load[n.Name], solver.Term{Var: used[n.Name], Coef: -n.Capacity})
		m.AddConstraint("capacity/"+n.Name, solver.LessOrEqual, domain.Epsilon, terms...)
		objective = append(objective, solver.Term{Var: used[n.Name], Coef: s.config.BinWeight})
		if occupied[n.Name] {
			p.currentCost += s.config.BinWeight
		}
	}
	m.SetObjective(solver.Minimize, constant, objective...)

	if placement, ok := s.drainNodes(nodes, allocs); ok {
		for job, choices := range p.choices {
			for _, c := range choices {
				m.SetHint(c.assign, lo.Ternary(placement[job] == c.node, 1.0, 0.0))
			}
		}
		targets := lo.SliceToMap(lo.Values(placement), func(node string) (string, bool) { return node, true })
		for name, u := range used {
			m.SetHint(u, lo.Ternary(targets[name], 1.0, 0.0))
		}
	}
	return p, true
}

// drainNodes improves the current placement greedily: occupied nodes are emptied, least
// loaded first, whenever all of their jobs fit on the other occupied nodes and the bin
// saved outweighs the moves. It returns the resulting node of every job, or false when the
// current placement references an unknown node.
func (s *Scheduler) drainNodes(nodes []*domain.GPUNode, allocs []*domain.Allocation) (map[string]string, bool) {
	capacity := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		capacity[n.Name] = n.Capacity
	}

	placement := make(map[string]string, len(allocs))
	jobsOn := make(map[string][]*domain.Allocation)
	load := make(map[string]float64)
	for _, a := range allocs {
		if _, ok := capacity[a.Node]; !ok {
			return nil, false
		}
		placement[a.Job] = a.Node
		jobsOn[a.Node] = append(jobsOn[a.Node], a)
		load[a.Node] = domain.SumAmounts(load[a.Node], a.ConsumedAmount)
	}

	order := lo.Keys(jobsOn)
	sort.Slice(order, func(i, j int) bool {
		if load[order[i]] != load[order[j]] {
			return load[order[i]] < load[order[j]]
		}
		return order[i] < order[j]
	})

	drained := make(map[string]bool)
	for _, name := range order {
		jobs := jobsOn[name]
		// Jobs that already left their node cost nothing more to move again.
		moves := lo.CountBy(jobs, func(a *domain.Allocation) bool { return a.Node == name })
		if s.config.BinWeight <= s.config.MoveWeight*float64(moves) {
			continue
		}

		trial := make(map[string]float64, len(load))
		for node, l := range load {
			trial[node] = l
		}
		targets := make(map[string]string, len(jobs))
		sorted := append([]*domain.Allocation(nil), jobs...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ConsumedAmount > sorted[j].ConsumedAmount })

		fits := true
		for _, a := range sorted {
			best, bestFree := "", 0.0
			for node, resident := range jobsOn {
				if node == name || drained[node] || len(resident) == 0 {
					continue
				}
				next := domain.SumAmounts(trial[node], a.ConsumedAmount)
				if domain.Exceeds(next, capacity[node]) {
					continue
				}
				free := domain.Sub(capacity[node], next)
				if best == "" || free < bestFree || (free == bestFree && node < best) {
					best, bestFree = node, free
				}
			}
			if best == "" {
				fits = false
				break
			}
			targets[a.Job] = best
			trial[best] = domain.SumAmounts(trial[best], a.ConsumedAmount)
		}
		if !fits {
			continue
		}

		for _, a := range jobs {
			placement[a.Job] = targets[a.Job]
			jobsOn[targets[a.Job]] = append(jobsOn[targets[a.Job]], a)
		}
		load = trial
		load[name] = 0
		jobsOn[name] = nil
		drained[name] = true
	}
	return placement, true
}

// ApplyConsolidation commits the still-valid moves of a PackNodes result in one ledger
// transaction and returns the pairs that were applied. A move is dropped when its job no
// longer sits on the recorded node with the recorded amount, when the target node is
// gone, or when the target lacks room after the other moves.
func (s *Scheduler) ApplyConsolidation(ctx context.Context, actions []domain.JobAction) ([]domain.JobAction, error) {
	moves := pairMoves(actions)
	if len(moves) == 0 {
		return nil, nil
	}

	var applied []domain.JobAction
	err := s.ledger.Update(ctx, func(tx LedgerTx) error {
		applied = nil
		touched := make(map[string]bool)
		pending := moves

		for progress := true; progress && len(pending) > 0; {
			progress = false
			var next []move
			for _, mv := range pending {
				from, to, retry, err := s.applyMove(ctx, tx, mv)
				if err != nil {
					return err
				}
				switch {
				case to != nil:
					progress = true
					touched[to.Node] = true
					applied = append(applied, domain.DeleteJob(from), domain.CreateJob(to))
				case retry:
					next = append(next, mv)
				}
			}
			pending = next
		}
		for _, mv := range pending {
			s.logger.Debug("Dropping consolidation move, target lacks room",
				zap.String("job", mv.to.Job),
				zap.String("target", mv.to.Node),
			)
		}

		for node := range touched {
			if err := checkNodeCapacity(ctx, tx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to apply consolidation", zap.Error(err))
		return nil, err
	}

	s.metrics.RecordConsolidation(ConsolidationApplied, 0, len(applied)/2)
	s.logger.Info("Applied consolidation",
		zap.Int("proposed", len(moves)),
		zap.Int("applied", len(applied)/2),
	)
	return applied, nil
}

type move struct {
	from domain.Allocation
	to   domain.Allocation
}

// pairMoves extracts DeleteJob+CreateJob pairs for the same job. Anything else is ignored.
func pairMoves(actions []domain.JobAction) []move {
	var moves []move
	for i := 0; i+1 < len(actions); i++ {
		del, create := actions[i], actions[i+1]
		if del.Type != domain.ActionDeleteJob || create.Type != domain.ActionCreateJob || del.Job() != create.Job() {
			continue
		}
		moves = append(moves, move{from: del.Allocation, to: create.Allocation})
		i++
	}
	sort.SliceStable(moves, func(i, j int) bool { return moves[i].to.Job < moves[j].to.Job })
	return moves
}

// applyMove applies mv if it is still valid and returns the allocation before and after
// the move. retry reports that the move is valid but the target has no room yet.
func (s *Scheduler) applyMove(ctx context.Context, tx LedgerTx, mv move) (from, to *domain.Allocation, retry bool, err error) {
	logger := s.logger.With(zap.String("job", mv.to.Job), zap.String("target", mv.to.Node))

	current, err := tx.GetAllocation(ctx, mv.from.Job)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Debug("Dropping consolidation move, job is gone")
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get allocation: %w", err)
	}
	if current.Node != mv.from.Node || current.Node == mv.to.Node || current.Team != mv.to.Team ||
		!domain.EqualWithTolerance(current.ConsumedAmount, mv.to.ConsumedAmount) {
		logger.Debug("Dropping consolidation move, job changed since the pass")
		return nil, nil, false, nil
	}

	target, err := tx.GetNode(ctx, mv.to.Node)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Debug("Dropping consolidation move, target node is gone")
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get node: %w", err)
	}
	load, err := nodeLoad(ctx, tx, target.Name)
	if err != nil {
		return nil, nil, false, err
	}
	if domain.Exceeds(domain.SumAmounts(load, current.ConsumedAmount), target.Capacity) {
		return nil, nil, true, nil
	}

	if err := tx.DeleteAllocation(ctx, current.Job); err != nil {
		return nil, nil, false, fmt.Errorf("failed to delete allocation: %w", err)
	}
	moved := current.Clone()
	moved.Node = target.Name
	moved.CreatedAt = s.clock.Now()
	if err := tx.CreateAllocation(ctx, moved); err != nil {
		return nil, nil, false, fmt.Errorf("failed to create allocation: %w", err)
	}
	return current, moved, false, nil
}
