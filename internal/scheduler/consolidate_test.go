package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/scheduler"
	"github.com/limiquantix/pipelines/internal/solver"
)

// stubSolver returns a fixed status without values.
type stubSolver struct {
	status solver.Status
}

func (s stubSolver) Solve(ctx context.Context, m *solver.Model) (*solver.Solution, error) {
	return &solver.Solution{Status: s.status}, nil
}

// blockingSolver signals entered and waits for release before delegating.
type blockingSolver struct {
	inner   solver.Solver
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSolver) Solve(ctx context.Context, m *solver.Model) (*solver.Solution, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.inner.Solve(ctx, m)
}

func (e *testEnv) freeByNode(t *testing.T) map[string]float64 {
	t.Helper()
	ctx := context.Background()
	result := make(map[string]float64)
	err := e.ledger.View(ctx, func(r scheduler.LedgerReader) error {
		free, err := r.FreeCapacityByNode(ctx)
		for _, f := range free {
			result[f.Node] = f.Free
		}
		return err
	})
	if err != nil {
		t.Fatalf("failed to get free capacity: %v", err)
	}
	return result
}

func assertMovePairs(t *testing.T, actions []domain.JobAction) {
	t.Helper()
	if len(actions)%2 != 0 {
		t.Fatalf("expected delete/create pairs, got %v", actions)
	}
	for i := 0; i < len(actions); i += 2 {
		del, create := actions[i], actions[i+1]
		if del.Type != domain.ActionDeleteJob || create.Type != domain.ActionCreateJob {
			t.Fatalf("expected DeleteJob then CreateJob, got %s %s", del, create)
		}
		if del.Job() != create.Job() {
			t.Fatalf("pair refers to different jobs: %s %s", del, create)
		}
		if del.Node == create.Node {
			t.Fatalf("pair does not move the job: %s %s", del, create)
		}
	}
}

func TestPackNodes_PackedLedgerIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 3, false)

	actions, err := env.sched.PackNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected no churn, got %v", actions)
	}
}

func TestPackNodes_EmptyLedgerIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4})

	actions, err := env.sched.PackNodes(context.Background())
	if err != nil || len(actions) != 0 {
		t.Errorf("expected no actions, got %v %v", actions, err)
	}
}

func TestPackNodes_CannotMergeIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 3, false)
	env.place(t, "j2", "A", "N2", 3, false)

	actions, err := env.sched.PackNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected no moves, got %v", actions)
	}
}

func TestPackNodes_ConsolidatesFragmentedNodes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 2, false)
	env.place(t, "j2", "A", "N2", 2, true)
	ctx := context.Background()

	actions, err := env.sched.PackNodes(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected a single move, got %v", actions)
	}
	assertMovePairs(t, actions)

	// PackNodes only proposes.
	free := env.freeByNode(t)
	if free["N1"] != 2 || free["N2"] != 2 {
		t.Fatalf("PackNodes must not modify the ledger, free=%v", free)
	}

	applied, err := env.sched.ApplyConsolidation(ctx, actions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected the move to be applied, got %v", applied)
	}
	assertMovePairs(t, applied)

	moved := env.allocation(t, applied[1].Job())
	if moved == nil || moved.Node != applied[1].Node {
		t.Fatalf("expected %s on %s, got %+v", applied[1].Job(), applied[1].Node, moved)
	}
	if moved.LowPriority != applied[0].Allocation.LowPriority || moved.Team != "A" {
		t.Errorf("move must keep team and priority, got %+v", moved)
	}

	free = env.freeByNode(t)
	if !(free["N1"] == 0 && free["N2"] == 4) && !(free["N1"] == 4 && free["N2"] == 0) {
		t.Errorf("expected one empty node, free=%v", free)
	}
	env.checkInvariants(t)

	actions, err = env.sched.PackNodes(ctx)
	if err != nil || len(actions) != 0 {
		t.Errorf("second pass should find nothing to do, got %v %v", actions, err)
	}
}

func TestPackNodes_PrefersFewerMoves(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 20}, map[string]float64{"N1": 6, "N2": 6})
	env.place(t, "j1", "A", "N1", 1, false)
	env.place(t, "j2", "A", "N2", 1, false)
	env.place(t, "j3", "A", "N2", 1, false)
	env.place(t, "j4", "A", "N2", 1, false)

	actions, err := env.sched.PackNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 2 || actions[0].Job() != "j1" || actions[1].Node != "N2" {
		t.Fatalf("expected only j1 to move to N2, got %v", actions)
	}
}

func TestPackNodes_MovesSortedByJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 20}, map[string]float64{"N1": 10, "N2": 10})
	env.place(t, "j-c", "A", "N1", 1, false)
	env.place(t, "j-a", "A", "N1", 1, false)
	env.place(t, "j-b", "A", "N2", 5, false)
	env.place(t, "j-d", "A", "N2", 1, false)
	env.place(t, "j-e", "A", "N2", 1, false)

	actions, err := env.sched.PackNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("expected two moves, got %v", actions)
	}
	assertMovePairs(t, actions)
	if actions[0].Job() != "j-a" || actions[2].Job() != "j-c" {
		t.Errorf("expected moves ordered j-a, j-c, got %v", actions)
	}
}

func TestApplyConsolidation_DropsStaleMoves(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 2, false)
	env.place(t, "j2", "A", "N2", 2, false)
	ctx := context.Background()

	actions, err := env.sched.PackNodes(ctx)
	if err != nil || len(actions) != 2 {
		t.Fatalf("expected a move, got %v %v", actions, err)
	}

	// The moving job ends before the move is applied.
	if err := env.sched.JobEnded(ctx, actions[0].Job(), "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, err := env.sched.ApplyConsolidation(ctx, actions)
	if err != nil {
		t.Fatalf("stale moves must not be errors: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected the stale move to be dropped, got %v", applied)
	}
	env.checkInvariants(t)
}

func TestApplyConsolidation_DropsMoveToFullNode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 2, false)
	env.place(t, "j2", "A", "N2", 2, false)
	ctx := context.Background()

	actions, err := env.sched.PackNodes(ctx)
	if err != nil || len(actions) != 2 {
		t.Fatalf("expected a move, got %v %v", actions, err)
	}

	// Another job takes the room the move was counting on.
	env.place(t, "late", "A", actions[1].Node, 2, false)

	applied, err := env.sched.ApplyConsolidation(ctx, actions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected the move to be dropped, got %v", applied)
	}
	if a := env.allocation(t, actions[0].Job()); a == nil || a.Node != actions[0].Node {
		t.Errorf("dropped move must leave the job in place, got %+v", a)
	}
	env.checkInvariants(t)
}

func TestApplyConsolidation_IgnoresUnpairedActions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 2, false)

	a := env.allocation(t, "j1")
	applied, err := env.sched.ApplyConsolidation(context.Background(), []domain.JobAction{domain.DeleteJob(a)})
	if err != nil || len(applied) != 0 {
		t.Errorf("expected nothing applied, got %v %v", applied, err)
	}
	if env.allocation(t, "j1") == nil {
		t.Error("an unpaired delete must not remove the job")
	}
}

func TestPackNodes_SolverFailureIsNoop(t *testing.T) {
	for _, status := range []solver.Status{solver.StatusTimeout, solver.StatusError, solver.StatusInfeasible} {
		t.Run(status.String(), func(t *testing.T) {
			env := newTestEnv(t, stubSolver{status: status})
			env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
			env.place(t, "j1", "A", "N1", 2, false)
			env.place(t, "j2", "A", "N2", 2, false)

			actions, err := env.sched.PackNodes(context.Background())
			if err != nil {
				t.Fatalf("solver failures must not be errors: %v", err)
			}
			if len(actions) != 0 {
				t.Errorf("expected no actions, got %v", actions)
			}
		})
	}
}

func TestPackNodes_OverlappingPassReturnsImmediately(t *testing.T) {
	blocking := &blockingSolver{
		inner:   solver.NewBranchAndBound(solver.DefaultConfig(), zap.NewNop()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, blocking)
	env.inventory(t, map[string]float64{"A": 10}, map[string]float64{"N1": 4, "N2": 4})
	env.place(t, "j1", "A", "N1", 2, false)
	env.place(t, "j2", "A", "N2", 2, false)
	ctx := context.Background()

	type result struct {
		actions []domain.JobAction
		err     error
	}
	first := make(chan result, 1)
	go func() {
		actions, err := env.sched.PackNodes(ctx)
		first <- result{actions, err}
	}()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the solver")
	}

	actions, err := env.sched.PackNodes(ctx)
	if err != nil || actions != nil {
		t.Errorf("overlapping pass should be skipped, got %v %v", actions, err)
	}

	close(blocking.release)
	select {
	case r := <-first:
		if r.err != nil || len(r.actions) != 2 {
			t.Errorf("first pass should complete normally, got %v %v", r.actions, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not finish")
	}
}

func TestTryProvision_ReclaimSolverTimeoutRejects(t *testing.T) {
	env := newTestEnv(t, stubSolver{status: solver.StatusTimeout})
	env.inventory(t, map[string]float64{"A": 10, "B": 4}, map[string]float64{"N2": 10})
	env.place(t, "b1", "B", "N2", 3, true)
	env.place(t, "b2", "B", "N2", 3, true)
	env.place(t, "b3", "B", "N2", 3, true)

	actions, err := env.sched.TryProvisionResources(context.Background(), "A", "a1", 3)
	if err != nil {
		t.Fatalf("solver timeouts must not be errors: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected rejection, got %v", actions)
	}
	if got := env.consumed(t, "B"); got != 9 {
		t.Errorf("nothing may be evicted on timeout, B consumes %v", got)
	}
}

func TestPackNodes_ConsolidatesModerateCluster(t *testing.T) {
	config := scheduler.DefaultConfig()
	config.ConsolidateSolveTimeout = 2 * time.Second
	env := newTestEnvWithConfig(t, nil, config)

	nodes := make(map[string]float64)
	for i := 0; i < 8; i++ {
		nodes[fmt.Sprintf("N%d", i)] = 8
	}
	env.inventory(t, map[string]float64{"A": 100}, nodes)
	for i := 0; i < 8; i++ {
		node := fmt.Sprintf("N%d", i)
		env.place(t, fmt.Sprintf("j%d-a", i), "A", node, 2, false)
		env.place(t, fmt.Sprintf("j%d-b", i), "A", node, 1.5+0.5*float64(i%2), false)
		env.place(t, fmt.Sprintf("j%d-c", i), "A", node, 1, false)
	}
	ctx := context.Background()

	start := time.Now()
	actions, err := env.sched.PackNodes(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("consolidation took %s", elapsed)
	}
	if len(actions) == 0 {
		t.Fatal("expected moves on a fragmented cluster")
	}
	assertMovePairs(t, actions)

	applied, err := env.sched.ApplyConsolidation(ctx, actions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != len(actions) {
		t.Errorf("expected every move applied, got %d of %d", len(applied)/2, len(actions)/2)
	}

	occupied := 0
	for _, free := range env.freeByNode(t) {
		if free < 8 {
			occupied++
		}
	}
	if occupied > 6 {
		t.Errorf("expected at most 6 occupied nodes, got %d", occupied)
	}
	env.checkInvariants(t)
}
