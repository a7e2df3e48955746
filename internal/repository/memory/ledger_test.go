package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/scheduler"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(zap.NewNop())
	require.NoError(t, err)
	return l
}

func seed(t *testing.T, l *Ledger, teams map[string]float64, nodes map[string]float64, allocs ...*domain.Allocation) {
	t.Helper()
	ctx := context.Background()
	err := l.Update(ctx, func(tx scheduler.LedgerTx) error {
		for name, quota := range teams {
			if err := tx.PutTeam(ctx, &domain.TeamQuota{Name: name, QuotaAmount: quota}); err != nil {
				return err
			}
		}
		for name, capacity := range nodes {
			if err := tx.PutNode(ctx, &domain.GPUNode{Name: name, Capacity: capacity}); err != nil {
				return err
			}
		}
		for _, a := range allocs {
			if err := tx.CreateAllocation(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func alloc(job, team, node string, amount float64) *domain.Allocation {
	return &domain.Allocation{Job: job, Team: team, Node: node, ConsumedAmount: amount}
}

func TestLedger_DerivedQueries(t *testing.T) {
	l := newTestLedger(t)
	seed(t, l,
		map[string]float64{"a": 10, "b": 4, "c": 1, "idle": 5},
		map[string]float64{"n2": 10, "n1": 4},
		alloc("b1", "b", "n2", 3),
		alloc("b2", "b", "n2", 3),
		alloc("b3", "b", "n2", 3),
		alloc("a1", "a", "n1", 3),
		alloc("c1", "c", "n1", 1.000001),
	)

	ctx := context.Background()
	err := l.View(ctx, func(r scheduler.LedgerReader) error {
		total, err := r.TotalConsumedByTeam(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 9.0, total)

		total, err = r.TotalConsumedByTeam(ctx, "idle")
		require.NoError(t, err)
		assert.Equal(t, 0.0, total)

		_, err = r.TotalConsumedByTeam(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrUnknownTeam)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)

		free, err := r.FreeCapacityByNode(ctx)
		require.NoError(t, err)
		require.Len(t, free, 2)
		assert.Equal(t, "n1", free[0].Node)
		assert.InDelta(t, 0.0, free[0].Free, 1e-5)
		assert.Equal(t, "n2", free[1].Node)
		assert.Equal(t, 1.0, free[1].Free)

		// c exceeds its quota by less than epsilon, so only b is over quota.
		over, err := r.OverQuotaTeams(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.TeamExcess{{Team: "b", Excess: 5}}, over)

		byNode, err := r.ListAllocationsByNode(ctx, "n2")
		require.NoError(t, err)
		require.Len(t, byNode, 3)
		assert.Equal(t, "b1", byNode[0].Job)
		assert.Equal(t, "b3", byNode[2].Job)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_OverQuotaOrdering(t *testing.T) {
	l := newTestLedger(t)
	seed(t, l,
		map[string]float64{"x": 1, "y": 1, "z": 3},
		map[string]float64{"n1": 20},
		alloc("x1", "x", "n1", 3),
		alloc("y1", "y", "n1", 5),
		alloc("z1", "z", "n1", 5),
	)

	ctx := context.Background()
	err := l.View(ctx, func(r scheduler.LedgerReader) error {
		over, err := r.OverQuotaTeams(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.TeamExcess{
			{Team: "y", Excess: 4},
			{Team: "x", Excess: 2},
			{Team: "z", Excess: 2},
		}, over)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_AllocationConstraints(t *testing.T) {
	l := newTestLedger(t)
	seed(t, l, map[string]float64{"a": 10}, map[string]float64{"n1": 4}, alloc("j1", "a", "n1", 1))

	ctx := context.Background()
	tests := map[string]struct {
		alloc *domain.Allocation
		err   error
	}{
		"duplicate job":    {alloc: alloc("j1", "a", "n1", 1), err: domain.ErrAlreadyExists},
		"unknown team":     {alloc: alloc("j2", "ghost", "n1", 1), err: domain.ErrNotFound},
		"unknown node":     {alloc: alloc("j2", "a", "ghost", 1), err: domain.ErrNotFound},
		"zero amount":      {alloc: alloc("j2", "a", "n1", 0), err: domain.ErrInvalidAmount},
		"missing job name": {alloc: alloc("", "a", "n1", 1), err: domain.ErrInvalidArgument},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := l.Update(ctx, func(tx scheduler.LedgerTx) error {
				return tx.CreateAllocation(ctx, tc.alloc)
			})
			assert.ErrorIs(t, err, tc.err)
		})
	}

	err := l.Update(ctx, func(tx scheduler.LedgerTx) error { return tx.DeleteTeam(ctx, "a") })
	assert.ErrorIs(t, err, domain.ErrConflict)
	err = l.Update(ctx, func(tx scheduler.LedgerTx) error { return tx.DeleteNode(ctx, "n1") })
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = l.Update(ctx, func(tx scheduler.LedgerTx) error {
		if err := tx.DeleteAllocation(ctx, "j1"); err != nil {
			return err
		}
		if err := tx.DeleteNode(ctx, "n1"); err != nil {
			return err
		}
		return tx.DeleteTeam(ctx, "a")
	})
	require.NoError(t, err)

	err = l.Update(ctx, func(tx scheduler.LedgerTx) error { return tx.DeleteAllocation(ctx, "j1") })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_UpdateRollsBack(t *testing.T) {
	l := newTestLedger(t)
	seed(t, l, map[string]float64{"a": 10}, map[string]float64{"n1": 4})

	ctx := context.Background()
	boom := errors.New("boom")
	err := l.Update(ctx, func(tx scheduler.LedgerTx) error {
		require.NoError(t, tx.CreateAllocation(ctx, alloc("j1", "a", "n1", 2)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = l.View(ctx, func(r scheduler.LedgerReader) error {
		allocs, err := r.ListAllocations(ctx)
		require.NoError(t, err)
		assert.Empty(t, allocs)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_ReturnsCopies(t *testing.T) {
	l := newTestLedger(t)
	seed(t, l, map[string]float64{"a": 10}, map[string]float64{"n1": 4}, alloc("j1", "a", "n1", 2))

	ctx := context.Background()
	err := l.View(ctx, func(r scheduler.LedgerReader) error {
		a, err := r.GetAllocation(ctx, "j1")
		require.NoError(t, err)
		a.ConsumedAmount = 100

		n, err := r.GetNode(ctx, "n1")
		require.NoError(t, err)
		n.Capacity = 0
		return nil
	})
	require.NoError(t, err)

	err = l.View(ctx, func(r scheduler.LedgerReader) error {
		free, err := r.FreeCapacityByNode(ctx)
		require.NoError(t, err)
		assert.Equal(t, []domain.NodeFree{{Node: "n1", Capacity: 4, Free: 2}}, free)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_CancelledContext(t *testing.T) {
	l := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.View(ctx, func(r scheduler.LedgerReader) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = l.Update(ctx, func(tx scheduler.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
