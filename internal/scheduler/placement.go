package scheduler

import (
	"context"
	"fmt"

	"github.com/limiquantix/pipelines/internal/domain"
)

// FindFirstFitNode returns the first node, in ledger order, whose free capacity is at
// least amount. It returns nil when no node qualifies.
func FindFirstFitNode(ctx context.Context, r LedgerReader, amount float64) (*domain.NodeFree, error) {
	free, err := r.FreeCapacityByNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get free capacity: %w", err)
	}
	for i := range free {
		if domain.GreaterOrEqual(free[i].Free, amount) {
			return &free[i], nil
		}
	}
	return nil, nil
}

// nodeLoad sums the allocations on a node.
func nodeLoad(ctx context.Context, r LedgerReader, node string) (float64, error) {
	allocs, err := r.ListAllocationsByNode(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("failed to list allocations on node %s: %w", node, err)
	}
	amounts := make([]float64, len(allocs))
	for i, a := range allocs {
		amounts[i] = a.ConsumedAmount
	}
	return domain.SumAmounts(amounts...), nil
}

// checkNodeCapacity returns domain.ErrInvariantViolation if the node holds more than its capacity.
func checkNodeCapacity(ctx context.Context, r LedgerReader, name string) error {
	node, err := r.GetNode(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get node %s: %w", name, err)
	}
	load, err := nodeLoad(ctx, r, name)
	if err != nil {
		return err
	}
	if domain.Exceeds(load, node.Capacity) {
		return fmt.Errorf("%w: node %s holds %g of %g", domain.ErrInvariantViolation, name, load, node.Capacity)
	}
	return nil
}
