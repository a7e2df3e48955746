package scheduler

import (
	"context"

	"github.com/limiquantix/pipelines/internal/domain"
)

// LedgerReader is a consistent view of the resource ledger.
// List methods return records ordered by name (job name for allocations).
type LedgerReader interface {
	// GetTeam returns domain.ErrNotFound if the team has no quota record.
	GetTeam(ctx context.Context, name string) (*domain.TeamQuota, error)
	ListTeams(ctx context.Context) ([]*domain.TeamQuota, error)

	// GetNode returns domain.ErrNotFound if the node does not exist.
	GetNode(ctx context.Context, name string) (*domain.GPUNode, error)
	ListNodes(ctx context.Context) ([]*domain.GPUNode, error)

	// GetAllocation returns domain.ErrNotFound if the job holds no allocation.
	GetAllocation(ctx context.Context, job string) (*domain.Allocation, error)
	ListAllocations(ctx context.Context) ([]*domain.Allocation, error)
	ListAllocationsByNode(ctx context.Context, node string) ([]*domain.Allocation, error)

	// TotalConsumedByTeam sums the allocations of a team across all nodes.
	// It returns domain.ErrUnknownTeam if the team has no quota record.
	TotalConsumedByTeam(ctx context.Context, team string) (float64, error)

	// FreeCapacityByNode returns capacity minus allocated amount for every node.
	FreeCapacityByNode(ctx context.Context) ([]domain.NodeFree, error)

	// OverQuotaTeams returns teams consuming more than their quota, worst offender first.
	OverQuotaTeams(ctx context.Context) ([]domain.TeamExcess, error)
}

// LedgerTx is a read-write ledger transaction.
type LedgerTx interface {
	LedgerReader

	PutTeam(ctx context.Context, team *domain.TeamQuota) error
	// DeleteTeam returns domain.ErrConflict while allocations reference the team.
	DeleteTeam(ctx context.Context, name string) error

	PutNode(ctx context.Context, node *domain.GPUNode) error
	// DeleteNode returns domain.ErrConflict while allocations reference the node.
	DeleteNode(ctx context.Context, name string) error

	// CreateAllocation returns domain.ErrAlreadyExists if the job already holds an
	// allocation and domain.ErrNotFound if its team or node does not exist.
	CreateAllocation(ctx context.Context, alloc *domain.Allocation) error
	// DeleteAllocation returns domain.ErrNotFound if the job holds no allocation.
	DeleteAllocation(ctx context.Context, job string) error
}

// Ledger is the persisted record of team quotas, node capacities and job allocations.
//
// Update runs fn in a serializable read-write transaction: either every write made by fn
// commits or none does, and two concurrent transactions never both commit decisions based
// on the same free capacity. An error returned by fn aborts the transaction and is
// returned unchanged (possibly wrapped). fn may be invoked more than once when the
// backend retries a conflicting transaction, so it must not have side effects outside tx.
type Ledger interface {
	View(ctx context.Context, fn func(r LedgerReader) error) error
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
}
