// Package memory provides the in-memory resource ledger used for development, tests and
// single-instance deployments.
package memory

import (
	"context"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/scheduler"
)

const (
	teamsTable       = "teams"
	nodesTable       = "nodes"
	allocationsTable = "allocations"

	idIndex   = "id"   // primary key
	teamIndex = "team" // allocations owned by a team
	nodeIndex = "node" // allocations placed on a node
)

// Ensure Ledger implements scheduler.Ledger
var _ scheduler.Ledger = (*Ledger)(nil)

// Ledger is a scheduler.Ledger on top of go-memdb. Write transactions are serialized by
// memdb; read transactions see an immutable snapshot. Stored records are never mutated:
// every write inserts a copy and every read returns one.
type Ledger struct {
	db     *memdb.MemDB
	logger *zap.Logger
}

// NewLedger creates an empty in-memory ledger.
func NewLedger(logger *zap.Logger) (*Ledger, error) {
	db, err := memdb.NewMemDB(ledgerSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Ledger{
		db:     db,
		logger: logger.With(zap.String("repository", "ledger"), zap.String("backend", "memory")),
	}, nil
}

// View runs fn against a snapshot of the ledger.
func (l *Ledger) View(ctx context.Context, fn func(r scheduler.LedgerReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := l.db.Txn(false)
	defer txn.Abort()
	return fn(&reader{txn: txn})
}

// Update runs fn in a write transaction and commits it if fn returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx scheduler.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := l.db.Txn(true)
	defer txn.Abort()
	if err := fn(&writer{reader{txn: txn}}); err != nil {
		l.logger.Debug("Rolled back ledger transaction", zap.Error(err))
		return err
	}
	txn.Commit()
	return nil
}

type reader struct {
	txn *memdb.Txn
}

func (r *reader) GetTeam(ctx context.Context, name string) (*domain.TeamQuota, error) {
	raw, err := r.txn.First(teamsTable, idIndex, name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "team %s", name)
	}
	return raw.(*domain.TeamQuota).Clone(), nil
}

func (r *reader) ListTeams(ctx context.Context) ([]*domain.TeamQuota, error) {
	it, err := r.txn.Get(teamsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var teams []*domain.TeamQuota
	for obj := it.Next(); obj != nil; obj = it.Next() {
		teams = append(teams, obj.(*domain.TeamQuota).Clone())
	}
	return teams, nil
}

func (r *reader) GetNode(ctx context.Context, name string) (*domain.GPUNode, error) {
	raw, err := r.txn.First(nodesTable, idIndex, name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "node %s", name)
	}
	return raw.(*domain.GPUNode).Clone(), nil
}

func (r *reader) ListNodes(ctx context.Context) ([]*domain.GPUNode, error) {
	it, err := r.txn.Get(nodesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var nodes []*domain.GPUNode
	for obj := it.Next(); obj != nil; obj = it.Next() {
		nodes = append(nodes, obj.(*domain.GPUNode).Clone())
	}
	return nodes, nil
}

func (r *reader) GetAllocation(ctx context.Context, job string) (*domain.Allocation, error) {
	raw, err := r.txn.First(allocationsTable, idIndex, job)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "allocation %s", job)
	}
	return raw.(*domain.Allocation).Clone(), nil
}

func (r *reader) ListAllocations(ctx context.Context) ([]*domain.Allocation, error) {
	return r.allocations(idIndex)
}

func (r *reader) ListAllocationsByNode(ctx context.Context, node string) ([]*domain.Allocation, error) {
	return r.allocations(nodeIndex, node)
}

func (r *reader) allocations(index string, args ...interface{}) ([]*domain.Allocation, error) {
	it, err := r.txn.Get(allocationsTable, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var allocs []*domain.Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		allocs = append(allocs, obj.(*domain.Allocation).Clone())
	}
	return allocs, nil
}

// sum adds the consumed amounts of the allocations matched by index.
func (r *reader) sum(index string, value string) (float64, error) {
	allocs, err := r.allocations(index, value)
	if err != nil {
		return 0, err
	}
	amounts := make([]float64, len(allocs))
	for i, a := range allocs {
		amounts[i] = a.ConsumedAmount
	}
	return domain.SumAmounts(amounts...), nil
}

func (r *reader) TotalConsumedByTeam(ctx context.Context, team string) (float64, error) {
	if _, err := r.GetTeam(ctx, team); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, errors.Wrap(domain.ErrUnknownTeam, team)
		}
		return 0, err
	}
	return r.sum(teamIndex, team)
}

func (r *reader) FreeCapacityByNode(ctx context.Context) ([]domain.NodeFree, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	free := make([]domain.NodeFree, 0, len(nodes))
	for _, n := range nodes {
		load, err := r.sum(nodeIndex, n.Name)
		if err != nil {
			return nil, err
		}
		free = append(free, domain.NodeFree{
			Node:     n.Name,
			Capacity: n.Capacity,
			Free:     domain.Sub(n.Capacity, load),
		})
	}
	return free, nil
}

func (r *reader) OverQuotaTeams(ctx context.Context) ([]domain.TeamExcess, error) {
	teams, err := r.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	var over []domain.TeamExcess
	for _, t := range teams {
		consumed, err := r.sum(teamIndex, t.Name)
		if err != nil {
			return nil, err
		}
		if domain.Exceeds(consumed, t.QuotaAmount) {
			over = append(over, domain.TeamExcess{Team: t.Name, Excess: domain.Sub(consumed, t.QuotaAmount)})
		}
	}
	sort.SliceStable(over, func(i, j int) bool {
		if over[i].Excess != over[j].Excess {
			return over[i].Excess > over[j].Excess
		}
		return over[i].Team < over[j].Team
	})
	return over, nil
}

type writer struct {
	reader
}

func (w *writer) PutTeam(ctx context.Context, team *domain.TeamQuota) error {
	if team == nil || team.Name == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "team name is required")
	}
	return errors.WithStack(w.txn.Insert(teamsTable, team.Clone()))
}

func (w *writer) DeleteTeam(ctx context.Context, name string) error {
	raw, err := w.txn.First(teamsTable, idIndex, name)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return errors.Wrapf(domain.ErrNotFound, "team %s", name)
	}
	if ref, err := w.txn.First(allocationsTable, teamIndex, name); err != nil {
		return errors.WithStack(err)
	} else if ref != nil {
		return errors.Wrapf(domain.ErrConflict, "team %s still owns allocations", name)
	}
	return errors.WithStack(w.txn.Delete(teamsTable, raw))
}

func (w *writer) PutNode(ctx context.Context, node *domain.GPUNode) error {
	if node == nil || node.Name == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "node name is required")
	}
	return errors.WithStack(w.txn.Insert(nodesTable, node.Clone()))
}

func (w *writer) DeleteNode(ctx context.Context, name string) error {
	raw, err := w.txn.First(nodesTable, idIndex, name)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return errors.Wrapf(domain.ErrNotFound, "node %s", name)
	}
	if ref, err := w.txn.First(allocationsTable, nodeIndex, name); err != nil {
		return errors.WithStack(err)
	} else if ref != nil {
		return errors.Wrapf(domain.ErrConflict, "node %s still hosts allocations", name)
	}
	return errors.WithStack(w.txn.Delete(nodesTable, raw))
}

func (w *writer) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	if alloc == nil || alloc.Job == "" {
		return errors.Wrap(domain.ErrInvalidArgument, "job name is required")
	}
	if !domain.ValidAmount(alloc.ConsumedAmount) {
		return errors.Wrapf(domain.ErrInvalidAmount, "allocation %s", alloc.Job)
	}
	if existing, err := w.txn.First(allocationsTable, idIndex, alloc.Job); err != nil {
		return errors.WithStack(err)
	} else if existing != nil {
		return errors.Wrapf(domain.ErrAlreadyExists, "allocation %s", alloc.Job)
	}
	if _, err := w.GetTeam(ctx, alloc.Team); err != nil {
		return err
	}
	if _, err := w.GetNode(ctx, alloc.Node); err != nil {
		return err
	}
	return errors.WithStack(w.txn.Insert(allocationsTable, alloc.Clone()))
}

func (w *writer) DeleteAllocation(ctx context.Context, job string) error {
	raw, err := w.txn.First(allocationsTable, idIndex, job)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return errors.Wrapf(domain.ErrNotFound, "allocation %s", job)
	}
	return errors.WithStack(w.txn.Delete(allocationsTable, raw))
}

func ledgerSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			teamsTable: {
				Name: teamsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			nodesTable: {
				Name: nodesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			allocationsTable: {
				Name: allocationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Job"},
					},
					teamIndex: {
						Name:    teamIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Team"},
					},
					nodeIndex: {
						Name:    nodeIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Node"},
					},
				},
			},
		},
	}
}
