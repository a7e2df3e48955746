package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/scheduler"
)

// Ensure Ledger implements scheduler.Ledger
var _ scheduler.Ledger = (*Ledger)(nil)

// TxBeginner starts transactions. It is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Ledger is a scheduler.Ledger on top of PostgreSQL. Updates run SERIALIZABLE and are
// retried on serialization failures and deadlocks, so concurrent admissions across
// instances behave as if they ran one after another.
type Ledger struct {
	db         TxBeginner
	maxRetries int
	logger     *zap.Logger
}

// NewLedger creates a new PostgreSQL ledger. maxRetries bounds the attempts of a
// conflicting update; values below one mean a single attempt.
func NewLedger(db TxBeginner, maxRetries int, logger *zap.Logger) *Ledger {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Ledger{
		db:         db,
		maxRetries: maxRetries,
		logger:     logger.With(zap.String("repository", "ledger"), zap.String("backend", "postgres")),
	}
}

// View runs fn in a read-only snapshot transaction.
func (l *Ledger) View(ctx context.Context, fn func(r scheduler.LedgerReader) error) error {
	return pgx.BeginTxFunc(ctx, l.db, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		return fn(&reader{tx: tx})
	})
}

// Update runs fn in a serializable transaction and commits it if fn returns nil.
// fn is invoked again when the transaction conflicts with a concurrent one.
func (l *Ledger) Update(ctx context.Context, fn func(tx scheduler.LedgerTx) error) error {
	var err error
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, l.db, pgx.TxOptions{
			IsoLevel:   pgx.Serializable,
			AccessMode: pgx.ReadWrite,
		}, func(tx pgx.Tx) error {
			return fn(&writer{reader{tx: tx}})
		})
		if !isRetryable(err) {
			return err
		}

		l.logger.Debug("Ledger transaction conflicted, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: ledger transaction kept conflicting: %v", domain.ErrUnavailable, err)
}

type reader struct {
	tx pgx.Tx
}

const selectTeam = `SELECT name, quota_amount, created_at, updated_at FROM gpu_team_quotas`

func scanTeam(row pgx.Row) (*domain.TeamQuota, error) {
	t := &domain.TeamQuota{}
	if err := row.Scan(&t.Name, &t.QuotaAmount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *reader) GetTeam(ctx context.Context, name string) (*domain.TeamQuota, error) {
	t, err := scanTeam(r.tx.QueryRow(ctx, selectTeam+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: team %s", domain.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return t, nil
}

func (r *reader) ListTeams(ctx context.Context) ([]*domain.TeamQuota, error) {
	rows, err := r.tx.Query(ctx, selectTeam+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*domain.TeamQuota
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

const selectNode = `SELECT name, capacity, created_at, updated_at FROM gpu_nodes`

func scanNode(row pgx.Row) (*domain.GPUNode, error) {
	n := &domain.GPUNode{}
	if err := row.Scan(&n.Name, &n.Capacity, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *reader) GetNode(ctx context.Context, name string) (*domain.GPUNode, error) {
	n, err := scanNode(r.tx.QueryRow(ctx, selectNode+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", domain.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

func (r *reader) ListNodes(ctx context.Context) ([]*domain.GPUNode, error) {
	rows, err := r.tx.Query(ctx, selectNode+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.GPUNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

const selectAllocation = `SELECT job, team, node, consumed_amount, low_priority, created_at FROM gpu_allocations`

func scanAllocation(row pgx.Row) (*domain.Allocation, error) {
	a := &domain.Allocation{}
	if err := row.Scan(&a.Job, &a.Team, &a.Node, &a.ConsumedAmount, &a.LowPriority, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *reader) GetAllocation(ctx context.Context, job string) (*domain.Allocation, error) {
	a, err := scanAllocation(r.tx.QueryRow(ctx, selectAllocation+` WHERE job = $1`, job))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: allocation %s", domain.ErrNotFound, job)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return a, nil
}

func (r *reader) ListAllocations(ctx context.Context) ([]*domain.Allocation, error) {
	return r.allocations(ctx, selectAllocation+` ORDER BY job`)
}

func (r *reader) ListAllocationsByNode(ctx context.Context, node string) ([]*domain.Allocation, error) {
	return r.allocations(ctx, selectAllocation+` WHERE node = $1 ORDER BY job`, node)
}

func (r *reader) allocations(ctx context.Context, query string, args ...interface{}) ([]*domain.Allocation, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []*domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (r *reader) TotalConsumedByTeam(ctx context.Context, team string) (float64, error) {
	var (
		exists  bool
		amounts []float64
	)
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM gpu_team_quotas WHERE name = $1),
		       COALESCE((SELECT ARRAY_AGG(consumed_amount) FROM gpu_allocations WHERE team = $1), '{}')
	`, team).Scan(&exists, &amounts)
	if err != nil {
		return 0, fmt.Errorf("failed to sum team consumption: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownTeam, team)
	}
	return domain.SumAmounts(amounts...), nil
}

// FreeCapacityByNode fetches the individual amounts and sums them with domain.SumAmounts,
// like the other aggregates, so results agree with the in-memory backend.
func (r *reader) FreeCapacityByNode(ctx context.Context) ([]domain.NodeFree, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT n.name, n.capacity,
		       COALESCE(ARRAY_AGG(a.consumed_amount) FILTER (WHERE a.job IS NOT NULL), '{}')
		FROM gpu_nodes n
		LEFT JOIN gpu_allocations a ON a.node = n.name
		GROUP BY n.name, n.capacity
		ORDER BY n.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query node load: %w", err)
	}
	defer rows.Close()

	var free []domain.NodeFree
	for rows.Next() {
		var (
			nf      domain.NodeFree
			amounts []float64
		)
		if err := rows.Scan(&nf.Node, &nf.Capacity, &amounts); err != nil {
			return nil, fmt.Errorf("failed to scan node load: %w", err)
		}
		nf.Free = domain.Sub(nf.Capacity, domain.SumAmounts(amounts...))
		free = append(free, nf)
	}
	return free, rows.Err()
}

func (r *reader) OverQuotaTeams(ctx context.Context) ([]domain.TeamExcess, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT t.name, t.quota_amount, ARRAY_AGG(a.consumed_amount)
		FROM gpu_team_quotas t
		JOIN gpu_allocations a ON a.team = t.name
		GROUP BY t.name, t.quota_amount
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query team consumption: %w", err)
	}
	defer rows.Close()

	var over []domain.TeamExcess
	for rows.Next() {
		var (
			team    string
			quota   float64
			amounts []float64
		)
		if err := rows.Scan(&team, &quota, &amounts); err != nil {
			return nil, fmt.Errorf("failed to scan team consumption: %w", err)
		}
		consumed := domain.SumAmounts(amounts...)
		if domain.Exceeds(consumed, quota) {
			over = append(over, domain.TeamExcess{Team: team, Excess: domain.Sub(consumed, quota)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Excess is compared in Go so the epsilon rule matches the other backends.
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
		return fmt.Errorf("%w: team name is required", domain.ErrInvalidArgument)
	}
	_, err := w.tx.Exec(ctx, `
		INSERT INTO gpu_team_quotas (name, quota_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET quota_amount = EXCLUDED.quota_amount,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, team.Name, team.QuotaAmount, team.CreatedAt, team.UpdatedAt)
	if err != nil {
		return classify(err, "team "+team.Name, domain.ErrConflict)
	}
	return nil
}

func (w *writer) DeleteTeam(ctx context.Context, name string) error {
	tag, err := w.tx.Exec(ctx, `DELETE FROM gpu_team_quotas WHERE name = $1`, name)
	if err != nil {
		return classify(err, "team "+name, domain.ErrConflict)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: team %s", domain.ErrNotFound, name)
	}
	return nil
}

func (w *writer) PutNode(ctx context.Context, node *domain.GPUNode) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("%w: node name is required", domain.ErrInvalidArgument)
	}
	_, err := w.tx.Exec(ctx, `
		INSERT INTO gpu_nodes (name, capacity, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET capacity = EXCLUDED.capacity,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, node.Name, node.Capacity, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return classify(err, "node "+node.Name, domain.ErrConflict)
	}
	return nil
}

func (w *writer) DeleteNode(ctx context.Context, name string) error {
	tag, err := w.tx.Exec(ctx, `DELETE FROM gpu_nodes WHERE name = $1`, name)
	if err != nil {
		return classify(err, "node "+name, domain.ErrConflict)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: node %s", domain.ErrNotFound, name)
	}
	return nil
}

func (w *writer) CreateAllocation(ctx context.Context, alloc *domain.Allocation) error {
	if alloc == nil || alloc.Job == "" {
		return fmt.Errorf("%w: job name is required", domain.ErrInvalidArgument)
	}
	if !domain.ValidAmount(alloc.ConsumedAmount) {
		return fmt.Errorf("%w: allocation %s", domain.ErrInvalidAmount, alloc.Job)
	}
	_, err := w.tx.Exec(ctx, `
		INSERT INTO gpu_allocations (job, team, node, consumed_amount, low_priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, alloc.Job, alloc.Team, alloc.Node, alloc.ConsumedAmount, alloc.LowPriority, alloc.CreatedAt)
	if err != nil {
		return classify(err, "allocation "+alloc.Job, domain.ErrNotFound)
	}
	return nil
}

func (w *writer) DeleteAllocation(ctx context.Context, job string) error {
	tag, err := w.tx.Exec(ctx, `DELETE FROM gpu_allocations WHERE job = $1`, job)
	if err != nil {
		return classify(err, "allocation "+job, domain.ErrConflict)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: allocation %s", domain.ErrNotFound, job)
	}
	return nil
}

// classify maps constraint violations onto domain errors. fkErr is returned for foreign
// key violations: a missing parent on insert, a still referenced row on delete.
func classify(err error, subject string, fkErr error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, subject)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", fkErr, subject, pgErr.Detail)
		case pgerrcode.CheckViolation:
			return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, subject)
		}
	}
	return fmt.Errorf("failed to write %s: %w", subject, err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}
