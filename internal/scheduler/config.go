// Package scheduler implements GPU admission control, reclamation and consolidation
// for the pipelines control plane. It decides whether a job may consume a fractional
// amount of GPU capacity on one of the nodes and returns the actions the caller must
// apply against the cluster.
package scheduler

import "time"

// Config holds the scheduler configuration.
type Config struct {
	// ReclaimSolveTimeout bounds each reclamation solve. A solve that times out without
	// any plan treats the node as infeasible.
	ReclaimSolveTimeout time.Duration `mapstructure:"reclaim_solve_timeout"`

	// ConsolidateSolveTimeout bounds the consolidation solve. A timeout keeps the best
	// placement found so far.
	ConsolidateSolveTimeout time.Duration `mapstructure:"consolidate_solve_timeout"`

	// BinWeight is the consolidation cost of every node left with at least one job.
	BinWeight float64 `mapstructure:"bin_weight"`

	// MoveWeight is the consolidation cost of every job moved off its current node.
	MoveWeight float64 `mapstructure:"move_weight"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		ReclaimSolveTimeout:     2 * time.Second,
		ConsolidateSolveTimeout: 30 * time.Second,
		BinWeight:               10,
		MoveWeight:              1,
	}
}
