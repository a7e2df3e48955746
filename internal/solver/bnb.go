package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Config holds the search limits of the branch-and-bound solver.
type Config struct {
	// MaxNodes bounds the number of LP relaxations solved per model.
	MaxNodes int `mapstructure:"max_nodes"`
	// IntegralityTolerance is how far from an integer a value may be and still count as integral.
	IntegralityTolerance float64 `mapstructure:"integrality_tolerance"`
	// RelativeGap prunes nodes whose bound improves on the incumbent by less than this
	// fraction of the incumbent objective. Zero searches for the exact optimum.
	RelativeGap float64 `mapstructure:"relative_gap"`
}

// DefaultConfig returns the default search limits.
func DefaultConfig() Config {
	return Config{
		MaxNodes:             20000,
		IntegralityTolerance: 1e-6,
		RelativeGap:          1e-4,
	}
}

// BranchAndBound is a depth-first branch-and-bound MIP solver over gonum's simplex.
// It is stateless and safe for concurrent use.
type BranchAndBound struct {
	config Config
	logger *zap.Logger
}

var _ Solver = (*BranchAndBound)(nil)

// NewBranchAndBound creates a new solver.
func NewBranchAndBound(config Config, logger *zap.Logger) *BranchAndBound {
	defaults := DefaultConfig()
	if config.MaxNodes <= 0 {
		config.MaxNodes = defaults.MaxNodes
	}
	if config.IntegralityTolerance <= 0 {
		config.IntegralityTolerance = defaults.IntegralityTolerance
	}
	if config.RelativeGap < 0 {
		config.RelativeGap = 0
	}
	return &BranchAndBound{
		config: config,
		logger: logger.With(zap.String("component", "solver")),
	}
}

// Solve runs branch-and-bound until the tree is exhausted, the node limit is reached or
// ctx is done. A search stopped early returns its incumbent as StatusFeasible, and
// StatusTimeout only when ctx ended before any solution was found.
func (b *BranchAndBound) Solve(ctx context.Context, m *Model) (*Solution, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %q: %w", m.name, err)
	}

	start := time.Now()
	sol := b.search(ctx, m)

	b.logger.Debug("Solved model",
		zap.String("model", m.name),
		zap.Int("vars", len(m.vars)),
		zap.Int("constraints", len(m.constraints)),
		zap.String("status", sol.Status.String()),
		zap.Float64("objective", sol.Objective),
		zap.Int("nodes", sol.Nodes),
		zap.Duration("duration", time.Since(start)),
	)
	return sol, nil
}

func (b *BranchAndBound) search(ctx context.Context, m *Model) *Solution {
	tol := b.config.IntegralityTolerance
	relax := newRelaxation(m)

	var (
		incumbent    []float64
		incumbentObj = math.Inf(1)
		explored     int
		failures     int
		limited      bool
		expired      bool
	)

	if hint := m.hintVector(); hint != nil && m.feasible(hint, tol) {
		incumbent = roundIntegers(m, hint)
		incumbentObj = relax.internal(incumbent)
	}

	stack := []bounds{relax.rootBounds()}
	for len(stack) > 0 {
		if ctx.Err() != nil {
			expired = true
			break
		}
		if explored >= b.config.MaxNodes {
			limited = true
			break
		}

		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		explored++

		obj, x, err := relax.solve(node)
		if errors.Is(err, errInfeasible) {
			continue
		}
		if err != nil {
			failures++
			b.logger.Debug("Relaxation failed",
				zap.String("model", m.name),
				zap.Int("node", explored),
				zap.Error(err),
			)
			continue
		}

		// Prune nodes that cannot improve on the incumbent.
		if incumbent != nil && relax.bound(obj) >= incumbentObj-b.improvementGap(incumbentObj) {
			continue
		}

		idx := mostFractional(m, x, tol)
		if idx < 0 {
			candidate := roundIntegers(m, x)
			if !m.feasible(candidate, tol) {
				failures++
				continue
			}
			incumbent = candidate
			incumbentObj = relax.internal(candidate)
			continue
		}

		floor := math.Floor(x[idx])
		down := node.clone()
		down.upper[idx] = floor
		up := node.clone()
		up.lower[idx] = floor + 1

		// The branch pushed last is explored first; follow the nearer integer.
		if x[idx]-floor > 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if incumbent == nil {
		switch {
		case expired, limited:
			return &Solution{Status: StatusTimeout, Nodes: explored}
		case failures > 0:
			return &Solution{Status: StatusError, Nodes: explored}
		default:
			return &Solution{Status: StatusInfeasible, Nodes: explored}
		}
	}

	status := StatusOptimal
	if expired || limited || failures > 0 {
		status = StatusFeasible
	}
	return &Solution{
		Status:    status,
		Objective: m.objectiveValue(incumbent),
		Nodes:     explored,
		values:    incumbent,
	}
}

// mostFractional returns the integer variable farthest from integrality, or -1.
func mostFractional(m *Model, x []float64, tol float64) int {
	best, bestDist := -1, tol
	for i, v := range m.vars {
		if !v.integer {
			continue
		}
		frac := x[i] - math.Floor(x[i])
		dist := math.Min(frac, 1-frac)
		if dist > bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func roundIntegers(m *Model, x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range m.vars {
		out[i] = x[i]
		if v.integer {
			out[i] = math.Round(x[i])
		}
		out[i] = math.Max(out[i], v.lower)
		out[i] = math.Min(out[i], v.upper)
	}
	return out
}

// improvementGap is the least improvement on obj worth exploring.
func (b *BranchAndBound) improvementGap(obj float64) float64 {
	return math.Max(1e-9*(1+math.Abs(obj)), b.config.RelativeGap*math.Abs(obj))
}
