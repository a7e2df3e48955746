package solver

import "context"

// Status is the outcome of a solve.
type Status int

const (
	StatusUnknown Status = iota
	// StatusOptimal means the returned solution is proven optimal.
	StatusOptimal
	// StatusFeasible means a solution was found but the search stopped before proving optimality.
	StatusFeasible
	// StatusInfeasible means the model has no solution.
	StatusInfeasible
	// StatusTimeout means the context expired before the search finished.
	StatusTimeout
	// StatusError means the backend failed, e.g. a numerically singular relaxation.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "OPTIMAL"
	case StatusFeasible:
		return "FEASIBLE"
	case StatusInfeasible:
		return "INFEASIBLE"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HasSolution reports whether variable values can be read from the solution.
func (s Status) HasSolution() bool {
	return s == StatusOptimal || s == StatusFeasible
}

// Solution is the result of solving a Model.
type Solution struct {
	Status    Status
	Objective float64
	// Nodes is the number of search nodes explored.
	Nodes  int
	values []float64
}

// Value returns the value of v, or 0 if the solution carries no values.
func (s *Solution) Value(v Var) float64 {
	if s == nil || int(v) < 0 || int(v) >= len(s.values) {
		return 0
	}
	return s.values[v]
}

// Bool returns the value of a binary variable.
func (s *Solution) Bool(v Var) bool {
	return s.Value(v) > 0.5
}

// Solver solves mixed-integer linear programs.
//
// Backend failures are reported through Solution.Status; a non-nil error means the model
// itself is malformed.
type Solver interface {
	Solve(ctx context.Context, m *Model) (*Solution, error)
}
