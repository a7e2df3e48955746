// Package solver provides the mixed-integer linear programming backend used by the GPU
// scheduler. Models are built with Model and solved by any Solver implementation.
package solver

import (
	"fmt"
	"math"
)

// Sense is the optimization direction of the objective.
type Sense int

const (
	Minimize Sense = iota
	Maximize
)

// Op is the relation of a linear constraint.
type Op int

const (
	LessOrEqual Op = iota
	GreaterOrEqual
	Equal
)

func (o Op) String() string {
	switch o {
	case LessOrEqual:
		return "<="
	case GreaterOrEqual:
		return ">="
	case Equal:
		return "="
	default:
		return "?"
	}
}

// Var is a handle to a decision variable of a Model.
type Var int

// Term is a coefficient applied to a variable.
type Term struct {
	Var  Var
	Coef float64
}

type variable struct {
	name    string
	lower   float64
	upper   float64
	integer bool
}

type constraint struct {
	name  string
	terms []Term
	op    Op
	rhs   float64
}

// Model is a linear program with optional integrality restrictions.
// Every variable must have a finite lower bound; upper bounds may be +Inf.
type Model struct {
	name        string
	vars        []variable
	constraints []constraint
	objective   []Term
	constant    float64
	sense       Sense
	hint        map[Var]float64
}

// NewModel creates an empty minimization model.
func NewModel(name string) *Model {
	return &Model{
		name: name,
		hint: make(map[Var]float64),
	}
}

// Name returns the model name used in logs.
func (m *Model) Name() string {
	return m.name
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int {
	return len(m.vars)
}

// NumConstraints returns the number of constraints.
func (m *Model) NumConstraints() int {
	return len(m.constraints)
}

// NewBinaryVar adds a variable restricted to {0, 1}.
func (m *Model) NewBinaryVar(name string) Var {
	return m.addVar(name, 0, 1, true)
}

// NewIntVar adds an integer variable in [lower, upper].
func (m *Model) NewIntVar(name string, lower, upper float64) Var {
	return m.addVar(name, lower, upper, true)
}

// NewContinuousVar adds a real variable in [lower, upper].
func (m *Model) NewContinuousVar(name string, lower, upper float64) Var {
	return m.addVar(name, lower, upper, false)
}

func (m *Model) addVar(name string, lower, upper float64, integer bool) Var {
	m.vars = append(m.vars, variable{name: name, lower: lower, upper: upper, integer: integer})
	return Var(len(m.vars) - 1)
}

// AddConstraint adds Σ terms op rhs.
func (m *Model) AddConstraint(name string, op Op, rhs float64, terms ...Term) {
	m.constraints = append(m.constraints, constraint{
		name:  name,
		terms: append([]Term(nil), terms...),
		op:    op,
		rhs:   rhs,
	})
}

// SetObjective replaces the objective with constant + Σ terms.
func (m *Model) SetObjective(sense Sense, constant float64, terms ...Term) {
	m.sense = sense
	m.constant = constant
	m.objective = append([]Term(nil), terms...)
}

// SetHint records a starting value for v. A complete, feasible hint is used as the
// initial incumbent; incomplete hints default missing variables to their lower bound.
func (m *Model) SetHint(v Var, value float64) {
	m.hint[v] = value
}

func (m *Model) validate() error {
	for i, v := range m.vars {
		if math.IsNaN(v.lower) || math.IsInf(v.lower, 0) {
			return fmt.Errorf("variable %d (%s): lower bound must be finite", i, v.name)
		}
		if math.IsNaN(v.upper) || math.IsInf(v.upper, -1) {
			return fmt.Errorf("variable %d (%s): invalid upper bound", i, v.name)
		}
		if v.upper < v.lower {
			return fmt.Errorf("variable %d (%s): upper bound below lower bound", i, v.name)
		}
	}
	check := func(where string, terms []Term) error {
		for _, t := range terms {
			if int(t.Var) < 0 || int(t.Var) >= len(m.vars) {
				return fmt.Errorf("%s: unknown variable %d", where, t.Var)
			}
			if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
				return fmt.Errorf("%s: coefficient of variable %d is not finite", where, t.Var)
			}
		}
		return nil
	}
	for _, c := range m.constraints {
		if err := check("constraint "+c.name, c.terms); err != nil {
			return err
		}
		if math.IsNaN(c.rhs) || math.IsInf(c.rhs, 0) {
			return fmt.Errorf("constraint %s: right hand side is not finite", c.name)
		}
	}
	return check("objective", m.objective)
}

// hintVector returns the hinted point, or nil when no hint was given.
func (m *Model) hintVector() []float64 {
	if len(m.hint) == 0 {
		return nil
	}
	x := make([]float64, len(m.vars))
	for i, v := range m.vars {
		x[i] = v.lower
	}
	for v, value := range m.hint {
		if int(v) >= 0 && int(v) < len(x) {
			x[v] = value
		}
	}
	return x
}

// objectiveValue evaluates the objective (in the model's own sense) at x.
func (m *Model) objectiveValue(x []float64) float64 {
	total := m.constant
	for _, t := range m.objective {
		total += t.Coef * x[t.Var]
	}
	return total
}

// feasible reports whether x satisfies bounds, integrality and every constraint within tol.
func (m *Model) feasible(x []float64, tol float64) bool {
	for i, v := range m.vars {
		if x[i] < v.lower-tol || x[i] > v.upper+tol {
			return false
		}
		if v.integer && math.Abs(x[i]-math.Round(x[i])) > tol {
			return false
		}
	}
	for _, c := range m.constraints {
		lhs := 0.0
		for _, t := range c.terms {
			lhs += t.Coef * x[t.Var]
		}
		slack := tol * (1 + math.Abs(c.rhs))
		switch c.op {
		case LessOrEqual:
			if lhs > c.rhs+slack {
				return false
			}
		case GreaterOrEqual:
			if lhs < c.rhs-slack {
				return false
			}
		case Equal:
			if math.Abs(lhs-c.rhs) > slack {
				return false
			}
		}
	}
	return true
}
