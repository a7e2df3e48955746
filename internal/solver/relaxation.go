package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	// boundEpsilon is the width under which a variable is treated as fixed.
	boundEpsilon = 1e-9
	// simplexTolerance is passed to lp.Simplex as its optimality tolerance.
	simplexTolerance = 1e-10
)

var (
	errInfeasible = errors.New("relaxation is infeasible")
	errUnbounded  = errors.New("relaxation is unbounded")
)

// bounds are the per-variable bounds of one search node.
type bounds struct {
	lower []float64
	upper []float64
}

func (b bounds) clone() bounds {
	return bounds{
		lower: append([]float64(nil), b.lower...),
		upper: append([]float64(nil), b.upper...),
	}
}

type entry struct {
	col  int
	coef float64
}

type row struct {
	entries []entry
	rhs     float64
	// slack is +1 for a <= row, -1 for a >= row and 0 for an equality.
	slack float64
}

// relaxation turns a model and a set of bounds into a standard form LP
// (min c'y, Ay = b, y >= 0) for lp.Simplex. Variables are shifted by their lower bound,
// fixed variables are substituted out and inequalities receive slack columns.
type relaxation struct {
	model *Model
	// cost is the minimization cost of each variable.
	cost []float64
	// terms holds each constraint with duplicate variables merged.
	terms [][]Term
	// appears reports whether a variable has a non-zero coefficient in any constraint.
	appears []bool
	// integral is set when every objective term is an integer coefficient on an integer
	// variable, so any integer solution has an integral objective.
	integral bool
}

func newRelaxation(m *Model) *relaxation {
	r := &relaxation{
		model:   m,
		cost:    make([]float64, len(m.vars)),
		terms:   make([][]Term, len(m.constraints)),
		appears: make([]bool, len(m.vars)),
	}
	r.integral = true
	for _, t := range m.objective {
		r.cost[t.Var] += t.Coef
		if !m.vars[t.Var].integer || t.Coef != math.Trunc(t.Coef) {
			r.integral = false
		}
	}
	if m.sense == Maximize {
		for i := range r.cost {
			r.cost[i] = -r.cost[i]
		}
	}
	for ci, c := range m.constraints {
		merged := make(map[Var]float64, len(c.terms))
		order := make([]Var, 0, len(c.terms))
		for _, t := range c.terms {
			if _, ok := merged[t.Var]; !ok {
				order = append(order, t.Var)
			}
			merged[t.Var] += t.Coef
		}
		for _, v := range order {
			if merged[v] == 0 {
				continue
			}
			r.terms[ci] = append(r.terms[ci], Term{Var: v, Coef: merged[v]})
			r.appears[v] = true
		}
	}
	return r
}

func (r *relaxation) rootBounds() bounds {
	b := bounds{
		lower: make([]float64, len(r.model.vars)),
		upper: make([]float64, len(r.model.vars)),
	}
	for i, v := range r.model.vars {
		b.lower[i] = v.lower
		b.upper[i] = v.upper
	}
	return b
}

// internal is the minimization objective at x, without the constant.
func (r *relaxation) internal(x []float64) float64 {
	total := 0.0
	for i, c := range r.cost {
		total += c * x[i]
	}
	return total
}

// bound is the best objective an integer solution below a node with relaxation value obj
// can reach.
func (r *relaxation) bound(obj float64) float64 {
	if !r.integral {
		return obj
	}
	return math.Ceil(obj - 1e-6)
}

// solve returns the optimal internal objective and point of the LP relaxation under b.
func (r *relaxation) solve(b bounds) (float64, []float64, error) {
	n := len(r.model.vars)
	x := make([]float64, n)
	cols := make([]int, n)
	numCols := 0
	for i := 0; i < n; i++ {
		x[i] = b.lower[i]
		cols[i] = -1
		width := b.upper[i] - b.lower[i]
		if width < -boundEpsilon {
			return 0, nil, errInfeasible
		}
		if width <= boundEpsilon {
			continue
		}
		if math.IsInf(b.upper[i], 1) && !r.appears[i] {
			if r.cost[i] < 0 {
				return 0, nil, errUnbounded
			}
			continue
		}
		cols[i] = numCols
		numCols++
	}

	var rows []row
	for ci, c := range r.model.constraints {
		rw := row{rhs: c.rhs}
		for _, t := range r.terms[ci] {
			rw.rhs -= t.Coef * b.lower[t.Var]
			if col := cols[t.Var]; col >= 0 {
				rw.entries = append(rw.entries, entry{col: col, coef: t.Coef})
			}
		}
		if len(rw.entries) == 0 {
			if !satisfied(c.op, rw.rhs) {
				return 0, nil, errInfeasible
			}
			continue
		}
		switch c.op {
		case LessOrEqual:
			rw.slack = 1
		case GreaterOrEqual:
			rw.slack = -1
		}
		rows = append(rows, rw)
	}
	implied := impliedUpper(rows, numCols)
	for i := 0; i < n; i++ {
		if cols[i] < 0 || math.IsInf(b.upper[i], 1) {
			continue
		}
		if implied[cols[i]] <= b.upper[i]-b.lower[i]+boundEpsilon {
			continue
		}
		rows = append(rows, row{
			entries: []entry{{col: cols[i], coef: 1}},
			rhs:     b.upper[i] - b.lower[i],
			slack:   1,
		})
	}
	if len(rows) == 0 {
		return r.internal(x), x, nil
	}

	numSlack := 0
	for _, rw := range rows {
		if rw.slack != 0 {
			numSlack++
		}
	}
	width := numCols + numSlack
	if len(rows) > width {
		return 0, nil, fmt.Errorf("relaxation has %d rows but only %d columns", len(rows), width)
	}

	A := mat.NewDense(len(rows), width, nil)
	rhs := make([]float64, len(rows))
	c := make([]float64, width)
	for i := 0; i < n; i++ {
		if cols[i] >= 0 {
			c[cols[i]] = r.cost[i]
		}
	}
	slackCol := numCols
	for ri, rw := range rows {
		sign := 1.0
		if rw.rhs < 0 {
			sign = -1
		}
		for _, e := range rw.entries {
			A.Set(ri, e.col, A.At(ri, e.col)+sign*e.coef)
		}
		if rw.slack != 0 {
			A.Set(ri, slackCol, sign*rw.slack)
			slackCol++
		}
		rhs[ri] = sign * rw.rhs
	}

	y, err := simplex(c, A, rhs)
	if err != nil {
		return 0, nil, err
	}
	for i := 0; i < n; i++ {
		if cols[i] >= 0 {
			x[i] = b.lower[i] + y[cols[i]]
		}
	}
	return r.internal(x), x, nil
}

// impliedUpper returns, per column, the tightest upper bound implied by a <= or = row
// whose coefficients are all positive. Such rows make explicit bound rows redundant, as
// for assignment variables that sum to one.
func impliedUpper(rows []row, numCols int) []float64 {
	upper := make([]float64, numCols)
	for i := range upper {
		upper[i] = math.Inf(1)
	}
	for _, rw := range rows {
		if rw.slack < 0 || rw.rhs < 0 {
			continue
		}
		positive := true
		for _, e := range rw.entries {
			if e.coef <= 0 {
				positive = false
				break
			}
		}
		if !positive {
			continue
		}
		for _, e := range rw.entries {
			upper[e.col] = math.Min(upper[e.col], rw.rhs/e.coef)
		}
	}
	return upper
}

// simplex calls lp.Simplex, converting its panics on malformed input into errors.
func simplex(c []float64, A mat.Matrix, b []float64) (y []float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("simplex panicked: %v", p)
		}
	}()
	_, y, err = lp.Simplex(c, A, b, simplexTolerance, nil)
	switch {
	case err == nil:
		return y, nil
	case errors.Is(err, lp.ErrInfeasible):
		return nil, errInfeasible
	case errors.Is(err, lp.ErrUnbounded):
		return nil, errUnbounded
	default:
		return nil, fmt.Errorf("simplex failed: %w", err)
	}
}

func satisfied(op Op, rhs float64) bool {
	tol := boundEpsilon * (1 + math.Abs(rhs))
	switch op {
	case LessOrEqual:
		return 0 <= rhs+tol
	case GreaterOrEqual:
		return 0 >= rhs-tol
	default:
		return math.Abs(rhs) <= tol
	}
}
