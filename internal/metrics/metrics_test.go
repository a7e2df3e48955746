package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordAdmission(OutcomePlaced)
	m.RecordAdmission(OutcomePlaced)
	m.RecordAdmission(OutcomeOverQuota)
	m.RecordEvictions(3)
	m.RecordEvictions(0)
	m.RecordRelease(true)
	m.RecordSolve(ProblemReclaim, "OPTIMAL", 10*time.Millisecond)
	m.RecordConsolidation("applied", 4, 2)
	m.SetFreeCapacity("n1", 1.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues(OutcomePlaced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues(OutcomeOverQuota)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releases.WithLabelValues("true")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.consolidationMoves.WithLabelValues("proposed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.consolidationMoves.WithLabelValues("applied")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.freeCapacity.WithLabelValues("n1")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(OutcomePlaced)
		m.RecordEvictions(1)
		m.RecordRelease(false)
		m.RecordSolve(ProblemConsolidate, "TIMEOUT", time.Second)
		m.RecordConsolidation("noop", 0, 0)
		m.SetFreeCapacity("n1", 0)
	})
}
