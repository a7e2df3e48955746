package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/limiquantix/pipelines/internal/config"
	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/scheduler"
)

func testConfig() *config.Config {
	return &config.Config{
		Ledger:    config.LedgerConfig{Backend: config.LedgerBackendMemory},
		Scheduler: config.SchedulerConfig{ReclaimSolveTimeout: time.Second},
		Solver:    config.SolverConfig{MaxNodes: 1000, IntegralityTolerance: 1e-6},
		DRS: config.DRSConfig{
			Enabled:      true,
			Interval:     time.Minute,
			SolveTimeout: 5 * time.Second,
			BinWeight:    10,
			MoveWeight:   1,
			AutoApply:    true,
		},
		Metrics: config.MetricsConfig{Address: "127.0.0.1:0"},
		Inventory: config.InventoryConfig{
			Teams: []config.TeamConfig{{Name: "research", Quota: 4}},
			Nodes: []config.NodeConfig{{Name: "gpu-a", Capacity: 4}, {Name: "gpu-b", Capacity: 4}},
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, zap.NewNop(), WithClock(testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return s
}

func TestNew_PostgresRequiresDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Backend = config.LedgerBackendPostgres
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestServer_SyncInventoryAndAdmit(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()
	require.NoError(t, s.SyncInventory(ctx))

	actions, err := s.Scheduler().TryProvisionResources(ctx, "research", "train-1", 1.5)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionCreateJob, actions[0].Type)
	assert.Equal(t, "gpu-a", actions[0].Node)

	actions, err = s.Scheduler().TryProvisionResources(ctx, "research", "train-2", 3)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "gpu-b", actions[0].Node)

	actions, err = s.Scheduler().TryProvisionResources(ctx, "research", "train-3", 4)
	require.NoError(t, err)
	assert.Empty(t, actions, "no free node and the team is over quota")
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()
	require.NoError(t, s.SyncInventory(ctx))
	_, err := s.Scheduler().TryProvisionResources(ctx, "research", "train-1", 1)
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusNotFound, get("/drs/last-pass").Code)

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pipelines_gpu_admissions_total"))

	rec = get("/capacity")
	require.Equal(t, http.StatusOK, rec.Code)
	var free []domain.NodeFree
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &free))
	assert.Equal(t, []domain.NodeFree{
		{Node: "gpu-a", Capacity: 4, Free: 3},
		{Node: "gpu-b", Capacity: 4, Free: 4},
	}, free)

	_, err = s.Engine().RunOnce(ctx)
	require.NoError(t, err)
	rec = get("/drs/last-pass")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), scheduler.ConsolidationNoop)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.DRS.Enabled = false
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunCancelledBeforeStart(t *testing.T) {
	s := newTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx))
	assert.False(t, s.Engine().IsRunning())
}

func TestServer_RunSyncsInventory(t *testing.T) {
	cfg := testConfig()
	cfg.DRS.Enabled = false
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Admission succeeds once Run has synced the configured nodes.
	require.Eventually(t, func() bool {
		free, err := s.Scheduler().FreeCapacity(context.Background())
		return err == nil && len(free) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
