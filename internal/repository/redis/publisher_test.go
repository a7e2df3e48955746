package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/drs"
)

func newTestPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := newPublisher(client, time.Hour, zap.NewNop())
	t.Cleanup(func() { p.Close() })
	return p, mr
}

func TestPublisher_StoreAndLoadReport(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.LastReport(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	report := &drs.PassReport{
		ID:        "pass-1",
		StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Result:    "applied",
	}
	require.NoError(t, p.StoreReport(ctx, report))

	got, err := p.LastReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pass-1", got.ID)
	assert.Equal(t, "applied", got.Result)
	assert.True(t, report.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, time.Hour, mr.TTL(LastPassKey))

	mr.FastForward(2 * time.Hour)
	_, err = p.LastReport(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPublisher_PublishActions(t *testing.T) {
	p, _ := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := p.Subscribe(ctx)
	require.NoError(t, err)

	from := &domain.Allocation{Job: "j1", Team: "a", Node: "n1", ConsumedAmount: 0.5}
	to := from.Clone()
	to.Node = "n2"
	actions := []domain.JobAction{domain.DeleteJob(from), domain.CreateJob(to)}
	require.NoError(t, p.PublishActions(ctx, "pass-1", actions))

	select {
	case msg := <-messages:
		assert.Equal(t, "pass-1", msg.PassID)
		assert.Equal(t, actions, msg.Actions)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for actions message")
	}
}

func TestPublisher_PublishWithoutSubscribers(t *testing.T) {
	p, _ := newTestPublisher(t)
	assert.NoError(t, p.PublishActions(context.Background(), "pass-1", nil))
}
