package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*registry.Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.NewMemoryStore(), registry.Options{TTL: 60 * time.Second, Clock: clock.Now})
	return reg, clock
}

// flakyLister 可切換為失敗的 lister
type flakyLister struct {
	NodeLister
	fail bool
}

func (f *flakyLister) List(ctx context.Context, filter registry.Filter) ([]types.NodeView, error) {
	if f.fail {
		return nil, errors.New("store unreachable")
	}
	return f.NodeLister.List(ctx, filter)
}

func TestTick_EmitsOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	reg, clock := setup(t)
	_, err := reg.Register(ctx, registry.RegisterRequest{NodeID: "n1"})
	require.NoError(t, err)
	_, err = reg.Heartbeat(ctx, registry.HeartbeatRequest{NodeID: "n1"})
	require.NoError(t, err)

	m := New(reg, Config{Interval: time.Second, StatsEvery: 100}, nil, nil)

	// 第一次只建立基準
	trs, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)

	// 狀態未變，不通知
	clock.Advance(30 * time.Second)
	trs, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)

	// 超過 TTL → offline
	clock.Advance(31 * time.Second)
	trs, err = m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, Transition{NodeID: "n1", From: types.StatusOnline, To: types.StatusOffline}, trs[0])

	// 持續 offline，不重複通知
	clock.Advance(30 * time.Second)
	trs, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, trs)

	// 心跳恢復 → online
	_, err = reg.Heartbeat(ctx, registry.HeartbeatRequest{NodeID: "n1"})
	require.NoError(t, err)
	trs, err = m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, types.StatusOnline, trs[0].To)
}

func TestTick_ListFailureKeepsPreviousStatus(t *testing.T) {
	ctx := context.Background()
	reg, clock := setup(t)
	_, err := reg.Register(ctx, registry.RegisterRequest{NodeID: "n1"})
	require.NoError(t, err)
	_, err = reg.Heartbeat(ctx, registry.HeartbeatRequest{NodeID: "n1"})
	require.NoError(t, err)

	lister := &flakyLister{NodeLister: reg}
	m := New(lister, Config{Interval: time.Second, StatsEvery: 1}, nil, nil)

	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, m.Observed()["n1"])

	lister.fail = true
	clock.Advance(2 * time.Minute)
	_, err = m.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, types.StatusOnline, m.Observed()["n1"], "failed tick must not touch tracking")

	lister.fail = false
	trs, err := m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, types.StatusOffline, trs[0].To)
}

func TestTick_StatsCadenceAndEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, _ := setup(t)
	_, err := reg.Register(ctx, registry.RegisterRequest{NodeID: "n1"})
	require.NoError(t, err)

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(ctx)

	m := New(reg, Config{Interval: time.Second, StatsEvery: 3}, bus, nil)
	for i := 0; i < 7; i++ {
		_, err := m.Tick(ctx)
		require.NoError(t, err)
	}

	// tick 1、4、7 發出統計
	statsEvents := 0
	for len(sub) > 0 {
		ev := <-sub
		if ev.Type == events.NodeStats {
			statsEvents++
			require.NotNil(t, ev.Payload.Stats)
			assert.Equal(t, 1, ev.Payload.Stats.Total)
			assert.Equal(t, 1, ev.Payload.Stats.Offline)
		}
	}
	assert.Equal(t, 3, statsEvents)
	assert.Equal(t, 1, m.LastStats().Offline)
}

func TestTick_ForgetsDeregisteredNodes(t *testing.T) {
	ctx := context.Background()
	reg, _ := setup(t)
	_, err := reg.Register(ctx, registry.RegisterRequest{NodeID: "n1"})
	require.NoError(t, err)

	m := New(reg, Config{}, nil, nil)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Contains(t, m.Observed(), "n1")

	require.NoError(t, reg.Deregister(ctx, "n1"))
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.NotContains(t, m.Observed(), "n1")
}

func TestRun_StopsOnCancel(t *testing.T) {
	reg, _ := setup(t)
	m := New(reg, Config{Interval: 10 * time.Millisecond, StatsEvery: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "monitor did not stop")
	}
}
