package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/dispatch"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

type pipeline struct {
	store  *recordstore.MemoryStore
	rules  *configversion.Manager
	queue  *queue.MemoryQueue
	router *Router
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()

	rules := configversion.NewManager(configversion.NewMemoryStore(), configversion.Options{})
	for _, r := range []types.RoutingRule{
		{RuleID: "R1", RuleName: "first", Priority: 1, Enabled: true,
			Conditions: map[string]any{"dataset": "batch_A"},
			Actions:    []types.Action{{AnalysisMethodID: "M1"}}},
		{RuleID: "R2", RuleName: "second", Priority: 2, Enabled: true,
			Conditions: map[string]any{"dataset": "batch_A"},
			Actions:    []types.Action{{AnalysisMethodID: "M2"}}},
	} {
		_, err := rules.PutRule(ctx, r)
		require.NoError(t, err)
	}

	store := recordstore.NewMemoryStore("default")
	q := queue.NewMemoryQueue(64)
	d := dispatch.New(store, q, dispatch.Options{MaxRetries: 0, InitialBackoff: time.Millisecond})
	return &pipeline{
		store:  store,
		rules:  rules,
		queue:  q,
		router: NewRouter(store, routing.NewMatcher(rules, nil), d, nil),
	}
}

func (p *pipeline) insert(t *testing.T, ref, dataset string) {
	t.Helper()
	require.NoError(t, p.store.Insert(context.Background(), types.Record{
		Reference:  ref,
		Attributes: map[string]any{"dataset": dataset},
	}))
}

func methods(tasks []types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.AnalysisMethodID
	}
	return out
}

func TestRoute_FanOutInPriorityOrder(t *testing.T) {
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_A")
	rec, err := p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)

	tasks, err := p.router.Route(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"M1", "M2"}, methods(tasks))

	rec, err = p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.False(t, rec.RoutedAt.IsZero())
	assert.Equal(t, int64(2), rec.RoutedVersion)
	assert.True(t, rec.Claimed("R1"))
	assert.True(t, rec.Claimed("R2"))
}

func TestRoute_NoMatchIsMarkedRouted(t *testing.T) {
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_B")
	rec, err := p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)

	tasks, err := p.router.Route(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, p.queue.Published())

	unrouted, err := p.store.FindUnrouted(context.Background(), recordstore.Query{})
	require.NoError(t, err)
	assert.Empty(t, unrouted)
}

// failingDispatcher 一律回傳錯誤
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, types.Record, []types.MatchedAction) ([]types.Task, error) {
	return nil, errors.New("queue down")
}

func TestRoute_FailureLeavesRecordUnrouted(t *testing.T) {
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_A")
	router := NewRouter(p.store, routing.NewMatcher(p.rules, nil), failingDispatcher{}, nil)

	rec, err := p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	_, err = router.Route(context.Background(), rec)
	require.Error(t, err)

	unrouted, err := p.store.FindUnrouted(context.Background(), recordstore.Query{})
	require.NoError(t, err)
	assert.Len(t, unrouted, 1)
}

// staleMatcher 模擬規則集持續變動
type staleMatcher struct{}

func (staleMatcher) Match(context.Context, map[string]any) (routing.Result, error) {
	return routing.Result{}, routing.ErrStaleConfig
}

func TestRoute_StaleConfigIsRetriedLater(t *testing.T) {
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_A")
	router := NewRouter(p.store, staleMatcher{}, failingDispatcher{}, nil)

	rec, err := p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	_, err = router.Route(context.Background(), rec)
	assert.ErrorIs(t, err, routing.ErrStaleConfig)
}

func runWatcher(t *testing.T, w Watcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			require.Fail(t, "watcher did not stop")
		}
	}
}

func (p *pipeline) routed(t *testing.T, ref string) bool {
	t.Helper()
	rec, err := p.store.Get(context.Background(), ref)
	return err == nil && !rec.RoutedAt.IsZero()
}

func TestPushWatcher_SweepThenStream(t *testing.T) {
	p := newPipeline(t)
	// 啟動前的積壓
	for i := 0; i < 5; i++ {
		p.insert(t, fmt.Sprintf("old-%d", i), "batch_A")
	}

	w := NewPushWatcher(p.store, p.router, Options{BatchSize: 2, SweepInterval: time.Hour})
	stop := runWatcher(t, w)
	defer stop()

	// 積壓處理完代表訂閱已建立，之後的寫入只寫一次
	require.Eventually(t, func() bool { return len(p.queue.Published()) == 10 }, 2*time.Second, 5*time.Millisecond)
	p.insert(t, "new-1", "batch_A")

	require.Eventually(t, func() bool { return p.routed(t, "new-1") }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, p.queue.Published(), 12)
}

// lateInsertStore 掃描的最後一次查詢之後立刻寫入一筆新記錄
type lateInsertStore struct {
	*recordstore.MemoryStore
	once  sync.Once
	after func()
}

func (s *lateInsertStore) FindUnrouted(ctx context.Context, q recordstore.Query) ([]types.Record, error) {
	recs, err := s.MemoryStore.FindUnrouted(ctx, q)
	if err == nil && len(recs) < q.Limit {
		s.once.Do(s.after)
	}
	return recs, err
}

func TestPushWatcher_NoGapBetweenSweepAndStream(t *testing.T) {
	p := newPipeline(t)
	for i := 0; i < 4; i++ {
		p.insert(t, fmt.Sprintf("old-%d", i), "batch_A")
	}
	store := &lateInsertStore{MemoryStore: p.store, after: func() {
		// 在 watcher 的 goroutine 中執行，不能用 require
		_ = p.store.Insert(context.Background(), types.Record{
			Reference:  "gap-1",
			Attributes: map[string]any{"dataset": "batch_A"},
		})
	}}

	// 沒有定期掃描兜底，只能靠串流收到 gap-1
	w := NewPushWatcher(store, p.router, Options{BatchSize: 2, SweepInterval: time.Hour})
	stop := runWatcher(t, w)
	defer stop()

	require.Eventually(t, func() bool { return p.routed(t, "gap-1") }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, p.queue.Published(), 10)
}

// switchPublisher down 時一律回傳暫時性錯誤
type switchPublisher struct {
	queue.Publisher
	down     atomic.Bool
	failures atomic.Int32
}

func (p *switchPublisher) Publish(ctx context.Context, task types.Task) error {
	if p.down.Load() {
		p.failures.Add(1)
		return queue.ErrPublish
	}
	return p.Publisher.Publish(ctx, task)
}

func TestPushWatcher_RetriesAfterQueueRecovers(t *testing.T) {
	p := newPipeline(t)
	pub := &switchPublisher{Publisher: p.queue}
	pub.down.Store(true)
	d := dispatch.New(p.store, pub, dispatch.Options{MaxRetries: 0, InitialBackoff: time.Millisecond})
	router := NewRouter(p.store, routing.NewMatcher(p.rules, nil), d, nil)

	w := NewPushWatcher(p.store, router, Options{SweepInterval: 20 * time.Millisecond, RetryCooldown: 20 * time.Millisecond})
	stop := runWatcher(t, w)
	defer stop()

	p.insert(t, "rec-1", "batch_A")
	require.Eventually(t, func() bool { return pub.failures.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	rec, err := p.store.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, rec.RoutedAt.IsZero())
	assert.Empty(t, p.queue.Published())

	// 佇列恢復後由定期掃描補派，不需要重啟
	pub.down.Store(false)
	require.Eventually(t, func() bool { return p.routed(t, "rec-1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"M1", "M2"}, methods(p.queue.Published()))
}

func TestRoute_ClaimConflictWaitsForOwner(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_A")

	// 另一個 watcher 佔用了兩條規則，尚未發佈
	for _, rule := range []string{"R1", "R2"} {
		require.NoError(t, p.store.ClaimDispatch(ctx, "rec-1", types.DispatchLinkage{
			RuleID: rule, Token: "owner-" + rule, State: types.LinkageClaimed, ClaimedAt: time.Now(),
		}))
	}

	rec, err := p.store.Get(ctx, "rec-1")
	require.NoError(t, err)
	tasks, err := p.router.Route(ctx, rec)
	assert.ErrorIs(t, err, recordstore.ErrClaimPending)
	assert.Empty(t, tasks)
	assert.False(t, p.routed(t, "rec-1"), "record stays unrouted while the outcome is open")

	// 佔用者失敗並釋放
	for _, rule := range []string{"R1", "R2"} {
		require.NoError(t, p.store.ReleaseDispatch(ctx, "rec-1", rule, "owner-"+rule))
	}

	n, err := NewPushWatcher(p.store, p.router, Options{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, p.routed(t, "rec-1"))
	assert.Equal(t, []string{"M1", "M2"}, methods(p.queue.Published()))
}

func TestRoute_ClaimConflictWithPublishedOwner(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.insert(t, "rec-1", "batch_A")
	rec, err := p.store.Get(ctx, "rec-1")
	require.NoError(t, err)

	_, err = p.router.Route(ctx, rec)
	require.NoError(t, err)

	// 屬性更新清除 routed，重新路由時已發佈的規則是 no-op
	p.insert(t, "rec-1", "batch_A")
	rec, err = p.store.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.True(t, rec.RoutedAt.IsZero())

	tasks, err := p.router.Route(ctx, rec)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.True(t, p.routed(t, "rec-1"))
	assert.Len(t, p.queue.Published(), 2)
}

func TestPushWatcher_UpdateTriggersNewlyMatchingRule(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	_, err := p.rules.PutRule(ctx, types.RoutingRule{
		RuleID: "R3", RuleName: "sensor", Priority: 3, Enabled: true,
		Conditions: map[string]any{"device": "sensor-7"},
		Actions:    []types.Action{{AnalysisMethodID: "M3"}},
	})
	require.NoError(t, err)

	w := NewPushWatcher(p.store, p.router, Options{SweepInterval: time.Hour})
	stop := runWatcher(t, w)
	defer stop()

	p.insert(t, "rec-1", "batch_A")
	require.Eventually(t, func() bool { return p.routed(t, "rec-1") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.store.Insert(ctx, types.Record{
		Reference:  "rec-1",
		Attributes: map[string]any{"dataset": "batch_A", "device": "sensor-7"},
	}))
	require.Eventually(t, func() bool { return len(p.queue.Published()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.routed(t, "rec-1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"M1", "M2", "M3"}, methods(p.queue.Published()))
}

func TestPushWatcher_FeedClosed(t *testing.T) {
	p := newPipeline(t)
	w := NewPushWatcher(p.store, p.router, Options{})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.store.Close(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrFeedClosed)
	case <-time.After(time.Second):
		require.Fail(t, "push watcher did not return")
	}
}

// flakyDispatcher 指定記錄一律失敗，其他照常派發
type flakyDispatcher struct {
	TaskDispatcher
	mu    sync.Mutex
	fail  string
	calls map[string]int
}

func (d *flakyDispatcher) Dispatch(ctx context.Context, rec types.Record, actions []types.MatchedAction) ([]types.Task, error) {
	d.mu.Lock()
	d.calls[rec.Reference]++
	d.mu.Unlock()
	if rec.Reference == d.fail {
		return nil, errors.New("boom")
	}
	return d.TaskDispatcher.Dispatch(ctx, rec, actions)
}

func (d *flakyDispatcher) count(ref string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[ref]
}

func TestPushWatcher_SweepIsolatesFailures(t *testing.T) {
	p := newPipeline(t)
	for i := 0; i < 4; i++ {
		p.insert(t, fmt.Sprintf("rec-%d", i), "batch_A")
	}
	fd := &flakyDispatcher{
		TaskDispatcher: dispatch.New(p.store, p.queue, dispatch.Options{}),
		fail:           "rec-1",
		calls:          map[string]int{},
	}
	w := NewPushWatcher(p.store, NewRouter(p.store, routing.NewMatcher(p.rules, nil), fd, nil), Options{BatchSize: 2})

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, fd.count("rec-1"), "failed record is not retried within one sweep")
	assert.Len(t, p.queue.Published(), 6)

	unrouted, err := p.store.FindUnrouted(context.Background(), recordstore.Query{})
	require.NoError(t, err)
	require.Len(t, unrouted, 1)
	assert.Equal(t, "rec-1", unrouted[0].Reference)
}

func TestPollWatcher_CooldownAndRecovery(t *testing.T) {
	p := newPipeline(t)
	p.insert(t, "rec-0", "batch_A")
	p.insert(t, "rec-1", "batch_A")
	fd := &flakyDispatcher{
		TaskDispatcher: dispatch.New(p.store, p.queue, dispatch.Options{}),
		fail:           "rec-1",
		calls:          map[string]int{},
	}
	w := NewPollWatcher(p.store, NewRouter(p.store, routing.NewMatcher(p.rules, nil), fd, nil),
		Options{BatchSize: 10, RetryCooldown: time.Hour})

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, w.Cooling())

	// 冷卻中的記錄不再查詢
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, fd.count("rec-1"))

	// 冷卻結束後再次處理
	w.cooldown.Flush()
	fd.mu.Lock()
	fd.fail = ""
	fd.mu.Unlock()
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, p.queue.Published(), 4)
}

// brokenStore 查詢一律失敗
type brokenStore struct {
	*recordstore.MemoryStore
}

func (brokenStore) FindUnrouted(context.Context, recordstore.Query) ([]types.Record, error) {
	return nil, errors.New("connection refused")
}

func TestPollWatcher_QueryFailureKeepsLooping(t *testing.T) {
	p := newPipeline(t)
	store := brokenStore{p.store}
	w := NewPollWatcher(store, p.router, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestNew_Strategies(t *testing.T) {
	p := newPipeline(t)

	w, err := New(StrategyPush, p.store, p.router, Options{})
	require.NoError(t, err)
	assert.IsType(t, &PushWatcher{}, w)

	w, err = New(StrategyPoll, p.store, p.router, Options{})
	require.NoError(t, err)
	assert.IsType(t, &PollWatcher{}, w)

	_, err = New("carrier-pigeon", p.store, p.router, Options{})
	assert.Error(t, err)
}
