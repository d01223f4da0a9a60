package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/client"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// fakeCoordinator 記錄註冊與心跳
type fakeCoordinator struct {
	mu           sync.Mutex
	registers    []registry.RegisterRequest
	heartbeats   []registry.HeartbeatRequest
	registerErrs []error // 依序回傳，用完後成功
	forget       bool    // 下一次心跳回傳 404
	version      int64
}

func (f *fakeCoordinator) Register(_ context.Context, req registry.RegisterRequest) (api.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, req)
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		return api.RegisterResponse{}, err
	}
	id := req.NodeID
	if id == "" {
		id = "generated-id"
	}
	return api.RegisterResponse{NodeID: id, ConfigVersion: f.version}, nil
}

func (f *fakeCoordinator) Heartbeat(_ context.Context, req registry.HeartbeatRequest) (api.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forget {
		f.forget = false
		return api.HeartbeatResponse{}, &client.APIError{Status: http.StatusNotFound, Message: "unknown node"}
	}
	f.heartbeats = append(f.heartbeats, req)
	return api.HeartbeatResponse{ConfigVersion: f.version}, nil
}

func (f *fakeCoordinator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registers), len(f.heartbeats)
}

// settlement 一則投遞的最終處理
type settlement struct {
	taskID  string
	acked   bool
	requeue bool
}

// feed 可觀察 ack/nack 的測試佇列
type feed struct {
	ch      chan queue.Delivery
	mu      sync.Mutex
	settled []settlement
}

func newFeed() *feed { return &feed{ch: make(chan queue.Delivery, 32)} }

func (f *feed) push(task types.Task) {
	f.ch <- queue.NewDelivery(task, false,
		func() error {
			f.record(settlement{taskID: task.TaskID, acked: true})
			return nil
		},
		func(requeue bool) error {
			f.record(settlement{taskID: task.TaskID, requeue: requeue})
			return nil
		})
}

func (f *feed) record(s settlement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, s)
}

func (f *feed) settlements() []settlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement(nil), f.settled...)
}

func (f *feed) Consume(context.Context) (<-chan queue.Delivery, error) { return f.ch, nil }
func (f *feed) Close() error                                          { return nil }

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func task(id, method string, retry int) types.Task {
	return types.Task{TaskID: id, AnalysisMethodID: method, RetryCount: retry, CreatedAt: now.Add(-time.Minute)}
}

type harness struct {
	agent  *Agent
	coord  *fakeCoordinator
	feed   *feed
	retry  *queue.MemoryQueue
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg AgentConfig, exec Executor) *harness {
	t.Helper()
	cfg.Clock = func() time.Time { return now }
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	h := &harness{
		coord: &fakeCoordinator{version: 4},
		feed:  newFeed(),
		retry: queue.NewMemoryQueue(16),
		done:  make(chan error, 1),
	}
	h.agent = NewAgent(cfg, h.coord, h.feed, h.retry, exec)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.agent.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

func (h *harness) waitSettled(t *testing.T, n int) []settlement {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.feed.settlements()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.feed.settlements()
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	h := start(t, AgentConfig{NodeID: "gpu-01", Capabilities: []string{"M1"}, HeartbeatInterval: 10 * time.Millisecond},
		SimulatedExecutor{})

	require.Eventually(t, func() bool {
		_, beats := h.coord.counts()
		return beats >= 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "gpu-01", h.agent.NodeID())
	assert.EqualValues(t, 4, h.agent.ConfigVersion())

	h.coord.mu.Lock()
	reg := h.coord.registers[0]
	hb := h.coord.heartbeats[len(h.coord.heartbeats)-1]
	h.coord.mu.Unlock()
	assert.Equal(t, []string{"M1"}, reg.Capabilities)
	assert.Equal(t, 1, reg.MaxConcurrentTasks)
	require.NotNil(t, hb.ConfigVersion)
	assert.EqualValues(t, 4, *hb.ConfigVersion)
}

func TestAgent_ReRegistersOnUnknownNode(t *testing.T) {
	h := start(t, AgentConfig{NodeID: "gpu-01", HeartbeatInterval: 10 * time.Millisecond}, SimulatedExecutor{})

	require.Eventually(t, func() bool {
		_, beats := h.coord.counts()
		return beats >= 1
	}, time.Second, 5*time.Millisecond)

	h.coord.mu.Lock()
	h.coord.forget = true
	h.coord.mu.Unlock()

	require.Eventually(t, func() bool {
		regs, _ := h.coord.counts()
		return regs == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAgent_RegistrationRetriesTransientErrors(t *testing.T) {
	coord := &fakeCoordinator{registerErrs: []error{
		errors.New("connection refused"),
		&client.APIError{Status: http.StatusServiceUnavailable},
	}}
	a := NewAgent(AgentConfig{NodeID: "n1"}, coord, newFeed(), queue.NewMemoryQueue(1), SimulatedExecutor{})

	require.NoError(t, a.registerWithRetry(context.Background()))
	regs, _ := coord.counts()
	assert.Equal(t, 3, regs)
}

func TestAgent_RegistrationRejectedIsPermanent(t *testing.T) {
	coord := &fakeCoordinator{registerErrs: []error{
		&client.APIError{Status: http.StatusBadRequest, Message: "max_concurrent_tasks must not be negative"},
	}}
	a := NewAgent(AgentConfig{NodeID: "n1"}, coord, newFeed(), queue.NewMemoryQueue(1), SimulatedExecutor{})

	err := a.registerWithRetry(context.Background())
	require.Error(t, err)
	regs, _ := coord.counts()
	assert.Equal(t, 1, regs)
}

func TestAgent_CompletesAndDeduplicates(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	exec := ExecutorFunc(func(_ context.Context, task types.Task) error {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, task.TaskID)
		return nil
	})
	h := start(t, AgentConfig{NodeID: "n1", Capabilities: []string{"M1"}}, exec)

	h.feed.push(task("t1", "M1", 0))
	h.waitSettled(t, 1)
	h.feed.push(task("t1", "M1", 0)) // 重複投遞

	settled := h.waitSettled(t, 2)
	assert.Equal(t, settlement{taskID: "t1", acked: true}, settled[0])
	assert.Equal(t, settlement{taskID: "t1", acked: true}, settled[1])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1"}, executed)
}

func TestAgent_DropsExpiredTasks(t *testing.T) {
	executed := make(chan string, 1)
	exec := ExecutorFunc(func(_ context.Context, task types.Task) error {
		executed <- task.TaskID
		return nil
	})
	h := start(t, AgentConfig{NodeID: "n1", MessageTTL: 24 * time.Hour}, exec)

	old := task("old", "M1", 0)
	old.CreatedAt = now.Add(-25 * time.Hour)
	h.feed.push(old)

	settled := h.waitSettled(t, 1)
	assert.True(t, settled[0].acked)
	assert.Empty(t, executed)
}

func TestAgent_RequeuesUnsupportedMethod(t *testing.T) {
	h := start(t, AgentConfig{NodeID: "n1", Capabilities: []string{"M1"}}, SimulatedExecutor{})

	h.feed.push(task("t2", "M9", 0))
	settled := h.waitSettled(t, 1)
	assert.Equal(t, settlement{taskID: "t2", requeue: true}, settled[0])
}

func TestAgent_RetriesThenRejects(t *testing.T) {
	h := start(t, AgentConfig{NodeID: "n1", MaxRetries: 2}, SimulatedExecutor{FailureRate: 1})

	h.feed.push(task("t3", "M1", 0))
	settled := h.waitSettled(t, 1)
	assert.True(t, settled[0].acked, "republished before ack")

	require.Len(t, h.retry.Published(), 1)
	assert.Equal(t, 1, h.retry.Published()[0].RetryCount)
	assert.Equal(t, "t3", h.retry.Published()[0].TaskID)

	// 最後一次重試仍失敗 → reject
	h.feed.push(task("t3", "M1", 2))
	settled = h.waitSettled(t, 2)
	assert.Equal(t, settlement{taskID: "t3", requeue: false}, settled[1])
	assert.Len(t, h.retry.Published(), 1)
}

func TestAgent_RepublishFailureRequeuesOriginal(t *testing.T) {
	h := start(t, AgentConfig{NodeID: "n1", MaxRetries: 3}, SimulatedExecutor{FailureRate: 1})
	require.NoError(t, h.retry.Close())

	h.feed.push(task("t4", "M1", 0))
	settled := h.waitSettled(t, 1)
	assert.Equal(t, settlement{taskID: "t4", requeue: true}, settled[0])
}

func TestAgent_ConsumerClosed(t *testing.T) {
	coord := &fakeCoordinator{}
	f := newFeed()
	a := NewAgent(AgentConfig{NodeID: "n1", HeartbeatInterval: time.Hour}, coord, f, queue.NewMemoryQueue(1), SimulatedExecutor{})
	close(f.ch)

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, ErrConsumerClosed)
}
