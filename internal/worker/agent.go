// ============================================================================
// Worker Agent - 參考分析節點
// ============================================================================
//
// Package: internal/worker
// 文件: agent.go
// 功能: 向 coordinator 註冊、定期心跳、從工作佇列消費任務並交給 Pool 執行
//
// 投遞處理:
//   1. 超過訊息 TTL → ack 並丟棄（coordinator 端視為 outcome unknown）
//   2. (task_id, retry_count) 在去重視窗內出現過 → ack 並略過（至少一次投遞）
//   3. 不支援的 analysis_method_id → nack 放回佇列，留給其他節點
//   4. 其餘提交到 Pool；Pool 滿時阻塞，形成背壓
//
// 執行結果:
//   - 成功 → ack
//   - 失敗且 retry_count < max_retries → 以 retry_count+1 重新發佈後 ack
//   - 失敗且已達上限 → nack 不放回（reject）
//
// 心跳:
//   每 heartbeat_interval 回報執行中任務數與最後看到的設定版本；
//   coordinator 回應 404（節點未註冊，例如 coordinator 重建）時重新註冊。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/client"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("worker")

// ErrConsumerClosed 佇列在 ctx 取消前關閉了投遞通道
var ErrConsumerClosed = errors.New("task consumer closed")

// AgentConfig Agent 設定
type AgentConfig struct {
	NodeID             string   // 空值時由 coordinator 產生
	Capabilities       []string // 支援的 analysis_method_id，空值表示全部
	Tags               []string
	Version            string
	MaxConcurrentTasks int

	Concurrency       int           // Pool 的 Worker 數
	TaskTimeout       time.Duration // 單一任務執行上限
	HeartbeatInterval time.Duration
	MaxRetries        int           // 失敗任務重新發佈的次數上限
	DedupWindow       time.Duration // task_id 去重視窗
	MessageTTL        time.Duration // 與佇列 x-message-ttl 相同，0 表示不檢查
	RegisterTimeout   time.Duration // 啟動時註冊重試的總時間

	Clock   func() time.Time
	Metrics *metrics.Collector
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = c.Concurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Hour
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Agent 參考 worker 節點
type Agent struct {
	cfg      AgentConfig
	coord    Coordinator
	consumer queue.Consumer
	retry    queue.Publisher
	pool     *Pool
	seen     *gocache.Cache

	mu      sync.RWMutex
	nodeID  string
	version atomic.Int64
}

// NewAgent 建立 Agent
//
// 參數：
//   - coord: coordinator 協定（client.Client）
//   - consumer: 任務來源
//   - retry: 失敗任務重新發佈的目標，通常與 consumer 為同一個佇列
//   - exec: 分析方法實作
func NewAgent(cfg AgentConfig, coord Coordinator, consumer queue.Consumer, retry queue.Publisher, exec Executor) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:      cfg,
		coord:    coord,
		consumer: consumer,
		retry:    retry,
		pool:     NewPool(cfg.Concurrency, exec),
		seen:     gocache.New(cfg.DedupWindow, cfg.DedupWindow),
		nodeID:   cfg.NodeID,
	}
}

// NodeID 目前的節點 ID（註冊後才確定）
func (a *Agent) NodeID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

// ConfigVersion 最後一次從 coordinator 得知的設定版本
func (a *Agent) ConfigVersion() int64 { return a.version.Load() }

// InFlight 執行中的任務數
func (a *Agent) InFlight() int { return a.pool.InFlight() }

// Run 註冊後開始消費，直到 ctx 取消
//
// 返回前會等待執行中的任務完成並處理結果。
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}
	a.heartbeat(ctx)

	if err := a.pool.Start(a.cfg.Concurrency); err != nil {
		return err
	}
	deliveries, err := a.consumer.Consume(ctx)
	if err != nil {
		a.pool.Stop()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(hbCtx)
	}()
	go func() {
		defer wg.Done()
		for res := range a.pool.Results() {
			a.finish(ctx, res)
		}
	}()

	log.WithFields(logrus.Fields{
		"node_id":      a.NodeID(),
		"capabilities": a.cfg.Capabilities,
		"concurrency":  a.cfg.Concurrency,
	}).Info("Worker agent started")

	runErr := a.consume(ctx, deliveries)

	stopHeartbeat()
	a.pool.Stop()
	wg.Wait()
	log.WithField("node_id", a.NodeID()).Info("Worker agent stopped")
	return runErr
}

func (a *Agent) consume(ctx context.Context, deliveries <-chan queue.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrConsumerClosed
			}
			a.accept(ctx, d)
		}
	}
}

// ============================================================================
// 投遞處理
// ============================================================================

func (a *Agent) accept(ctx context.Context, d queue.Delivery) {
	task := d.Task
	entry := log.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"method":  task.AnalysisMethodID,
		"retry":   task.RetryCount,
	})

	if task.Expired(a.cfg.Clock(), a.cfg.MessageTTL) {
		a.settle(d.Ack(), task)
		a.cfg.Metrics.RecordWorkerTask("expired")
		entry.Warn("Dropping expired task")
		return
	}

	key := dedupKey(task)
	if err := a.seen.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		a.settle(d.Ack(), task)
		a.cfg.Metrics.RecordWorkerTask("duplicate")
		entry.Debug("Skipping duplicate delivery")
		return
	}

	if !a.supports(task.AnalysisMethodID) {
		a.seen.Delete(key)
		a.settle(d.Nack(true), task)
		a.cfg.Metrics.RecordWorkerTask("requeued")
		entry.Debug("Method not supported by this node, requeued")
		return
	}

	if err := a.pool.Submit(ctx, Job{Delivery: d, Timeout: a.cfg.TaskTimeout}); err != nil {
		a.seen.Delete(key)
		a.settle(d.Nack(true), task)
		entry.WithError(err).Warn("Failed to submit task, requeued")
	}
}

func (a *Agent) finish(ctx context.Context, res Result) {
	task := res.Job.Task()
	d := res.Job.Delivery
	entry := log.WithFields(logrus.Fields{
		"task_id":  task.TaskID,
		"method":   task.AnalysisMethodID,
		"record":   task.RecordReference,
		"retry":    task.RetryCount,
		"duration": res.Duration,
	})

	if res.Err == nil {
		a.settle(d.Ack(), task)
		a.cfg.Metrics.RecordWorkerTask("completed")
		entry.Info("Task completed")
		return
	}

	if task.RetryCount >= a.cfg.MaxRetries {
		a.settle(d.Nack(false), task)
		a.cfg.Metrics.RecordWorkerTask("rejected")
		entry.WithError(res.Err).Error("Task failed, retries exhausted")
		return
	}

	next := task
	next.RetryCount++
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.retry.Publish(pubCtx, next); err != nil {
		a.seen.Delete(dedupKey(task))
		a.settle(d.Nack(true), task)
		a.cfg.Metrics.RecordWorkerTask("requeued")
		entry.WithError(err).Warn("Failed to republish task, requeued original")
		return
	}
	a.settle(d.Ack(), task)
	a.cfg.Metrics.RecordWorkerTask("retried")
	entry.WithError(res.Err).Warn("Task failed, republished for retry")
}

func (a *Agent) settle(err error, task types.Task) {
	if err != nil {
		log.WithError(err).WithField("task_id", task.TaskID).Warn("Failed to settle delivery")
	}
}

func (a *Agent) supports(method string) bool {
	return len(a.cfg.Capabilities) == 0 || slices.Contains(a.cfg.Capabilities, method)
}

func dedupKey(t types.Task) string {
	return fmt.Sprintf("%s#%d", t.TaskID, t.RetryCount)
}

// ============================================================================
// 註冊與心跳
// ============================================================================

func (a *Agent) registerRequest() registry.RegisterRequest {
	return registry.RegisterRequest{
		NodeID:             a.NodeID(),
		Capabilities:       a.cfg.Capabilities,
		Version:            a.cfg.Version,
		MaxConcurrentTasks: a.cfg.MaxConcurrentTasks,
		Tags:               a.cfg.Tags,
	}
}

// registerWithRetry 以指數退避重試註冊，直到成功、ctx 取消或超過 RegisterTimeout
func (a *Agent) registerWithRetry(ctx context.Context) error {
	op := func() (api.RegisterResponse, error) {
		resp, err := a.coord.Register(ctx, a.registerRequest())
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(a.cfg.RegisterTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("Registration failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	a.registered(resp)
	return nil
}

func (a *Agent) registered(resp api.RegisterResponse) {
	a.mu.Lock()
	a.nodeID = resp.NodeID
	a.mu.Unlock()
	a.version.Store(resp.ConfigVersion)
	log.WithFields(logrus.Fields{
		"node_id":        resp.NodeID,
		"config_version": resp.ConfigVersion,
	}).Info("Node registered with coordinator")
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

// heartbeat 送出一次心跳；失敗只記錄，下一個間隔再試
func (a *Agent) heartbeat(ctx context.Context) {
	v := a.version.Load()
	resp, err := a.coord.Heartbeat(ctx, registry.HeartbeatRequest{
		NodeID:           a.NodeID(),
		CurrentTaskCount: a.pool.InFlight(),
		ConfigVersion:    &v,
	})
	switch {
	case err == nil:
		if resp.ConfigVersion != v {
			log.WithFields(logrus.Fields{"from": v, "to": resp.ConfigVersion}).Info("Config version changed")
		}
		a.version.Store(resp.ConfigVersion)
	case errors.Is(err, client.ErrNotFound):
		log.WithField("node_id", a.NodeID()).Warn("Coordinator does not know this node, re-registering")
		reg, regErr := a.coord.Register(ctx, a.registerRequest())
		if regErr != nil {
			log.WithError(regErr).Warn("Re-registration failed")
			return
		}
		a.registered(reg)
		// 只註冊不算 online，立即補一次心跳
		if _, err := a.coord.Heartbeat(ctx, registry.HeartbeatRequest{
			NodeID:           reg.NodeID,
			CurrentTaskCount: a.pool.InFlight(),
			ConfigVersion:    &reg.ConfigVersion,
		}); err != nil {
			log.WithError(err).Warn("Heartbeat after re-registration failed")
		}
	case ctx.Err() == nil:
		log.WithError(err).Warn("Heartbeat failed")
	}
}
