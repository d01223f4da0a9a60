// ============================================================================
// Coordinator 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝並監督所有核心循環
//
// 架構設計:
//   - Registry: 節點註冊表（memory 或 redis）
//   - Monitor: 心跳監控，偵測存活狀態轉換
//   - Rules: 設定版本管理器（規則、分析設定、記錄庫實例）
//   - WatcherSet: 每個啟用的記錄庫實例一個 watcher（push 或 poll）
//   - Publisher: 工作佇列
//
// 受監督的循環（Supervisor）:
//   1. monitor - 心跳監控
//   2. watchers - 依設定版本調整 watcher 集合，watcher 本身也受監督
//   3. registry-snapshot - 僅 memory registry，定期寫入節點快照
//   循環失敗或 panic 都會被記錄、計數並以指數退避重啟，不會讓程序結束。
//
// 啟動與關閉:
//   Start: 還原節點快照 → 啟動循環
//   Stop:  取消所有循環 → 等待結束（進行中的派發會完成或釋放佔用）
//          → 寫入最後一次快照 → 關閉佇列與儲存
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/dispatch"
	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/monitor"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
	"github.com/ChuLiYu/analysis-dispatch/internal/snapshot"
	"github.com/ChuLiYu/analysis-dispatch/internal/watcher"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("controller")

// ErrAlreadyStarted Start 被重複呼叫
var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Components 已建立好的元件
type Components struct {
	Registry  *registry.Registry
	Rules     *configversion.Manager
	Publisher queue.Publisher
	OpenStore StoreOpener
	Events    *events.Bus        // 可為 nil
	Metrics   *metrics.Collector // 可為 nil

	// Records 記憶體記錄庫（records.backend=memory），否則為 nil
	Records *MemoryRecords

	// Nodes 與 Snapshots 同時設定時啟用節點快照（memory registry）
	Nodes     *registry.MemoryStore
	Snapshots *snapshot.Manager

	// Closers 在 Stop 最後依序呼叫（redis client、bolt db 等）
	Closers []func() error
}

// Options 循環參數
type Options struct {
	Monitor           monitor.Config
	Strategy          string // push 或 poll
	Watcher           watcher.Options
	Dispatch          dispatch.Options
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
	Supervisor        SupervisorOptions
}

// Controller 核心控制器
type Controller struct {
	comp     Components
	opts     Options
	matcher  *routing.Matcher
	monitor  *monitor.Monitor
	sup      *Supervisor
	watchers *WatcherSet

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// Health 控制器健康狀態
type Health struct {
	Healthy  bool         `json:"healthy"`
	Loops    []LoopStatus `json:"loops"`
	Watchers []string     `json:"watchers"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller
//
// 參數：
//   - comp: 已開啟的元件（見 Build）
//   - opts: 循環參數
func New(comp Components, opts Options) *Controller {
	opts.Supervisor.Metrics = comp.Metrics
	opts.Watcher.Metrics = comp.Metrics
	opts.Dispatch.Events = comp.Events
	opts.Dispatch.Metrics = comp.Metrics
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}

	c := &Controller{
		comp:    comp,
		opts:    opts,
		matcher: routing.NewMatcher(comp.Rules, comp.Metrics),
		monitor: monitor.New(comp.Registry, opts.Monitor, comp.Events, comp.Metrics),
		sup:     NewSupervisor(opts.Supervisor),
	}
	c.watchers = NewWatcherSet(comp.Rules, comp.OpenStore, c.buildWatcher, c.sup, opts.ReconcileInterval)
	return c
}

// Start 還原狀態並啟動所有循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.restoreNodes(); err != nil {
		return err
	}
	if v, err := c.comp.Rules.Current(ctx); err == nil {
		c.comp.Metrics.SetConfigVersion(v)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = true

	c.sup.Go(loopCtx, "monitor", c.monitor.Run)
	c.sup.Go(loopCtx, "watchers", c.watchers.Run)
	if c.snapshotsEnabled() {
		c.sup.Go(loopCtx, "registry-snapshot", c.snapshotLoop)
	}

	log.WithFields(logrus.Fields{
		"strategy":  c.opts.Strategy,
		"snapshots": c.snapshotsEnabled(),
	}).Info("Controller started")
	return nil
}

// Stop 停止所有循環並釋放資源；可重複呼叫
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Timed out waiting for loops to stop")
	}

	var errs []error
	if c.started && c.snapshotsEnabled() {
		if err := c.takeSnapshot(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.comp.Publisher != nil {
		if err := c.comp.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := c.comp.Rules.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close config store: %w", err))
	}
	for _, closeFn := range c.comp.Closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info("Controller stopped")
	return errors.Join(errs...)
}

// Health 回傳循環與 watcher 狀態
func (c *Controller) Health() Health {
	return Health{
		Healthy:  c.sup.Healthy(),
		Loops:    c.sup.Status(),
		Watchers: c.watchers.Running(),
	}
}

// Healthy 所有受監督循環都在運行
func (c *Controller) Healthy() bool { return c.sup.Healthy() }

// Matcher 共用的規則匹配器
func (c *Controller) Matcher() *routing.Matcher { return c.matcher }

// Monitor 心跳監控器
func (c *Controller) Monitor() *monitor.Monitor { return c.monitor }

// Registry 節點註冊表
func (c *Controller) Registry() *registry.Registry { return c.comp.Registry }

// Rules 設定版本管理器
func (c *Controller) Rules() *configversion.Manager { return c.comp.Rules }

// Events 事件匯流排
func (c *Controller) Events() *events.Bus { return c.comp.Events }

// Metrics 指標收集器
func (c *Controller) Metrics() *metrics.Collector { return c.comp.Metrics }

// Publisher 工作佇列發佈端
func (c *Controller) Publisher() queue.Publisher { return c.comp.Publisher }

// Records 記憶體記錄庫；mongo backend 時為 nil
func (c *Controller) Records() *MemoryRecords { return c.comp.Records }

// Reconcile 立即比對記錄庫實例（設定變更後由 API 呼叫）
func (c *Controller) Reconcile(ctx context.Context) error {
	return c.watchers.Reconcile(ctx)
}

// RecordStore 回傳正在監看的記錄庫實例
func (c *Controller) RecordStore(instanceID string) (recordstore.Store, bool) {
	return c.watchers.Store(instanceID)
}

// buildWatcher 為一個記錄庫實例組裝 Router 與 Watcher
func (c *Controller) buildWatcher(store recordstore.Store) (watcher.Watcher, error) {
	d := dispatch.New(store, c.comp.Publisher, c.opts.Dispatch)
	router := watcher.NewRouter(store, c.matcher, d, c.comp.Metrics)
	return watcher.New(c.opts.Strategy, store, router, c.opts.Watcher)
}

// ============================================================================
// 節點快照（memory registry）
// ============================================================================

func (c *Controller) snapshotsEnabled() bool {
	return c.comp.Nodes != nil && c.comp.Snapshots != nil
}

func (c *Controller) restoreNodes() error {
	if !c.snapshotsEnabled() || !c.comp.Snapshots.Exists() {
		return nil
	}
	start := time.Now()
	data, err := c.comp.Snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load registry snapshot: %w", err)
	}
	c.comp.Nodes.Restore(data.Nodes)
	log.WithFields(logrus.Fields{
		"nodes":    len(data.Nodes),
		"taken_at": data.TakenAt,
		"duration": time.Since(start),
	}).Info("Registry restored from snapshot")
	return nil
}

// snapshotLoop 定期寫入節點快照
func (c *Controller) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.WithError(err).Error("Failed to take registry snapshot")
			}
		}
	}
}

func (c *Controller) takeSnapshot() error {
	nodes := c.comp.Nodes.Snapshot()
	data := types.RegistrySnapshot{Nodes: nodes, TakenAt: c.comp.Registry.Now().UTC()}
	if err := c.comp.Snapshots.Write(data); err != nil {
		return fmt.Errorf("failed to write registry snapshot: %w", err)
	}
	log.WithField("nodes", len(nodes)).Debug("Registry snapshot taken")
	return nil
}
