// ============================================================================
// Heartbeat Monitor - 節點存活監控
// ============================================================================
//
// Package: internal/monitor
// 文件: monitor.go
// 功能: 定期掃描節點註冊表，偵測存活狀態「轉換」並發出通知
//
// 循環流程（每個 tick）:
//   1. 列出所有節點（狀態由 Registry 依 TTL 計算）
//   2. 與上一次觀察到的狀態比較，只在 online↔offline 轉換時通知
//   3. 每 StatsEvery 個 tick 發出一次統計快照（不論是否有轉換）
//
// 失敗語意:
//   - 列表失敗只記錄並計數，保留上一次的狀態表，下一個 tick 重試
//   - Run 只在 ctx 取消時結束，由 controller 的 Supervisor 負責重啟
//
// 注意:
//   Monitor 只「推導」狀態，不修改 last_heartbeat_at。
//   第一次觀察到的節點只建立基準，不發出轉換通知。
//
// ============================================================================

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("monitor")

// NodeLister Monitor 需要的 Registry 能力
type NodeLister interface {
	List(ctx context.Context, f registry.Filter) ([]types.NodeView, error)
	Now() time.Time
}

// Config Monitor 設定
type Config struct {
	Interval   time.Duration // tick 間隔
	StatsEvery int           // 每 N 個 tick 發出統計
}

// Transition 一次狀態轉換
type Transition struct {
	NodeID string
	From   types.NodeStatus
	To     types.NodeStatus
}

// Monitor 心跳監控器
type Monitor struct {
	nodes   NodeLister
	cfg     Config
	events  *events.Bus
	metrics *metrics.Collector

	mu        sync.Mutex
	previous  map[string]types.NodeStatus // 上一次觀察到的狀態（process-local）
	ticks     int
	lastStats types.NodeStats
}

// New 建立 Monitor
func New(nodes NodeLister, cfg Config, bus *events.Bus, m *metrics.Collector) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = 30
	}
	return &Monitor{
		nodes:    nodes,
		cfg:      cfg,
		events:   bus,
		metrics:  m,
		previous: make(map[string]types.NodeStatus),
	}
}

// Run 執行監控循環直到 ctx 取消
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.WithField("interval", m.cfg.Interval).Info("Heartbeat monitor started")

	// 啟動後先執行一次，建立狀態基準
	m.tickOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.tickOnce(ctx)
		}
	}
}

func (m *Monitor) tickOnce(ctx context.Context) {
	if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Heartbeat monitor tick failed, retrying next tick")
	}
}

// Tick 執行一次掃描，回傳本次偵測到的轉換
func (m *Monitor) Tick(ctx context.Context) ([]Transition, error) {
	views, err := m.nodes.List(ctx, registry.Filter{})
	if err != nil {
		m.metrics.RecordNodeListFailure()
		m.metrics.RecordLoopError("monitor")
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticks++
	seen := make(map[string]struct{}, len(views))
	var transitions []Transition

	for _, v := range views {
		seen[v.NodeID] = struct{}{}
		prev, known := m.previous[v.NodeID]
		m.previous[v.NodeID] = v.Status
		if !known || prev == v.Status {
			continue
		}
		transitions = append(transitions, Transition{NodeID: v.NodeID, From: prev, To: v.Status})
	}

	// 已註銷的節點不再追蹤
	for id := range m.previous {
		if _, ok := seen[id]; !ok {
			delete(m.previous, id)
		}
	}

	for _, tr := range transitions {
		m.notify(tr)
	}

	stats := registry.Summarize(views, m.nodes.Now())
	m.lastStats = stats
	m.metrics.UpdateNodeStats(stats.Online, stats.Offline)

	if (m.ticks-1)%m.cfg.StatsEvery == 0 {
		m.events.Publish(events.NodeStats, events.Payload{Stats: &stats})
		log.WithFields(logrus.Fields{
			"total":   stats.Total,
			"online":  stats.Online,
			"offline": stats.Offline,
		}).Info("Node statistics")
	}

	return transitions, nil
}

func (m *Monitor) notify(tr Transition) {
	eventType := events.NodeOnline
	if tr.To == types.StatusOffline {
		eventType = events.NodeOffline
	}

	m.metrics.RecordTransition(string(tr.To))
	m.events.Publish(eventType, events.Payload{NodeID: tr.NodeID, Status: tr.To})

	entry := log.WithFields(logrus.Fields{"node_id": tr.NodeID, "from": tr.From, "to": tr.To})
	if tr.To == types.StatusOffline {
		entry.Warn("Node went offline")
	} else {
		entry.Info("Node back online")
	}
}

// LastStats 最近一次計算的統計
func (m *Monitor) LastStats() types.NodeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStats
}

// Observed 回傳 Monitor 目前記錄的節點狀態（複本）
func (m *Monitor) Observed() map[string]types.NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.NodeStatus, len(m.previous))
	for k, v := range m.previous {
		out[k] = v
	}
	return out
}
