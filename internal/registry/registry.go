// ============================================================================
// Node Registry - 節點身分、能力與存活狀態
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 節點註冊、心跳、查詢與註銷
//
// 設計重點:
//   - 存活狀態是「計算值」：now - last_heartbeat_at < ttl 即為 online，
//     不儲存 online/offline 欄位，避免讀取與過期寫入之間的競爭
//   - 註冊只更新靜態中繼資料，不重設心跳歷史；單獨註冊不代表 online
//   - 心跳來自未註冊的節點回傳 ErrUnknownNode，不自動建立
//   - 節點不會被自動刪除，只能明確 Deregister
//   - 事件通知為 best-effort，永不阻塞或讓操作失敗
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("registry")

// DefaultTTL 預設心跳存活時間（需 >= 2 倍心跳間隔）
const DefaultTTL = 60 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Registry 選項
type Options struct {
	TTL     time.Duration      // 心跳存活時間
	Clock   func() time.Time   // 時間來源，測試時注入
	Events  *events.Bus        // 可為 nil
	Metrics *metrics.Collector // 可為 nil
}

// Filter 節點列表過濾條件
type Filter struct {
	Status     types.NodeStatus // 空值表示不過濾
	Capability string           // 只列出支援此方法的節點
}

// Registry 節點註冊表
type Registry struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	events  *events.Bus
	metrics *metrics.Collector
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Registry
//
// 參數：
//   - store: 底層儲存（MemoryStore 或 RedisStore）
//   - opts: TTL、時鐘、事件與指標
func New(store Store, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		store:   store,
		ttl:     opts.TTL,
		now:     opts.Clock,
		events:  opts.Events,
		metrics: opts.Metrics,
	}
}

// TTL 回傳心跳存活時間
func (r *Registry) TTL() time.Duration { return r.ttl }

// Now 回傳 Registry 使用的目前時間
func (r *Registry) Now() time.Time { return r.now() }

// Register 建立或更新節點的靜態中繼資料
//
// node_id 為空時由伺服器產生。重複註冊會覆寫 capabilities/info，
// 但保留 last_heartbeat_at。
//
// 返回值：
//   - types.Node: 註冊後的節點
//   - error: 請求不合法或儲存失敗
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (types.Node, error) {
	if req.NodeID == "" {
		req.NodeID = uuid.NewString()
	}
	if req.MaxConcurrentTasks < 0 {
		return types.Node{}, fmt.Errorf("%w: max_concurrent_tasks must not be negative", ErrInvalidRequest)
	}
	req.Capabilities = dedupe(req.Capabilities)

	node, err := r.store.Upsert(ctx, req, r.now())
	if err != nil {
		return types.Node{}, err
	}

	r.metrics.RecordRegistration()
	r.events.Publish(events.NodeRegistered, events.Payload{
		NodeID: node.NodeID,
		Status: node.StatusAt(r.now(), r.ttl),
	})
	log.WithFields(logrus.Fields{
		"node_id":      node.NodeID,
		"capabilities": node.Capabilities,
	}).Info("Node registered")

	return node, nil
}

// Heartbeat 更新節點心跳時間與目前任務數
//
// 返回值：
//   - types.Node: 更新後的節點
//   - error: ErrUnknownNode 表示節點未註冊
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) (types.Node, error) {
	if req.NodeID == "" {
		return types.Node{}, fmt.Errorf("%w: node_id is required", ErrInvalidRequest)
	}
	if req.CurrentTaskCount < 0 {
		return types.Node{}, fmt.Errorf("%w: current_task_count must not be negative", ErrInvalidRequest)
	}

	node, err := r.store.Touch(ctx, req, r.now())
	if err != nil {
		if errors.Is(err, ErrUnknownNode) {
			r.metrics.RecordHeartbeat(false)
			log.WithField("node_id", req.NodeID).Warn("Heartbeat from unregistered node")
		}
		return types.Node{}, err
	}

	r.metrics.RecordHeartbeat(true)
	r.events.Publish(events.NodeHeartbeat, events.Payload{
		NodeID: node.NodeID,
		Status: types.StatusOnline,
	})
	log.WithFields(logrus.Fields{
		"node_id": node.NodeID,
		"tasks":   node.CurrentTaskCount,
	}).Debug("Heartbeat received")

	return node, nil
}

// Get 取得單一節點
func (r *Registry) Get(ctx context.Context, nodeID string) (types.NodeView, error) {
	n, err := r.store.Get(ctx, nodeID)
	if err != nil {
		return types.NodeView{}, err
	}
	return r.view(n, r.now()), nil
}

// List 列出節點，依 node_id 排序
func (r *Registry) List(ctx context.Context, f Filter) ([]types.NodeView, error) {
	nodes, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]types.NodeView, 0, len(nodes))
	for _, n := range nodes {
		v := r.view(n, now)
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Capability != "" && !n.Supports(f.Capability) {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b types.NodeView) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Deregister 明確移除節點；節點不存在時為 no-op
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	if err := r.store.Delete(ctx, nodeID); err != nil {
		return err
	}
	r.events.Publish(events.NodeDeregistered, events.Payload{NodeID: nodeID})
	log.WithField("node_id", nodeID).Info("Node deregistered")
	return nil
}

// Stats 計算節點統計
func (r *Registry) Stats(ctx context.Context) (types.NodeStats, error) {
	views, err := r.List(ctx, Filter{})
	if err != nil {
		return types.NodeStats{}, err
	}
	return Summarize(views, r.now()), nil
}

// Status 計算節點目前狀態
func (r *Registry) Status(n types.Node) types.NodeStatus {
	return n.StatusAt(r.now(), r.ttl)
}

// Summarize 由節點列表計算統計
func Summarize(views []types.NodeView, at time.Time) types.NodeStats {
	stats := types.NodeStats{Total: len(views), At: at}
	for _, v := range views {
		if v.Status == types.StatusOnline {
			stats.Online++
		} else {
			stats.Offline++
		}
	}
	return stats
}

func (r *Registry) view(n types.Node, now time.Time) types.NodeView {
	return types.NodeView{Node: n, Status: n.StatusAt(now, r.ttl)}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
