// ============================================================================
// Config Version Manager - 設定文件與全域版本號
// ============================================================================
//
// Package: internal/configversion
// 文件: manager.go
// 功能: 路由規則、分析設定、資料來源實例的 CRUD，以及單調遞增的版本號
//
// 設計重點:
//   - 每一次文件變更都在同一個 Store 交易中遞增版本號；
//     worker 看到新版本時，該版本描述的設定必定已可讀取
//   - Snapshot 是以版本為 key 的 read-through cache（go-cache）；
//     版本改變即自然失效，不需要主動清除
//   - 解碼失敗的文件不會讓整個快照失敗，只記錄並略過
//
// ============================================================================

package configversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("configversion")

// DefaultCacheTTL 快照快取的存活時間
const DefaultCacheTTL = 10 * time.Minute

// ============================================================================
// 資料結構定義
// ============================================================================

// Snapshot 某個版本下完整且一致的設定
type Snapshot struct {
	Version   int64
	Rules     []types.RoutingRule // 依 rule_id 排序
	Configs   map[string]types.AnalysisConfig
	Instances map[string]types.StoreInstance
	// Invalid 無法解碼的規則 id → 錯誤訊息
	Invalid map[string]string
}

// Options Manager 選項
type Options struct {
	CacheTTL time.Duration
	Clock    func() time.Time
	Events   *events.Bus
	Metrics  *metrics.Collector
}

// Manager 設定版本管理器
type Manager struct {
	store   Store
	cache   *gocache.Cache
	now     func() time.Time
	events  *events.Bus
	metrics *metrics.Collector
}

// NewManager 建立 Manager
func NewManager(store Store, opts Options) *Manager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:   store,
		cache:   gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		now:     opts.Clock,
		events:  opts.Events,
		metrics: opts.Metrics,
	}
}

// ============================================================================
// 版本號
// ============================================================================

// Current 取得目前版本
func (m *Manager) Current(ctx context.Context) (int64, error) {
	return m.store.Current(ctx)
}

// Bump 原子遞增版本號並回傳新值
func (m *Manager) Bump(ctx context.Context) (int64, error) {
	v, err := m.store.Bump(ctx)
	if err != nil {
		return 0, err
	}
	m.changed(v, "", "")
	return v, nil
}

// ============================================================================
// 讀取
// ============================================================================

// Snapshot 取得目前版本的設定快照
//
// 先讀取版本號查快取；未命中時從 Store 一次載入所有文件。
// 回傳的快照不可修改（多個呼叫者共用）。
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	v, err := m.store.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read config version: %w", err)
	}
	if cached, ok := m.cache.Get(cacheKey(v)); ok {
		return cached.(*Snapshot), nil
	}

	raw, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	snap := decodeSnapshot(raw)
	m.cache.Set(cacheKey(snap.Version), snap, gocache.DefaultExpiration)
	m.metrics.SetConfigVersion(snap.Version)

	log.WithFields(logrus.Fields{
		"version":   snap.Version,
		"rules":     len(snap.Rules),
		"configs":   len(snap.Configs),
		"instances": len(snap.Instances),
	}).Debug("Config snapshot loaded")
	return snap, nil
}

// Rules 取得所有規則
func (m *Manager) Rules(ctx context.Context, enabledOnly bool) ([]types.RoutingRule, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !enabledOnly {
		return slices.Clone(snap.Rules), nil
	}
	out := make([]types.RoutingRule, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// Configs 取得所有分析設定，依 config_id 排序
func (m *Manager) Configs(ctx context.Context) ([]types.AnalysisConfig, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return sortedValues(snap.Configs, func(c types.AnalysisConfig) string { return c.ConfigID }), nil
}

// Instances 取得所有資料來源實例，依 instance_id 排序
func (m *Manager) Instances(ctx context.Context) ([]types.StoreInstance, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return sortedValues(snap.Instances, func(i types.StoreInstance) string { return i.InstanceID }), nil
}

// Rule 取得單一規則
func (m *Manager) Rule(ctx context.Context, id string) (types.RoutingRule, error) {
	var r types.RoutingRule
	err := m.getDoc(ctx, KindRule, id, &r)
	return r, err
}

// Config 取得單一分析設定
func (m *Manager) Config(ctx context.Context, id string) (types.AnalysisConfig, error) {
	var c types.AnalysisConfig
	err := m.getDoc(ctx, KindConfig, id, &c)
	return c, err
}

// Instance 取得單一資料來源實例
func (m *Manager) Instance(ctx context.Context, id string) (types.StoreInstance, error) {
	var i types.StoreInstance
	err := m.getDoc(ctx, KindInstance, id, &i)
	return i, err
}

// ============================================================================
// 寫入（每次寫入都遞增版本）
// ============================================================================

// PutRule 建立或更新規則，保留原本的 created_at
func (m *Manager) PutRule(ctx context.Context, r types.RoutingRule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if prev, err := m.Rule(ctx, r.RuleID); err == nil && !prev.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
	return m.put(ctx, KindRule, r.RuleID, r)
}

// DeleteRule 刪除規則
func (m *Manager) DeleteRule(ctx context.Context, id string) (int64, error) {
	return m.delete(ctx, KindRule, id)
}

// PutConfig 建立或更新分析設定
func (m *Manager) PutConfig(ctx context.Context, c types.AnalysisConfig) (int64, error) {
	if err := validateConfig(c); err != nil {
		return 0, err
	}
	now := m.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if prev, err := m.Config(ctx, c.ConfigID); err == nil && !prev.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	return m.put(ctx, KindConfig, c.ConfigID, c)
}

// DeleteConfig 刪除分析設定
func (m *Manager) DeleteConfig(ctx context.Context, id string) (int64, error) {
	return m.delete(ctx, KindConfig, id)
}

// PutInstance 建立或更新資料來源實例
func (m *Manager) PutInstance(ctx context.Context, i types.StoreInstance) (int64, error) {
	if err := validateInstance(i); err != nil {
		return 0, err
	}
	now := m.now().UTC()
	i.CreatedAt, i.UpdatedAt = now, now
	if prev, err := m.Instance(ctx, i.InstanceID); err == nil && !prev.CreatedAt.IsZero() {
		i.CreatedAt = prev.CreatedAt
	}
	return m.put(ctx, KindInstance, i.InstanceID, i)
}

// DeleteInstance 刪除資料來源實例
func (m *Manager) DeleteInstance(ctx context.Context, id string) (int64, error) {
	return m.delete(ctx, KindInstance, id)
}

// Close 關閉底層儲存
func (m *Manager) Close() error {
	return m.store.Close()
}

// ============================================================================
// 內部方法
// ============================================================================

func (m *Manager) put(ctx context.Context, kind Kind, id string, doc any) (int64, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	v, err := m.store.Apply(ctx, Mutation{Kind: kind, ID: id, Doc: raw})
	if err != nil {
		return 0, err
	}
	m.changed(v, kind, id)
	return v, nil
}

func (m *Manager) delete(ctx context.Context, kind Kind, id string) (int64, error) {
	v, err := m.store.Apply(ctx, Mutation{Kind: kind, ID: id, Delete: true})
	if err != nil {
		return 0, err
	}
	m.changed(v, kind, id)
	return v, nil
}

func (m *Manager) getDoc(ctx context.Context, kind Kind, id string, out any) error {
	raw, err := m.store.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrInvalidDocument, kind, id, err)
	}
	return nil
}

func (m *Manager) changed(v int64, kind Kind, id string) {
	m.metrics.SetConfigVersion(v)
	payload := events.Payload{ConfigVersion: v}
	if kind != "" {
		payload.Extra = map[string]string{"kind": string(kind), "id": id}
	}
	m.events.Publish(events.ConfigChanged, payload)
	log.WithFields(logrus.Fields{"version": v, "kind": kind, "id": id}).Info("Config version bumped")
}

func cacheKey(v int64) string {
	return strconv.FormatInt(v, 10)
}

func decodeSnapshot(raw RawSnapshot) *Snapshot {
	snap := &Snapshot{
		Version:   raw.Version,
		Configs:   make(map[string]types.AnalysisConfig),
		Instances: make(map[string]types.StoreInstance),
		Invalid:   make(map[string]string),
	}

	for id, doc := range raw.Docs[KindRule] {
		var r types.RoutingRule
		if err := json.Unmarshal(doc, &r); err != nil {
			snap.Invalid[id] = err.Error()
			log.WithError(err).WithField("rule_id", id).Warn("Skipping undecodable rule document")
			continue
		}
		snap.Rules = append(snap.Rules, r)
	}
	slices.SortFunc(snap.Rules, func(a, b types.RoutingRule) int { return strings.Compare(a.RuleID, b.RuleID) })

	for id, doc := range raw.Docs[KindConfig] {
		var c types.AnalysisConfig
		if err := json.Unmarshal(doc, &c); err != nil {
			log.WithError(err).WithField("config_id", id).Warn("Skipping undecodable analysis config")
			continue
		}
		snap.Configs[id] = c
	}
	for id, doc := range raw.Docs[KindInstance] {
		var i types.StoreInstance
		if err := json.Unmarshal(doc, &i); err != nil {
			log.WithError(err).WithField("instance_id", id).Warn("Skipping undecodable store instance")
			continue
		}
		snap.Instances[id] = i
	}
	return snap
}

func validateConfig(c types.AnalysisConfig) error {
	var errs []error
	if c.ConfigID == "" {
		errs = append(errs, errors.New("config_id is required"))
	}
	if c.AnalysisMethodID == "" {
		errs = append(errs, errors.New("analysis_method_id is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

func validateInstance(i types.StoreInstance) error {
	if i.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", ErrInvalidDocument)
	}
	return nil
}

func sortedValues[T any](m map[string]T, key func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return strings.Compare(key(a), key(b)) })
	return out
}
