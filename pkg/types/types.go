// Package types 定義了 analysis-dispatch 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// 節點（Node）
// ============================================================================

// NodeStatus 節點的計算狀態（不落地儲存）
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"  // 最近一次心跳仍在 TTL 內
	StatusOffline NodeStatus = "offline" // 超過 TTL 未收到心跳，或從未心跳
)

// Node 代表一個 worker 進程
type Node struct {
	NodeID             string         `json:"node_id"`
	Capabilities       []string       `json:"capabilities"`                   // 支援的 analysis_method_id
	Version            string         `json:"version,omitempty"`              // worker 版本
	MaxConcurrentTasks int            `json:"max_concurrent_tasks,omitempty"` // 最大並行任務數
	Tags               []string       `json:"tags,omitempty"`
	Info               map[string]any `json:"info,omitempty"` // 自由格式資訊

	CurrentTaskCount int       `json:"current_task_count"`
	ConfigVersion    int64     `json:"config_version"`    // 節點最後回報的設定版本
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"` // 零值表示從未心跳
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusAt 計算節點在 now 時刻的狀態
//
// 規則：now - last_heartbeat_at < ttl 為 online，否則為 offline。
// 從未心跳的節點一律為 offline（註冊本身不代表存活）。
func (n Node) StatusAt(now time.Time, ttl time.Duration) NodeStatus {
	if n.LastHeartbeatAt.IsZero() {
		return StatusOffline
	}
	if now.Sub(n.LastHeartbeatAt) < ttl {
		return StatusOnline
	}
	return StatusOffline
}

// Supports 檢查節點是否能執行指定的分析方法
func (n Node) Supports(methodID string) bool {
	for _, c := range n.Capabilities {
		if c == methodID {
			return true
		}
	}
	return false
}

// NodeView 節點狀態查詢的回應格式（附帶計算出的 status）
type NodeView struct {
	Node
	Status NodeStatus `json:"status"`
}

// NodeStats 節點統計快照
type NodeStats struct {
	Total   int       `json:"total"`
	Online  int       `json:"online"`
	Offline int       `json:"offline"`
	At      time.Time `json:"at"`
}

// ============================================================================
// 路由規則（RoutingRule）
// ============================================================================

// Action 一條規則觸發的分析動作
type Action struct {
	AnalysisMethodID string `json:"analysis_method_id" yaml:"analysis_method_id"`
	ConfigID         string `json:"config_id,omitempty" yaml:"config_id,omitempty"`
	TargetInstance   string `json:"target_instance,omitempty" yaml:"target_instance,omitempty"` // 空值代表沿用來源 instance
}

// RoutingRule 條件 → 動作 的映射
type RoutingRule struct {
	RuleID      string         `json:"rule_id" yaml:"rule_id"`
	RuleName    string         `json:"rule_name" yaml:"rule_name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int            `json:"priority" yaml:"priority"`     // 數字越小越先評估
	Conditions  map[string]any `json:"conditions" yaml:"conditions"` // 扁平 key → 期望值，全部相等才匹配
	Actions     []Action       `json:"actions" yaml:"actions"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time      `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty" yaml:"-"`
}

// Validate 檢查規則結構是否合法
//
// rule_id 會被用作記錄上 linkage 欄位的 key，因此不可包含 '.' 或以 '$' 開頭。
func (r RoutingRule) Validate() error {
	var errs []error
	switch {
	case r.RuleID == "":
		errs = append(errs, errors.New("rule_id is required"))
	case strings.Contains(r.RuleID, ".") || strings.HasPrefix(r.RuleID, "$"):
		errs = append(errs, fmt.Errorf("rule_id %q must not contain '.' or start with '$'", r.RuleID))
	}
	for key, want := range r.Conditions {
		if key == "" {
			errs = append(errs, errors.New("condition key must not be empty"))
			continue
		}
		if !IsScalar(want) {
			errs = append(errs, fmt.Errorf("condition %q must be a string, number or bool, got %T", key, want))
		}
	}
	if len(r.Actions) == 0 {
		errs = append(errs, errors.New("at least one action is required"))
	}
	for i, a := range r.Actions {
		if a.AnalysisMethodID == "" {
			errs = append(errs, fmt.Errorf("action %d: analysis_method_id is required", i))
		}
	}
	return errors.Join(errs...)
}

// MatchedAction 帶有規則來源資訊的動作
type MatchedAction struct {
	Action
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Priority int    `json:"priority"`
}

// IsScalar 條件值只允許字串、數字、布林
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// ============================================================================
// 分析設定與資料來源
// ============================================================================

// AnalysisConfig 分析方法的參數設定
type AnalysisConfig struct {
	ConfigID         string         `json:"config_id" yaml:"config_id"`
	AnalysisMethodID string         `json:"analysis_method_id" yaml:"analysis_method_id"`
	ConfigName       string         `json:"config_name" yaml:"config_name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Enabled          bool           `json:"enabled" yaml:"enabled"`
	CreatedAt        time.Time      `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty" yaml:"-"`
}

// StoreInstance 外部記錄庫的一個實例
type StoreInstance struct {
	InstanceID  string    `json:"instance_id" yaml:"instance_id"`
	Name        string    `json:"name" yaml:"name"`
	URI         string    `json:"uri" yaml:"uri"`
	Database    string    `json:"database" yaml:"database"`
	Collection  string    `json:"collection" yaml:"collection"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// ============================================================================
// 任務（Task）
// ============================================================================

// TaskMetadata 規則來源資訊
type TaskMetadata struct {
	RuleID         string `json:"rule_id"`
	RuleName       string `json:"rule_name"`
	SourceInstance string `json:"source_instance"`
}

// Task 發佈到工作佇列的任務訊息
type Task struct {
	TaskID           string       `json:"task_id"`
	RecordReference  string       `json:"record_reference"`
	StoreInstance    string       `json:"store_instance"`
	AnalysisMethodID string       `json:"analysis_method_id"`
	ConfigID         string       `json:"config_id"`
	Priority         int          `json:"priority"`
	CreatedAt        time.Time    `json:"created_at"` // RFC 3339 (ISO-8601)
	RetryCount       int          `json:"retry_count"`
	Metadata         TaskMetadata `json:"metadata"`
}

// Expired 檢查任務是否已超過訊息存活時間
func (t Task) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(t.CreatedAt) >= ttl
}

// ============================================================================
// 記錄（Record）與派發連結
// ============================================================================

// LinkageState 派發連結的狀態
type LinkageState string

const (
	LinkageClaimed   LinkageState = "claimed"   // 已佔用，任務尚未全部發佈
	LinkagePublished LinkageState = "published" // 任務已被佇列確認
)

// LinkageOutcome 從協調者角度看到的結果
type LinkageOutcome string

const (
	OutcomePending   LinkageOutcome = "pending"
	OutcomePublished LinkageOutcome = "published"
	OutcomeUnknown   LinkageOutcome = "unknown" // 超過訊息 TTL，佇列可能已丟棄
)

// DispatchLinkage 記錄上「某規則已派發過」的標記
type DispatchLinkage struct {
	RuleID      string       `json:"rule_id" bson:"rule_id"`
	TaskIDs     []string     `json:"task_ids" bson:"task_ids"`
	Token       string       `json:"token" bson:"token"` // 佔用者憑證，釋放與確認時比對
	State       LinkageState `json:"state" bson:"state"`
	ClaimedAt   time.Time    `json:"claimed_at" bson:"claimed_at"`
	PublishedAt time.Time    `json:"published_at,omitempty" bson:"published_at,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Outcome 計算連結在 now 時刻的結果
//
// 發佈成功只代表佇列接收，超過 ExpiresAt 後視為未知，而非成功。
func (l DispatchLinkage) Outcome(now time.Time) LinkageOutcome {
	if l.State != LinkagePublished {
		return OutcomePending
	}
	if !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt) {
		return OutcomeUnknown
	}
	return OutcomePublished
}

// Record 外部記錄庫中的一筆資料（僅核心關心的部分）
type Record struct {
	Reference     string                     `json:"record_reference"`
	Instance      string                     `json:"store_instance"`
	Attributes    map[string]any             `json:"attributes"`
	Dispatch      map[string]DispatchLinkage `json:"dispatch,omitempty"`
	RoutedAt      time.Time                  `json:"routed_at,omitempty"`
	RoutedVersion int64                      `json:"routed_version,omitempty"` // 完成路由時的規則集版本
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Claimed 檢查記錄是否已被某規則派發
func (r Record) Claimed(ruleID string) bool {
	_, ok := r.Dispatch[ruleID]
	return ok
}

// RegistrySnapshot 記憶體版節點註冊表的快照格式
type RegistrySnapshot struct {
	Nodes     []Node    `json:"nodes"`
	SchemaVer int       `json:"schema_ver"`
	TakenAt   time.Time `json:"taken_at"`
}
