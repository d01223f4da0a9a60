package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownNode 心跳來自從未註冊的節點，呼叫端必須先註冊
	ErrUnknownNode = errors.New("unknown node: register before sending heartbeats")
	// ErrNodeNotFound 查詢的節點不存在
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidRequest 請求欄位不合法
	ErrInvalidRequest = errors.New("invalid registry request")
)

// ============================================================================
// 請求格式
// ============================================================================

// RegisterRequest 註冊請求（靜態中繼資料）
type RegisterRequest struct {
	NodeID             string         `json:"node_id"`
	Capabilities       []string       `json:"capabilities"`
	Version            string         `json:"version,omitempty"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	Info               map[string]any `json:"info,omitempty"`
}

// HeartbeatRequest 心跳請求
type HeartbeatRequest struct {
	NodeID           string         `json:"node_id"`
	CurrentTaskCount int            `json:"current_task_count"`
	ConfigVersion    *int64         `json:"config_version,omitempty"` // 節點目前使用的設定版本
	Info             map[string]any `json:"info,omitempty"`
}

// ============================================================================
// 儲存介面
// ============================================================================

// Store 節點狀態的底層儲存
//
// 實作必須可並行存取；Touch 對同一節點的並行呼叫採用單調時間戳覆寫：
// 較舊的 at 不會把 LastHeartbeatAt 往回推。
type Store interface {
	// Upsert 建立或覆寫節點的靜態中繼資料，保留既有的心跳紀錄
	Upsert(ctx context.Context, req RegisterRequest, at time.Time) (types.Node, error)
	// Touch 更新心跳；節點不存在時回傳 ErrUnknownNode
	Touch(ctx context.Context, req HeartbeatRequest, at time.Time) (types.Node, error)
	// Get 取得節點；不存在時回傳 ErrNodeNotFound
	Get(ctx context.Context, nodeID string) (types.Node, error)
	// List 列出所有節點
	List(ctx context.Context) ([]types.Node, error)
	// Delete 刪除節點；不存在時不視為錯誤
	Delete(ctx context.Context, nodeID string) error
}
