// ============================================================================
// Coordinator 介面
// ============================================================================
//
// Package: internal/worker
// 文件: source.go
// 功能: Agent 與 coordinator 之間的節點協定抽象
//
// 正式環境由 internal/client 以 HTTP 實作；測試時注入假的實作，
// 不需要啟動 coordinator。
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
)

// Coordinator 節點註冊與心跳
type Coordinator interface {
	// Register 註冊節點，回傳 node_id 與目前設定版本
	Register(ctx context.Context, req registry.RegisterRequest) (api.RegisterResponse, error)

	// Heartbeat 送出心跳。
	// 節點未註冊時回傳的錯誤需符合 client.ErrNotFound，Agent 會重新註冊。
	Heartbeat(ctx context.Context, req registry.HeartbeatRequest) (api.HeartbeatResponse, error)
}
