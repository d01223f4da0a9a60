// Package recordstore 存取外部記錄庫
//
// 核心只做兩件事：讀取新增或更新、尚未路由的記錄，以及寫回派發連結。
// 派發連結（dispatch.<rule_id>）是「此記錄是否已被此規則派發」的唯一互斥點，
// 只能透過 ClaimDispatch 的條件式更新修改，不可先讀後寫。
package recordstore

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
	// ErrClaimConflict 其他派發者已佔用同一個 (record, rule)
	ErrClaimConflict = errors.New("dispatch already claimed for this record and rule")
	// ErrRecordNotFound 記錄不存在
	ErrRecordNotFound = errors.New("record not found")
	// ErrClaimNotHeld 佔用已不存在或憑證不符
	ErrClaimNotHeld = errors.New("dispatch claim not held")
	// ErrClaimPending 其他派發者的佔用尚未發佈完成，結果未定
	ErrClaimPending = errors.New("dispatch claim held by another dispatcher is not yet published")
)

// Query 未路由記錄的查詢條件
type Query struct {
	Limit   int
	Exclude []string // 略過的 record_reference（冷卻中的失敗記錄）
}

// Handler 處理一筆變更記錄
type Handler func(ctx context.Context, rec types.Record)

// Store 外部記錄庫
type Store interface {
	// Instance 此儲存對應的 store instance id
	Instance() string
	Get(ctx context.Context, ref string) (types.Record, error)
	// Insert 新增或更新記錄屬性
	//
	// 保留派發連結，但清除 routed 標記：屬性變更後重新路由，
	// 已派發過的規則由連結擋下，只有新匹配的規則會產生任務。
	Insert(ctx context.Context, rec types.Record) error

	// ClaimDispatch 原子地寫入 dispatch.<rule_id>，僅在該欄位不存在時成功
	ClaimDispatch(ctx context.Context, ref string, l types.DispatchLinkage) error
	// ConfirmDispatch 將佔用標記為已發佈，token 必須相符
	ConfirmDispatch(ctx context.Context, ref, ruleID, token string, at, expiresAt time.Time) error
	// ReleaseDispatch 移除佔用，token 必須相符
	ReleaseDispatch(ctx context.Context, ref, ruleID, token string) error
	// MarkRouted 記錄已完成一次路由
	MarkRouted(ctx context.Context, ref string, at time.Time, version int64) error

	// FindUnrouted 查詢尚未路由的記錄
	FindUnrouted(ctx context.Context, q Query) ([]types.Record, error)
	// Watch 訂閱新增或更新、需要路由的記錄，阻塞直到 ctx 取消或變更串流失敗
	//
	// ready 在訂閱建立後、處理第一筆變更前呼叫一次（可為 nil）；
	// 之後寫入的記錄都會送到 handle。
	Watch(ctx context.Context, ready func(), handle Handler) error

	Close(ctx context.Context) error
}
