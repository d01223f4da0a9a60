// Package events 提供核心元件對外的通知（節點存活變化、任務建立、派發失敗）
package events

import (
	"time"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// Type 事件類型
type Type string

const (
	NodeRegistered   Type = "node.registered"
	NodeHeartbeat    Type = "node.heartbeat"
	NodeDeregistered Type = "node.deregistered"
	NodeOnline       Type = "node.online"
	NodeOffline      Type = "node.offline"
	NodeStats        Type = "node.stats"
	TaskCreated      Type = "task.created"
	DispatchFailed   Type = "task.dispatch_failed"
	ConfigChanged    Type = "config.changed"
	RecordChanged    Type = "record.changed"
)

// Payload 事件內容，依事件類型填入對應欄位
type Payload struct {
	NodeID        string            `json:"node_id,omitempty"`
	Status        types.NodeStatus  `json:"status,omitempty"`
	Stats         *types.NodeStats  `json:"stats,omitempty"`
	Task          *types.Task       `json:"task,omitempty"`
	RecordRef     string            `json:"record_reference,omitempty"`
	RuleID        string            `json:"rule_id,omitempty"`
	ConfigVersion int64             `json:"config_version,omitempty"`
	Error         string            `json:"error,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Event 帶時間戳記的事件
type Event[T any] struct {
	Type      Type      `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus 核心使用的事件匯流排
type Bus = Broker[Payload]

// NewBus 建立事件匯流排
func NewBus() *Bus {
	return NewBroker[Payload]()
}
