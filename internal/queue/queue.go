// Package queue 發佈與消費任務訊息
//
// 核心只依賴 publish/consume/ack 語意：
//   - Publisher.Publish 回傳 nil 代表佇列已接收（AMQP 為 publisher confirm）
//   - Consumer 以至少一次的方式投遞，消費端必須以 task_id 去重
//
// 實作：AMQP（topic exchange）、Redis list、記憶體。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPublish 暫時性的發佈失敗，可重試
	ErrPublish = errors.New("queue publish failed")
	// ErrPublishTimeout 在 publish_timeout 內未收到確認
	ErrPublishTimeout = errors.New("queue publish timed out")
	// ErrClosed 佇列已關閉
	ErrClosed = errors.New("queue closed")
)

// Publisher 任務發佈者
type Publisher interface {
	Publish(ctx context.Context, task types.Task) error
	Close() error
}

// Consumer 任務消費者
type Consumer interface {
	// Consume 開始消費，ctx 取消時關閉回傳的 channel
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// Delivery 一則投遞的任務
type Delivery struct {
	Task        types.Task
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery 建立投遞（供各實作與測試使用）
func NewDelivery(task types.Task, redelivered bool, ack func() error, nack func(bool) error) Delivery {
	return Delivery{Task: task, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack 確認處理完成
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack 拒絕；requeue 為 true 時放回佇列
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// RoutingKey 任務的 routing key: <prefix>.<analysis_method_id>.<priority>
func RoutingKey(prefix string, t types.Task) string {
	if prefix == "" {
		prefix = "analysis"
	}
	return fmt.Sprintf("%s.%s.%d", prefix, t.AnalysisMethodID, t.Priority)
}

// Encode 序列化任務訊息
func Encode(t types.Task) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	return body, nil
}

// Decode 解析任務訊息
func Decode(body []byte) (types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return types.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if t.TaskID == "" {
		return types.Task{}, errors.New("task message has no task_id")
	}
	return t, nil
}
