package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// MemoryQueue 記憶體佇列，同時實作 Publisher 與 Consumer，供 demo 與測試使用
type MemoryQueue struct {
	mu        sync.Mutex
	ch        chan Delivery
	published []types.Task
	closed    bool
}

// NewMemoryQueue 建立指定容量的記憶體佇列
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Delivery, capacity)}
}

// Publish 實作 Publisher；佇列已滿時回傳 ErrPublish
func (q *MemoryQueue) Publish(ctx context.Context, task types.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- q.delivery(task, false):
		q.published = append(q.published, task)
		return nil
	default:
		return fmt.Errorf("%w: memory queue is full", ErrPublish)
	}
}

func (q *MemoryQueue) delivery(task types.Task, redelivered bool) Delivery {
	return NewDelivery(task, redelivered,
		func() error { return nil },
		func(requeue bool) error {
			if !requeue {
				return nil
			}
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.closed {
				return ErrClosed
			}
			select {
			case q.ch <- q.delivery(task, true):
				return nil
			default:
				return fmt.Errorf("%w: memory queue is full", ErrPublish)
			}
		},
	)
}

// Consume 實作 Consumer；多個消費者共用同一個 channel
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-q.ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Published 所有成功發佈過的任務
func (q *MemoryQueue) Published() []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.Task(nil), q.published...)
}

// Len 尚未被取走的任務數
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 實作 Publisher/Consumer
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
