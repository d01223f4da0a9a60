package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// blockTimeout BLPOP 的單次等待時間，決定 ctx 取消的反應速度
const blockTimeout = time.Second

// RedisQueue 以 Redis list 實作的佇列（RPUSH / BLPOP）
//
// 沒有 broker 端的訊息 TTL；消費端依 created_at 丟棄過期任務。
// Ack 為 no-op，Nack(requeue) 會把任務推回 list 尾端。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue 建立 Redis 佇列
func NewRedisQueue(client redis.UniversalClient, prefix, list string) *RedisQueue {
	if list == "" {
		list = "tasks"
	}
	return &RedisQueue{client: client, key: prefix + "queue:" + list}
}

// Key 使用的 list key
func (q *RedisQueue) Key() string { return q.key }

// Publish 實作 Publisher
func (q *RedisQueue) Publish(ctx context.Context, task types.Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// Consume 實作 Consumer
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			res, err := q.client.BLPop(ctx, blockTimeout, q.key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("Redis dequeue failed")
				select {
				case <-time.After(blockTimeout):
				case <-ctx.Done():
					return
				}
				continue
			}
			if len(res) < 2 {
				continue
			}

			body := []byte(res[1])
			task, err := Decode(body)
			if err != nil {
				log.WithError(err).Warn("Dropping undecodable task message")
				continue
			}
			d := NewDelivery(task, false,
				func() error { return nil },
				func(requeue bool) error {
					if !requeue {
						return nil
					}
					return q.client.RPush(context.WithoutCancel(ctx), q.key, body).Err()
				},
			)
			select {
			case out <- d:
			case <-ctx.Done():
				// 尚未交出的任務放回佇列
				_ = q.client.LPush(context.WithoutCancel(ctx), q.key, body).Err()
				return
			}
		}
	}()
	return out, nil
}

// Close client 由呼叫端管理
func (q *RedisQueue) Close() error { return nil }
