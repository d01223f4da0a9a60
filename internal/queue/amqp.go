// ============================================================================
// AMQP 發佈者與消費者
// ============================================================================
//
// 佇列佈局:
//   exchange  analysis_tasks_exchange (topic, durable)
//   queue     analysis_tasks_queue    (durable, x-message-ttl, x-max-priority)
//   binding   analysis.#
//   key       analysis.<analysis_method_id>.<priority>
//
// 發佈使用 publisher confirms：Publish 在收到 broker ack 後才回傳 nil。
// 訊息為 persistent，MessageId 為 task_id。
//
// channel 發生錯誤後會被丟棄，下一次 Publish 重新連線。
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("queue")

// maxPriority 佇列支援的最高訊息優先權
const maxPriority = 9

// AMQPConfig AMQP 連線與拓樸設定
type AMQPConfig struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingPrefix  string
	BindingKey     string
	MessageTTL     time.Duration
	PublishTimeout time.Duration
	Prefetch       int
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Exchange == "" {
		c.Exchange = "analysis_tasks_exchange"
	}
	if c.Queue == "" {
		c.Queue = "analysis_tasks_queue"
	}
	if c.RoutingPrefix == "" {
		c.RoutingPrefix = "analysis"
	}
	if c.BindingKey == "" {
		c.BindingKey = c.RoutingPrefix + ".#"
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	return c
}

// declareTopology 宣告 exchange、queue 與 binding（冪等）
func declareTopology(ch AMQPChannel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	args := amqp.Table{
		"x-message-ttl":  cfg.MessageTTL.Milliseconds(),
		"x-max-priority": int32(maxPriority + 1),
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// ============================================================================
// 發佈者
// ============================================================================

// AMQPPublisher 使用 publisher confirms 的發佈者
type AMQPPublisher struct {
	cfg    AMQPConfig
	dialer AMQPDialer

	mu       sync.Mutex // 確認需依序比對 delivery tag
	conn     AMQPConnection
	ch       AMQPChannel
	confirms chan amqp.Confirmation
	seq      uint64 // 目前 channel 上最後一則訊息的 delivery tag
	closed   bool
}

// NewAMQPPublisher 連線並宣告拓樸
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(cfg, RealAMQPDialer{})
}

// NewAMQPPublisherWithDialer 使用指定 dialer 建立發佈者
func NewAMQPPublisherWithDialer(cfg AMQPConfig, dialer AMQPDialer) (*AMQPPublisher, error) {
	p := &AMQPPublisher{cfg: cfg.withDefaults(), dialer: dialer}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := p.dialer.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareTopology(ch, p.cfg); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.conn = conn
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	p.seq = 0
	log.WithFields(logrus.Fields{"exchange": p.cfg.Exchange, "queue": p.cfg.Queue}).Info("AMQP publisher connected")
	return nil
}

// reset 丟棄目前的連線，下一次 Publish 重新連線
func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn, p.confirms = nil, nil, nil
}

// Publish 發佈任務並等待 broker 確認
//
// 返回值：
//   - nil: broker 已確認
//   - ErrPublishTimeout: 超過 publish_timeout 或 ctx 到期
//   - ErrPublish: 連線失敗、發佈失敗或 broker nack
func (p *AMQPPublisher) Publish(ctx context.Context, task types.Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.ch == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("%w: %v", ErrPublish, err)
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     clampPriority(task.Priority),
		MessageId:    task.TaskID,
		Timestamp:    task.CreatedAt,
		Body:         body,
	}
	key := RoutingKey(p.cfg.RoutingPrefix, task)
	if err := p.ch.Publish(p.cfg.Exchange, key, false, false, msg); err != nil {
		p.reset()
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	p.seq++
	tag := p.seq

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.reset()
				return fmt.Errorf("%w: channel closed before confirm", ErrPublish)
			}
			if c.DeliveryTag < tag {
				// 先前逾時訊息的遲到確認
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: broker nacked task %s", ErrPublish, task.TaskID)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: task %s: %v", ErrPublishTimeout, task.TaskID, ctx.Err())
		}
	}
}

// Close 關閉連線
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}

func clampPriority(p int) uint8 {
	switch {
	case p < 0:
		return 0
	case p > maxPriority:
		return maxPriority
	}
	return uint8(p)
}

// ============================================================================
// 消費者
// ============================================================================

// AMQPConsumer 手動 ack 的消費者
type AMQPConsumer struct {
	cfg  AMQPConfig
	tag  string
	conn AMQPConnection
	ch   AMQPChannel
}

// NewAMQPConsumer 連線並宣告拓樸
func NewAMQPConsumer(cfg AMQPConfig, consumerTag string) (*AMQPConsumer, error) {
	return NewAMQPConsumerWithDialer(cfg, consumerTag, RealAMQPDialer{})
}

// NewAMQPConsumerWithDialer 使用指定 dialer 建立消費者
func NewAMQPConsumerWithDialer(cfg AMQPConfig, consumerTag string, dialer AMQPDialer) (*AMQPConsumer, error) {
	cfg = cfg.withDefaults()
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return &AMQPConsumer{cfg: cfg, tag: consumerTag, conn: conn, ch: ch}, nil
}

// Consume 實作 Consumer
//
// 無法解析的訊息直接 nack 不重新排入。
func (c *AMQPConsumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	raw, err := c.ch.Consume(c.cfg.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					log.Warn("AMQP delivery channel closed")
					return
				}
				task, err := Decode(d.Body)
				if err != nil {
					log.WithError(err).WithField("message_id", d.MessageId).Warn("Rejecting undecodable task message")
					_ = d.Nack(false, false)
					continue
				}
				delivery := NewDelivery(task, d.Redelivered,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close 關閉連線
func (c *AMQPConsumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
