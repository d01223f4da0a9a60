package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection 測試用連線
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

// Channel 回傳 MockChannel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close 記錄呼叫
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel 測試用 channel
//
// 啟用 confirm 後，每次成功的 Publish 會送出一個確認；
// NackNext 為 true 時下一則確認為 nack，HoldConfirms 為 true 時不送出確認。
type MockAMQPChannel struct {
	mu sync.Mutex

	PublishedMessages []amqp.Publishing
	PublishedKeys     []string
	DeclaredArgs      amqp.Table
	Bindings          []string
	Prefetch          int
	Deliveries        chan amqp.Delivery

	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	ConfirmErr         error
	PublishErr         error
	ConsumeErr         error
	CloseErr           error

	NackNext     bool
	HoldConfirms bool

	ConfirmCalled bool
	CloseCalled   bool
	LastExchange  string
	LastQueueName string

	confirms chan amqp.Confirmation
	tag      uint64
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.LastExchange = name
	return m.ExchangeDeclareErr
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.LastQueueName = name
	m.DeclaredArgs = args
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.Bindings = append(m.Bindings, exchange+"->"+name+":"+key)
	return m.QueueBindErr
}

func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.Prefetch = prefetchCount
	return nil
}

func (m *MockAMQPChannel) Confirm(noWait bool) error {
	m.ConfirmCalled = true
	return m.ConfirmErr
}

func (m *MockAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.confirms = confirm
	return confirm
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.tag++
	if m.confirms != nil && !m.HoldConfirms {
		ack := !m.NackNext
		m.NackNext = false
		m.confirms <- amqp.Confirmation{DeliveryTag: m.tag, Ack: ack}
	}
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// Published 已發佈訊息的複本
func (m *MockAMQPChannel) Published() []amqp.Publishing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]amqp.Publishing(nil), m.PublishedMessages...)
}

// MockAMQPDialer 測試用 dialer
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error
	DialCalled     int
}

// Dial 回傳 MockConnection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled++
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// MockAcknowledger 記錄 ack/nack
type MockAcknowledger struct {
	mu      sync.Mutex
	Acked   []uint64
	Nacked  []uint64
	Requeue []bool
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = append(m.Acked, tag)
	return nil
}

func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Nacked = append(m.Nacked, tag)
	m.Requeue = append(m.Requeue, requeue)
	return nil
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}
