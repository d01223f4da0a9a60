package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/dispatch"
	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/monitor"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/internal/snapshot"
	"github.com/ChuLiYu/analysis-dispatch/internal/watcher"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ============================================================================
// 依設定組裝元件
// ============================================================================

// Build 依設定開啟後端並建立 Controller
//
// 流程：
//  1. 需要時建立共用的 redis client
//  2. 節點註冊表（memory + 快照，或 redis）
//  3. 設定版本儲存（memory、bolt、redis），套用 seed 檔並確保預設實例存在
//  4. 工作佇列發佈端（amqp、redis、memory）
//  5. 記錄庫開啟方式（memory 或 mongo）
//
// 參數：
//   - cfg: 完整設定
//   - bus: 事件匯流排，可為 nil
//   - m: 指標收集器，可為 nil
func Build(ctx context.Context, cfg *config.Config, bus *events.Bus, m *metrics.Collector) (*Controller, error) {
	comp := Components{Events: bus, Metrics: m}
	ok := false
	defer func() {
		if !ok {
			for _, closeFn := range comp.Closers {
				_ = closeFn()
			}
		}
	}()

	var rdb redis.UniversalClient
	if cfg.Registry.Backend == "redis" || cfg.ConfigStore.Backend == "redis" || cfg.Queue.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rdb = client
		comp.Closers = append(comp.Closers, client.Close)
	}

	// 節點註冊表
	var nodeStore registry.Store
	switch cfg.Registry.Backend {
	case "redis":
		nodeStore = registry.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	default:
		mem := registry.NewMemoryStore()
		nodeStore = mem
		if cfg.Registry.SnapshotPath != "" {
			comp.Nodes = mem
			comp.Snapshots = snapshot.NewManager(cfg.Registry.SnapshotPath)
		}
	}
	comp.Registry = registry.New(nodeStore, registry.Options{
		TTL:     cfg.Registry.HeartbeatTTL,
		Events:  bus,
		Metrics: m,
	})

	// 設定版本
	var docs configversion.Store
	switch cfg.ConfigStore.Backend {
	case "bolt":
		bs, err := configversion.OpenBoltStore(cfg.ConfigStore.BoltPath)
		if err != nil {
			return nil, err
		}
		docs = bs
	case "redis":
		docs = configversion.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	default:
		docs = configversion.NewMemoryStore()
	}
	comp.Rules = configversion.NewManager(docs, configversion.Options{
		CacheTTL: cfg.ConfigStore.CacheTTL,
		Events:   bus,
		Metrics:  m,
	})
	rulesOpen := true
	defer func() {
		if !ok && rulesOpen {
			_ = comp.Rules.Close()
		}
	}()

	if cfg.ConfigStore.SeedFile != "" {
		seed, err := configversion.LoadSeedFile(cfg.ConfigStore.SeedFile)
		if err != nil {
			return nil, err
		}
		if _, err := seed.Apply(ctx, comp.Rules); err != nil {
			return nil, fmt.Errorf("failed to apply seed file: %w", err)
		}
	}
	if err := EnsureDefaultInstance(ctx, comp.Rules, cfg.Records); err != nil {
		return nil, err
	}

	// 工作佇列
	pub, err := NewPublisher(cfg.Queue, rdb, cfg.Redis.KeyPrefix)
	if err != nil {
		return nil, err
	}
	comp.Publisher = pub

	// 記錄庫
	switch cfg.Records.Backend {
	case "mongo":
		comp.OpenStore = MongoOpener(recordstore.Fields{
			Reference:  cfg.Records.ReferenceField,
			Attributes: cfg.Records.AttributesField,
			Dispatch:   cfg.Records.DispatchField,
			Routed:     cfg.Records.RoutedField,
			Updated:    cfg.Records.UpdatedField,
		})
	default:
		comp.Records = NewMemoryRecords()
		comp.OpenStore = comp.Records.Open
	}

	c := New(comp, OptionsFrom(cfg))
	ok = true
	rulesOpen = false
	return c, nil
}

// OptionsFrom 由設定取出循環參數
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Monitor: monitor.Config{
			Interval:   cfg.Monitor.Interval,
			StatsEvery: cfg.Monitor.StatsEvery,
		},
		Strategy: cfg.Watcher.Strategy,
		Watcher: watcher.Options{
			PollInterval:  cfg.Watcher.PollInterval,
			SweepInterval: cfg.Watcher.SweepInterval,
			BatchSize:     cfg.Watcher.BatchSize,
			RetryCooldown: cfg.Watcher.RetryCooldown,
		},
		Dispatch: dispatch.Options{
			MaxRetries:     cfg.Dispatch.MaxRetries,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
			PublishTimeout: cfg.Queue.PublishTimeout,
			MessageTTL:     cfg.Queue.MessageTTL,
		},
		ReconcileInterval: cfg.Watcher.ReconcileInterval,
		SnapshotInterval:  cfg.Registry.SnapshotInterval,
		Supervisor: SupervisorOptions{
			RestartDelay:    cfg.Watcher.RestartDelay,
			MaxRestartDelay: cfg.Watcher.MaxRestartDelay,
		},
	}
}

// NewPublisher 依設定建立工作佇列發佈端；redis backend 需要 rdb
func NewPublisher(cfg config.QueueConfig, rdb redis.UniversalClient, prefix string) (queue.Publisher, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		return queue.NewRedisQueue(rdb, prefix, cfg.RedisList), nil
	case "memory":
		return queue.NewMemoryQueue(0), nil
	default:
		pub, err := queue.NewAMQPPublisher(AMQPConfig(cfg))
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
}

// AMQPConfig 由佇列設定轉為 AMQP 設定
func AMQPConfig(cfg config.QueueConfig) queue.AMQPConfig {
	return queue.AMQPConfig{
		URL:            cfg.URL,
		Exchange:       cfg.Exchange,
		Queue:          cfg.Queue,
		RoutingPrefix:  cfg.RoutingPrefix,
		BindingKey:     cfg.BindingKey,
		MessageTTL:     cfg.MessageTTL,
		PublishTimeout: cfg.PublishTimeout,
		Prefetch:       cfg.Prefetch,
	}
}

// EnsureDefaultInstance 預設記錄庫實例不存在時依 records 設定建立
func EnsureDefaultInstance(ctx context.Context, rules *configversion.Manager, cfg config.RecordsConfig) error {
	if cfg.DefaultInstance == "" {
		return nil
	}
	_, err := rules.Instance(ctx, cfg.DefaultInstance)
	if err == nil {
		return nil
	}
	if !errors.Is(err, configversion.ErrDocumentNotFound) {
		return fmt.Errorf("failed to read default instance: %w", err)
	}
	_, err = rules.PutInstance(ctx, types.StoreInstance{
		InstanceID: cfg.DefaultInstance,
		Name:       cfg.DefaultInstance,
		URI:        cfg.URI,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		Enabled:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to create default instance: %w", err)
	}
	return nil
}

// MongoOpener 每個實例開啟獨立的 mongo 連線，watcher 停止時關閉
func MongoOpener(fields recordstore.Fields) StoreOpener {
	return func(ctx context.Context, inst types.StoreInstance) (recordstore.Store, func(context.Context) error, error) {
		s, err := recordstore.OpenMongoStore(ctx, inst, fields)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// ============================================================================
// 記憶體記錄庫
// ============================================================================

// MemoryRecords 以實例 id 保存記憶體記錄庫，watcher 重啟時沿用同一份資料
type MemoryRecords struct {
	mu     sync.Mutex
	stores map[string]*recordstore.MemoryStore
}

// NewMemoryRecords 建立 MemoryRecords
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{stores: make(map[string]*recordstore.MemoryStore)}
}

// Store 取得（必要時建立）實例的記錄庫
func (r *MemoryRecords) Store(instanceID string) *recordstore.MemoryStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[instanceID]
	if !ok {
		s = recordstore.NewMemoryStore(instanceID)
		r.stores[instanceID] = s
	}
	return s
}

// Open 實作 StoreOpener；資料保留在記憶體中，release 不關閉記錄庫
func (r *MemoryRecords) Open(_ context.Context, inst types.StoreInstance) (recordstore.Store, func(context.Context) error, error) {
	return r.Store(inst.InstanceID), nil, nil
}
