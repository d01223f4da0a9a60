package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/watcher"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// InstanceSource 提供記錄庫實例設定（configversion.Manager）
type InstanceSource interface {
	Current(ctx context.Context) (int64, error)
	Instances(ctx context.Context) ([]types.StoreInstance, error)
}

// StoreOpener 開啟實例對應的記錄庫，回傳的 release 在 watcher 停止後呼叫
type StoreOpener func(ctx context.Context, inst types.StoreInstance) (store recordstore.Store, release func(context.Context) error, err error)

// WatcherBuilder 以記錄庫建立該實例的 Watcher
type WatcherBuilder func(store recordstore.Store) (watcher.Watcher, error)

// runningWatcher 執行中的 watcher
type runningWatcher struct {
	inst    types.StoreInstance
	store   recordstore.Store
	cancel  context.CancelFunc
	done    <-chan struct{}
	release func(context.Context) error
}

// WatcherSet 每個啟用的記錄庫實例執行一個受監督的 watcher
//
// 設定版本改變時重新比對實例清單：新增或啟用的實例啟動 watcher，
// 停用、刪除或連線設定改變的實例停止（必要時以新設定重新啟動）。
type WatcherSet struct {
	source   InstanceSource
	open     StoreOpener
	build    WatcherBuilder
	sup      *Supervisor
	interval time.Duration

	mu      sync.Mutex
	running map[string]*runningWatcher
	version int64
}

// NewWatcherSet 建立 WatcherSet
func NewWatcherSet(source InstanceSource, open StoreOpener, build WatcherBuilder, sup *Supervisor, interval time.Duration) *WatcherSet {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &WatcherSet{
		source:   source,
		open:     open,
		build:    build,
		sup:      sup,
		interval: interval,
		running:  make(map[string]*runningWatcher),
		version:  -1,
	}
}

// Run 定期比對實例清單直到 ctx 取消，結束前停止所有 watcher
func (ws *WatcherSet) Run(ctx context.Context) error {
	defer ws.stopAll()

	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		if err := ws.Reconcile(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Watcher reconcile failed, retrying next tick")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Reconcile 依目前設定調整執行中的 watcher；版本未變時為 no-op
func (ws *WatcherSet) Reconcile(ctx context.Context) error {
	version, err := ws.source.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read config version: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if version == ws.version {
		return nil
	}

	instances, err := ws.source.Instances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load store instances: %w", err)
	}
	desired := make(map[string]types.StoreInstance, len(instances))
	for _, inst := range instances {
		if inst.Enabled {
			desired[inst.InstanceID] = inst
		}
	}

	for id, rw := range ws.running {
		want, ok := desired[id]
		if ok && sameTarget(want, rw.inst) {
			continue
		}
		ws.stop(id, rw)
	}

	var errs []error
	for id, inst := range desired {
		if _, ok := ws.running[id]; ok {
			continue
		}
		if err := ws.start(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// 版本不記錄，下一個 tick 重試失敗的實例
		return fmt.Errorf("failed to start %d watcher(s): %w", len(errs), errs[0])
	}

	ws.version = version
	log.WithFields(logrus.Fields{
		"version":  version,
		"watchers": len(ws.running),
	}).Info("Record watchers reconciled")
	return nil
}

func (ws *WatcherSet) start(ctx context.Context, inst types.StoreInstance) error {
	store, release, err := ws.open(ctx, inst)
	if err != nil {
		return fmt.Errorf("open instance %s: %w", inst.InstanceID, err)
	}
	w, err := ws.build(store)
	if err != nil {
		if release != nil {
			_ = release(ctx)
		}
		return fmt.Errorf("build watcher for instance %s: %w", inst.InstanceID, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	ws.running[inst.InstanceID] = &runningWatcher{
		inst:    inst,
		store:   store,
		cancel:  cancel,
		done:    ws.sup.Go(wctx, loopName(inst.InstanceID), w.Run),
		release: release,
	}
	log.WithFields(logrus.Fields{
		"instance":   inst.InstanceID,
		"database":   inst.Database,
		"collection": inst.Collection,
	}).Info("Record watcher started")
	return nil
}

func (ws *WatcherSet) stop(id string, rw *runningWatcher) {
	rw.cancel()
	<-rw.done
	if rw.release != nil {
		if err := rw.release(context.Background()); err != nil {
			log.WithError(err).WithField("instance", id).Warn("Failed to release record store")
		}
	}
	ws.sup.Forget(loopName(id))
	delete(ws.running, id)
	log.WithField("instance", id).Info("Record watcher stopped")
}

func (ws *WatcherSet) stopAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, rw := range ws.running {
		ws.stop(id, rw)
	}
	ws.version = -1
}

// Running 回傳執行中的實例 id，已排序
func (ws *WatcherSet) Running() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, 0, len(ws.running))
	for id := range ws.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Store 回傳執行中實例的記錄庫
func (ws *WatcherSet) Store(instanceID string) (recordstore.Store, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	rw, ok := ws.running[instanceID]
	if !ok {
		return nil, false
	}
	return rw.store, true
}

func loopName(instanceID string) string {
	return "watcher:" + instanceID
}

// sameTarget 連線相關欄位相同時不需要重啟
func sameTarget(a, b types.StoreInstance) bool {
	return a.URI == b.URI && a.Database == b.Database && a.Collection == b.Collection
}
