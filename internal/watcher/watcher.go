// Package watcher 偵測記錄庫中新增或更新的記錄，交給 Router 處理
//
// PushWatcher 訂閱變更串流，PollWatcher 定期查詢；兩者可互換，
// 重啟或切換策略不會產生重複任務（由派發連結去重）。
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// 監看策略
const (
	StrategyPush = "push"
	StrategyPoll = "poll"
)

// ErrFeedClosed 變更串流在 ctx 取消前結束
var ErrFeedClosed = errors.New("change feed closed")

// Watcher 記錄監看器，Run 阻塞直到 ctx 取消或無法繼續
type Watcher interface {
	Run(ctx context.Context) error
}

// Options 監看選項
type Options struct {
	PollInterval  time.Duration // 僅 poll
	SweepInterval time.Duration // 僅 push，定期補掃描
	BatchSize     int
	RetryCooldown time.Duration // 失敗記錄暫停重試的時間
	Metrics       *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RetryCooldown <= 0 {
		o.RetryCooldown = time.Minute
	}
	return o
}

// New 依策略建立 Watcher
func New(strategy string, store recordstore.Store, router *Router, opts Options) (Watcher, error) {
	switch strategy {
	case StrategyPush, "":
		return NewPushWatcher(store, router, opts), nil
	case StrategyPoll:
		return NewPollWatcher(store, router, opts), nil
	}
	return nil, fmt.Errorf("unknown watcher strategy %q", strategy)
}

// ============================================================================
// Push
// ============================================================================

// PushWatcher 訂閱變更串流，並定期掃描未路由的記錄
//
// 訂閱建立後才做第一次掃描，兩者之間沒有空窗；
// 定期掃描補上派發失敗、釋放佔用或串流漏接的記錄。
type PushWatcher struct {
	store    recordstore.Store
	router   *Router
	opts     Options
	cooldown *gocache.Cache // 失敗的 record_reference → 冷卻到期
}

// NewPushWatcher 建立 PushWatcher
func NewPushWatcher(store recordstore.Store, router *Router, opts Options) *PushWatcher {
	opts = opts.withDefaults()
	return &PushWatcher{
		store:    store,
		router:   router,
		opts:     opts,
		cooldown: gocache.New(opts.RetryCooldown, 2*opts.RetryCooldown),
	}
}

// Run 實作 Watcher
//
// 串流事件與定期掃描在同一個 goroutine 處理，同一個 Watcher 不會並行路由。
// 掃描與串流重疊的記錄由派發連結去重。
func (w *PushWatcher) Run(ctx context.Context) error {
	entry := log.WithFields(logrus.Fields{
		"instance":       w.store.Instance(),
		"sweep_interval": w.opts.SweepInterval,
	})
	entry.Info("Push watcher started")

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	subscribed := make(chan struct{})
	changes := make(chan types.Record)
	feed := make(chan error, 1)
	go func() {
		feed <- w.store.Watch(feedCtx, sync.OnceFunc(func() { close(subscribed) }),
			func(ctx context.Context, rec types.Record) {
				select {
				case changes <- rec:
				case <-ctx.Done():
				}
			})
	}()

	select {
	case <-subscribed:
	case err := <-feed:
		return w.feedEnded(ctx, err)
	}

	if _, err := w.Sweep(feedCtx); err != nil {
		cancel()
		<-feed
		if ctx.Err() != nil {
			entry.Info("Push watcher stopped")
			return nil
		}
		return err
	}

	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-changes:
			if _, err := w.router.Route(feedCtx, rec); err != nil {
				w.router.logFailure(feedCtx, rec, err)
			}
		case <-ticker.C:
			if _, err := w.Sweep(feedCtx); err != nil && ctx.Err() == nil {
				w.opts.Metrics.RecordLoopError("sweep")
				entry.WithError(err).Warn("Periodic sweep failed, retrying next tick")
			}
		case err := <-feed:
			return w.feedEnded(ctx, err)
		}
	}
}

func (w *PushWatcher) feedEnded(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		log.WithField("instance", w.store.Instance()).Info("Push watcher stopped")
		return nil
	}
	if err == nil {
		err = ErrFeedClosed
	}
	return fmt.Errorf("watch on instance %s ended: %w", w.store.Instance(), err)
}

// Sweep 處理所有目前未路由的記錄，回傳處理筆數
//
// 失敗的記錄進入冷卻，本次與之後冷卻期內的掃描都會略過。
func (w *PushWatcher) Sweep(ctx context.Context) (int, error) {
	var (
		exclude = coolingRefs(w.cooldown)
		total   int
		failed  int
	)
	for ctx.Err() == nil {
		recs, err := w.store.FindUnrouted(ctx, recordstore.Query{Limit: w.opts.BatchSize, Exclude: exclude})
		if err != nil {
			return total, fmt.Errorf("failed to find unrouted records: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		total += len(recs)
		for _, ref := range w.router.routeAll(ctx, recs) {
			w.cooldown.SetDefault(ref, struct{}{})
			exclude = append(exclude, ref)
			failed++
		}
		if len(recs) < w.opts.BatchSize {
			break
		}
	}
	if total > 0 {
		log.WithFields(logrus.Fields{
			"instance": w.store.Instance(),
			"records":  total,
			"failed":   failed,
		}).Info("Backlog sweep completed")
	}
	return total, nil
}

// Cooling 回傳目前冷卻中的記錄數
func (w *PushWatcher) Cooling() int {
	return w.cooldown.ItemCount()
}

// ============================================================================
// Poll
// ============================================================================

// PollWatcher 定期查詢未路由的記錄
type PollWatcher struct {
	store    recordstore.Store
	router   *Router
	opts     Options
	cooldown *gocache.Cache // 失敗的 record_reference → 冷卻到期
}

// NewPollWatcher 建立 PollWatcher
func NewPollWatcher(store recordstore.Store, router *Router, opts Options) *PollWatcher {
	opts = opts.withDefaults()
	return &PollWatcher{
		store:    store,
		router:   router,
		opts:     opts,
		cooldown: gocache.New(opts.RetryCooldown, 2*opts.RetryCooldown),
	}
}

// Run 實作 Watcher；查詢失敗只記錄，下一個 tick 重試
func (w *PollWatcher) Run(ctx context.Context) error {
	entry := log.WithFields(logrus.Fields{
		"instance": w.store.Instance(),
		"interval": w.opts.PollInterval,
	})
	entry.Info("Poll watcher started")

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.opts.Metrics.RecordLoopError("poll")
			entry.WithError(err).Warn("Poll failed, retrying next tick")
		}
		select {
		case <-ctx.Done():
			entry.Info("Poll watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll 執行一次查詢並處理一批記錄，回傳處理筆數
func (w *PollWatcher) Poll(ctx context.Context) (int, error) {
	recs, err := w.store.FindUnrouted(ctx, recordstore.Query{Limit: w.opts.BatchSize, Exclude: coolingRefs(w.cooldown)})
	if err != nil {
		return 0, fmt.Errorf("failed to find unrouted records: %w", err)
	}
	for _, ref := range w.router.routeAll(ctx, recs) {
		w.cooldown.SetDefault(ref, struct{}{})
	}
	return len(recs), nil
}

// Cooling 回傳目前冷卻中的記錄數
func (w *PollWatcher) Cooling() int {
	return w.cooldown.ItemCount()
}

func coolingRefs(c *gocache.Cache) []string {
	items := c.Items()
	refs := make([]string, 0, len(items))
	for ref := range items {
		refs = append(refs, ref)
	}
	return refs
}
