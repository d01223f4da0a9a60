// ============================================================================
// Record Watcher - 記錄變更 → 規則匹配 → 任務派發
// ============================================================================
//
// Package: internal/watcher
// 文件: router.go
// 功能: 兩種監看策略共用的單筆記錄處理流程
//
// 流程（Route）:
//   1. Matcher 以最新規則集評估記錄屬性
//   2. Dispatcher 對匹配到的動作做佔用與發佈
//   3. 沒有任何失敗時才寫回 routed 標記（含規則集版本）
//
// 失敗語意:
//   - 任一步驟失敗都不寫回 routed，記錄會在下一次掃描或輪詢被重新處理
//   - 重新處理不會產生重複任務，已成功的規則由派發連結擋下
//   - 單筆記錄的錯誤只回傳給呼叫端，不影響同批其他記錄
//   - 其他派發者的佔用尚未發佈時同樣不寫回 routed；對方失敗釋放後由下一次掃描補派
//
// ============================================================================

package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
	"github.com/ChuLiYu/analysis-dispatch/internal/tracing"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("watcher")

// RecordMatcher 規則匹配能力（routing.Matcher）
type RecordMatcher interface {
	Match(ctx context.Context, attrs map[string]any) (routing.Result, error)
}

// TaskDispatcher 任務派發能力（dispatch.Dispatcher）
type TaskDispatcher interface {
	Dispatch(ctx context.Context, rec types.Record, actions []types.MatchedAction) ([]types.Task, error)
}

// Router 單一記錄庫實例的路由器
type Router struct {
	store      recordstore.Store
	matcher    RecordMatcher
	dispatcher TaskDispatcher
	now        func() time.Time
	metrics    *metrics.Collector
}

// NewRouter 建立 Router
func NewRouter(store recordstore.Store, matcher RecordMatcher, dispatcher TaskDispatcher, m *metrics.Collector) *Router {
	return &Router{
		store:      store,
		matcher:    matcher,
		dispatcher: dispatcher,
		now:        time.Now,
		metrics:    m,
	}
}

// Instance 路由器對應的記錄庫實例
func (r *Router) Instance() string { return r.store.Instance() }

// Route 處理一筆記錄
//
// 返回值：
//   - []types.Task: 本次發佈的任務；沒有匹配規則時為空
//   - error: 匹配、派發或寫回失敗；記錄維持未路由狀態
func (r *Router) Route(ctx context.Context, rec types.Record) ([]types.Task, error) {
	ctx, span := tracing.Start(ctx, "watcher.Route",
		attribute.String("record.reference", rec.Reference),
		attribute.String("store.instance", r.store.Instance()),
	)
	defer span.End()

	tasks, err := r.route(ctx, rec)
	tracing.Fail(span, err)
	return tasks, err
}

func (r *Router) route(ctx context.Context, rec types.Record) ([]types.Task, error) {
	entry := log.WithFields(logrus.Fields{
		"record_reference": rec.Reference,
		"instance":         r.store.Instance(),
	})

	res, err := r.matcher.Match(ctx, rec.Attributes)
	if err != nil {
		r.metrics.RecordRouted("error")
		return nil, fmt.Errorf("failed to match record %s: %w", rec.Reference, err)
	}

	var tasks []types.Task
	if len(res.Actions) > 0 {
		tasks, err = r.dispatcher.Dispatch(ctx, rec, res.Actions)
		if err != nil {
			if errors.Is(err, recordstore.ErrClaimPending) {
				r.metrics.RecordRouted("deferred")
			} else {
				r.metrics.RecordRouted("error")
			}
			return tasks, err
		}
	}

	if err := r.store.MarkRouted(ctx, rec.Reference, r.now().UTC(), res.Version); err != nil {
		r.metrics.RecordRouted("error")
		return tasks, fmt.Errorf("failed to mark record %s routed: %w", rec.Reference, err)
	}

	if len(res.Matched) == 0 {
		r.metrics.RecordRouted("unmatched")
		entry.WithField("version", res.Version).Debug("No routing rule matched")
	} else {
		r.metrics.RecordRouted("matched")
		entry.WithFields(logrus.Fields{
			"rules":   res.Matched,
			"tasks":   len(tasks),
			"version": res.Version,
		}).Info("Record routed")
	}
	return tasks, nil
}

// routeAll 依序處理一批記錄，單筆失敗不中斷其他記錄
//
// 返回值：
//   - []string: 失敗的 record_reference
func (r *Router) routeAll(ctx context.Context, recs []types.Record) []string {
	var failed []string
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Route(ctx, rec); err != nil {
			failed = append(failed, rec.Reference)
			r.logFailure(ctx, rec, err)
		}
	}
	return failed
}

func (r *Router) logFailure(ctx context.Context, rec types.Record, err error) {
	if ctx.Err() != nil {
		return
	}
	entry := log.WithError(err).WithFields(logrus.Fields{
		"record_reference": rec.Reference,
		"instance":         r.store.Instance(),
	})
	if errors.Is(err, routing.ErrStaleConfig) {
		entry.Warn("Routing rules kept changing, record will be retried")
		return
	}
	if errors.Is(err, recordstore.ErrClaimPending) {
		entry.Info("Record claimed by another dispatcher, will be retried")
		return
	}
	entry.Error("Failed to route record")
}
