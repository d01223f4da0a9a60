// ============================================================================
// Task Dispatcher - (record, rule) → 佔用 → 發佈任務
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatcher.go
// 功能: 將匹配到的動作轉為任務並發佈到工作佇列，保證每個 (record, rule)
//       在正常情況下最多只有一組成功發佈的任務
//
// 流程（每條規則）:
//   1. 預先產生 task_id 與佔用 token
//   2. ClaimDispatch: 對記錄做單一的條件式更新（dispatch.<rule_id> 不存在才寫入）
//      - ErrClaimConflict 且對方連結已 published → 視為成功的 no-op
//      - ErrClaimConflict 但對方仍在 claimed（或剛釋放）→ ErrClaimPending，
//        記錄不寫回 routed，留給下一次掃描確認對方結果
//   3. 依序發佈任務；暫時性錯誤以指數退避重試，最多 max_retries 次
//   4. 全部成功 → ConfirmDispatch（state=published, expires_at=now+message_ttl）
//      任一失敗 → ReleaseDispatch 釋放佔用，發出 task.dispatch_failed
//
// 已知邊界情況（至少一次）:
//   同一規則有多個動作時，若前面的任務已發佈、後面的任務失敗，
//   佔用被釋放後下一次路由會重新發佈整組任務；消費端必須以 task_id 以外的
//   (record_reference, analysis_method_id) 或業務鍵容忍重複。
//   釋放本身失敗時，佔用會停留在 claimed 狀態，需要人工介入。
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/tracing"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var log = logging.For("dispatch")

// ============================================================================
// 錯誤定義
// ============================================================================

// DispatchFailedError 重試用盡後的派發失敗，佔用已釋放
type DispatchFailedError struct {
	RecordRef string
	RuleID    string
	TaskID    string
	Err       error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch of rule %s for record %s failed at task %s: %v", e.RuleID, e.RecordRef, e.TaskID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error { return e.Err }

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Dispatcher 選項
type Options struct {
	MaxRetries     int           // 首次發佈之外的重試次數
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration // 單次發佈的上限
	MessageTTL     time.Duration // 佇列訊息存活時間，決定連結的 expires_at
	Clock          func() time.Time
	NewID          func() string
	Events         *events.Bus
	Metrics        *metrics.Collector
}

// Dispatcher 任務派發器，對應一個記錄庫實例
type Dispatcher struct {
	store recordstore.Store
	pub   queue.Publisher
	opts  Options
}

// New 建立 Dispatcher
func New(store recordstore.Store, pub queue.Publisher, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Dispatcher{store: store, pub: pub, opts: opts}
}

// ruleGroup 同一規則的動作
type ruleGroup struct {
	ruleID   string
	ruleName string
	actions  []types.MatchedAction
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Dispatch 為記錄派發動作，回傳本次成功發佈的任務
//
// 動作依傳入順序（規則優先序）處理，同一規則的動作共用一次佔用。
// 一條規則失敗不影響其他規則；所有失敗以 errors.Join 回傳。
//
// 參數：
//   - rec: 來源記錄
//   - actions: Matcher 回傳的有序動作
//
// 返回值：
//   - []types.Task: 成功發佈的任務（包含失敗規則中已發佈的部分）
//   - error: *DispatchFailedError、佔用錯誤或 ctx 取消
func (d *Dispatcher) Dispatch(ctx context.Context, rec types.Record, actions []types.MatchedAction) ([]types.Task, error) {
	ctx, span := tracing.Start(ctx, "dispatch.Dispatch",
		attribute.String("record.reference", rec.Reference),
		attribute.Int("dispatch.actions", len(actions)),
	)
	defer span.End()

	var (
		published []types.Task
		errs      []error
	)
	for _, g := range group(actions) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tasks, err := d.dispatchRule(ctx, rec, g)
		published = append(published, tasks...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	tracing.Fail(span, err)
	span.SetAttributes(attribute.Int("dispatch.published", len(published)))
	return published, err
}

func (d *Dispatcher) dispatchRule(ctx context.Context, rec types.Record, g ruleGroup) ([]types.Task, error) {
	now := d.opts.Clock().UTC()
	tasks := d.buildTasks(rec, g, now)

	link := types.DispatchLinkage{
		RuleID:    g.ruleID,
		TaskIDs:   taskIDs(tasks),
		Token:     d.opts.NewID(),
		State:     types.LinkageClaimed,
		ClaimedAt: now,
	}
	entry := log.WithFields(logrus.Fields{"record_reference": rec.Reference, "rule_id": g.ruleID})

	err := d.store.ClaimDispatch(ctx, rec.Reference, link)
	switch {
	case errors.Is(err, recordstore.ErrClaimConflict):
		d.opts.Metrics.RecordClaimConflict()
		return nil, d.settled(ctx, rec.Reference, g.ruleID)
	case err != nil:
		return nil, fmt.Errorf("failed to claim rule %s for record %s: %w", g.ruleID, rec.Reference, err)
	}

	var published []types.Task
	for _, task := range tasks {
		start := time.Now()
		if err := d.publish(ctx, task); err != nil {
			d.release(ctx, rec.Reference, link)
			return published, d.fail(ctx, rec, g, task, err)
		}
		d.opts.Metrics.RecordPublished(task.AnalysisMethodID, time.Since(start).Seconds())
		d.opts.Events.Publish(events.TaskCreated, events.Payload{
			Task:      &task,
			RecordRef: rec.Reference,
			RuleID:    g.ruleID,
		})
		entry.WithFields(logrus.Fields{
			"task_id":            task.TaskID,
			"analysis_method_id": task.AnalysisMethodID,
		}).Info("Task published")
		published = append(published, task)
	}

	at := d.opts.Clock().UTC()
	if err := d.store.ConfirmDispatch(context.WithoutCancel(ctx), rec.Reference, g.ruleID, link.Token, at, at.Add(d.opts.MessageTTL)); err != nil {
		// 任務已發佈，連結維持 claimed，去重仍然成立
		entry.WithError(err).Warn("Failed to confirm dispatch linkage")
	}
	return published, nil
}

// settled 佔用衝突後確認對方是否已發佈完成
func (d *Dispatcher) settled(ctx context.Context, ref, ruleID string) error {
	entry := log.WithFields(logrus.Fields{"record_reference": ref, "rule_id": ruleID})
	current, err := d.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read linkage of rule %s for record %s: %w", ruleID, ref, err)
	}
	if l, ok := current.Dispatch[ruleID]; ok && l.State == types.LinkagePublished {
		entry.Debug("Rule already dispatched for record, skipping")
		return nil
	}
	entry.Debug("Rule claimed by another dispatcher, deferring")
	return fmt.Errorf("rule %s for record %s: %w", ruleID, ref, recordstore.ErrClaimPending)
}

// publish 發佈單一任務，暫時性錯誤以指數退避重試
func (d *Dispatcher) publish(ctx context.Context, task types.Task) error {
	op := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
		defer cancel()
		err := d.pub.Publish(attemptCtx, task)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.opts.Metrics.RecordPublishRetry()
			log.WithError(err).WithFields(logrus.Fields{
				"task_id": task.TaskID,
				"retry":   next,
			}).Warn("Publish failed, retrying")
		}),
	)
	return err
}

// release 釋放佔用；不受 ctx 取消影響，避免留下沒有任務的佔用
func (d *Dispatcher) release(ctx context.Context, ref string, link types.DispatchLinkage) {
	err := d.store.ReleaseDispatch(context.WithoutCancel(ctx), ref, link.RuleID, link.Token)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"record_reference": ref,
			"rule_id":          link.RuleID,
		}).Error("Failed to release dispatch claim, linkage left in claimed state")
	}
}

func (d *Dispatcher) fail(ctx context.Context, rec types.Record, g ruleGroup, task types.Task, err error) error {
	entry := log.WithError(err).WithFields(logrus.Fields{
		"record_reference": rec.Reference,
		"rule_id":          g.ruleID,
		"task_id":          task.TaskID,
	})
	if ctx.Err() != nil {
		entry.Warn("Dispatch interrupted by shutdown, claim released")
		return fmt.Errorf("dispatch of rule %s for record %s interrupted: %w", g.ruleID, rec.Reference, ctx.Err())
	}

	d.opts.Metrics.RecordDispatchFailure()
	d.opts.Events.Publish(events.DispatchFailed, events.Payload{
		Task:      &task,
		RecordRef: rec.Reference,
		RuleID:    g.ruleID,
		Error:     err.Error(),
	})
	entry.Error("Dispatch failed after retries, claim released")
	return &DispatchFailedError{RecordRef: rec.Reference, RuleID: g.ruleID, TaskID: task.TaskID, Err: err}
}

func (d *Dispatcher) buildTasks(rec types.Record, g ruleGroup, now time.Time) []types.Task {
	tasks := make([]types.Task, 0, len(g.actions))
	for _, a := range g.actions {
		instance := a.TargetInstance
		if instance == "" {
			instance = rec.Instance
		}
		tasks = append(tasks, types.Task{
			TaskID:           d.opts.NewID(),
			RecordReference:  rec.Reference,
			StoreInstance:    instance,
			AnalysisMethodID: a.AnalysisMethodID,
			ConfigID:         a.ConfigID,
			Priority:         a.Priority,
			CreatedAt:        now,
			RetryCount:       0,
			Metadata: types.TaskMetadata{
				RuleID:         a.RuleID,
				RuleName:       a.RuleName,
				SourceInstance: rec.Instance,
			},
		})
	}
	return tasks
}

// group 依規則分組並保留第一次出現的順序
func group(actions []types.MatchedAction) []ruleGroup {
	var groups []ruleGroup
	index := make(map[string]int)
	for _, a := range actions {
		i, ok := index[a.RuleID]
		if !ok {
			i = len(groups)
			index[a.RuleID] = i
			groups = append(groups, ruleGroup{ruleID: a.RuleID, ruleName: a.RuleName})
		}
		groups[i].actions = append(groups[i].actions, a)
	}
	return groups
}

func taskIDs(tasks []types.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids
}

func transient(err error) bool {
	return errors.Is(err, queue.ErrPublish) || errors.Is(err, queue.ErrPublishTimeout)
}
