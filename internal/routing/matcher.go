// ============================================================================
// Routing Matcher - 記錄屬性 → 分析動作
// ============================================================================
//
// Package: internal/routing
// 文件: matcher.go
// 功能: 以目前版本的規則集評估記錄，回傳有序的動作列表
//
// 過期處理:
//   評估完成後重新讀取版本號；若已被推進，代表評估用的規則集已過期，
//   強制重新取得快照再評估，絕不以過期規則做派發決策。
//   連續 maxStaleRetries 次仍過期時回傳 ErrStaleConfig，由呼叫端下次重試。
//
// ============================================================================

package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/tracing"
)

var log = logging.For("routing")

const maxStaleRetries = 3

// ErrStaleConfig 規則集在評估期間持續變動
var ErrStaleConfig = errors.New("routing rules changed during evaluation")

// RuleSource Matcher 需要的設定來源（configversion.Manager）
type RuleSource interface {
	Snapshot(ctx context.Context) (*configversion.Snapshot, error)
	Current(ctx context.Context) (int64, error)
}

// Matcher 規則匹配器，只讀取規則與版本，不修改
type Matcher struct {
	source  RuleSource
	metrics *metrics.Collector
}

// NewMatcher 建立 Matcher
func NewMatcher(source RuleSource, m *metrics.Collector) *Matcher {
	return &Matcher{source: source, metrics: m}
}

// Match 評估記錄屬性
//
// 沒有匹配規則時回傳空動作列表與 nil error（正常結果）。
func (m *Matcher) Match(ctx context.Context, attrs map[string]any) (Result, error) {
	ctx, span := tracing.Start(ctx, "routing.Match")
	defer span.End()

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		snap, err := m.source.Snapshot(ctx)
		if err != nil {
			tracing.Fail(span, err)
			return Result{}, fmt.Errorf("failed to load routing rules: %w", err)
		}

		res := Evaluate(snap, attrs)

		current, err := m.source.Current(ctx)
		if err != nil {
			tracing.Fail(span, err)
			return Result{}, fmt.Errorf("failed to read config version: %w", err)
		}
		if current != snap.Version {
			m.metrics.RecordStaleRefresh()
			log.WithFields(logrus.Fields{
				"evaluated": snap.Version,
				"current":   current,
			}).Debug("Rule set changed during evaluation, refreshing")
			continue
		}

		m.report(res)
		span.SetAttributes(
			attribute.Int64("config.version", res.Version),
			attribute.Int("routing.actions", len(res.Actions)),
		)
		return res, nil
	}

	tracing.Fail(span, ErrStaleConfig)
	return Result{}, ErrStaleConfig
}

func (m *Matcher) report(res Result) {
	for _, s := range res.Skipped {
		entry := log.WithFields(logrus.Fields{"rule_id": s.RuleID, "version": res.Version})
		if s.Method == "" {
			m.metrics.RecordMalformedRule()
			entry.WithField("reason", s.Reason).Warn("Skipping malformed rule")
			continue
		}
		entry.WithFields(logrus.Fields{
			"analysis_method_id": s.Method,
			"reason":             s.Reason,
		}).Warn("Skipping action")
	}
}
