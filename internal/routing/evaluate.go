package routing

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// MalformedRuleError 規則結構不合法；該規則被略過，其餘規則照常評估
type MalformedRuleError struct {
	RuleID string
	Err    error
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed rule %s: %v", e.RuleID, e.Err)
}

func (e *MalformedRuleError) Unwrap() error { return e.Err }

// Skip 被略過的規則或動作
type Skip struct {
	RuleID string `json:"rule_id"`
	Method string `json:"analysis_method_id,omitempty"` // 空值表示整條規則被略過
	Reason string `json:"reason"`
}

// Result 一次匹配的結果
type Result struct {
	Version int64                 `json:"config_version"` // 評估時使用的規則集版本
	Actions []types.MatchedAction `json:"actions"`        // 依 (priority, rule_id) 排序
	Matched []string              `json:"matched_rules"`
	Skipped []Skip                `json:"skipped,omitempty"`
}

// ============================================================================
// 純函式評估
// ============================================================================

// Evaluate 以指定快照評估記錄屬性
//
// 步驟：
//  1. 只保留 enabled 規則
//  2. 依 (priority 遞增, rule_id 遞增) 排序
//  3. 每條規則的所有條件 key 都存在且相等才匹配（無隱含萬用字元）
//  4. 所有匹配規則的動作都加入結果（不是第一個匹配即停止）
//
// 不合法的規則與引用無效 config 的動作會被略過並記錄在 Result.Skipped。
func Evaluate(snap *configversion.Snapshot, attrs map[string]any) Result {
	res := Result{Version: snap.Version, Actions: []types.MatchedAction{}}

	for id, reason := range snap.Invalid {
		res.Skipped = append(res.Skipped, Skip{RuleID: id, Reason: reason})
	}

	rules := make([]types.RoutingRule, 0, len(snap.Rules))
	for _, r := range snap.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	SortRules(rules)

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			res.Skipped = append(res.Skipped, Skip{RuleID: r.RuleID, Reason: (&MalformedRuleError{RuleID: r.RuleID, Err: err}).Error()})
			continue
		}
		if !Matches(r.Conditions, attrs) {
			continue
		}

		res.Matched = append(res.Matched, r.RuleID)
		for _, a := range r.Actions {
			if reason := checkConfig(snap, a); reason != "" {
				res.Skipped = append(res.Skipped, Skip{RuleID: r.RuleID, Method: a.AnalysisMethodID, Reason: reason})
				continue
			}
			res.Actions = append(res.Actions, types.MatchedAction{
				Action:   a,
				RuleID:   r.RuleID,
				RuleName: r.RuleName,
				Priority: r.Priority,
			})
		}
	}

	slices.SortFunc(res.Skipped, func(a, b Skip) int {
		return cmp.Or(cmp.Compare(a.RuleID, b.RuleID), cmp.Compare(a.Method, b.Method))
	})
	return res
}

// SortRules 依 (priority, rule_id) 原地排序
func SortRules(rules []types.RoutingRule) {
	slices.SortFunc(rules, func(a, b types.RoutingRule) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.RuleID, b.RuleID))
	})
}

// Matches 條件的合取相等檢查；空條件匹配所有記錄
func Matches(conditions, attrs map[string]any) bool {
	for key, want := range conditions {
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if !equal(want, got) {
			return false
		}
	}
	return true
}

// checkConfig 動作引用的 config 必須存在且啟用
func checkConfig(snap *configversion.Snapshot, a types.Action) string {
	if a.ConfigID == "" {
		return ""
	}
	cfg, ok := snap.Configs[a.ConfigID]
	switch {
	case !ok:
		return fmt.Sprintf("config %s not found", a.ConfigID)
	case !cfg.Enabled:
		return fmt.Sprintf("config %s is disabled", a.ConfigID)
	case cfg.AnalysisMethodID != "" && cfg.AnalysisMethodID != a.AnalysisMethodID:
		return fmt.Sprintf("config %s belongs to method %s", a.ConfigID, cfg.AnalysisMethodID)
	}
	return ""
}

// equal 純量比較；數字一律轉為 float64，型別不同（如 "1" 與 1）視為不相等
func equal(want, got any) bool {
	if !types.IsScalar(got) {
		return false
	}
	wn, wIsNum := toFloat(want)
	gn, gIsNum := toFloat(got)
	if wIsNum || gIsNum {
		return wIsNum && gIsNum && wn == gn
	}
	return want == got
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
