package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ============================================================================
// 設定文件（規則、分析設定、記錄庫實例）的共用 CRUD
// ============================================================================

// docOps 一種設定文件的存取方式
type docOps[T any] struct {
	kind    string // 用於訊息
	idField string // JSON 中的 id 欄位名稱
	id      func(*T) *string
	enabled func(*T) *bool
	list    func(ctx context.Context, c echo.Context) ([]T, error)
	get     func(ctx context.Context, id string) (T, error)
	put     func(ctx context.Context, doc T) (int64, error)
	del     func(ctx context.Context, id string) (int64, error)
	after   func(ctx context.Context) // 寫入後的通知，可為 nil
}

// writeResult 寫入後回傳的內容
type writeResult[T any] struct {
	Document      T     `json:"document"`
	ConfigVersion int64 `json:"config_version"`
}

func listDocs[T any](c echo.Context, ops docOps[T]) error {
	docs, err := ops.list(c.Request().Context(), c)
	if err != nil {
		return failErr(c, err)
	}
	return okList(c, docs)
}

func getDoc[T any](c echo.Context, ops docOps[T]) error {
	doc, err := ops.get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, doc)
}

// createDoc 建立文件；id 為空時產生 uuid，已存在時回傳 409
func createDoc[T any](c echo.Context, ops docOps[T]) error {
	var doc T
	if err := bind(c, &doc); err != nil {
		return failErr(c, err)
	}
	ctx := c.Request().Context()

	id := ops.id(&doc)
	if *id == "" {
		*id = uuid.NewString()
	}
	if _, err := ops.get(ctx, *id); err == nil {
		return failErr(c, fmt.Errorf("%w: %s %s", errConflict, ops.kind, *id))
	}
	return writeDoc(c, ops, doc, http.StatusCreated, ops.kind+" created")
}

// updateDoc 以 body 中出現的欄位覆寫既有文件；id 與 created_at 不可修改
func updateDoc[T any](c echo.Context, ops docOps[T]) error {
	ctx := c.Request().Context()
	existing, err := ops.get(ctx, c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return failErr(c, fmt.Errorf("%w: %v", errBadRequest, err))
	}
	doc, err := merge(existing, body, ops.idField, "created_at")
	if err != nil {
		return failErr(c, err)
	}
	return writeDoc(c, ops, doc, http.StatusOK, ops.kind+" updated")
}

func deleteDoc[T any](c echo.Context, ops docOps[T]) error {
	ctx := c.Request().Context()
	v, err := ops.del(ctx, c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	if ops.after != nil {
		ops.after(ctx)
	}
	return okMessage(c, ops.kind+" deleted", map[string]int64{"config_version": v})
}

func toggleDoc[T any](c echo.Context, ops docOps[T]) error {
	ctx := c.Request().Context()
	doc, err := ops.get(ctx, c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	enabled := ops.enabled(&doc)
	*enabled = !*enabled
	return writeDoc(c, ops, doc, http.StatusOK, fmt.Sprintf("%s enabled=%t", ops.kind, *enabled))
}

func writeDoc[T any](c echo.Context, ops docOps[T], doc T, status int, msg string) error {
	ctx := c.Request().Context()
	v, err := ops.put(ctx, doc)
	if err != nil {
		return failErr(c, err)
	}
	if ops.after != nil {
		ops.after(ctx)
	}
	stored, err := ops.get(ctx, *ops.id(&doc))
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(status, envelope{
		Success: true,
		Data:    writeResult[T]{Document: stored, ConfigVersion: v},
		Message: msg,
	})
}

// merge 以 JSON 欄位為單位覆寫，略過受保護欄位
func merge[T any](existing T, patch []byte, protected ...string) (T, error) {
	var out T
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return out, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	base, err := json.Marshal(existing)
	if err != nil {
		return out, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return out, err
	}
	for _, key := range protected {
		delete(changes, key)
	}
	for k, v := range changes {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return out, nil
}

// ============================================================================
// 各文件種類
// ============================================================================

func (s *Server) ruleOps() docOps[types.RoutingRule] {
	return docOps[types.RoutingRule]{
		kind:    "routing rule",
		idField: "rule_id",
		id:      func(r *types.RoutingRule) *string { return &r.RuleID },
		enabled: func(r *types.RoutingRule) *bool { return &r.Enabled },
		list: func(ctx context.Context, c echo.Context) ([]types.RoutingRule, error) {
			enabledOnly := true
			if q := c.QueryParam("enabled_only"); q != "" {
				v, err := strconv.ParseBool(q)
				if err != nil {
					return nil, fmt.Errorf("%w: enabled_only: %v", errBadRequest, err)
				}
				enabledOnly = v
			}
			return s.deps.Rules.Rules(ctx, enabledOnly)
		},
		get: s.deps.Rules.Rule,
		put: s.deps.Rules.PutRule,
		del: s.deps.Rules.DeleteRule,
	}
}

func (s *Server) configOps() docOps[types.AnalysisConfig] {
	return docOps[types.AnalysisConfig]{
		kind:    "analysis config",
		idField: "config_id",
		id:      func(a *types.AnalysisConfig) *string { return &a.ConfigID },
		enabled: func(a *types.AnalysisConfig) *bool { return &a.Enabled },
		list: func(ctx context.Context, _ echo.Context) ([]types.AnalysisConfig, error) {
			return s.deps.Rules.Configs(ctx)
		},
		get: s.deps.Rules.Config,
		put: s.deps.Rules.PutConfig,
		del: s.deps.Rules.DeleteConfig,
	}
}

func (s *Server) instanceOps() docOps[types.StoreInstance] {
	return docOps[types.StoreInstance]{
		kind:    "store instance",
		idField: "instance_id",
		id:      func(i *types.StoreInstance) *string { return &i.InstanceID },
		enabled: func(i *types.StoreInstance) *bool { return &i.Enabled },
		list: func(ctx context.Context, _ echo.Context) ([]types.StoreInstance, error) {
			return s.deps.Rules.Instances(ctx)
		},
		get:   s.deps.Rules.Instance,
		put:   s.deps.Rules.PutInstance,
		del:   s.deps.Rules.DeleteInstance,
		after: s.reconcile,
	}
}

// reconcile 實例變更後立即調整 watcher；失敗時由定期比對補上
func (s *Server) reconcile(ctx context.Context) {
	if s.deps.Coordinator == nil {
		return
	}
	if err := s.deps.Coordinator.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("Immediate watcher reconcile failed")
	}
}

func (s *Server) listRules(c echo.Context) error  { return listDocs(c, s.ruleOps()) }
func (s *Server) getRule(c echo.Context) error    { return getDoc(c, s.ruleOps()) }
func (s *Server) createRule(c echo.Context) error { return createDoc(c, s.ruleOps()) }
func (s *Server) updateRule(c echo.Context) error { return updateDoc(c, s.ruleOps()) }
func (s *Server) deleteRule(c echo.Context) error { return deleteDoc(c, s.ruleOps()) }
func (s *Server) toggleRule(c echo.Context) error { return toggleDoc(c, s.ruleOps()) }

func (s *Server) listConfigs(c echo.Context) error  { return listDocs(c, s.configOps()) }
func (s *Server) getConfig(c echo.Context) error    { return getDoc(c, s.configOps()) }
func (s *Server) createConfig(c echo.Context) error { return createDoc(c, s.configOps()) }
func (s *Server) updateConfig(c echo.Context) error { return updateDoc(c, s.configOps()) }
func (s *Server) deleteConfig(c echo.Context) error { return deleteDoc(c, s.configOps()) }
func (s *Server) toggleConfig(c echo.Context) error { return toggleDoc(c, s.configOps()) }

func (s *Server) listInstances(c echo.Context) error  { return listDocs(c, s.instanceOps()) }
func (s *Server) getInstance(c echo.Context) error    { return getDoc(c, s.instanceOps()) }
func (s *Server) createInstance(c echo.Context) error { return createDoc(c, s.instanceOps()) }
func (s *Server) updateInstance(c echo.Context) error { return updateDoc(c, s.instanceOps()) }
func (s *Server) deleteInstance(c echo.Context) error { return deleteDoc(c, s.instanceOps()) }
func (s *Server) toggleInstance(c echo.Context) error { return toggleDoc(c, s.instanceOps()) }

// ============================================================================
// 版本與規則測試
// ============================================================================

func (s *Server) configVersion(c echo.Context) error {
	v, err := s.deps.Rules.Current(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, map[string]int64{"config_version": v})
}

// TestRequest 規則測試請求；info_features 與 attributes 擇一
type TestRequest struct {
	InfoFeatures map[string]any `json:"info_features"`
	Attributes   map[string]any `json:"attributes"`
}

// TestResponse 規則測試結果
type TestResponse struct {
	MatchingRules []types.RoutingRule   `json:"matching_rules"`
	MatchCount    int                   `json:"match_count"`
	Actions       []types.MatchedAction `json:"actions"`
	ConfigVersion int64                 `json:"config_version"`
	Skipped       []routing.Skip        `json:"skipped,omitempty"`
}

func (s *Server) testRules(c echo.Context) error {
	var req TestRequest
	if err := bind(c, &req); err != nil {
		return failErr(c, err)
	}
	attrs := req.InfoFeatures
	if attrs == nil {
		attrs = req.Attributes
	}
	if attrs == nil {
		return fail(c, http.StatusBadRequest, fmt.Errorf("%w: info_features is required", errBadRequest))
	}
	ctx := c.Request().Context()

	res, err := s.deps.Matcher.Match(ctx, attrs)
	if err != nil {
		return failErr(c, err)
	}

	resp := TestResponse{
		MatchingRules: make([]types.RoutingRule, 0, len(res.Matched)),
		MatchCount:    len(res.Matched),
		Actions:       res.Actions,
		ConfigVersion: res.Version,
		Skipped:       res.Skipped,
	}
	for _, id := range res.Matched {
		rule, err := s.deps.Rules.Rule(ctx, id)
		switch {
		case errors.Is(err, configversion.ErrDocumentNotFound):
			// 匹配後被刪除
		case err != nil:
			return failErr(c, err)
		default:
			resp.MatchingRules = append(resp.MatchingRules, rule)
		}
	}
	return ok(c, http.StatusOK, resp)
}
