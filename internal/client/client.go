// ============================================================================
// Coordinator HTTP Client
// ============================================================================
//
// Package: internal/client
// 文件: client.go
// 功能: worker 節點與 CLI 呼叫 coordinator HTTP API
//
// 所有回應皆為 {"success", "data", "error"} 格式；非 2xx 回傳 *APIError，
// 404 可以 errors.Is(err, ErrNotFound) 判斷（例如心跳時節點未註冊）。
//
// ============================================================================

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/controller"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ErrNotFound 資源不存在（HTTP 404）
var ErrNotFound = errors.New("resource not found")

// APIError coordinator 回傳的錯誤
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// Is 讓 404 符合 ErrNotFound
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client coordinator API 客戶端
type Client struct {
	base string
	http *http.Client
}

// New 建立 Client
//
// 參數：
//   - baseURL: coordinator 位址，例如 http://localhost:8080
//   - timeout: 單一請求逾時，<= 0 時為 10 秒
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		if out != nil && len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, out)
		}
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode data of %s %s: %w", method, path, err)
	}
	return nil
}

// ============================================================================
// 節點協定
// ============================================================================

// Register 註冊節點
func (c *Client) Register(ctx context.Context, req registry.RegisterRequest) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/nodes/register", req, &out)
	return out, err
}

// Heartbeat 送出心跳；節點未註冊時回傳的錯誤符合 ErrNotFound
func (c *Client) Heartbeat(ctx context.Context, req registry.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/api/nodes/heartbeat", req, &out)
	return out, err
}

// Nodes 列出節點；status 與 capability 為空時不過濾
func (c *Client) Nodes(ctx context.Context, status types.NodeStatus, capability string) ([]types.NodeView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if capability != "" {
		q.Set("capability", capability)
	}
	path := "/api/nodes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []types.NodeView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// NodeStats 節點統計
func (c *Client) NodeStats(ctx context.Context) (types.NodeStats, error) {
	var out types.NodeStats
	err := c.do(ctx, http.MethodGet, "/api/nodes/stats", nil, &out)
	return out, err
}

// ConfigVersion 目前設定版本
func (c *Client) ConfigVersion(ctx context.Context) (int64, error) {
	var out struct {
		Version int64 `json:"config_version"`
	}
	err := c.do(ctx, http.MethodGet, "/api/config/version", nil, &out)
	return out.Version, err
}

// Health 讀取 coordinator 健康狀態；不健康（503）時仍回傳內容
func (c *Client) Health(ctx context.Context) (controller.Health, error) {
	var out controller.Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return out, nil
	}
	return out, err
}

// Rules 列出規則
func (c *Client) Rules(ctx context.Context, enabledOnly bool) ([]types.RoutingRule, error) {
	var out []types.RoutingRule
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/routing?enabled_only=%t", enabledOnly), nil, &out)
	return out, err
}

// ============================================================================
// 規則檔套用
// ============================================================================

// ApplyResult 套用規則檔的結果
type ApplyResult struct {
	Created       int
	Updated       int
	ConfigVersion int64
}

// Apply 將規則檔內容寫入 coordinator
//
// 依序處理分析設定、記錄庫實例、規則，讓規則引用的設定先存在。
// 已存在的文件以 PUT 覆寫，其餘以 POST 建立。
func (c *Client) Apply(ctx context.Context, docs []Document) (ApplyResult, error) {
	var res ApplyResult
	for _, d := range docs {
		created, err := c.upsert(ctx, d)
		if err != nil {
			return res, fmt.Errorf("%s %s: %w", d.Collection, d.ID, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	v, err := c.ConfigVersion(ctx)
	if err != nil {
		return res, err
	}
	res.ConfigVersion = v
	return res, nil
}

// SeedDocuments 將規則檔轉為依寫入順序排列的文件
func SeedDocuments(seed *configversion.SeedFile) []Document {
	docs := make([]Document, 0, len(seed.Configs)+len(seed.Instances)+len(seed.Rules))
	for _, c := range seed.Configs {
		docs = append(docs, Document{Collection: "configs", ID: c.ConfigID, Body: c})
	}
	for _, i := range seed.Instances {
		docs = append(docs, Document{Collection: "instances", ID: i.InstanceID, Body: i})
	}
	for _, r := range seed.Rules {
		docs = append(docs, Document{Collection: "routing", ID: r.RuleID, Body: r})
	}
	return docs
}

// Document 一份要寫入的設定文件
type Document struct {
	Collection string // routing, configs, instances
	ID         string
	Body       any
}

func (c *Client) upsert(ctx context.Context, d Document) (bool, error) {
	path := "/api/" + d.Collection
	item := path + "/" + url.PathEscape(d.ID)

	err := c.do(ctx, http.MethodGet, item, nil, nil)
	switch {
	case errors.Is(err, ErrNotFound):
		return true, c.do(ctx, http.MethodPost, path, d.Body, nil)
	case err != nil:
		return false, err
	}
	return false, c.do(ctx, http.MethodPut, item, d.Body, nil)
}
