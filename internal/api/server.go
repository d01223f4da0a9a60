// ============================================================================
// Coordinator HTTP API - echo
// ============================================================================
//
// Package: internal/api
// 文件: server.go
// 功能: 節點註冊與心跳協定、節點狀態查詢、規則／分析設定／記錄庫實例管理
//
// 路由:
//   POST   /api/nodes/register       註冊（回傳 node_id 與目前設定版本）
//   POST   /api/nodes/heartbeat      心跳（未註冊 → 404）
//   GET    /api/nodes                列表（?status=online|offline&capability=M1）
//   GET    /api/nodes/stats          統計
//   GET    /api/nodes/:id            單一節點
//   DELETE /api/nodes/:id            註銷
//   GET    /api/config/version       目前設定版本
//   /api/routing, /api/configs, /api/instances  CRUD 與 toggle
//   POST   /api/routing/test         以屬性測試匹配結果
//   GET    /api/records/:instance/:ref  記錄的派發連結與結果（pending/published/unknown）
//   GET    /api/events               Server-Sent Events
//   GET    /healthz, /metrics
//
// 回應格式: {"success": bool, "data": ..., "error": "..."}
//
// ============================================================================

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/controller"
	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
)

var log = logging.For("api")

// Coordinator API 需要的控制器能力
type Coordinator interface {
	Health() controller.Health
	Reconcile(ctx context.Context) error
}

// Deps API 依賴的元件
type Deps struct {
	Registry    *registry.Registry
	Rules       *configversion.Manager
	Matcher     *routing.Matcher
	Events      *events.Bus        // 可為 nil，/api/events 回傳 503
	Metrics     *metrics.Collector // 可為 nil，不註冊 /metrics
	Coordinator Coordinator        // 可為 nil
	Records     RecordLookup       // 可為 nil，/api/records 回傳 503
}

// Server HTTP API 伺服器
type Server struct {
	e    *echo.Echo
	cfg  config.HTTPConfig
	deps Deps
	now  func() time.Time
}

// New 建立 Server 並註冊所有路由
func New(cfg config.HTTPConfig, metricsPath string, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/healthz" || c.Path() == "/api/events"
			},
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     cfg.RateBurst,
				ExpiresIn: 3 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return fail(c, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			},
		}))
	}

	s := &Server{e: e, cfg: cfg, deps: deps, now: time.Now}
	s.routes(metricsPath)
	return s
}

func (s *Server) routes(metricsPath string) {
	s.e.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil && metricsPath != "" {
		s.e.GET(metricsPath, echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	api := s.e.Group("/api")

	nodes := api.Group("/nodes")
	nodes.POST("/register", s.register)
	nodes.POST("/heartbeat", s.heartbeat)
	nodes.GET("", s.listNodes)
	nodes.GET("/stats", s.nodeStats)
	nodes.GET("/:id", s.getNode)
	nodes.DELETE("/:id", s.deregister)

	api.GET("/config/version", s.configVersion)

	rules := api.Group("/routing")
	rules.GET("", s.listRules)
	rules.POST("", s.createRule)
	rules.POST("/test", s.testRules)
	rules.GET("/:id", s.getRule)
	rules.PUT("/:id", s.updateRule)
	rules.DELETE("/:id", s.deleteRule)
	rules.POST("/:id/toggle", s.toggleRule)

	configs := api.Group("/configs")
	configs.GET("", s.listConfigs)
	configs.POST("", s.createConfig)
	configs.GET("/:id", s.getConfig)
	configs.PUT("/:id", s.updateConfig)
	configs.DELETE("/:id", s.deleteConfig)
	configs.POST("/:id/toggle", s.toggleConfig)

	instances := api.Group("/instances")
	instances.GET("", s.listInstances)
	instances.POST("", s.createInstance)
	instances.GET("/:id", s.getInstance)
	instances.PUT("/:id", s.updateInstance)
	instances.DELETE("/:id", s.deleteInstance)
	instances.POST("/:id/toggle", s.toggleInstance)

	api.GET("/records/:instance/:ref", s.recordStatus)
	api.GET("/events", s.streamEvents)
}

// Handler 回傳 http.Handler（測試使用）
func (s *Server) Handler() http.Handler { return s.e }

// Run 監聽直到 ctx 取消，之後在 shutdown_timeout 內優雅關閉
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.cfg.Addr).Info("HTTP API listening")
		if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	log.Info("HTTP API stopped")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Coordinator == nil {
		return ok(c, http.StatusOK, map[string]any{"healthy": true})
	}
	h := s.deps.Coordinator.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, envelope{Success: h.Healthy, Data: h})
}

// requestLogger 以 logrus 記錄每個請求
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency,
				"request_id": v.RequestID,
			})
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				entry.WithError(v.Error).Warn("Request failed")
				return nil
			}
			entry.Debug("Request handled")
			return nil
		},
	})
}
