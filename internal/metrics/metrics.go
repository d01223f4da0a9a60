// ============================================================================
// Dispatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露協調核心的運行指標
//
// 指標分類:
//
//   1. 節點 (Counter / Gauge):
//      - dispatchd_nodes_registered_total
//      - dispatchd_heartbeats_total{result="ok|unknown_node"}
//      - dispatchd_node_transitions_total{to="online|offline"}
//      - dispatchd_nodes{status="online|offline"}
//
//   2. 路由與派發 (Counter / Histogram):
//      - dispatchd_records_routed_total{result="matched|unmatched|error"}
//      - dispatchd_tasks_published_total{method}
//      - dispatchd_dispatch_claim_conflicts_total
//      - dispatchd_publish_retries_total
//      - dispatchd_dispatch_failures_total
//      - dispatchd_publish_latency_seconds
//      - dispatchd_malformed_rules_total
//      - dispatchd_stale_config_refreshes_total
//
//   3. 設定與背景循環:
//      - dispatchd_config_version
//      - dispatchd_loop_errors_total{loop}
//      - dispatchd_loop_restarts_total{loop}
//
// 所有 Record* 方法對 nil *Collector 安全，未啟用指標時元件直接傳 nil。
//
// 告警建議:
//   - rate(dispatchd_dispatch_failures_total[5m]) > 0 → 佇列異常
//   - dispatchd_nodes{status="online"} == 0 → 沒有可用 worker
//   - increase(dispatchd_loop_restarts_total[10m]) > 3 → 背景循環反覆崩潰
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatchd"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 節點相關指標
	nodesRegistered   prometheus.Counter
	heartbeats        *prometheus.CounterVec
	nodeTransitions   *prometheus.CounterVec
	nodesByStatus     *prometheus.GaugeVec
	nodeListFailures  prometheus.Counter
	recordsRouted     *prometheus.CounterVec
	tasksPublished    *prometheus.CounterVec
	claimConflicts    prometheus.Counter
	publishRetries    prometheus.Counter
	dispatchFailures  prometheus.Counter
	publishLatency    prometheus.Histogram
	malformedRules    prometheus.Counter
	staleRefreshes    prometheus.Counter
	configVersion     prometheus.Gauge
	loopErrors        *prometheus.CounterVec
	loopRestarts      *prometheus.CounterVec
	workerTasksResult *prometheus.CounterVec
}

// NewCollector 建立指標收集器，使用獨立的 Registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		nodesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_registered_total",
			Help:      "Total number of node registrations (including re-registrations)",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by result",
		}, []string{"result"}),
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Observed node liveness transitions",
		}, []string{"to"}),
		nodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Current number of nodes by computed status",
		}, []string{"status"}),
		nodeListFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_list_failures_total",
			Help:      "Heartbeat monitor ticks that could not list nodes",
		}),
		recordsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_routed_total",
			Help:      "Records evaluated by the router, by result",
		}, []string{"result"}),
		tasksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Tasks published to the work queue",
		}, []string{"method"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_claim_conflicts_total",
			Help:      "Dispatch claims lost to a concurrent dispatcher",
		}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Publish attempts retried after a transient failure",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatches that exhausted publish retries",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Latency of successful publishes including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		malformedRules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_rules_total",
			Help:      "Rules skipped during evaluation because of an invalid shape",
		}),
		staleRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_config_refreshes_total",
			Help:      "Rule evaluations repeated because the config version moved",
		}),
		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version",
			Help:      "Last observed configuration version",
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Errors returned by background loops",
		}, []string{"loop"}),
		loopRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_restarts_total",
			Help:      "Supervised loop restarts",
		}, []string{"loop"}),
		workerTasksResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Tasks handled by the worker agent, by result",
		}, []string{"result"}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.nodesRegistered,
		c.heartbeats,
		c.nodeTransitions,
		c.nodesByStatus,
		c.nodeListFailures,
		c.recordsRouted,
		c.tasksPublished,
		c.claimConflicts,
		c.publishRetries,
		c.dispatchFailures,
		c.publishLatency,
		c.malformedRules,
		c.staleRefreshes,
		c.configVersion,
		c.loopErrors,
		c.loopRestarts,
		c.workerTasksResult,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry 回傳底層 Registry（測試與自訂 exporter 使用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ============================================================================
// 節點
// ============================================================================

// RecordRegistration 記錄一次註冊
func (c *Collector) RecordRegistration() {
	if c == nil {
		return
	}
	c.nodesRegistered.Inc()
}

// RecordHeartbeat 記錄一次心跳；known=false 表示節點未註冊
func (c *Collector) RecordHeartbeat(known bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !known {
		result = "unknown_node"
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

// RecordTransition 記錄節點狀態轉換
func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(to).Inc()
}

// UpdateNodeStats 更新在線/離線節點數
func (c *Collector) UpdateNodeStats(online, offline int) {
	if c == nil {
		return
	}
	c.nodesByStatus.WithLabelValues("online").Set(float64(online))
	c.nodesByStatus.WithLabelValues("offline").Set(float64(offline))
}

// RecordNodeListFailure 心跳監控無法列出節點
func (c *Collector) RecordNodeListFailure() {
	if c == nil {
		return
	}
	c.nodeListFailures.Inc()
}

// ============================================================================
// 路由與派發
// ============================================================================

// RecordRouted 記錄一筆記錄的路由結果 (matched, unmatched, deferred, error)
func (c *Collector) RecordRouted(result string) {
	if c == nil {
		return
	}
	c.recordsRouted.WithLabelValues(result).Inc()
}

// RecordPublished 記錄任務發佈成功與延遲
func (c *Collector) RecordPublished(method string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksPublished.WithLabelValues(method).Inc()
	c.publishLatency.Observe(latencySeconds)
}

// RecordClaimConflict 記錄派發佔用衝突
func (c *Collector) RecordClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// RecordPublishRetry 記錄一次發佈重試
func (c *Collector) RecordPublishRetry() {
	if c == nil {
		return
	}
	c.publishRetries.Inc()
}

// RecordDispatchFailure 記錄派發最終失敗
func (c *Collector) RecordDispatchFailure() {
	if c == nil {
		return
	}
	c.dispatchFailures.Inc()
}

// RecordMalformedRule 記錄略過的規則
func (c *Collector) RecordMalformedRule() {
	if c == nil {
		return
	}
	c.malformedRules.Inc()
}

// RecordStaleRefresh 記錄因版本變動而重新評估
func (c *Collector) RecordStaleRefresh() {
	if c == nil {
		return
	}
	c.staleRefreshes.Inc()
}

// SetConfigVersion 更新設定版本
func (c *Collector) SetConfigVersion(v int64) {
	if c == nil {
		return
	}
	c.configVersion.Set(float64(v))
}

// ============================================================================
// 背景循環與 worker
// ============================================================================

// RecordLoopError 記錄背景循環錯誤
func (c *Collector) RecordLoopError(loop string) {
	if c == nil {
		return
	}
	c.loopErrors.WithLabelValues(loop).Inc()
}

// RecordLoopRestart 記錄受監督循環重啟
func (c *Collector) RecordLoopRestart(loop string) {
	if c == nil {
		return
	}
	c.loopRestarts.WithLabelValues(loop).Inc()
}

// RecordWorkerTask 記錄 worker 處理任務的結果 (completed, retried, rejected, expired, duplicate)
func (c *Collector) RecordWorkerTask(result string) {
	if c == nil {
		return
	}
	c.workerTasksResult.WithLabelValues(result).Inc()
}
