package main

// ============================================================================
// 職責說明：
// 1. 單一行程內的端到端示範：coordinator + 兩個 worker 節點
// 2. 全部使用記憶體後端（registry、設定、記錄庫、佇列），不需外部服務
// 3. 寫入記錄 → 規則匹配 → 派發任務 → worker 執行並回報心跳
// ============================================================================
//
// 執行：
//   go run ./cmd/demo
//   go run ./cmd/demo -records 50 -failure-rate 0.2

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/client"
	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/controller"
	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/worker"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

const demoRules = `
configs:
  - config_id: fft-default
    analysis_method_id: M1
    config_name: FFT default
    parameters: {window: 1024}
    enabled: true
rules:
  - rule_id: batch-a-m1
    rule_name: batch A spectrum
    priority: 1
    conditions: {dataset: batch_A}
    actions:
      - analysis_method_id: M1
        config_id: fft-default
    enabled: true
  - rule_id: batch-a-m2
    rule_name: batch A anomaly
    priority: 2
    conditions: {dataset: batch_A}
    actions:
      - analysis_method_id: M2
    enabled: true
  - rule_id: batch-b-m3
    rule_name: batch B classifier
    priority: 1
    conditions: {dataset: batch_B, device: sensor-7}
    actions:
      - analysis_method_id: M3
    enabled: true
`

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:18080", "HTTP API listen address")
		records     = flag.Int("records", 20, "number of records to insert")
		failureRate = flag.Float64("failure-rate", 0.1, "simulated task failure rate")
	)
	flag.Parse()

	if err := run(*addr, *records, *failureRate); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, recordCount int, failureRate float64) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()
	cfg.HTTP.Addr = addr
	cfg.HTTP.RateLimit = 0
	cfg.Queue.Backend = "memory"
	cfg.Registry.HeartbeatInterval = time.Second
	cfg.Registry.HeartbeatTTL = 3 * time.Second
	cfg.Monitor.Interval = time.Second
	cfg.Monitor.StatsEvery = 5
	if err := logging.Setup(cfg.Log); err != nil {
		return err
	}

	m := metrics.NewCollector()
	bus := events.NewBus()
	defer bus.Close()

	ctrl, err := controller.Build(ctx, cfg, bus, m)
	if err != nil {
		return err
	}
	seed, err := configversion.ParseSeed([]byte(demoRules))
	if err != nil {
		return err
	}
	version, err := seed.Apply(ctx, ctrl.Rules())
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("✓ Coordinator started, config version %d\n", version)

	srv := api.New(cfg.HTTP, cfg.Metrics.Path, api.Deps{
		Registry:    ctrl.Registry(),
		Rules:       ctrl.Rules(),
		Matcher:     ctrl.Matcher(),
		Events:      bus,
		Metrics:     m,
		Coordinator: ctrl,
		Records:     ctrl,
	})
	runCtx, stopServices := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(runCtx); err != nil {
			fmt.Fprintf(os.Stderr, "http server: %v\n", err)
		}
	}()

	mq, ok := ctrl.Publisher().(*queue.MemoryQueue)
	if !ok {
		stopServices()
		return errors.New("demo requires the memory queue backend")
	}

	// 兩個節點：gpu-01 支援全部方法，cpu-01 只支援 M2
	nodes := []worker.AgentConfig{
		{NodeID: "gpu-01", Concurrency: 2},
		{NodeID: "cpu-01", Capabilities: []string{"M2"}, Concurrency: 1},
	}
	var agents []*worker.Agent
	for _, nc := range nodes {
		nc.HeartbeatInterval = time.Second
		nc.MessageTTL = cfg.Queue.MessageTTL
		nc.Metrics = m
		agent := worker.NewAgent(nc, client.New("http://"+addr, 5*time.Second), mq, mq,
			worker.SimulatedExecutor{MaxDuration: 300 * time.Millisecond, FailureRate: failureRate})
		agents = append(agents, agent)

		wg.Add(1)
		go func(a *worker.Agent) {
			defer wg.Done()
			if err := a.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "worker %s: %v\n", a.NodeID(), err)
			}
		}(agent)
	}

	// 等 API 與節點就緒
	time.Sleep(500 * time.Millisecond)

	store := ctrl.Records().Store(cfg.Records.DefaultInstance)
	for i := 1; i <= recordCount; i++ {
		attrs := map[string]any{"dataset": "batch_A"}
		if i%2 == 0 {
			attrs = map[string]any{"dataset": "batch_B", "device": "sensor-7"}
		}
		if i%5 == 0 {
			attrs = map[string]any{"dataset": "batch_C"}
		}
		if err := store.Insert(ctx, types.Record{
			Reference:  fmt.Sprintf("rec-%03d", i),
			Attributes: attrs,
		}); err != nil {
			stopServices()
			wg.Wait()
			return err
		}
	}
	fmt.Printf("✓ Inserted %d records\n", recordCount)
	fmt.Println("💡 Press Ctrl+C to stop early")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			stats, _ := ctrl.Registry().Stats(ctx)
			inFlight := 0
			for _, a := range agents {
				inFlight += a.InFlight()
			}
			fmt.Printf("📊 Published=%d Queued=%d InFlight=%d Nodes online=%d/%d\n",
				len(mq.Published()), mq.Len(), inFlight, stats.Online, stats.Total)
		}
	}

	stopServices()
	wg.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := ctrl.Stop(stopCtx); err != nil {
		return err
	}

	byMethod := make(map[string]int)
	for _, t := range mq.Published() {
		byMethod[t.AnalysisMethodID]++
	}
	fmt.Println()
	fmt.Println("Tasks published per analysis method:")
	for _, method := range []string{"M1", "M2", "M3"} {
		fmt.Printf("  %s: %d\n", method, byMethod[method])
	}
	fmt.Println("✓ Demo finished")
	return nil
}
