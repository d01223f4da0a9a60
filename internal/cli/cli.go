// ============================================================================
// dispatchd CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供 coordinator、worker 與管理指令
//
// 指令結構:
//   dispatchd                      # 根指令
//   ├── coordinator (run)          # 啟動協調服務（HTTP API + gRPC health + 背景循環）
//   ├── worker                     # 啟動參考 worker 節點
//   ├── rules
//   │   ├── apply -f rules.yaml    # 將規則檔 upsert 到 coordinator
//   │   └── list                   # 列出路由規則
//   ├── status                     # 查看 coordinator 健康狀態與節點統計
//   ├── --config, -c               # 設定檔（預設 configs/dispatchd.yaml）
//   └── --version
//
// 設定:
//   由 internal/config 以 viper 載入，環境變數前綴 DISPATCHD_。
//   管理指令的 --coordinator 未指定時使用 worker.coordinator_url。
//
// 訊號處理:
//   coordinator 與 worker 在 SIGINT/SIGTERM 時取消 ctx 並優雅關閉：
//   1. 停止接受新請求 / 新任務
//   2. 等待執行中的任務與循環結束
//   3. 寫入最後一次節點快照（memory backend）
//   4. 關閉所有連線
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/client"
	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/controller"
	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/internal/logging"
	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/internal/server"
	"github.com/ChuLiYu/analysis-dispatch/internal/tracing"
	"github.com/ChuLiYu/analysis-dispatch/internal/worker"
)

// Version dispatchd 版本
const Version = "1.0.0"

var log = logging.For("cli")

var configFile string

// BuildCLI 建立根指令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd: analysis task coordination core",
		Long: `dispatchd routes new analysis records to worker nodes:
- node registry with heartbeat liveness
- versioned routing rules
- at-most-once task dispatch to a work queue`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/dispatchd.yaml", "config file path")

	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildRulesCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig 載入設定並套用日誌設定
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext 在 SIGINT/SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "coordinator",
		Aliases: []string{"run"},
		Short:   "Start the coordinator (HTTP API, gRPC health, monitor and watchers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runCoordinator(ctx, cfg)
		},
	}
	return cmd
}

// runCoordinator 組裝並執行 coordinator 直到 ctx 取消
func runCoordinator(ctx context.Context, cfg *config.Config) error {
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
	}
	bus := events.NewBus()
	defer bus.Close()

	ctrl, err := controller.Build(ctx, cfg, bus, m)
	if err != nil {
		return fmt.Errorf("failed to build controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			log.WithError(err).Error("Controller stopped with errors")
		}
	}()

	httpSrv := api.New(cfg.HTTP, cfg.Metrics.Path, api.Deps{
		Registry:    ctrl.Registry(),
		Rules:       ctrl.Rules(),
		Matcher:     ctrl.Matcher(),
		Events:      bus,
		Metrics:     m,
		Coordinator: ctrl,
		Records:     ctrl,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- httpSrv.Run(runCtx) }()
	if cfg.GRPC.Enabled {
		running++
		grpcSrv := server.New(cfg.GRPC.Addr, ctrl, 0)
		go func() { errCh <- grpcSrv.Run(runCtx) }()
	}

	log.WithFields(logrus.Fields{
		"http": cfg.HTTP.Addr,
		"grpc": cfg.GRPC.Enabled,
	}).Info("Coordinator started")

	// 任一服務結束即整體關閉
	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		stop()
	}

	log.Info("Coordinator shutting down")
	return firstErr
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var (
		coordinatorURL string
		nodeID         string
		capabilities   []string
		concurrency    int
		maxDuration    time.Duration
		failureRate    float64
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a reference worker node that consumes analysis tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("coordinator") {
				cfg.Worker.CoordinatorURL = coordinatorURL
			}
			if flags.Changed("node-id") {
				cfg.Worker.NodeID = nodeID
			}
			if flags.Changed("capabilities") {
				cfg.Worker.Capabilities = capabilities
			}
			if flags.Changed("concurrency") {
				cfg.Worker.Concurrency = concurrency
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWorker(ctx, cfg, worker.SimulatedExecutor{
				MaxDuration: maxDuration,
				FailureRate: failureRate,
			})
		},
	}

	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "coordinator base URL (overrides worker.coordinator_url)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id (generated by the coordinator when empty)")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "supported analysis_method_id values, empty means all")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent task executors")
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 2*time.Second, "upper bound of the simulated task duration")
	cmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "probability of a simulated task failure (0~1)")

	return cmd
}

// runWorker 建立消費端與重試發佈端後執行 Agent
func runWorker(ctx context.Context, cfg *config.Config, exec worker.Executor) error {
	var rdb redis.UniversalClient
	if cfg.Queue.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		c := redis.NewClient(opt)
		defer c.Close()
		rdb = c
	}

	consumer, err := newConsumer(cfg, rdb)
	if err != nil {
		return err
	}
	defer consumer.Close()

	retry, err := controller.NewPublisher(cfg.Queue, rdb, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to create retry publisher: %w", err)
	}
	defer retry.Close()

	w := cfg.Worker
	agent := worker.NewAgent(worker.AgentConfig{
		NodeID:             w.NodeID,
		Capabilities:       w.Capabilities,
		Tags:               w.Tags,
		Version:            w.Version,
		MaxConcurrentTasks: w.MaxConcurrentTasks,
		Concurrency:        w.Concurrency,
		TaskTimeout:        w.TaskTimeout,
		HeartbeatInterval:  w.HeartbeatInterval,
		MaxRetries:         w.MaxRetries,
		DedupWindow:        w.DedupWindow,
		MessageTTL:         cfg.Queue.MessageTTL,
	}, client.New(w.CoordinatorURL, 10*time.Second), consumer, retry, exec)

	log.WithFields(logrus.Fields{
		"coordinator": w.CoordinatorURL,
		"queue":       cfg.Queue.Backend,
		"concurrency": w.Concurrency,
	}).Info("Worker starting")

	err = agent.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newConsumer 依 queue.backend 建立消費端
func newConsumer(cfg *config.Config, rdb redis.UniversalClient) (queue.Consumer, error) {
	switch cfg.Queue.Backend {
	case "redis":
		return queue.NewRedisQueue(rdb, cfg.Redis.KeyPrefix, cfg.Queue.RedisList), nil
	case "memory":
		return nil, errors.New("memory queue is process-local; use the amqp or redis backend for workers")
	default:
		tag := cfg.Worker.NodeID
		if tag == "" {
			tag, _ = os.Hostname()
		}
		c, err := queue.NewAMQPConsumer(controller.AMQPConfig(cfg.Queue), "dispatchd-"+tag)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ============================================================================
// rules
// ============================================================================

func buildRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage routing rules, analysis configs and store instances",
	}
	cmd.AddCommand(buildRulesApplyCommand())
	cmd.AddCommand(buildRulesListCommand())
	return cmd
}

func buildRulesApplyCommand() *cobra.Command {
	var (
		file           string
		coordinatorURL string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update documents from a rules YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(coordinatorURL)
			if err != nil {
				return err
			}
			return applyRules(cmd.Context(), c, file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "rules YAML file")
	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "coordinator base URL")
	cmd.MarkFlagRequired("file")

	return cmd
}

// applyRules 解析規則檔並逐一 upsert
func applyRules(ctx context.Context, c *client.Client, path string, out io.Writer) error {
	seed, err := configversion.LoadSeedFile(path)
	if err != nil {
		return err
	}
	docs := client.SeedDocuments(seed)
	res, err := c.Apply(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", path, err)
	}
	fmt.Fprintf(out, "Applied %d documents from %s (created %d, updated %d), config version %d\n",
		len(docs), path, res.Created, res.Updated, res.ConfigVersion)
	return nil
}

func buildRulesListCommand() *cobra.Command {
	var (
		coordinatorURL string
		all            bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routing rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(coordinatorURL)
			if err != nil {
				return err
			}
			return listRules(cmd.Context(), c, !all, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "coordinator base URL")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled rules")

	return cmd
}

func listRules(ctx context.Context, c *client.Client, enabledOnly bool, out io.Writer) error {
	rules, err := c.Rules(ctx, enabledOnly)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tRULE_ID\tENABLED\tACTIONS\tNAME")
	for _, r := range rules {
		methods := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			methods = append(methods, a.AnalysisMethodID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", r.Priority, r.RuleID, r.Enabled, strings.Join(methods, ","), r.RuleName)
	}
	return tw.Flush()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var coordinatorURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator health and node statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClient(coordinatorURL)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), c, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "coordinator base URL")
	return cmd
}

func showStatus(ctx context.Context, c *client.Client, out io.Writer) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	version, err := c.ConfigVersion(ctx)
	if err != nil {
		return err
	}
	stats, err := c.NodeStats(ctx)
	if err != nil {
		return err
	}
	nodes, err := c.Nodes(ctx, "", "")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "dispatchd status")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Healthy:        %t\n", health.Healthy)
	fmt.Fprintf(out, "Config version: %d\n", version)
	fmt.Fprintf(out, "Watchers:       %s\n", strings.Join(health.Watchers, ", "))
	for _, l := range health.Loops {
		line := fmt.Sprintf("  loop %-28s %s", l.Name, l.State)
		if l.Restarts > 0 {
			line += fmt.Sprintf(" (restarts %d)", l.Restarts)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Nodes: %d total, %d online, %d offline\n", stats.Total, stats.Online, stats.Offline)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE_ID\tSTATUS\tTASKS\tCAPABILITIES\tLAST_HEARTBEAT")
	for _, n := range nodes {
		last := "-"
		if !n.LastHeartbeatAt.IsZero() {
			last = n.LastHeartbeatAt.Format(time.RFC3339)
		}
		caps := "*"
		if len(n.Capabilities) > 0 {
			caps = strings.Join(n.Capabilities, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", n.NodeID, n.Status, n.CurrentTaskCount, caps, last)
	}
	return tw.Flush()
}

// adminClient 以 --coordinator 或設定檔的 coordinator_url 建立 client
func adminClient(url string) (*client.Client, error) {
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = cfg.Worker.CoordinatorURL
	}
	return client.New(url, 10*time.Second), nil
}
