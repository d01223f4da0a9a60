package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/internal/queue"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// Job 交給 Worker 執行的一則投遞
type Job struct {
	Delivery queue.Delivery // 原始投遞，處理完後 ack/nack
	Timeout  time.Duration  // 執行超時時間
}

// Task 投遞中的任務
func (j Job) Task() types.Task { return j.Delivery.Task }

// Result 代表任務執行結果
type Result struct {
	Job      Job
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Executor 實際執行分析方法
type Executor interface {
	Execute(ctx context.Context, task types.Task) error
}

// ExecutorFunc 讓普通函式實作 Executor
type ExecutorFunc func(ctx context.Context, task types.Task) error

// Execute 呼叫 f
func (f ExecutorFunc) Execute(ctx context.Context, task types.Task) error { return f(ctx, task) }
