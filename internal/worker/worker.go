// ============================================================================
// Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 是一個獨立 goroutine，從 jobCh 取出投遞並執行分析方法
//
// 執行模型:
//   for job := range jobCh
//     ├─ context.WithTimeout(job.Timeout)
//     ├─ executor.Execute(ctx, task)（panic 轉為錯誤）
//     └─ 結果送到 resultCh（阻塞，確保每則投遞都會被 ack/nack）
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker 任務執行單元
type Worker struct {
	id       int           // Worker 編號，用於日誌
	exec     Executor      // 分析方法實作
	jobCh    <-chan Job    // 投遞通道（唯讀）
	resultCh chan<- Result // 結果通道（唯寫）
	active   func(delta int)
}

// newWorker 建立 Worker
func newWorker(id int, exec Executor, jobCh <-chan Job, resultCh chan<- Result, active func(int)) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		jobCh:    jobCh,
		resultCh: resultCh,
		active:   active,
	}
}

// Run Worker 主循環，jobCh 關閉時結束
func (w *Worker) Run() {
	for job := range w.jobCh {
		w.active(1)
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
		err := w.execute(ctx, job)
		cancel()

		w.active(-1)
		w.resultCh <- Result{Job: job, Err: err, Duration: time.Since(start)}
	}
}

// execute 執行分析方法；panic 視為失敗
//
// 超時後不等待 Executor 返回；Executor 應遵守 ctx 取消。
func (w *Worker) execute(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker %d: executor panic: %v", w.id, r)
			}
		}()
		done <- w.exec.Execute(ctx, job.Task())
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
