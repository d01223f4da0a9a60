// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，限制節點同時執行的任務數
//
// 架構組件:
//   ┌─────────────┐
//   │   Agent     │ --Submit()--> jobCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── jobCh
//   │  │Worker 2│←── jobCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n) - 啟動 n 個 Worker
//   3. Submit(ctx, job) - 提交投遞，jobCh 滿時阻塞（背壓）
//   4. Results() - 讀取結果，直到 Stop 後通道關閉
//   5. Stop() - 關閉 jobCh，等待 Worker 完成目前任務後關閉 resultCh
//
// 注意:
//   Stop 期間 Worker 會阻塞在 resultCh，呼叫端必須持續讀取 Results()
//   直到通道關閉。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	exec     Executor
	workers  []*Worker
	jobCh    chan Job
	resultCh chan Result
	wg       sync.WaitGroup
	active   atomic.Int64 // 執行中的任務數（心跳回報用）

	mu      sync.RWMutex // 保護 started/stopped 與 jobCh 的關閉
	started bool
	stopped bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 投遞與結果通道的緩衝大小
//   - exec: 分析方法實作
func NewPool(bufferSize int, exec Executor) *Pool {
	return &Pool{
		exec:     exec,
		jobCh:    make(chan Job, bufferSize),
		resultCh: make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.jobCh, p.resultCh, p.track)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交投遞到 Worker Pool
//
// 讀鎖持有到送出為止，Stop 取得寫鎖後才關閉 jobCh，
// 因此不會送到已關閉的通道。jobCh 滿時阻塞，直到 ctx 取消。
//
// 返回值：
//   - error: Pool 未啟動、已關閉或 ctx 取消
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if job.Timeout <= 0 {
		job.Timeout = 10 * time.Minute
	}

	select {
	case p.jobCh <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results 結果通道，Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 並關閉 jobCh
//  2. 已在 jobCh 中的投遞仍會被執行
//  3. 等待所有 Worker 完成後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// InFlight 目前執行中的任務數
func (p *Pool) InFlight() int {
	return int(p.active.Load())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Pool) track(delta int) {
	p.active.Add(int64(delta))
}
