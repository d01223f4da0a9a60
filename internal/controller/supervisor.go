package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChuLiYu/analysis-dispatch/internal/metrics"
)

// ErrLoopPanic 循環 panic 後被轉成的錯誤
var ErrLoopPanic = errors.New("loop panicked")

// errLoopReturned 循環在 ctx 取消前正常結束
var errLoopReturned = errors.New("loop returned before shutdown")

// LoopState 受監督循環的狀態
type LoopState string

const (
	LoopRunning    LoopState = "running"
	LoopRestarting LoopState = "restarting"
	LoopStopped    LoopState = "stopped"
)

// LoopStatus 單一循環的健康資訊
type LoopStatus struct {
	Name      string    `json:"name"`
	State     LoopState `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// SupervisorOptions 重啟策略
type SupervisorOptions struct {
	RestartDelay    time.Duration // 第一次重啟前的等待
	MaxRestartDelay time.Duration // 指數退避上限；運行超過此時間視為穩定，退避歸零
	Metrics         *metrics.Collector
}

// Supervisor 以重啟策略執行長時間循環
//
// 循環只應在 ctx 取消時結束。回傳錯誤、提早返回或 panic 都會被記錄、
// 計數，並在退避後重新啟動。
type Supervisor struct {
	opts SupervisorOptions
	wg   sync.WaitGroup

	mu     sync.RWMutex
	status map[string]*LoopStatus
}

// NewSupervisor 建立 Supervisor
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.MaxRestartDelay < opts.RestartDelay {
		opts.MaxRestartDelay = 12 * opts.RestartDelay
	}
	return &Supervisor{opts: opts, status: make(map[string]*LoopStatus)}
}

// Go 在背景監督 run，回傳的 channel 在循環最終停止後關閉
func (s *Supervisor) Go(ctx context.Context, name string, run func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	s.setState(name, LoopRunning, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.supervise(ctx, name, run)
	}()
	return done
}

// Wait 等待所有循環停止
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, name string, run func(context.Context) error) {
	entry := log.WithField("loop", name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartDelay
	b.MaxInterval = s.opts.MaxRestartDelay
	b.Reset()

	for {
		started := time.Now()
		s.setState(name, LoopRunning, nil)

		err := protect(ctx, run)
		if ctx.Err() != nil {
			s.setState(name, LoopStopped, nil)
			entry.Debug("Loop stopped")
			return
		}
		if err == nil {
			err = errLoopReturned
		}
		if time.Since(started) > s.opts.MaxRestartDelay {
			b.Reset()
		}

		delay := b.NextBackOff()
		s.opts.Metrics.RecordLoopError(name)
		s.setState(name, LoopRestarting, err)
		entry.WithError(err).WithField("restart_in", delay).Error("Loop failed, restarting")

		select {
		case <-ctx.Done():
			s.setState(name, LoopStopped, nil)
			return
		case <-time.After(delay):
		}
		s.opts.Metrics.RecordLoopRestart(name)
		s.incRestarts(name)
	}
}

// protect 將 panic 轉為錯誤
func protect(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Error("Recovered loop panic")
			err = fmt.Errorf("%w: %v", ErrLoopPanic, r)
		}
	}()
	return run(ctx)
}

func (s *Supervisor) setState(name string, state LoopState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &LoopStatus{Name: name}
		s.status[name] = st
	}
	if st.State != state {
		st.Since = time.Now()
	}
	st.State = state
	if err != nil {
		st.LastError = err.Error()
	}
}

func (s *Supervisor) incRestarts(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		st.Restarts++
	}
}

// Forget 移除已停止循環的狀態（例如被停用的 watcher）
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok && st.State == LoopStopped {
		delete(s.status, name)
	}
}

// Status 回傳所有循環狀態，依名稱排序
func (s *Supervisor) Status() []LoopStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LoopStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy 所有已知循環都在運行中
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.status {
		if st.State != LoopRunning {
			return false
		}
	}
	return true
}
