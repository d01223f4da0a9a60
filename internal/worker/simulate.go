package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// ErrSimulatedFailure 模擬執行器產生的失敗
var ErrSimulatedFailure = errors.New("simulated analysis failure")

// SimulatedExecutor 模擬分析方法：隨機延遲並依 FailureRate 失敗
//
// 沒有實際分析程式時，`dispatchd worker` 與 demo 使用它。
type SimulatedExecutor struct {
	MaxDuration time.Duration // 延遲上限，0 表示不延遲
	FailureRate float64       // 0~1
}

// Execute 實作 Executor
func (s SimulatedExecutor) Execute(ctx context.Context, task types.Task) error {
	var d time.Duration
	if s.MaxDuration > 0 {
		d = time.Duration(rand.Int63n(int64(s.MaxDuration)))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if rand.Float64() < s.FailureRate {
			return ErrSimulatedFailure
		}
		return nil
	}
}
