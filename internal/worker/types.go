package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// ErrExecutionFault 模擬執行過程中的失敗（step 回傳錯誤或 panic）
var ErrExecutionFault = errors.New("execution fault")

// Outcome 任務結束方式
type Outcome int

const (
	OutcomeCompleted Outcome = iota // 跑完所有 tick
	OutcomeCancelled                // 收到取消訊號或 Executor 關閉
	OutcomeFailed                   // step 失敗
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Task 代表一個已配置到節點、等待模擬執行的任務
type Task struct {
	JobID  types.JobID     // 任務 ID
	Ticks  int             // 模擬秒數，每秒一個 tick
	Cancel <-chan struct{} // 任務的取消訊號，關閉代表取消
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Outcome  Outcome       // 結束方式
	Error    error         // OutcomeFailed 時為 *FaultError
	Ticks    int           // 實際完成的 tick 數
	Duration time.Duration // 實際執行時間
}

// Reporter 接收執行進度與結果
//
// 兩個方法都在任務自己的 goroutine 上呼叫，呼叫時 Executor 不持有任何鎖。
type Reporter interface {
	// Progress 每完成一個 tick 呼叫一次，tick 從 1 開始
	Progress(jobID types.JobID, tick int)
	// Finish 每個任務只呼叫一次，所有結束路徑都會呼叫
	Finish(result Result)
}

// StepFunc 每個 tick 執行一次的模擬工作；回傳錯誤代表任務失敗
type StepFunc func(ctx context.Context, jobID types.JobID, tick int) error

// FaultError 包裝 step 的錯誤或 panic
type FaultError struct {
	JobID types.JobID
	Tick  int
	Cause error // step 回傳的錯誤，panic 時為 nil
	Panic any   // recover() 的值
}

func (e *FaultError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s panicked at tick %d: %v", e.JobID, e.Tick, e.Panic)
	}
	return fmt.Sprintf("job %s failed at tick %d: %v", e.JobID, e.Tick, e.Cause)
}

// Is 讓 errors.Is(err, ErrExecutionFault) 成立
func (e *FaultError) Is(target error) bool { return target == ErrExecutionFault }

func (e *FaultError) Unwrap() error { return e.Cause }
