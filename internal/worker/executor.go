// ============================================================================
// Schedula Executor - 執行監督器
// ============================================================================
//
// Package: internal/worker
// 文件: executor.go
// 功能: 每個已配置的任務啟動一個 goroutine，模擬執行並回報結果
//
// 與固定大小 Worker Pool 的差異:
//   任務的並發數由叢集容量決定（排程器只在資源足夠時才 Launch），
//   所以這裡不設 worker 數量上限，每個任務各自一個 goroutine。
//
// 生命週期:
//   1. NewExecutor(cfg, reporter) - 建立 Executor
//   2. Launch(task) - 立即啟動任務 goroutine，不阻塞
//   3. Stop() - 取消所有任務並等待每個任務回報 Finish
//
// 並發控制:
//   - ctx/cancel: Stop() 時通知所有任務結束
//   - WaitGroup: 追蹤所有任務 goroutine
//   - Mutex: 保護 stopped 狀態與 active 計數
//
// Ticker 在 Launch 內同步建立，回傳時計時已經開始；
// 測試用 FakeClock.Step 推進時間時不會錯過第一個 tick。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrExecutorStopped Executor 已關閉，無法啟動新任務
var ErrExecutorStopped = errors.New("executor is stopped")

// DefaultTick 一個模擬秒對應的真實時間
const DefaultTick = time.Second

// Config Executor 配置
type Config struct {
	Tick  time.Duration    // 每個模擬秒的長度，0 代表 DefaultTick
	Clock clock.WithTicker // nil 代表系統時鐘
	Step  StepFunc         // 每個 tick 執行的模擬工作，可為 nil
}

// Executor 執行監督器
type Executor struct {
	tick     time.Duration
	clock    clock.WithTicker
	step     StepFunc
	reporter Reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	active  int
}

// NewExecutor 建立新的 Executor
func NewExecutor(cfg Config, reporter Reporter) *Executor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		tick:     cfg.Tick,
		clock:    cfg.Clock,
		step:     cfg.Step,
		reporter: reporter,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Launch 啟動任務
//
// 返回值：
//   - error: Executor 已關閉時返回 ErrExecutorStopped，此時不會呼叫 Finish
func (e *Executor) Launch(task Task) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	e.active++
	e.wg.Add(1)
	e.mu.Unlock()

	w := &worker{
		task:     task,
		started:  e.clock.Now(),
		ticker:   e.clock.NewTicker(e.tick),
		clock:    e.clock,
		step:     e.step,
		reporter: e.reporter,
	}

	log.Debug("Job launched", "jobID", task.JobID, "ticks", task.Ticks)

	go func() {
		defer e.wg.Done()
		defer e.done()
		w.run(e.ctx)
	}()
	return nil
}

func (e *Executor) done() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
}

// Stop 取消所有執行中的任務並等待它們回報；重複呼叫無副作用
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Wait 等待目前所有任務結束，不取消任務
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Active 執行中的任務數
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Tick 每個模擬秒的長度
func (e *Executor) Tick() time.Duration {
	return e.tick
}
