// ============================================================================
// Schedula 排程器 - 系統核心協調器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 接收任務、選擇節點、啟動模擬執行、處理取消與狀態查詢
//
// 架構設計:
//   協調以下組件：
//   - JobManager: 任務表與排隊佇列（QUEUED/RUNNING/COMPLETED/FAILED/CANCELLED）
//   - cluster.Pool: 每個 GPU 節點的資源帳本與使用率歷史
//   - worker.Executor: 每個執行中任務一個 goroutine
//   - Recorder / EventSink: 指標與狀態轉換日誌
//
// 配置流程 (ScheduleOnce):
//   1. 取得所有 QUEUED 任務的快照
//   2. 排序：priority 高 -> runtime（largest-first / shortest-first）-> 提交順序
//   3. 依序為每個任務按 ranking 嘗試節點，第一個 Allocate 成功的節點即採用
//   4. 成功：出列、RUNNING、Launch；失敗：留在佇列等下一輪
//   單次掃描，不回溯。
//
// 驅動循環 (Run):
//   - 每 interval 跑一次 ScheduleOnce
//   - 提交或任務結束時 Kick，提前跑一次（trigger_on_events）
//
// 並發安全:
//   - mu 串行化所有修改：佇列、任務表、節點計數、歷史、任務狀態
//   - 鎖順序: Scheduler.mu -> JobManager.mu -> Pool.mu -> Job.mu
//   - Executor 回報 Progress/Finish 時不持鎖，回報內再取 mu
//
// 資源釋放:
//   執行中任務被取消時只改狀態並送出取消訊號；資源一律在 Finish 釋放，
//   取消延遲最多一個 tick。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/schedula/internal/cluster"
	"github.com/ChuLiYu/schedula/internal/jobmanager"
	"github.com/ChuLiYu/schedula/internal/worker"
	"github.com/ChuLiYu/schedula/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidDemand 提交請求不合法，任務不會進入佇列
	ErrInvalidDemand = jobmanager.ErrInvalidDemand
	// ErrNotFound 任務不存在
	ErrNotFound = jobmanager.ErrJobNotFound
	// ErrStopped 排程器已關閉
	ErrStopped = errors.New("scheduler is stopped")
	// ErrNoPools 沒有任何節點
	ErrNoPools = errors.New("at least one pool is required")
	// ErrDuplicatePool 節點 ID 重複
	ErrDuplicatePool = errors.New("duplicate pool id")
)

// DefaultInterval 驅動循環的預設週期
const DefaultInterval = time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 排程器配置
type Config struct {
	Interval        time.Duration    // 週期性配置間隔，0 代表 DefaultInterval
	Tick            time.Duration    // 每個模擬秒的長度，0 代表 worker.DefaultTick
	TieBreak        TieBreak         // 同優先權排序方向
	Ranking         cluster.Ranking  // 節點嘗試順序
	TriggerOnEvents bool             // 提交與結束時提前配置
	Step            worker.StepFunc  // 每個 tick 的模擬工作（故障注入）
	Clock           clock.WithTicker // nil 代表系統時鐘
	Recorder        Recorder         // nil 代表不記錄
	Events          EventSink        // nil 代表不記錄
}

// Scheduler 排程器
type Scheduler struct {
	mu       sync.Mutex
	jobs     *jobmanager.JobManager
	pools    []*cluster.Pool
	poolByID map[string]*cluster.Pool
	exec     *worker.Executor

	cfg      Config
	clock    clock.WithTicker
	recorder Recorder
	events   EventSink

	kick     chan struct{}
	done     chan struct{}
	stopped  bool
	stopOnce sync.Once
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立排程器
//
// 參數：
//   - cfg: 排程器配置
//   - pools: 叢集節點，順序即 ranking 平手時的順序
//
// 返回值：
//   - *Scheduler: 排程器實例
//   - error: ErrNoPools / ErrDuplicatePool / 不合法的 tie break 或 ranking
func New(cfg Config, pools []*cluster.Pool) (*Scheduler, error) {
	if len(pools) == 0 {
		return nil, ErrNoPools
	}
	byID := make(map[string]*cluster.Pool, len(pools))
	for _, p := range pools {
		if _, dup := byID[p.ID()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePool, p.ID())
		}
		byID[p.ID()] = p
	}

	tb, err := ParseTieBreak(string(cfg.TieBreak))
	if err != nil {
		return nil, err
	}
	cfg.TieBreak = tb
	rk, err := cluster.ParseRanking(string(cfg.Ranking))
	if err != nil {
		return nil, err
	}
	cfg.Ranking = rk
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Scheduler{
		jobs:     jobmanager.NewJobManager(cfg.Clock),
		pools:    append([]*cluster.Pool(nil), pools...),
		poolByID: byID,
		cfg:      cfg,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
		events:   cfg.Events,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.events == nil {
		s.events = nopSink{}
	}
	s.exec = worker.NewExecutor(worker.Config{Tick: cfg.Tick, Clock: cfg.Clock, Step: cfg.Step}, s)

	s.mu.Lock()
	s.observeLocked()
	s.mu.Unlock()
	return s, nil
}

// Submit 驗證並加入佇列
//
// 返回值：
//   - types.JobID: 新任務 ID
//   - error: ErrInvalidDemand（需求不合法或沒有任何單一節點容得下）/ ErrStopped
func (s *Scheduler) Submit(spec types.JobSpec) (types.JobID, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	job, err := s.submitLocked(spec)
	s.mu.Unlock()

	if err != nil {
		log.Info("Job rejected", "error", err)
		return "", err
	}
	log.Info("Job submitted",
		"jobID", job.ID(),
		"demand", job.Demand().String(),
		"runtime", job.RuntimeSeconds(),
		"priority", job.Priority(),
		"owner", job.Owner())

	if s.cfg.TriggerOnEvents {
		s.Kick()
	}
	return job.ID(), nil
}

func (s *Scheduler) submitLocked(spec types.JobSpec) (*jobmanager.Job, error) {
	if err := jobmanager.ValidateSpec(spec); err != nil {
		s.recorder.Rejected()
		return nil, err
	}
	if d := spec.Demand(); !s.fitsAnyLocked(d) {
		s.recorder.Rejected()
		return nil, fmt.Errorf("%w: %s exceeds the capacity of every node", ErrInvalidDemand, d)
	}

	job, tr, err := s.jobs.Submit(spec)
	if err != nil {
		s.recorder.Rejected()
		return nil, err
	}
	s.events.Record(tr)
	s.recorder.Submitted()
	s.recorder.QueueLength(s.jobs.QueueLength())
	return job, nil
}

func (s *Scheduler) fitsAnyLocked(d types.Demand) bool {
	for _, p := range s.pools {
		if p.Fits(d) {
			return true
		}
	}
	return false
}

// ScheduleOnce 執行一次配置
//
// 返回值：
//   - int: 本輪成功配置的任務數
func (s *Scheduler) ScheduleOnce() int {
	start := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	candidates := s.jobs.Queued()
	s.cfg.TieBreak.Sort(candidates)

	placed := 0
	for _, job := range candidates {
		if s.placeLocked(job) {
			placed++
		}
	}

	took := s.clock.Since(start)
	s.recorder.PassCompleted(placed, took)
	s.observeLocked()
	if placed > 0 {
		log.Debug("Placement pass", "placed", placed, "queued", s.jobs.QueueLength(), "duration", took)
	}
	return placed
}

// placeLocked 依 ranking 嘗試每個節點，第一個成功的即採用
func (s *Scheduler) placeLocked(job *jobmanager.Job) bool {
	for _, pool := range s.cfg.Ranking.Order(s.pools) {
		if !pool.CanAllocate(job.Demand()) {
			continue
		}
		if !pool.Allocate(job) {
			continue
		}

		s.transitionLocked(job, types.StateRunning)
		st := job.Status()
		wait := time.Duration(0)
		if st.StartedAt != nil {
			wait = st.StartedAt.Sub(st.SubmittedAt)
		}
		s.recorder.Placed(pool.ID(), wait)

		err := s.exec.Launch(worker.Task{
			JobID:  job.ID(),
			Ticks:  job.RuntimeSeconds(),
			Cancel: job.CancelSignal(),
		})
		if err != nil {
			// Executor 已關閉：立即歸還資源
			pool.Release(job)
			s.transitionLocked(job, types.StateCancelled)
			log.Warn("Launch refused", "jobID", job.ID(), "error", err)
			return false
		}

		log.Info("Job placed", "jobID", job.ID(), "node", pool.ID(), "wait", wait)
		return true
	}
	return false
}

// Cancel 取消任務
//
// 返回值：
//   - false: 任務不存在
//   - true: QUEUED 任務直接取消；RUNNING 任務改為 CANCELLED 並送出取消訊號；
//     已結束的任務不變
func (s *Scheduler) Cancel(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs.Get(id)
	if job == nil {
		return false
	}

	switch job.State() {
	case types.StateQueued:
		s.transitionLocked(job, types.StateCancelled)
		s.recorder.QueueLength(s.jobs.QueueLength())
		log.Info("Queued job cancelled", "jobID", id)
	case types.StateRunning:
		s.transitionLocked(job, types.StateCancelled)
		job.RequestCancel()
		log.Info("Running job cancelled", "jobID", id, "node", job.AssignedNode())
	default:
		// 已結束
	}
	return true
}

// Job 查詢單一任務
func (s *Scheduler) Job(id types.JobID) (types.JobStatus, error) {
	job, err := s.jobs.Lookup(id)
	if err != nil {
		return types.JobStatus{}, err
	}
	return job.Status(), nil
}

// AllJobs 所有任務，依提交順序
func (s *Scheduler) AllJobs() []types.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobStatusesLocked()
}

// QueueLength 排隊中任務數
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.QueueLength()
}

// Status 整個叢集的一致快照
func (s *Scheduler) Status() types.ClusterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	pools := make([]types.PoolStatus, len(s.pools))
	for i, p := range s.pools {
		pools[i] = p.Status()
	}
	return types.ClusterStatus{
		GeneratedAt: s.clock.Now(),
		Pools:       pools,
		Jobs:        s.jobStatusesLocked(),
		QueueLength: s.jobs.QueueLength(),
	}
}

func (s *Scheduler) jobStatusesLocked() []types.JobStatus {
	all := s.jobs.All()
	out := make([]types.JobStatus, len(all))
	for i, job := range all {
		out[i] = job.Status()
	}
	return out
}

// Pools 叢集節點，依註冊順序
func (s *Scheduler) Pools() []*cluster.Pool {
	return append([]*cluster.Pool(nil), s.pools...)
}

// ============================================================================
// 驅動循環
// ============================================================================

// Kick 要求驅動循環盡快再跑一次配置，不阻塞
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run 啟動驅動循環，直到 ctx 結束或 Stop
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info("Scheduler started",
		"pools", len(s.pools),
		"interval", s.cfg.Interval,
		"tieBreak", s.cfg.TieBreak,
		"ranking", s.cfg.Ranking)

	s.ScheduleOnce()
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler loop stopped")
			return nil
		case <-s.done:
			log.Info("Scheduler loop stopped")
			return nil
		case <-ticker.C():
			s.ScheduleOnce()
		case <-s.kick:
			s.ScheduleOnce()
		}
	}
}

// Stop 拒絕新提交、取消所有執行中任務並等待資源全部歸還；重複呼叫無副作用
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.done)
		cancelled := 0
		for _, job := range s.jobs.All() {
			if job.State() == types.StateRunning {
				s.transitionLocked(job, types.StateCancelled)
				job.RequestCancel()
				cancelled++
			}
		}
		s.mu.Unlock()

		// Finish 需要 mu，必須在鎖外等待
		s.exec.Stop()
		log.Info("Scheduler stopped", "cancelled", cancelled, "queued", s.QueueLength())
	})
}

// ============================================================================
// worker.Reporter 實作
// ============================================================================

// Progress 每個 tick 更新進度並記錄節點使用率
func (s *Scheduler) Progress(id types.JobID, tick int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs.Get(id)
	if job == nil {
		return
	}
	job.SetProgress(tick)
	if pool := s.poolByID[job.AssignedNode()]; pool != nil {
		pool.RecordSample()
	}
	log.Debug("Job progress", "jobID", id, "tick", tick, "runtime", job.RuntimeSeconds())
}

// Finish 歸還資源並完成狀態轉換
func (s *Scheduler) Finish(result worker.Result) {
	s.mu.Lock()

	job := s.jobs.Get(result.JobID)
	if job == nil {
		s.mu.Unlock()
		log.Warn("Unknown job", "jobID", result.JobID)
		return
	}
	job.SetProgress(result.Ticks)
	if pool := s.poolByID[job.AssignedNode()]; pool != nil {
		pool.Release(job)
	}

	state := job.State()
	if state == types.StateRunning {
		switch result.Outcome {
		case worker.OutcomeCompleted:
			state = types.StateCompleted
		case worker.OutcomeFailed:
			job.SetError(result.Error)
			state = types.StateFailed
		default:
			state = types.StateCancelled
		}
		s.transitionLocked(job, state)
	}
	s.observeLocked()
	s.mu.Unlock()

	switch state {
	case types.StateFailed:
		log.Error("Job failed", "jobID", job.ID(), "node", job.AssignedNode(), "error", result.Error)
	default:
		log.Info("Job finished",
			"jobID", job.ID(),
			"node", job.AssignedNode(),
			"state", state,
			"duration", result.Duration)
	}

	if s.cfg.TriggerOnEvents {
		s.Kick()
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (s *Scheduler) transitionLocked(job *jobmanager.Job, to types.JobState) {
	tr := s.jobs.Transition(job, to)
	s.events.Record(tr)
	if to.Terminal() {
		s.recorder.Finished(to)
	}
}

func (s *Scheduler) observeLocked() {
	s.recorder.QueueLength(s.jobs.QueueLength())
	for _, p := range s.pools {
		s.recorder.PoolUsage(p.ID(), p.Used())
	}
}
