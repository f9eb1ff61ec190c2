// ============================================================================
// Schedula 任務管理器 - 任務表與排隊佇列
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源，任務永遠不刪除
//   2. queue - 依提交順序排列的 QUEUED 任務
//   3. order - 所有任務的提交順序，供狀態查詢輸出
//
// 任務狀態轉換 (State Machine):
//   QUEUED (排隊中)
//      ↓ Transition(RUNNING)         ↓ Transition(CANCELLED)
//   RUNNING (執行中)                 CANCELLED
//      ↓ COMPLETED / FAILED / CANCELLED
//
// 狀態轉換規則:
//   - 只能往前走，其他轉換一律 panic（代表排程器有 bug）
//   - 離開 QUEUED 時自動從 queue 移除，確保 queue 內只有 QUEUED 任務
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 jobs / queue / order
//   - 鎖順序: Scheduler.mu -> JobManager.mu -> Job.mu
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidDemand 資源需求或執行時間不合法
	ErrInvalidDemand = errors.New("invalid demand")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// idLength 任務 ID 取 UUID 前幾個字元
const idLength = 8

// JobManager 任務表 + 排隊佇列
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*Job // 所有任務
	queue []*Job               // QUEUED 任務，依提交順序
	order []*Job               // 所有任務，依提交順序
	seq   uint64

	clock clock.PassiveClock
	newID func() types.JobID
}

// NewJobManager 建立新的任務管理器；clk 為 nil 時使用系統時鐘
func NewJobManager(clk clock.PassiveClock) *JobManager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &JobManager{
		jobs:  make(map[types.JobID]*Job),
		queue: make([]*Job, 0),
		order: make([]*Job, 0),
		clock: clk,
		newID: randomID,
	}
}

func randomID() types.JobID {
	return types.JobID(uuid.NewString()[:idLength])
}

// ValidateSpec 檢查提交請求本身是否合法（與叢集容量無關）
func ValidateSpec(spec types.JobSpec) error {
	if spec.MemoryRequest <= 0 {
		return fmt.Errorf("%w: memory_request must be positive, got %d", ErrInvalidDemand, spec.MemoryRequest)
	}
	if spec.CoreRequest <= 0 {
		return fmt.Errorf("%w: core_request must be positive, got %d", ErrInvalidDemand, spec.CoreRequest)
	}
	if spec.RuntimeSeconds <= 0 {
		return fmt.Errorf("%w: runtime_seconds must be positive, got %d", ErrInvalidDemand, spec.RuntimeSeconds)
	}
	if spec.Priority != nil && *spec.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0, got %d", ErrInvalidDemand, *spec.Priority)
	}
	return nil
}

// Submit 驗證請求、建立任務並加入佇列
//
// 返回值：
//   - *Job: 狀態為 QUEUED 的新任務
//   - types.Transition: 提交紀錄（From 為空）
//   - error: ErrInvalidDemand
func (jm *JobManager) Submit(spec types.JobSpec) (*Job, types.Transition, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, types.Transition{}, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	// UUID 前綴可能碰撞，碰撞時重新產生
	id := jm.newID()
	for jm.jobs[id] != nil {
		id = jm.newID()
	}

	now := jm.clock.Now()
	jm.seq++
	job := newJob(id, spec, jm.seq, now)
	jm.jobs[id] = job
	jm.queue = append(jm.queue, job)
	jm.order = append(jm.order, job)

	return job, types.Transition{JobID: id, To: types.StateQueued, At: now}, nil
}

// Transition 轉換任務狀態並維護佇列
//
// 非法轉換會 panic。
func (jm *JobManager) Transition(job *Job, to types.JobState) types.Transition {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.clock.Now()
	from := job.transition(to, now)
	if from == types.StateQueued {
		jm.removeQueuedLocked(job.ID())
	}
	return types.Transition{JobID: job.ID(), From: from, To: to, Node: job.AssignedNode(), At: now}
}

func (jm *JobManager) removeQueuedLocked(id types.JobID) {
	for i, j := range jm.queue {
		if j.ID() == id {
			jm.queue = append(jm.queue[:i], jm.queue[i+1:]...)
			return
		}
	}
}

// Queued 取得排隊中任務的副本，依提交順序
func (jm *JobManager) Queued() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]*Job, len(jm.queue))
	copy(out, jm.queue)
	return out
}

// Get 取得任務，不存在時回傳 nil
func (jm *JobManager) Get(id types.JobID) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[id]
}

// Lookup 取得任務，不存在時回傳 ErrJobNotFound
func (jm *JobManager) Lookup(id types.JobID) (*Job, error) {
	if job := jm.Get(id); job != nil {
		return job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// All 所有任務，依提交順序
func (jm *JobManager) All() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]*Job, len(jm.order))
	copy(out, jm.order)
	return out
}

// QueueLength 排隊中任務數
func (jm *JobManager) QueueLength() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue)
}

// Stats 各狀態任務數
func (jm *JobManager) Stats() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobState]int, len(types.AllStates))
	for _, s := range types.AllStates {
		stats[s] = 0
	}
	for _, job := range jm.order {
		stats[job.State()]++
	}
	return stats
}
