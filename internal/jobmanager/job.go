package jobmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// legalTransitions 列出狀態機允許的所有轉換
//
//	QUEUED  -> RUNNING | CANCELLED
//	RUNNING -> COMPLETED | FAILED | CANCELLED
var legalTransitions = map[types.JobState][]types.JobState{
	types.StateQueued:  {types.StateRunning, types.StateCancelled},
	types.StateRunning: {types.StateCompleted, types.StateFailed, types.StateCancelled},
}

// CanTransition 回報 from -> to 是否合法
func CanTransition(from, to types.JobState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job 任務實體：不可變的資源需求 + 可變的生命週期狀態
//
// 只有 Scheduler 與 Execution Supervisor 會修改 Job；外部只能透過 Status() 取得副本。
type Job struct {
	id       types.JobID
	demand   types.Demand
	runtime  int // 模擬執行秒數（tick 數）
	priority int
	owner    string
	seq      uint64 // 提交順序，排序時作為最後的 tie-break

	mu           sync.RWMutex
	state        types.JobState
	assignedNode string
	submittedAt  time.Time
	startedAt    *time.Time
	endedAt      *time.Time
	progress     int
	errMsg       string

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newJob(id types.JobID, spec types.JobSpec, seq uint64, now time.Time) *Job {
	priority := types.DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	owner := spec.Owner
	if owner == "" {
		owner = types.DefaultOwner
	}
	return &Job{
		id:          id,
		demand:      spec.Demand(),
		runtime:     spec.RuntimeSeconds,
		priority:    priority,
		owner:       owner,
		seq:         seq,
		state:       types.StateQueued,
		submittedAt: now,
		cancelCh:    make(chan struct{}),
	}
}

// ID 任務識別碼
func (j *Job) ID() types.JobID { return j.id }

// Demand 資源需求
func (j *Job) Demand() types.Demand { return j.demand }

// RuntimeSeconds 模擬執行時間
func (j *Job) RuntimeSeconds() int { return j.runtime }

// Priority 優先權，數值越大越先排程
func (j *Job) Priority() int { return j.priority }

// Owner 擁有者標籤
func (j *Job) Owner() string { return j.owner }

// Seq 提交順序
func (j *Job) Seq() uint64 { return j.seq }

// State 目前狀態
func (j *Job) State() types.JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// AssignedNode 配置到的節點，尚未配置時為空字串
func (j *Job) AssignedNode() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.assignedNode
}

// MarkAllocated 由節點在 Allocate 成功時呼叫
func (j *Job) MarkAllocated(node string, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.assignedNode = node
	j.startedAt = &at
}

// MarkReleased 由節點在 Release 時呼叫
func (j *Job) MarkReleased(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.endedAt = &at
}

// SetProgress 記錄已經跑完的 tick 數
func (j *Job) SetProgress(ticks int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = ticks
}

// SetError 記錄執行失敗原因
func (j *Job) SetError(err error) {
	if err == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errMsg = err.Error()
}

// RequestCancel 發出取消訊號，重複呼叫無副作用
func (j *Job) RequestCancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

// CancelSignal 取消訊號；Execution Supervisor 在每個 tick 檢查
func (j *Job) CancelSignal() <-chan struct{} {
	return j.cancelCh
}

// transition 執行狀態轉換，非法轉換代表排程器有 bug，直接 panic
func (j *Job) transition(to types.JobState, at time.Time) types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()

	from := j.state
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("jobmanager: illegal transition %s -> %s for job %s", from, to, j.id))
	}
	j.state = to
	if to == types.StateCancelled && from == types.StateQueued {
		j.endedAt = &at
	}
	return from
}

// Status 產生唯讀快照
func (j *Job) Status() types.JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return types.JobStatus{
		ID:              j.id,
		MemoryRequest:   j.demand.Memory,
		CoreRequest:     j.demand.Cores,
		RuntimeSeconds:  j.runtime,
		Priority:        j.priority,
		Owner:           j.owner,
		State:           j.state,
		AssignedNode:    j.assignedNode,
		ProgressSeconds: j.progress,
		SubmittedAt:     j.submittedAt,
		StartedAt:       copyTime(j.startedAt),
		EndedAt:         copyTime(j.endedAt),
		Error:           j.errMsg,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(%s, %s, rt=%d, prio=%d, state=%s)", j.id, j.demand, j.runtime, j.priority, j.State())
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
