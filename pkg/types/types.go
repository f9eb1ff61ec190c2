// Package types 定義了 schedula 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobState 任務生命週期狀態
type JobState string

// 定義任務狀態常數
const (
	StateQueued    JobState = "QUEUED"    // 已提交，等待配置節點
	StateRunning   JobState = "RUNNING"   // 已配置節點，模擬執行中
	StateCompleted JobState = "COMPLETED" // 執行時間跑完
	StateFailed    JobState = "FAILED"    // 執行期間發生非預期錯誤
	StateCancelled JobState = "CANCELLED" // 使用者取消（排隊中或執行中）
)

// AllStates 依生命週期順序列出所有狀態
var AllStates = []JobState{StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled}

// Terminal 回報狀態是否為終止狀態
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// DefaultPriority 未指定優先權時使用的預設值
const DefaultPriority = 1

// DefaultOwner 未指定擁有者時使用的標籤
const DefaultOwner = "user"

// Demand 任務對單一節點的資源需求（記憶體 MB、運算核心數）
//
// 新增資源維度時只需擴充這個結構與下列方法，排程器與節點都透過這些方法比較資源。
type Demand struct {
	Memory int64 `json:"memory"`
	Cores  int64 `json:"cores"`
}

// Positive 所有維度皆大於零
func (d Demand) Positive() bool {
	return d.Memory > 0 && d.Cores > 0
}

// FitsIn 回報 d 是否能放進 capacity
func (d Demand) FitsIn(capacity Demand) bool {
	return d.Memory <= capacity.Memory && d.Cores <= capacity.Cores
}

// Add 逐維度相加
func (d Demand) Add(o Demand) Demand {
	return Demand{Memory: d.Memory + o.Memory, Cores: d.Cores + o.Cores}
}

// Sub 逐維度相減
func (d Demand) Sub(o Demand) Demand {
	return Demand{Memory: d.Memory - o.Memory, Cores: d.Cores - o.Cores}
}

func (d Demand) String() string {
	return fmt.Sprintf("mem=%d cores=%d", d.Memory, d.Cores)
}

// JobSpec 任務提交請求，由外部呈現層建立
type JobSpec struct {
	MemoryRequest  int64  `json:"memory_request"`
	CoreRequest    int64  `json:"core_request"`
	RuntimeSeconds int    `json:"runtime_seconds"`
	Priority       *int   `json:"priority,omitempty"` // nil 代表使用 DefaultPriority
	Owner          string `json:"owner"`
}

// Demand 取得提交請求的資源需求
func (s JobSpec) Demand() Demand {
	return Demand{Memory: s.MemoryRequest, Cores: s.CoreRequest}
}

// JobStatus 任務的唯讀快照，提供給狀態查詢
type JobStatus struct {
	ID              JobID      `json:"id"`
	MemoryRequest   int64      `json:"memory_request"`
	CoreRequest     int64      `json:"core_request"`
	RuntimeSeconds  int        `json:"runtime_seconds"`
	Priority        int        `json:"priority"`
	Owner           string     `json:"owner"`
	State           JobState   `json:"state"`
	AssignedNode    string     `json:"assigned_node,omitempty"`
	ProgressSeconds int        `json:"progress_seconds"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	Error           string     `json:"error,omitempty"`
}

// UtilizationSample 節點在某一時間點的已使用資源
//
// JSON 格式為 [unix 秒數, used_memory, used_cores]，與原本的圖表資料格式一致。
type UtilizationSample struct {
	At         time.Time
	UsedMemory int64
	UsedCores  int64
}

// MarshalJSON 將取樣編碼為三元組
func (s UtilizationSample) MarshalJSON() ([]byte, error) {
	ts := float64(s.At.UnixNano()) / float64(time.Second)
	return json.Marshal([3]interface{}{ts, s.UsedMemory, s.UsedCores})
}

// UnmarshalJSON 解碼 [ts, mem, cores] 三元組
func (s *UtilizationSample) UnmarshalJSON(data []byte) error {
	var raw [3]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("utilization sample: %w", err)
	}
	sec := int64(raw[0])
	nsec := int64((raw[0] - float64(sec)) * float64(time.Second))
	s.At = time.Unix(sec, nsec)
	s.UsedMemory = int64(raw[1])
	s.UsedCores = int64(raw[2])
	return nil
}

// PoolStatus 節點的唯讀快照
type PoolStatus struct {
	ID                 string              `json:"id"`
	TotalMemory        int64               `json:"total_memory"`
	TotalCores         int64               `json:"total_cores"`
	AvailableMemory    int64               `json:"available_memory"`
	AvailableCores     int64               `json:"available_cores"`
	RunningJobIDs      []JobID             `json:"running_job_ids"`
	UtilizationHistory []UtilizationSample `json:"utilization_history"`
}

// ClusterStatus 整個叢集在單一時間點的一致快照
type ClusterStatus struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Pools       []PoolStatus `json:"pools"`
	Jobs        []JobStatus  `json:"jobs"`
	QueueLength int          `json:"queue_length"`
}

// Counts 依狀態統計任務數
func (c ClusterStatus) Counts() map[JobState]int {
	counts := make(map[JobState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	for _, j := range c.Jobs {
		counts[j.State]++
	}
	return counts
}

// Transition 一次狀態轉換紀錄，From 為空代表任務剛提交
type Transition struct {
	JobID JobID     `json:"job_id"`
	From  JobState  `json:"from,omitempty"`
	To    JobState  `json:"to"`
	Node  string    `json:"node,omitempty"`
	At    time.Time `json:"at"`
}
