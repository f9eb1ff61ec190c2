package scheduler

import (
	"time"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// Recorder 接收排程器的統計事件，由 metrics.Collector 實作
//
// 所有方法都在排程器鎖內呼叫，實作不可回呼 Scheduler。
type Recorder interface {
	Submitted()
	Rejected()
	Placed(node string, wait time.Duration)
	Finished(state types.JobState)
	PassCompleted(placed int, took time.Duration)
	QueueLength(n int)
	PoolUsage(node string, used types.Demand)
}

// EventSink 接收每一次狀態轉換，由 journal.Journal 實作
type EventSink interface {
	Record(tr types.Transition)
}

type nopRecorder struct{}

func (nopRecorder) Submitted() {}
func (nopRecorder) Rejected() {}
func (nopRecorder) Placed(string, time.Duration) {}
func (nopRecorder) Finished(types.JobState) {}
func (nopRecorder) PassCompleted(int, time.Duration) {}
func (nopRecorder) QueueLength(int) {}
func (nopRecorder) PoolUsage(string, types.Demand) {}

type nopSink struct{}

func (nopSink) Record(types.Transition) {}
