package journal

import (
	"time"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: one line per job state transition
// ============================================================================

// Entry represents one journal record
type Entry struct {
	Seq       uint64         `json:"seq"`            // Sequence number (monotonically increasing)
	JobID     types.JobID    `json:"job_id"`         // Job the transition belongs to
	From      types.JobState `json:"from,omitempty"` // Empty for the submission record
	To        types.JobState `json:"to"`             // New state
	Node      string         `json:"node,omitempty"` // Assigned node, if any
	Timestamp int64          `json:"timestamp"`      // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`       // CRC32 checksum
}

// Transition converts the entry back to the scheduler's transition record
func (e Entry) Transition() types.Transition {
	return types.Transition{
		JobID: e.JobID,
		From:  e.From,
		To:    e.To,
		Node:  e.Node,
		At:    time.UnixMilli(e.Timestamp),
	}
}

// Handler processes entries during Replay; returning an error stops the replay
type Handler func(entry Entry) error
