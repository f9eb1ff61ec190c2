// ============================================================================
// Schedula ResourcePool - GPU Node Resource Accounting
// ============================================================================
//
// Package: internal/cluster
// File: pool.go
// Function: One simulated GPU node with a fixed memory/core capacity
//
// Accounting rule:
//   available = total - sum(demand of every job in running)
//   The rule is checked after each Allocate/Release; a mismatch means the
//   scheduler corrupted the books and the process panics.
//
// Concurrency:
//   Every method takes the pool's own RWMutex, so competing placement passes
//   calling Allocate on the same pool cannot both win the last slot.
//   The scheduler additionally serializes all calls under its own lock
//   (lock order: scheduler -> pool -> job).
//
// History:
//   A (time, used_memory, used_cores) sample is appended after each
//   Allocate/Release and on every simulated tick of a running job, bounded to
//   the most recent N samples.
//
// ============================================================================

package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/schedula/pkg/types"
)

var (
	// ErrInvalidCapacity non-positive pool capacity
	ErrInvalidCapacity = errors.New("pool capacity must be positive")
	// ErrEmptyPoolID pool created without an id
	ErrEmptyPoolID = errors.New("pool id is required")
)

// Allocatable is what a pool needs to know about a job it hosts.
type Allocatable interface {
	ID() types.JobID
	Demand() types.Demand
	// MarkAllocated stamps the hosting node and start time on the job.
	MarkAllocated(node string, at time.Time)
	// MarkReleased stamps the end time on the job.
	MarkReleased(at time.Time)
}

// PoolConfig describes a node at cluster bring-up.
type PoolConfig struct {
	ID          string
	Memory      int64
	Cores       int64
	HistorySize int                // 0 means DefaultHistorySize
	Clock       clock.PassiveClock // nil means the real clock
}

// Pool is a single GPU node.
type Pool struct {
	id    string
	total types.Demand
	clock clock.PassiveClock

	mu        sync.RWMutex
	available types.Demand
	running   map[types.JobID]Allocatable
	history   *history
}

// NewPool creates a node with full availability.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.ID == "" {
		return nil, ErrEmptyPoolID
	}
	total := types.Demand{Memory: cfg.Memory, Cores: cfg.Cores}
	if !total.Positive() {
		return nil, fmt.Errorf("%w: pool %s has %s", ErrInvalidCapacity, cfg.ID, total)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Pool{
		id:        cfg.ID,
		total:     total,
		clock:     clk,
		available: total,
		running:   make(map[types.JobID]Allocatable),
		history:   newHistory(cfg.HistorySize),
	}, nil
}

// ID returns the node id.
func (p *Pool) ID() string { return p.id }

// Total returns the fixed capacity.
func (p *Pool) Total() types.Demand { return p.total }

// Available returns the currently free resources.
func (p *Pool) Available() types.Demand {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// Used returns total minus available.
func (p *Pool) Used() types.Demand {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total.Sub(p.available)
}

// Fits reports whether d could ever run on this node.
func (p *Pool) Fits(d types.Demand) bool {
	return d.FitsIn(p.total)
}

// CanAllocate reports whether d fits the free resources right now.
func (p *Pool) CanAllocate(d types.Demand) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return d.FitsIn(p.available)
}

// Allocate reserves the job's demand on this node. It returns false and
// changes nothing if the demand does not fit or the job is already hosted.
func (p *Pool) Allocate(job Allocatable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.running[job.ID()]; exists {
		return false
	}
	d := job.Demand()
	if !d.FitsIn(p.available) {
		return false
	}

	now := p.clock.Now()
	p.available = p.available.Sub(d)
	p.running[job.ID()] = job
	job.MarkAllocated(p.id, now)
	p.sampleLocked(now)
	p.checkBalanceLocked()
	return true
}

// Release returns the job's demand to the node. Releasing a job that is not
// hosted here is a no-op that returns false.
func (p *Pool) Release(job Allocatable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hosted, exists := p.running[job.ID()]
	if !exists {
		return false
	}

	now := p.clock.Now()
	delete(p.running, job.ID())
	p.available = p.available.Add(hosted.Demand())
	hosted.MarkReleased(now)
	p.sampleLocked(now)
	p.checkBalanceLocked()
	return true
}

// RecordSample appends the current utilization to the history.
func (p *Pool) RecordSample() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleLocked(p.clock.Now())
}

// RunningJobIDs returns hosted job ids in sorted order.
func (p *Pool) RunningJobIDs() []types.JobID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runningIDsLocked()
}

// Allocated sums the demand of every hosted job.
func (p *Pool) Allocated() types.Demand {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allocatedLocked()
}

// History returns the utilization samples, oldest first.
func (p *Pool) History() []types.UtilizationSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.history.list()
}

// Status returns a consistent snapshot of the node.
func (p *Pool) Status() types.PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.PoolStatus{
		ID:                 p.id,
		TotalMemory:        p.total.Memory,
		TotalCores:         p.total.Cores,
		AvailableMemory:    p.available.Memory,
		AvailableCores:     p.available.Cores,
		RunningJobIDs:      p.runningIDsLocked(),
		UtilizationHistory: p.history.list(),
	}
}

func (p *Pool) String() string {
	avail := p.Available()
	return fmt.Sprintf("Pool(%s, free_mem=%d, free_cores=%d)", p.id, avail.Memory, avail.Cores)
}

func (p *Pool) sampleLocked(at time.Time) {
	used := p.total.Sub(p.available)
	p.history.append(types.UtilizationSample{At: at, UsedMemory: used.Memory, UsedCores: used.Cores})
}

func (p *Pool) runningIDsLocked() []types.JobID {
	ids := make([]types.JobID, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Pool) allocatedLocked() types.Demand {
	var sum types.Demand
	for _, job := range p.running {
		sum = sum.Add(job.Demand())
	}
	return sum
}

func (p *Pool) checkBalanceLocked() {
	if p.available.Add(p.allocatedLocked()) != p.total ||
		p.available.Memory < 0 || p.available.Cores < 0 {
		panic(fmt.Sprintf("cluster: pool %s out of balance: total=%s available=%s allocated=%s",
			p.id, p.total, p.available, p.allocatedLocked()))
	}
}
