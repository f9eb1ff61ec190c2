package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/schedula/internal/cli"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/pkg/types"
)

// 展示用的工作負載：同優先權的兩個大任務、一個高優先權任務、
// 一個超過任何節點容量的任務，以及一個提交後立即取消的任務
func demoWorkload() []types.JobSpec {
	high := 5
	return []types.JobSpec{
		{MemoryRequest: 8000, CoreRequest: 4, RuntimeSeconds: 6, Owner: "alice"},
		{MemoryRequest: 8000, CoreRequest: 4, RuntimeSeconds: 4, Owner: "bob"},
		{MemoryRequest: 10000, CoreRequest: 4, RuntimeSeconds: 3, Priority: &high, Owner: "carol"},
		{MemoryRequest: 4000, CoreRequest: 2, RuntimeSeconds: 5, Owner: "dave"},
		{MemoryRequest: 20000, CoreRequest: 2, RuntimeSeconds: 3, Owner: "mallory"},
	}
}

func main() {
	configPath := flag.String("config", cli.DefaultConfigPath, "config file path")
	tick := flag.Duration("tick", 200*time.Millisecond, "length of one simulated second")
	flag.Parse()

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Using built-in defaults: %v", err)
		cfg = cli.DefaultConfig()
	}
	cfg.Scheduler.Tick = *tick

	pools, err := cfg.Pools()
	if err != nil {
		log.Fatalf("Failed to create pools: %v", err)
	}
	s, err := scheduler.New(cfg.SchedulerConfig(), pools)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	fmt.Printf("✓ Scheduler started with %d nodes (tick: %s)\n\n", len(pools), *tick)

	var ids []types.JobID
	for _, spec := range demoWorkload() {
		id, err := s.Submit(spec)
		if err != nil {
			fmt.Printf("✗ %-8s rejected: %v\n", spec.Owner, err)
			continue
		}
		fmt.Printf("✓ %-8s submitted %s (%s, %ds)\n", spec.Owner, id, spec.Demand(), spec.RuntimeSeconds)
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		last := ids[len(ids)-1]
		s.Cancel(last)
		fmt.Printf("✓ cancelled %s\n", last)
	}
	fmt.Println()

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-ticker.C:
			st := s.Status()
			printSnapshot(st)
			if allTerminal(st) {
				fmt.Println("\n✓ All jobs finished")
				break loop
			}
		}
	}

	stop()
	s.Stop()
	if err := <-done; err != nil {
		log.Printf("Scheduler loop error: %v", err)
	}
	printSummary(s.Status())
}

func allTerminal(st types.ClusterStatus) bool {
	for _, j := range st.Jobs {
		if !j.State.Terminal() {
			return false
		}
	}
	return true
}

func printSnapshot(st types.ClusterStatus) {
	line := fmt.Sprintf("📊 queue=%d", st.QueueLength)
	for _, p := range st.Pools {
		line += fmt.Sprintf("  %s[mem %5d/%5d cores %d/%d]",
			p.ID, p.TotalMemory-p.AvailableMemory, p.TotalMemory, p.TotalCores-p.AvailableCores, p.TotalCores)
	}
	fmt.Println(line)
}

func printSummary(st types.ClusterStatus) {
	fmt.Printf("\n📋 Final job states:\n")
	for _, j := range st.Jobs {
		node := j.AssignedNode
		if node == "" {
			node = "-"
		}
		fmt.Printf("  %s  %-9s  node=%-6s  owner=%-6s  progress=%d/%ds\n",
			j.ID, j.State, node, j.Owner, j.ProgressSeconds, j.RuntimeSeconds)
	}
	counts := st.Counts()
	fmt.Printf("\n  Completed: %d  Failed: %d  Cancelled: %d  Queued: %d  Running: %d\n",
		counts[types.StateCompleted], counts[types.StateFailed], counts[types.StateCancelled],
		counts[types.StateQueued], counts[types.StateRunning])
}
