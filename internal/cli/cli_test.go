package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/schedula/internal/cluster"
	"github.com/ChuLiYu/schedula/internal/journal"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/internal/server"
	"github.com/ChuLiYu/schedula/internal/snapshot"
	"github.com/ChuLiYu/schedula/internal/worker"
	"github.com/ChuLiYu/schedula/pkg/types"
)

// runCLI 執行命令並回傳輸出
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write %s", name)
	return path
}

// ============================================================================
// 命令結構
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "schedula", cmd.Use, "Root command should be 'schedula'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "submit", "cancel", "status", "journal"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"), "Should have --addr flag")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand(&globalOptions{})

	assert.Equal(t, "submit", cmd.Use)
	assert.Contains(t, cmd.Aliases, "enqueue", "enqueue stays available as an alias")

	// 檢查 --file 標誌
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")

	for _, name := range []string{"memory", "cores", "runtime", "priority", "owner"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.Equal(t, "1", cmd.Flags().Lookup("priority").DefValue)
}

func TestBuildRunAndStatusCommands(t *testing.T) {
	run := buildRunCommand(&globalOptions{})
	assert.Equal(t, "run", run.Use)
	assert.Contains(t, run.Short, "Start")
	assert.NotNil(t, run.Flags().Lookup("listen"))

	status := buildStatusCommand(&globalOptions{})
	assert.Contains(t, status.Short, "status")
	assert.NotNil(t, status.Flags().Lookup("file"))
	assert.NotNil(t, status.Flags().Lookup("json"))
}

func TestCommandArgs(t *testing.T) {
	_, err := runCLI(t, "cancel")
	assert.Error(t, err, "cancel needs at least one id")

	_, err = runCLI(t, "journal")
	assert.Error(t, err, "journal needs a path")

	_, err = runCLI(t, "status", "a", "b")
	assert.Error(t, err, "status takes at most one id")
}

// ============================================================================
// 配置
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeFile(t, "test_config.yaml", `
cluster:
  history_size: 50
  nodes:
    - id: a100-1
      memory: 40000
      cores: 16
    - id: t4-1
      memory: 16000
      cores: 4

scheduler:
  interval: 500ms
  tick: 100ms
  tie_break: shortest-first
  ranking: best-fit-memory
  trigger_on_events: false
  failure_rate: 0.01

server:
  listen: ":6000"

metrics:
  enabled: true
  port: 8080

journal:
  path: "./journal.jsonl"
  sync: true

export:
  path: "./status.json"
  interval: 2s

log:
  level: debug
`)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err, "LoadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, 50, cfg.Cluster.HistorySize)
	require.Len(t, cfg.Cluster.Nodes, 2)
	assert.Equal(t, NodeConfig{ID: "a100-1", Memory: 40000, Cores: 16}, cfg.Cluster.Nodes[0])

	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.Tick)
	assert.Equal(t, "shortest-first", cfg.Scheduler.TieBreak)
	assert.Equal(t, "best-fit-memory", cfg.Scheduler.Ranking)
	require.NotNil(t, cfg.Scheduler.TriggerOnEvents)
	assert.False(t, *cfg.Scheduler.TriggerOnEvents)
	assert.Equal(t, 0.01, cfg.Scheduler.FailureRate)

	assert.Equal(t, ":6000", cfg.Server.Listen)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "./journal.jsonl", cfg.Journal.Path)
	assert.True(t, cfg.Journal.Sync)
	assert.Equal(t, "./status.json", cfg.Export.Path)
	assert.Equal(t, 2*time.Second, cfg.Export.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)

	sc := cfg.SchedulerConfig()
	assert.Equal(t, scheduler.TieShortestFirst, sc.TieBreak)
	assert.Equal(t, cluster.RankBestFitMemory, sc.Ranking)
	assert.False(t, sc.TriggerOnEvents)
	assert.NotNil(t, sc.Step, "a positive failure rate installs fault injection")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "LoadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeFile(t, "invalid.yaml", `
cluster:
  nodes: "not a list"
  invalid yaml structure
    broken indentation
`)

	cfg, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

// TestLoadConfig_EmptyFile 空檔案使用全部預設值
func TestLoadConfig_EmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err, "Empty YAML file should parse without error")

	assert.Equal(t, DefaultNodes, cfg.Cluster.Nodes)
	assert.Equal(t, cluster.DefaultHistorySize, cfg.Cluster.HistorySize)
	assert.Equal(t, scheduler.DefaultInterval, cfg.Scheduler.Interval)
	assert.Equal(t, worker.DefaultTick, cfg.Scheduler.Tick)
	assert.Equal(t, string(scheduler.DefaultTieBreak), cfg.Scheduler.TieBreak)
	assert.Equal(t, string(cluster.DefaultRanking), cfg.Scheduler.Ranking)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, snapshot.DefaultInterval, cfg.Export.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Server.Listen)

	sc := cfg.SchedulerConfig()
	assert.True(t, sc.TriggerOnEvents, "event-triggered passes are on by default")
	assert.Nil(t, sc.Step, "no fault injection by default")

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "partial.yaml", `
scheduler:
  tick: 10ms
`))
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 10*time.Millisecond, cfg.Scheduler.Tick)
	assert.Equal(t, scheduler.DefaultInterval, cfg.Scheduler.Interval, "Unset fields get defaults")
	assert.Len(t, cfg.Cluster.Nodes, 2)
}

// TestValidate_AggregatesErrors 所有錯誤一次回報
func TestValidate_AggregatesErrors(t *testing.T) {
	_, err := parseConfig([]byte(`
cluster:
  nodes:
    - id: gpu-1
      memory: 100
      cores: 1
    - id: gpu-1
      memory: 0
      cores: 1
scheduler:
  tie_break: random
  ranking: round-robin
  failure_rate: 2
log:
  level: loud
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr), "validation errors are aggregated")
	assert.Len(t, merr.Errors, 6)

	msg := err.Error()
	for _, want := range []string{"duplicate id", "memory and cores must be positive", "tie_break", "ranking", "failure_rate", "log.level"} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_NoNodes(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Cluster.Nodes = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one node")
}

func TestConfigPools(t *testing.T) {
	cfg := DefaultConfig()
	pools, err := cfg.Pools()
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "gpu-1", pools[0].ID())
	assert.Equal(t, types.Demand{Memory: 16000, Cores: 8}, pools[0].Total())
	assert.Equal(t, types.Demand{Memory: 12000, Cores: 6}, pools[1].Available())
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "warn", "warning", "error", ""} {
		_, err := parseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

// ============================================================================
// 工具函式
// ============================================================================

func TestDialTarget(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":50051", "localhost:50051"},
		{"0.0.0.0:7000", "localhost:7000"},
		{"127.0.0.1:7000", "127.0.0.1:7000"},
		{"sched.internal:9000", "sched.internal:9000"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dialTarget(tt.listen), tt.listen)
	}
}

func TestResolveAddr(t *testing.T) {
	assert.Equal(t, "host:1", resolveAddr(&globalOptions{addr: "host:1"}))
	assert.Equal(t, DefaultAddr, resolveAddr(&globalOptions{configFile: "/nonexistent.yaml"}))

	path := writeFile(t, "cfg.yaml", "server:\n  listen: \":6001\"\n")
	assert.Equal(t, "localhost:6001", resolveAddr(&globalOptions{configFile: path}))
}

func TestReadJobFile(t *testing.T) {
	single := writeFile(t, "one.json", `{"memory_request": 100, "core_request": 1, "runtime_seconds": 5, "priority": 3}`)
	specs, err := readJobFile(single)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.NotNil(t, specs[0].Priority)
	assert.Equal(t, 3, *specs[0].Priority)

	many := writeFile(t, "many.json", `[
		{"memory_request": 100, "core_request": 1, "runtime_seconds": 5},
		{"memory_request": 200, "core_request": 2, "runtime_seconds": 6, "owner": "bob"}
	]`)
	specs, err = readJobFile(many)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Nil(t, specs[0].Priority)
	assert.Equal(t, "bob", specs[1].Owner)

	_, err = readJobFile("/nonexistent/jobs.json")
	assert.ErrorContains(t, err, "failed to read job file")

	_, err = readJobFile(writeFile(t, "bad.json", `{"invalid json structure`))
	assert.ErrorContains(t, err, "failed to parse job file")
}

func TestStatusFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	started := time.Unix(1700000001, 0)
	require.NoError(t, snapshot.NewManager(path).Write(types.ClusterStatus{
		GeneratedAt: time.Unix(1700000002, 0),
		Pools: []types.PoolStatus{{
			ID: "gpu-1", TotalMemory: 16000, TotalCores: 8,
			AvailableMemory: 8000, AvailableCores: 4,
			RunningJobIDs: []types.JobID{"abcd1234"},
		}},
		Jobs: []types.JobStatus{{
			ID: "abcd1234", MemoryRequest: 8000, CoreRequest: 4, RuntimeSeconds: 30,
			Priority: 1, Owner: "user", State: types.StateRunning, AssignedNode: "gpu-1",
			ProgressSeconds: 12, SubmittedAt: time.Unix(1700000000, 0), StartedAt: &started,
		}},
	}))

	out, err := runCLI(t, "status", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "gpu-1")
	assert.Contains(t, out, "8000/16000")
	assert.Contains(t, out, "abcd1234")
	assert.Contains(t, out, "12/30s")

	out, err = runCLI(t, "status", "--file", path, "abcd1234")
	require.NoError(t, err)
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "gpu-1")

	out, err = runCLI(t, "status", "--file", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"queue_length": 0`)

	_, err = runCLI(t, "status", "--file", path, "missing")
	assert.ErrorContains(t, err, "not found")

	_, err = runCLI(t, "status", "--file", filepath.Join(t.TempDir(), "none.json"))
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

// ============================================================================
// 端到端：run + submit + cancel + status + journal
// ============================================================================

func TestRunSystem_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Scheduler.Tick = 10 * time.Millisecond
	cfg.Scheduler.Interval = 50 * time.Millisecond
	cfg.Journal.Path = filepath.Join(dir, "journal.jsonl")
	cfg.Export.Path = filepath.Join(dir, "status.json")
	cfg.Export.Interval = time.Hour
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runSystem(ctx, cfg, func(a net.Addr) { addrCh <- a }) }()

	var addr string
	select {
	case a := <-addrCh:
		require.NotNil(t, a)
		addr = a.String()
	case err := <-errCh:
		t.Fatalf("runSystem exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runSystem did not become ready")
	}

	out, err := runCLI(t, "--addr", addr, "submit", "--memory", "8000", "--cores", "4", "--runtime", "2")
	require.NoError(t, err)
	id := types.JobID(strings.TrimSpace(out))
	require.Len(t, string(id), 8)

	out, err = runCLI(t, "--addr", addr, "enqueue", "--memory", "99999", "--cores", "1", "--runtime", "1")
	assert.Error(t, err, "oversize demand is rejected")
	assert.Contains(t, out, "rejected")

	out, err = runCLI(t, "--addr", addr, "cancel", "nosuchid")
	assert.Error(t, err)
	assert.Contains(t, out, "unknown job")

	client, err := server.Dial(addr)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		job, err := client.Job(context.Background(), id)
		return err == nil && job.State == types.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	out, err = runCLI(t, "--addr", addr, "status", string(id))
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runSystem did not stop")
	}

	// 關閉時寫出最終狀態
	st, err := snapshot.NewManager(cfg.Export.Path).Load()
	require.NoError(t, err)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, types.StateCompleted, st.Jobs[0].State)
	assert.Equal(t, int64(16000), st.Pools[0].AvailableMemory)

	entries, err := journal.ReadAll(cfg.Journal.Path)
	require.NoError(t, err)
	assert.Equal(t,
		[]types.JobState{types.StateQueued, types.StateRunning, types.StateCompleted},
		journal.Paths(entries)[id])

	out, err = runCLI(t, "journal", cfg.Journal.Path)
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED -> RUNNING on gpu-1")

	out, err = runCLI(t, "journal", cfg.Journal.Path, "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "Entries: 3")
}

func TestRunSystem_ListenError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := DefaultConfig()
	cfg.Server.Listen = lis.Addr().String()

	err = runSystem(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to listen")
}
