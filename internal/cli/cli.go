// ============================================================================
// Schedula CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，啟動叢集模擬器並透過 gRPC 操作執行中的實例
//
// Command Structure:
//   schedula                       # Root command
//   ├── run                        # 啟動排程器、gRPC、metrics 與狀態匯出
//   ├── submit (alias: enqueue)    # 提交任務（旗標或 JSON 檔案）
//   ├── cancel <job-id>...         # 取消任務
//   ├── status [job-id]            # 叢集或單一任務狀態（遠端或 --file）
//   └── journal <path>             # 輸出狀態轉換日誌
//
// Global Flags:
//   --config, -c   配置檔路徑（預設 configs/default.yaml）
//   --addr         執行中實例的 gRPC 位址；未指定時使用配置中的 server.listen
//
// submit JSON 格式（單一物件或陣列）:
//   [
//     {"memory_request": 8000, "core_request": 4, "runtime_seconds": 30,
//      "priority": 2, "owner": "alice"}
//   ]
//
// Examples:
//   ./schedula run -c configs/default.yaml
//   ./schedula submit --memory 8000 --cores 4 --runtime 30
//   ./schedula submit -f jobs.json
//   ./schedula status
//   ./schedula status --file status.json
//   ./schedula journal journal.jsonl --summary
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/schedula/internal/journal"
	"github.com/ChuLiYu/schedula/internal/server"
	"github.com/ChuLiYu/schedula/internal/snapshot"
	"github.com/ChuLiYu/schedula/pkg/types"
)

// DefaultAddr 沒有配置時連線的位址
const DefaultAddr = "localhost:50051"

const rpcTimeout = 10 * time.Second

type globalOptions struct {
	configFile string
	addr       string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "schedula",
		Short: "Schedula: a GPU cluster scheduler simulator",
		Long: `Schedula simulates a small GPU cluster with:
- priority-ordered greedy placement across nodes
- simulated execution with cancellation and fault injection
- a lifecycle journal and periodic status export
- Prometheus metrics and a gRPC control surface`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "gRPC address of a running scheduler (default: server.listen from config)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Long:  "Start the scheduler loop, the gRPC server, the metrics endpoint and the status exporter as configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			setupLogging(cfg.Log.Level)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runSystem(ctx, cfg, nil)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	return cmd
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		jobFile  string
		memory   int64
		cores    int64
		runtime  int
		priority int
		owner    string
	)

	cmd := &cobra.Command{
		Use:     "submit",
		Aliases: []string{"enqueue"},
		Short:   "Submit jobs to a running scheduler",
		Long:    "Submit one job described by flags, or every job in a JSON file (--file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []types.JobSpec
			if jobFile != "" {
				var err error
				if specs, err = readJobFile(jobFile); err != nil {
					return err
				}
			} else {
				spec := types.JobSpec{
					MemoryRequest:  memory,
					CoreRequest:    cores,
					RuntimeSeconds: runtime,
					Owner:          owner,
				}
				if cmd.Flags().Changed("priority") {
					p := priority
					spec.Priority = &p
				}
				specs = []types.JobSpec{spec}
			}

			client, err := dialClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()
			return submitJobs(cmd.Context(), client, specs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().Int64Var(&memory, "memory", 0, "memory request")
	cmd.Flags().Int64Var(&cores, "cores", 0, "core request")
	cmd.Flags().IntVar(&runtime, "runtime", 0, "simulated runtime in seconds")
	cmd.Flags().IntVar(&priority, "priority", types.DefaultPriority, "priority, higher runs first")
	cmd.Flags().StringVar(&owner, "owner", "", "job owner (default \"user\")")

	return cmd
}

// readJobFile 接受單一物件或陣列
func readJobFile(path string) ([]types.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var spec types.JobSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse job file: %w", err)
		}
		return []types.JobSpec{spec}, nil
	}
	var specs []types.JobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return specs, nil
}

// submitJobs 逐一提交；被拒絕的任務不會中斷其他提交
func submitJobs(ctx context.Context, client *server.Client, specs []types.JobSpec, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var failed int
	for i, spec := range specs {
		id, err := client.Submit(ctx, spec)
		if err != nil {
			failed++
			fmt.Fprintf(out, "job %d rejected: %v\n", i, err)
			continue
		}
		fmt.Fprintln(out, id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs rejected", failed, len(specs))
	}
	return nil
}

// ============================================================================
// cancel
// ============================================================================

func buildCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel queued or running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			var unknown int
			for _, id := range args {
				ok, err := client.Cancel(ctx, types.JobID(id))
				if err != nil {
					return err
				}
				if !ok {
					unknown++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: unknown job\n", id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cancel requested\n", id)
			}
			if unknown > 0 {
				return fmt.Errorf("%d unknown job id(s)", unknown)
			}
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		file   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show cluster status",
		Long:  "Show cluster or job status from a running scheduler, or from an exported status file (--file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStatus(cmd.Context(), opts, file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				job, ok := findJob(st, types.JobID(args[0]))
				if !ok {
					return fmt.Errorf("job %s: not found", args[0])
				}
				if asJSON {
					return writeJSON(out, job)
				}
				return printJob(out, job)
			}
			if asJSON {
				return writeJSON(out, st)
			}
			return printStatus(out, st)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read an exported status file instead of calling the server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func loadStatus(ctx context.Context, opts *globalOptions, file string) (types.ClusterStatus, error) {
	if file != "" {
		return snapshot.NewManager(file).Load()
	}
	client, err := dialClient(opts)
	if err != nil {
		return types.ClusterStatus{}, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return client.Status(ctx)
}

func findJob(st types.ClusterStatus, id types.JobID) (types.JobStatus, bool) {
	for _, j := range st.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return types.JobStatus{}, false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st types.ClusterStatus) error {
	fmt.Fprintf(w, "Cluster status at %s\n\n", st.GeneratedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 1, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tMEMORY (free/total)\tCORES (free/total)\tRUNNING")
	for _, p := range st.Pools {
		fmt.Fprintf(tw, "%s\t%d/%d\t%d/%d\t%d\n",
			p.ID, p.AvailableMemory, p.TotalMemory, p.AvailableCores, p.TotalCores, len(p.RunningJobIDs))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := st.Counts()
	fmt.Fprintf(w, "\nJobs: %d total, queue length %d\n", len(st.Jobs), st.QueueLength)
	for _, s := range types.AllStates {
		fmt.Fprintf(w, "  %-10s %d\n", s, counts[s])
	}
	if len(st.Jobs) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 1, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tNODE\tMEMORY\tCORES\tPRIORITY\tPROGRESS\tOWNER")
	for _, j := range st.Jobs {
		node := j.AssignedNode
		if node == "" {
			node = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d/%ds\t%s\n",
			j.ID, j.State, node, j.MemoryRequest, j.CoreRequest, j.Priority, j.ProgressSeconds, j.RuntimeSeconds, j.Owner)
	}
	return tw.Flush()
}

func printJob(w io.Writer, j types.JobStatus) error {
	tw := tabwriter.NewWriter(w, 1, 1, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", j.ID)
	fmt.Fprintf(tw, "State:\t%s\n", j.State)
	fmt.Fprintf(tw, "Node:\t%s\n", j.AssignedNode)
	fmt.Fprintf(tw, "Demand:\tmem=%d cores=%d\n", j.MemoryRequest, j.CoreRequest)
	fmt.Fprintf(tw, "Progress:\t%d/%ds\n", j.ProgressSeconds, j.RuntimeSeconds)
	fmt.Fprintf(tw, "Priority:\t%d\n", j.Priority)
	fmt.Fprintf(tw, "Owner:\t%s\n", j.Owner)
	fmt.Fprintf(tw, "Submitted:\t%s\n", j.SubmittedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.EndedAt != nil {
		fmt.Fprintf(tw, "Ended:\t%s\n", j.EndedAt.Format(time.RFC3339))
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", j.Error)
	}
	return tw.Flush()
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "journal <path>",
		Short: "Print a lifecycle journal",
		Long:  "Verify and print every state transition recorded in a journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := journal.ReadAll(args[0])
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			out := cmd.OutOrStdout()
			if !summary {
				return journal.Dump(entries, out)
			}

			st := journal.Summarize(entries)
			fmt.Fprintf(out, "Entries: %d (seq %d..%d)\n", st.TotalEntries, st.FirstSeq, st.LastSeq)
			fmt.Fprintf(out, "Jobs:    %d\n", st.Jobs)
			states := make([]string, 0, len(st.ByState))
			for s := range st.ByState {
				states = append(states, string(s))
			}
			sort.Strings(states)
			for _, s := range states {
				fmt.Fprintf(out, "  -> %-10s %d\n", s, st.ByState[types.JobState(s)])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "print counts instead of every entry")
	return cmd
}

// ============================================================================
// Helpers
// ============================================================================

// resolveAddr 決定連線位址：--addr > 配置中的 server.listen > DefaultAddr
func resolveAddr(opts *globalOptions) string {
	if opts.addr != "" {
		return opts.addr
	}
	cfg, err := LoadConfig(opts.configFile)
	if err != nil || cfg.Server.Listen == "" {
		return DefaultAddr
	}
	return dialTarget(cfg.Server.Listen)
}

// dialTarget 把監聽位址（例如 ":50051"）轉成可連線的位址
func dialTarget(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func dialClient(opts *globalOptions) (*server.Client, error) {
	client, err := server.Dial(resolveAddr(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scheduler: %w", err)
	}
	return client, nil
}
