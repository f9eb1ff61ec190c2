package cli

// ============================================================================
// run 命令的系統組裝
//
// 啟動順序：
//  1. 建立節點、metrics collector、journal
//  2. 建立排程器並接上 Recorder / EventSink
//  3. 以 errgroup 並行執行驅動循環、gRPC、metrics 與狀態匯出
//  4. 任一元件失敗或收到訊號時全部停止，最後 Stop 排程器並寫出最終狀態
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/schedula/internal/journal"
	"github.com/ChuLiYu/schedula/internal/metrics"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/internal/server"
	"github.com/ChuLiYu/schedula/internal/snapshot"
)

// signalContext 在 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runSystem 組裝並執行所有元件，直到 ctx 結束或任一元件失敗
//
// ready 不為 nil 時，在 gRPC 開始監聽後以實際位址呼叫（listen 為空時傳入 nil）。
func runSystem(ctx context.Context, cfg *Config, ready func(net.Addr)) (err error) {
	log := slog.Default()

	pools, err := cfg.Pools()
	if err != nil {
		return fmt.Errorf("failed to create pools: %w", err)
	}

	for _, path := range []string{cfg.Journal.Path, cfg.Export.Path} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	schedCfg := cfg.SchedulerConfig()

	// 每次執行使用獨立的 registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	for _, p := range pools {
		collector.RegisterPool(p.ID(), p.Total())
	}
	schedCfg.Recorder = collector

	if cfg.Journal.Path != "" {
		j, jerr := journal.Open(cfg.Journal.Path, journal.Options{Sync: cfg.Journal.Sync})
		if jerr != nil {
			return jerr
		}
		defer func() {
			if cerr := j.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		schedCfg.Events = j
		log.Info("Journal opened", "path", j.Path(), "lastSeq", j.LastSeq())
	}

	s, err := scheduler.New(schedCfg, pools)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var lis net.Listener
	if cfg.Server.Listen != "" {
		lis, err = net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
		}
	}

	var exporter *snapshot.Exporter
	if cfg.Export.Path != "" {
		exporter = snapshot.NewExporter(snapshot.NewManager(cfg.Export.Path), s, cfg.Export.Interval, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	if lis != nil {
		g.Go(func() error { return server.Serve(gctx, lis, s) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port, reg) })
		log.Info("Metrics enabled", "addr", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port))
	}
	if exporter != nil {
		g.Go(func() error { return exporter.Run(gctx) })
	}

	log.Info("System started successfully",
		"nodes", len(pools),
		"tick", cfg.Scheduler.Tick,
		"tieBreak", schedCfg.TieBreak,
		"ranking", schedCfg.Ranking)
	if ready != nil {
		if lis != nil {
			ready(lis.Addr())
		} else {
			ready(nil)
		}
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Component failed, shutting down", "error", runErr)
	} else {
		log.Info("Received shutdown signal, stopping gracefully...")
		runErr = nil
	}

	s.Stop()
	if exporter != nil {
		if err := exporter.ExportOnce(); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to write final status: %w", err)
		}
	}

	log.Info("System stopped. Goodbye!")
	return runErr
}
