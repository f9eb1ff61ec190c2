package snapshot

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/schedula/pkg/types"
)

var log = slog.Default()

// DefaultInterval 預設匯出間隔
const DefaultInterval = 5 * time.Second

// StatusSource 提供目前的叢集狀態，由 scheduler.Scheduler 實作
type StatusSource interface {
	Status() types.ClusterStatus
}

// Exporter 定期把叢集狀態寫入狀態檔
type Exporter struct {
	manager  *Manager
	source   StatusSource
	interval time.Duration
	clock    clock.WithTicker
}

// NewExporter 建立匯出器；interval <= 0 使用 DefaultInterval，clk 為 nil 使用系統時鐘
func NewExporter(m *Manager, src StatusSource, interval time.Duration, clk clock.WithTicker) *Exporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Exporter{manager: m, source: src, interval: interval, clock: clk}
}

// ExportOnce 立即寫入一次
func (e *Exporter) ExportOnce() error {
	return e.manager.Write(e.source.Status())
}

// Run 每 interval 匯出一次，ctx 結束時再寫一次最終狀態後返回
//
// 單次寫入失敗只記錄日誌，不中斷循環。
func (e *Exporter) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.ExportOnce(); err != nil {
				log.Error("Failed to write final status", "path", e.manager.GetPath(), "error", err)
				return err
			}
			log.Info("Status exporter stopped", "path", e.manager.GetPath())
			return nil
		case <-ticker.C():
			start := e.clock.Now()
			if err := e.ExportOnce(); err != nil {
				log.Error("Failed to write status", "path", e.manager.GetPath(), "error", err)
				continue
			}
			log.Debug("Status exported", "path", e.manager.GetPath(), "duration", e.clock.Since(start))
		}
	}
}
