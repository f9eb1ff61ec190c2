// ============================================================================
// Schedula Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集排程器的運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - schedula_jobs_submitted_total: 成功提交的任務數
//      - schedula_jobs_rejected_total: 被拒絕的提交數
//      - schedula_jobs_placed_total{node}: 各節點配置的任務數
//      - schedula_jobs_finished_total{state}: 依結束狀態統計
//
//   2. 分佈統計 (Histogram)：
//      - schedula_job_wait_seconds: 提交到開始執行的等待時間
//      - schedula_placement_pass_seconds: 單次配置掃描耗時
//
//   3. 狀態指標 (Gauge)：
//      - schedula_queue_length: 排隊中任務數
//      - schedula_pool_used_memory{node} / schedula_pool_used_cores{node}
//
// Prometheus 查詢示例:
//
//   # 各節點記憶體使用率
//   schedula_pool_used_memory / on(node) schedula_pool_total_memory
//
//   # 失敗率
//   rate(schedula_jobs_finished_total{state="FAILED"}[5m])
//     / rate(schedula_jobs_placed_total[5m])
//
// 註冊:
//   NewCollector 接受 Registerer，測試時傳入獨立的 prometheus.NewRegistry()，
//   避免重複註冊。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/schedula/pkg/types"
)

const namespace = "schedula"

// Collector Prometheus 指標收集器，實作 scheduler.Recorder
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsRejected  prometheus.Counter
	jobsPlaced    *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec

	// 效能指標
	jobWait     prometheus.Histogram
	passLatency prometheus.Histogram

	// 狀態指標
	queueLength    prometheus.Gauge
	poolUsedMemory *prometheus.GaugeVec
	poolUsedCores  *prometheus.GaugeVec
	poolTotalMem   *prometheus.GaugeVec
	poolTotalCores *prometheus.GaugeVec
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted into the queue",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected as invalid",
		}),
		jobsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_placed_total",
			Help:      "Total number of jobs placed, by node",
		}, []string{"node"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state, by state",
		}, []string{"state"}),
		jobWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time between submission and placement in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		passLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "placement_pass_seconds",
			Help:      "Duration of one placement pass in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Current number of queued jobs",
		}),
		poolUsedMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_used_memory",
			Help:      "Memory currently allocated on the node",
		}, []string{"node"}),
		poolUsedCores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_used_cores",
			Help:      "Cores currently allocated on the node",
		}, []string{"node"}),
		poolTotalMem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_total_memory",
			Help:      "Memory capacity of the node",
		}, []string{"node"}),
		poolTotalCores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_total_cores",
			Help:      "Core capacity of the node",
		}, []string{"node"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsPlaced,
		c.jobsFinished,
		c.jobWait,
		c.passLatency,
		c.queueLength,
		c.poolUsedMemory,
		c.poolUsedCores,
		c.poolTotalMem,
		c.poolTotalCores,
	)

	// 預先建立所有狀態的 series，查詢時不會缺值
	for _, s := range types.AllStates {
		if s.Terminal() {
			c.jobsFinished.WithLabelValues(string(s))
		}
	}
	return c
}

// RegisterPool 記錄節點容量
func (c *Collector) RegisterPool(node string, total types.Demand) {
	c.poolTotalMem.WithLabelValues(node).Set(float64(total.Memory))
	c.poolTotalCores.WithLabelValues(node).Set(float64(total.Cores))
	c.poolUsedMemory.WithLabelValues(node)
	c.poolUsedCores.WithLabelValues(node)
	c.jobsPlaced.WithLabelValues(node)
}

// Submitted 記錄任務加入佇列
func (c *Collector) Submitted() {
	c.jobsSubmitted.Inc()
}

// Rejected 記錄提交被拒絕
func (c *Collector) Rejected() {
	c.jobsRejected.Inc()
}

// Placed 記錄任務配置到節點
func (c *Collector) Placed(node string, wait time.Duration) {
	c.jobsPlaced.WithLabelValues(node).Inc()
	c.jobWait.Observe(wait.Seconds())
}

// Finished 記錄任務結束
func (c *Collector) Finished(state types.JobState) {
	c.jobsFinished.WithLabelValues(string(state)).Inc()
}

// PassCompleted 記錄一次配置掃描
func (c *Collector) PassCompleted(placed int, took time.Duration) {
	c.passLatency.Observe(took.Seconds())
}

// QueueLength 更新佇列長度
func (c *Collector) QueueLength(n int) {
	c.queueLength.Set(float64(n))
}

// PoolUsage 更新節點使用量
func (c *Collector) PoolUsage(node string, used types.Demand) {
	c.poolUsedMemory.WithLabelValues(node).Set(float64(used.Memory))
	c.poolUsedCores.WithLabelValues(node).Set(float64(used.Cores))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 回傳 gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 port 上提供 /metrics，直到 ctx 結束
//
// 返回值：
//   - error: 監聽失敗的錯誤；ctx 結束導致的關閉返回 nil
func Serve(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
