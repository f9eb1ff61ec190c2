package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/schedula/internal/cluster"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/pkg/types"
)

var _ scheduler.Recorder = (*Collector)(nil)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	require.NotNil(t, collector)

	// 終止狀態的 series 預先建立
	n, err := testutil.GatherAndCount(reg, "schedula_jobs_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Panics(t, func() { NewCollector(reg) }, "registering twice on one registry must fail")
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		c.Submitted()
	}
	c.Rejected()
	c.Placed("gpu-1", 2*time.Second)
	c.Placed("gpu-1", time.Second)
	c.Placed("gpu-2", 0)
	c.Finished(types.StateCompleted)
	c.Finished(types.StateFailed)
	c.Finished(types.StateFailed)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsPlaced.WithLabelValues("gpu-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsPlaced.WithLabelValues("gpu-2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("FAILED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("CANCELLED")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RegisterPool("gpu-1", types.Demand{Memory: 16000, Cores: 8})
	c.PoolUsage("gpu-1", types.Demand{Memory: 6000, Cores: 3})
	c.QueueLength(4)

	assert.Equal(t, 16000.0, testutil.ToFloat64(c.poolTotalMem.WithLabelValues("gpu-1")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.poolTotalCores.WithLabelValues("gpu-1")))
	assert.Equal(t, 6000.0, testutil.ToFloat64(c.poolUsedMemory.WithLabelValues("gpu-1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolUsedCores.WithLabelValues("gpu-1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueLength))

	c.QueueLength(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.queueLength))
}

func TestHistograms(t *testing.T) {
	c, reg := newTestCollector(t)

	c.Placed("gpu-1", 3*time.Second)
	c.PassCompleted(1, 50*time.Microsecond)
	c.PassCompleted(0, 10*time.Microsecond)

	assert.Equal(t, 1, testutil.CollectAndCount(c.jobWait))
	n, err := testutil.GatherAndCount(reg, "schedula_placement_pass_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.Submitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "schedula_jobs_submitted_total 1")
	assert.Contains(t, string(body), "schedula_queue_length")
}

// TestWithScheduler wires the collector into a live scheduler
func TestWithScheduler(t *testing.T) {
	c, _ := newTestCollector(t)

	pool, err := cluster.NewPool(cluster.PoolConfig{ID: "gpu-1", Memory: 8000, Cores: 4})
	require.NoError(t, err)
	c.RegisterPool(pool.ID(), pool.Total())

	s, err := scheduler.New(scheduler.Config{Recorder: c, Tick: time.Hour}, []*cluster.Pool{pool})
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Submit(types.JobSpec{MemoryRequest: 9000, CoreRequest: 1, RuntimeSeconds: 1})
	require.ErrorIs(t, err, scheduler.ErrInvalidDemand)
	id, err := s.Submit(types.JobSpec{MemoryRequest: 6000, CoreRequest: 2, RuntimeSeconds: 10})
	require.NoError(t, err)
	_, err = s.Submit(types.JobSpec{MemoryRequest: 6000, CoreRequest: 2, RuntimeSeconds: 10})
	require.NoError(t, err)

	require.Equal(t, 1, s.ScheduleOnce())

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsPlaced.WithLabelValues("gpu-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 6000.0, testutil.ToFloat64(c.poolUsedMemory.WithLabelValues("gpu-1")))

	require.True(t, s.Cancel(id))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("CANCELLED")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.poolUsedMemory.WithLabelValues("gpu-1")) == 0
	}, time.Second, time.Millisecond)
}
