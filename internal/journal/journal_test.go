package journal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/schedula/internal/cluster"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/pkg/types"
)

var _ scheduler.EventSink = (*Journal)(nil)

var t0 = time.UnixMilli(1700000000000)

func tr(id string, from, to types.JobState, node string, offset time.Duration) types.Transition {
	return types.Transition{JobID: types.JobID(id), From: from, To: to, Node: node, At: t0.Add(offset)}
}

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	return j, path
}

func writeEntries(t *testing.T, j *Journal) {
	t.Helper()
	require.NoError(t, j.Append(tr("a", "", types.StateQueued, "", 0)))
	require.NoError(t, j.Append(tr("a", types.StateQueued, types.StateRunning, "gpu-1", time.Second)))
	require.NoError(t, j.Append(tr("b", "", types.StateQueued, "", 2*time.Second)))
	require.NoError(t, j.Append(tr("a", types.StateRunning, types.StateCompleted, "gpu-1", 3*time.Second)))
	require.NoError(t, j.Append(tr("b", types.StateQueued, types.StateCancelled, "", 4*time.Second)))
}

func TestAppendAndReadAll(t *testing.T) {
	j, path := openTemp(t)
	writeEntries(t, j)
	assert.Equal(t, uint64(5), j.LastSeq())
	require.NoError(t, j.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.True(t, VerifyChecksum(e))
	}
	assert.Equal(t, "gpu-1", entries[1].Node)
	assert.Equal(t, tr("a", types.StateQueued, types.StateRunning, "gpu-1", time.Second), entries[1].Transition())

	paths := Paths(entries)
	assert.Equal(t, []types.JobState{types.StateQueued, types.StateRunning, types.StateCompleted}, paths["a"])
	assert.Equal(t, []types.JobState{types.StateQueued, types.StateCancelled}, paths["b"])
}

func TestReopenContinuesSequence(t *testing.T) {
	j, path := openTemp(t)
	writeEntries(t, j)
	require.NoError(t, j.Close())

	j2, err := Open(path, Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), j2.LastSeq())
	require.NoError(t, j2.Append(tr("c", "", types.StateQueued, "", 5*time.Second)))
	require.NoError(t, j2.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, uint64(6), entries[5].Seq)
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "Close is idempotent")

	assert.ErrorIs(t, j.Append(tr("a", "", types.StateQueued, "", 0)), ErrJournalClosed)
	assert.NotPanics(t, func() { j.Record(tr("a", "", types.StateQueued, "", 0)) })
}

func TestReplay_ChecksumMismatch(t *testing.T) {
	j, path := openTemp(t)
	writeEntries(t, j)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"to":"COMPLETED"`), []byte(`"to":"FAILED"`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = ReadAll(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var csErr *ChecksumError
	require.ErrorAs(t, err, &csErr)
	assert.Equal(t, uint64(4), csErr.Seq)
	assert.Contains(t, csErr.Error(), "seq=4")
}

func TestReplay_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	_, err := ReadAll(path)
	assert.ErrorIs(t, err, ErrCorruptedJournal)

	var cErr *CorruptionError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, 1, cErr.Line)

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestReplay_SequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, seq := range []uint64{1, 3} {
		e := Entry{Seq: seq, JobID: "a", To: types.StateQueued, Timestamp: t0.UnixMilli()}
		e.Checksum = CalculateChecksum(e)
		require.NoError(t, enc.Encode(e))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, err := ReadAll(path)
	assert.ErrorIs(t, err, ErrSequenceGap)
}

func TestReplay_HandlerErrorStops(t *testing.T) {
	j, path := openTemp(t)
	writeEntries(t, j)
	require.NoError(t, j.Close())

	stop := assert.AnError
	seen := 0
	err := Replay(path, func(e Entry) error {
		seen++
		if e.Seq == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestLastEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	_, err := LastEntry(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	last, err := LastEntry(path)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestDumpAndSummarize(t *testing.T) {
	j, path := openTemp(t)
	writeEntries(t, j)
	require.NoError(t, j.Close())
	entries, err := ReadAll(path)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Dump(entries, &out))
	text := out.String()
	assert.Contains(t, text, "[seq:1] a - -> QUEUED at 2023-11-14T22:13:20.000Z")
	assert.Contains(t, text, "[seq:2] a QUEUED -> RUNNING on gpu-1 at")

	st := Summarize(entries)
	assert.Equal(t, 5, st.TotalEntries)
	assert.Equal(t, 2, st.Jobs)
	assert.Equal(t, 2, st.ByState[types.StateQueued])
	assert.Equal(t, 1, st.ByState[types.StateCompleted])
	assert.Equal(t, uint64(1), st.FirstSeq)
	assert.Equal(t, uint64(5), st.LastSeq)
}

// TestJournalRecordsSchedulerPaths records a live scheduler and checks the
// state path of every job
func TestJournalRecordsSchedulerPaths(t *testing.T) {
	j, path := openTemp(t)

	pool, err := cluster.NewPool(cluster.PoolConfig{ID: "gpu-1", Memory: 8000, Cores: 4})
	require.NoError(t, err)
	s, err := scheduler.New(scheduler.Config{Tick: time.Millisecond, Events: j}, []*cluster.Pool{pool})
	require.NoError(t, err)

	done, err := s.Submit(types.JobSpec{MemoryRequest: 1000, CoreRequest: 1, RuntimeSeconds: 2})
	require.NoError(t, err)
	queued, err := s.Submit(types.JobSpec{MemoryRequest: 1000, CoreRequest: 1, RuntimeSeconds: 2})
	require.NoError(t, err)
	require.True(t, s.Cancel(queued))
	require.Equal(t, 1, s.ScheduleOnce())

	require.Eventually(t, func() bool {
		st, err := s.Job(done)
		return err == nil && st.State == types.StateCompleted
	}, 2*time.Second, time.Millisecond)
	s.Stop()
	require.NoError(t, j.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	paths := Paths(entries)
	assert.Equal(t, []types.JobState{types.StateQueued, types.StateRunning, types.StateCompleted}, paths[done])
	assert.Equal(t, []types.JobState{types.StateQueued, types.StateCancelled}, paths[queued])
}
