package journal

// ============================================================================
// 日誌工具函式
// 職責：讀取、重放、驗證與輸出日誌
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/schedula/pkg/types"
)

const maxLineSize = 1 << 20

// Replay 依序重放日誌中的所有紀錄
//
// 行為：
// - 從頭讀取日誌檔案
// - 驗證每筆紀錄的 checksum 與 seq 連續性
// - 呼叫 handler 處理紀錄
// - 遇到錯誤立即停止
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return replay(file, handler)
}

func replay(r io.Reader, handler Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	var lastSeq uint64
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(entry); expected != entry.Checksum {
			return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
		}
		if lastSeq != 0 && entry.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d at line %d", ErrSequenceGap, entry.Seq, lastSeq, line)
		}
		lastSeq = entry.Seq

		if err := handler(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// ReadAll 讀取並驗證所有紀錄
func ReadAll(path string) ([]Entry, error) {
	var entries []Entry
	err := Replay(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LastEntry 讀取最後一筆紀錄；空檔案回傳 nil, nil
//
// 僅解析最後一行，不驗證整份日誌。
func LastEntry(path string) (*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var last []byte
	for scanner.Scan() {
		if b := scanner.Bytes(); len(b) > 0 {
			last = append(last[:0], b...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(last, &entry); err != nil {
		return nil, &CorruptionError{Cause: err}
	}
	return &entry, nil
}

// Paths 將紀錄依任務分組成狀態路徑，第一個元素是 QUEUED
func Paths(entries []Entry) map[types.JobID][]types.JobState {
	paths := make(map[types.JobID][]types.JobState)
	for _, e := range entries {
		paths[e.JobID] = append(paths[e.JobID], e.To)
	}
	return paths
}

// Dump 輸出人類可讀格式
//
//	[seq:1] 3f2a9c1e - -> QUEUED at 2024-01-01T00:00:00.000Z
//	[seq:2] 3f2a9c1e QUEUED -> RUNNING on gpu-1 at 2024-01-01T00:00:01.000Z
func Dump(entries []Entry, w io.Writer) error {
	for _, e := range entries {
		from := string(e.From)
		if from == "" {
			from = "-"
		}
		at := time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z07:00")
		node := ""
		if e.Node != "" {
			node = " on " + e.Node
		}
		if _, err := fmt.Fprintf(w, "[seq:%d] %s %s -> %s%s at %s\n", e.Seq, e.JobID, from, e.To, node, at); err != nil {
			return err
		}
	}
	return nil
}

// Stats 日誌統計資訊
type Stats struct {
	TotalEntries int                    // 總紀錄數
	Jobs         int                    // 出現過的任務數
	ByState      map[types.JobState]int // 各目標狀態的紀錄數
	FirstSeq     uint64
	LastSeq      uint64
}

// Summarize 計算統計資訊
func Summarize(entries []Entry) Stats {
	st := Stats{ByState: make(map[types.JobState]int)}
	jobs := make(map[types.JobID]struct{})
	for i, e := range entries {
		if i == 0 {
			st.FirstSeq = e.Seq
		}
		st.LastSeq = e.Seq
		st.TotalEntries++
		st.ByState[e.To]++
		jobs[e.JobID] = struct{}{}
	}
	st.Jobs = len(jobs)
	return st
}
