package journal

// ============================================================================
// 狀態轉換日誌核心實作
// 職責：
// 1. 追加每一次狀態轉換到日誌檔案（append-only, JSON Lines）
// 2. 提供重放功能，驗證校驗和與序號連續性
// 3. 僅供稽核與除錯，不用於重啟後恢復狀態
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ChuLiYu/schedula/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌選項
type Options struct {
	Sync bool // 每次追加都 fsync
}

// Journal 狀態轉換日誌，實作 scheduler.EventSink
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	sync    bool
	closed  bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	var seq uint64
	if last, err := LastEntry(path); err == nil && last != nil {
		seq = last.Seq
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	return &Journal{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     seq,
		sync:    opts.Sync,
	}, nil
}

// Append 追加一筆轉換紀錄
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案，Sync 選項開啟時同步到磁碟
func (j *Journal) Append(tr types.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		JobID:     tr.JobID,
		From:      tr.From,
		To:        tr.To,
		Node:      tr.Node,
		Timestamp: tr.At.UnixMilli(),
	}
	entry.Checksum = CalculateChecksum(entry)

	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("journal: append seq=%d: %w", entry.Seq, err)
	}
	j.seq = entry.Seq

	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync seq=%d: %w", entry.Seq, err)
		}
	}
	return nil
}

// Record 實作 scheduler.EventSink；寫入失敗只記錄日誌，不影響排程
func (j *Journal) Record(tr types.Transition) {
	if err := j.Append(tr); err != nil {
		log.Error("Failed to append journal entry", "jobID", tr.JobID, "to", tr.To, "error", err)
	}
}

// LastSeq 取得最後寫入的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// Close 關閉日誌，關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("journal: sync on close: %w", err)
	}
	return j.file.Close()
}
