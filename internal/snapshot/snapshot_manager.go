package snapshot

// ============================================================================
// 職責說明：
// 1. 將叢集狀態（ClusterStatus）序列化為 JSON 狀態檔
// 2. 使用原子性寫入（temp file + rename）防止讀到寫到一半的檔案
// 3. 載入時驗證 schema 版本相容性，供 `schedula status --file` 使用
// 4. 僅供觀察，啟動時不會從狀態檔恢復
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/schedula/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("status file is corrupted")
	ErrIncompatibleVersion = errors.New("status file schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("status file not found")
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Document 狀態檔的完整內容
type Document struct {
	SchemaVer int                 `json:"schema_version"`
	Status    types.ClusterStatus `json:"status"`
}

// Manager 狀態檔管理器
type Manager struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立狀態檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入狀態檔
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(status types.ClusterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := Document{SchemaVer: SchemaVersion, Status: status}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp status file: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}

	return nil
}

// Load 載入狀態檔
//
// 返回值：
//   - types.ClusterStatus: 寫入時的叢集狀態
//   - error: ErrSnapshotNotFound / ErrCorruptedSnapshot / ErrIncompatibleVersion
func (m *Manager) Load() (types.ClusterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ClusterStatus{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return types.ClusterStatus{}, fmt.Errorf("failed to read status file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return types.ClusterStatus{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if doc.SchemaVer != SchemaVersion {
		return types.ClusterStatus{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}

	return doc.Status, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
