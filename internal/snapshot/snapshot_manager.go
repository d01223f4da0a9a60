package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體版節點註冊表序列化為 JSON 快照檔
// 2. 同目錄暫存檔 + fsync + rename，寫到一半當機也不會留下半個檔案
// 3. 載入時驗證 schema 版本相容性
// 4. coordinator 重啟後還原節點（節點不會被自動刪除）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 節點快照管理器；同一路徑只應有一個 Manager
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager 建立快照管理器
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 以節點 ID 排序後原子性寫入快照
func (m *Manager) Write(snap types.RegistrySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.SchemaVer = SchemaVersion
	nodes := append([]types.Node(nil), snap.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	snap.Nodes = nodes

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	committed = true
	return nil
}

// Load 讀取快照；檔案不存在代表首次啟動，回傳空快照
func (m *Manager) Load() (types.RegistrySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.RegistrySnapshot{Nodes: []types.Node{}, SchemaVer: SchemaVersion}

	f, err := os.Open(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var snap types.RegistrySnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVer, SchemaVersion)
	}
	if snap.Nodes == nil {
		snap.Nodes = []types.Node{}
	}
	return snap, nil
}

// Exists 快照檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 快照檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
