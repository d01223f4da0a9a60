package registry

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// MemoryStore 以 map + RWMutex 實作的節點儲存
//
// 配合 snapshot.Manager 定期落地，重啟後以 Restore 還原。
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node
}

// NewMemoryStore 建立空的記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*types.Node)}
}

// Upsert 實作 Store
func (s *MemoryStore) Upsert(_ context.Context, req RegisterRequest, at time.Time) (types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[req.NodeID]
	if !ok {
		n = &types.Node{NodeID: req.NodeID, CreatedAt: at}
		s.nodes[req.NodeID] = n
	}
	n.Capabilities = slices.Clone(req.Capabilities)
	n.Version = req.Version
	n.MaxConcurrentTasks = req.MaxConcurrentTasks
	n.Tags = slices.Clone(req.Tags)
	n.Info = maps.Clone(req.Info)
	n.UpdatedAt = at

	return cloneNode(n), nil
}

// Touch 實作 Store
func (s *MemoryStore) Touch(_ context.Context, req HeartbeatRequest, at time.Time) (types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[req.NodeID]
	if !ok {
		return types.Node{}, ErrUnknownNode
	}

	// 單調覆寫：較舊的心跳不回退時間戳與任務數
	if !at.Before(n.LastHeartbeatAt) {
		n.LastHeartbeatAt = at
		n.CurrentTaskCount = req.CurrentTaskCount
		n.UpdatedAt = at
	}
	if req.ConfigVersion != nil {
		n.ConfigVersion = *req.ConfigVersion
	}
	if req.Info != nil {
		n.Info = maps.Clone(req.Info)
	}

	return cloneNode(n), nil
}

// Get 實作 Store
func (s *MemoryStore) Get(_ context.Context, nodeID string) (types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return types.Node{}, ErrNodeNotFound
	}
	return cloneNode(n), nil
}

// List 實作 Store，依 node_id 排序
func (s *MemoryStore) List(_ context.Context) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Delete 實作 Store
func (s *MemoryStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// Snapshot 匯出目前所有節點（供快照使用）
func (s *MemoryStore) Snapshot() []types.Node {
	nodes, _ := s.List(context.Background())
	return nodes
}

// Restore 以快照內容取代目前狀態
func (s *MemoryStore) Restore(nodes []types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*types.Node, len(nodes))
	for i := range nodes {
		n := cloneNode(&nodes[i])
		s.nodes[n.NodeID] = &n
	}
}

func cloneNode(n *types.Node) types.Node {
	c := *n
	c.Capabilities = slices.Clone(n.Capabilities)
	c.Tags = slices.Clone(n.Tags)
	c.Info = maps.Clone(n.Info)
	return c
}
