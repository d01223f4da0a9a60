package configversion

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore 單一進程使用的設定儲存
type MemoryStore struct {
	mu      sync.RWMutex
	version int64
	docs    map[Kind]map[string][]byte
}

// NewMemoryStore 建立記憶體設定儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: emptyDocs()}
}

// Current 實作 Store
func (s *MemoryStore) Current(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// Bump 實作 Store
func (s *MemoryStore) Bump(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version, nil
}

// Apply 實作 Store
func (s *MemoryStore) Apply(_ context.Context, m Mutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.docs[m.Kind]
	if bucket == nil {
		return 0, ErrInvalidDocument
	}
	if m.Delete {
		if _, ok := bucket[m.ID]; !ok {
			return 0, ErrDocumentNotFound
		}
		delete(bucket, m.ID)
	} else {
		bucket[m.ID] = slices.Clone(m.Doc)
	}
	s.version++
	return s.version, nil
}

// Get 實作 Store
func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[kind][id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return slices.Clone(doc), nil
}

// Load 實作 Store
func (s *MemoryStore) Load(_ context.Context) (RawSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := emptyDocs()
	for kind, bucket := range s.docs {
		for id, doc := range bucket {
			docs[kind][id] = slices.Clone(doc)
		}
	}
	return RawSnapshot{Version: s.version, Docs: docs}, nil
}

// Close 實作 Store
func (s *MemoryStore) Close() error { return nil }
