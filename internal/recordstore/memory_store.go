package recordstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-dispatch/internal/events"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

const watchBuffer = 1024

// MemoryStore 記憶體版記錄庫，供 demo 與測試使用
//
// Watch 透過 events.Broker 推送；訂閱者緩衝滿時丟棄的記錄
// 由 watcher 的定期掃描或 poll 策略處理。
type MemoryStore struct {
	instance string

	mu      sync.Mutex
	records map[string]*types.Record
	order   []string // 插入順序，FindUnrouted 依此回傳
	changes *events.Broker[types.Record]
}

// NewMemoryStore 建立記憶體記錄庫
func NewMemoryStore(instance string) *MemoryStore {
	return &MemoryStore{
		instance: instance,
		records:  make(map[string]*types.Record),
		changes:  events.NewBrokerWithBuffer[types.Record](watchBuffer),
	}
}

// Instance 實作 Store
func (s *MemoryStore) Instance() string { return s.instance }

// Get 實作 Store
func (s *MemoryStore) Get(_ context.Context, ref string) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return types.Record{}, ErrRecordNotFound
	}
	return clone(rec), nil
}

// Insert 實作 Store
func (s *MemoryStore) Insert(_ context.Context, rec types.Record) error {
	s.mu.Lock()
	existing, ok := s.records[rec.Reference]
	if ok {
		existing.Attributes = maps.Clone(rec.Attributes)
		existing.UpdatedAt = updatedAt(rec)
		existing.RoutedAt = time.Time{}
		existing.RoutedVersion = 0
	} else {
		stored := clone(&rec)
		stored.Instance = s.instance
		stored.UpdatedAt = updatedAt(rec)
		if stored.Dispatch == nil {
			stored.Dispatch = make(map[string]types.DispatchLinkage)
		}
		s.records[rec.Reference] = &stored
		s.order = append(s.order, rec.Reference)
		existing = &stored
	}
	snapshot := clone(existing)
	s.mu.Unlock()

	s.changes.Publish(events.RecordChanged, snapshot)
	return nil
}

// ClaimDispatch 實作 Store
func (s *MemoryStore) ClaimDispatch(_ context.Context, ref string, l types.DispatchLinkage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return ErrRecordNotFound
	}
	if _, claimed := rec.Dispatch[l.RuleID]; claimed {
		return ErrClaimConflict
	}
	l.TaskIDs = slices.Clone(l.TaskIDs)
	rec.Dispatch[l.RuleID] = l
	return nil
}

// ConfirmDispatch 實作 Store
func (s *MemoryStore) ConfirmDispatch(_ context.Context, ref, ruleID, token string, at, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.held(ref, ruleID, token)
	if err != nil {
		return err
	}
	l.State = types.LinkagePublished
	l.PublishedAt = at
	l.ExpiresAt = expiresAt
	s.records[ref].Dispatch[ruleID] = l
	return nil
}

// ReleaseDispatch 實作 Store
func (s *MemoryStore) ReleaseDispatch(_ context.Context, ref, ruleID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.held(ref, ruleID, token); err != nil {
		return err
	}
	delete(s.records[ref].Dispatch, ruleID)
	return nil
}

// MarkRouted 實作 Store
func (s *MemoryStore) MarkRouted(_ context.Context, ref string, at time.Time, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return ErrRecordNotFound
	}
	rec.RoutedAt = at
	rec.RoutedVersion = version
	return nil
}

// FindUnrouted 實作 Store
func (s *MemoryStore) FindUnrouted(_ context.Context, q Query) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.Record{}
	for _, ref := range s.order {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		rec := s.records[ref]
		if !rec.RoutedAt.IsZero() || slices.Contains(q.Exclude, ref) {
			continue
		}
		out = append(out, clone(rec))
	}
	return out, nil
}

// Watch 實作 Store
func (s *MemoryStore) Watch(ctx context.Context, ready func(), handle Handler) error {
	sub := s.changes.Subscribe(ctx)
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			handle(ctx, ev.Payload)
		}
	}
}

// Close 實作 Store，結束所有 Watch
func (s *MemoryStore) Close(context.Context) error {
	s.changes.Close()
	return nil
}

func (s *MemoryStore) held(ref, ruleID, token string) (types.DispatchLinkage, error) {
	rec, ok := s.records[ref]
	if !ok {
		return types.DispatchLinkage{}, ErrRecordNotFound
	}
	l, ok := rec.Dispatch[ruleID]
	if !ok || l.Token != token {
		return types.DispatchLinkage{}, ErrClaimNotHeld
	}
	return l, nil
}

func clone(rec *types.Record) types.Record {
	out := *rec
	out.Attributes = maps.Clone(rec.Attributes)
	if rec.Dispatch != nil {
		out.Dispatch = make(map[string]types.DispatchLinkage, len(rec.Dispatch))
		for k, l := range rec.Dispatch {
			l.TaskIDs = slices.Clone(l.TaskIDs)
			out.Dispatch[k] = l
		}
	}
	return out
}

func updatedAt(rec types.Record) time.Time {
	if rec.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.UpdatedAt
}
