package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// storeFactories 對每種儲存實作執行相同的契約測試
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, "test:")
		},
	}
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStore_UpsertPreservesHeartbeat(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			_, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1", Capabilities: []string{"M1"}, Info: map[string]any{"host": "a"}}, t0)
			require.NoError(t, err)
			_, err = s.Touch(ctx, HeartbeatRequest{NodeID: "n1", CurrentTaskCount: 2}, t0.Add(time.Second))
			require.NoError(t, err)

			n, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1", Capabilities: []string{"M2"}, Version: "2.0"}, t0.Add(2*time.Second))
			require.NoError(t, err)

			assert.Equal(t, []string{"M2"}, n.Capabilities)
			assert.Equal(t, "2.0", n.Version)
			assert.True(t, t0.Add(time.Second).Equal(n.LastHeartbeatAt))
			assert.Equal(t, 2, n.CurrentTaskCount)
			assert.True(t, t0.Equal(n.CreatedAt), "created_at kept from first registration")
		})
	}
}

func TestStore_TouchUnknown(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := factory().Touch(context.Background(), HeartbeatRequest{NodeID: "ghost"}, t0)
			assert.ErrorIs(t, err, ErrUnknownNode)
		})
	}
}

// TestStore_TouchMonotonic 較舊的心跳不會把時間戳往回推
func TestStore_TouchMonotonic(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			_, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1"}, t0)
			require.NoError(t, err)

			_, err = s.Touch(ctx, HeartbeatRequest{NodeID: "n1", CurrentTaskCount: 5}, t0.Add(10*time.Second))
			require.NoError(t, err)
			n, err := s.Touch(ctx, HeartbeatRequest{NodeID: "n1", CurrentTaskCount: 1}, t0.Add(5*time.Second))
			require.NoError(t, err)

			assert.True(t, t0.Add(10*time.Second).Equal(n.LastHeartbeatAt))
			assert.Equal(t, 5, n.CurrentTaskCount)
		})
	}
}

func TestStore_ConcurrentHeartbeats(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			_, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1"}, t0)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Touch(ctx, HeartbeatRequest{NodeID: "n1", CurrentTaskCount: i}, t0.Add(time.Duration(i)*time.Second))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			n, err := s.Get(ctx, "n1")
			require.NoError(t, err)
			assert.True(t, t0.Add(20*time.Second).Equal(n.LastHeartbeatAt))
			assert.Equal(t, 20, n.CurrentTaskCount)
		})
	}
}

func TestStore_ListGetDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()

			for _, id := range []string{"c", "a", "b"} {
				_, err := s.Upsert(ctx, RegisterRequest{NodeID: id, Tags: []string{"gpu"}}, t0)
				require.NoError(t, err)
			}

			nodes, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, nodes, 3)
			assert.Equal(t, "a", nodes[0].NodeID)
			assert.Equal(t, []string{"gpu"}, nodes[0].Tags)

			require.NoError(t, s.Delete(ctx, "b"))
			require.NoError(t, s.Delete(ctx, "b"))

			_, err = s.Get(ctx, "b")
			assert.ErrorIs(t, err, ErrNodeNotFound)

			nodes, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, nodes, 2)
		})
	}
}

func TestStore_HeartbeatInfoAndVersion(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory()
			_, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1", Info: map[string]any{"gpu": "a100"}}, t0)
			require.NoError(t, err)

			v := int64(12)
			n, err := s.Touch(ctx, HeartbeatRequest{NodeID: "n1", ConfigVersion: &v, Info: map[string]any{"load": 0.5}}, t0)
			require.NoError(t, err)
			assert.Equal(t, int64(12), n.ConfigVersion)
			assert.Equal(t, 0.5, n.Info["load"])

			// info 未提供時保留
			n, err = s.Touch(ctx, HeartbeatRequest{NodeID: "n1"}, t0.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, 0.5, n.Info["load"])
		})
	}
}

func TestMemoryStore_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Upsert(ctx, RegisterRequest{NodeID: "n1", Capabilities: []string{"M1"}}, t0)
	require.NoError(t, err)
	_, err = s.Touch(ctx, HeartbeatRequest{NodeID: "n1"}, t0)
	require.NoError(t, err)

	snap := s.Snapshot()

	restored := NewMemoryStore()
	restored.Restore(snap)

	n, err := restored.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"M1"}, n.Capabilities)
	assert.True(t, t0.Equal(n.LastHeartbeatAt))

	// 快照是複本，修改不影響原儲存
	snap[0].Capabilities[0] = "changed"
	n, err = s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "M1", n.Capabilities[0])
	assert.Equal(t, types.StatusOnline, n.StatusAt(t0, time.Minute))
}
