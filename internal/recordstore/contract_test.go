package recordstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func linkage(rule, token string) types.DispatchLinkage {
	return types.DispatchLinkage{
		RuleID:    rule,
		TaskIDs:   []string{token + "-task"},
		Token:     token,
		State:     types.LinkageClaimed,
		ClaimedAt: t0,
	}
}

// runContract 每種 Store 實作都必須滿足的行為
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ClaimOnce", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1", Attributes: map[string]any{"dataset": "batch_A"}}))

		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "a")))
		assert.ErrorIs(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "b")), ErrClaimConflict)
		// 不同規則互不影響
		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R2", "c")))

		rec, err := s.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, "a", rec.Dispatch["R1"].Token)
		assert.Equal(t, types.LinkageClaimed, rec.Dispatch["R1"].State)
		assert.True(t, rec.Claimed("R2"))
		assert.Equal(t, "batch_A", rec.Attributes["dataset"])
		assert.Equal(t, s.Instance(), rec.Instance)
	})

	t.Run("ClaimMissingRecord", func(t *testing.T) {
		err := newStore(t).ClaimDispatch(context.Background(), "ghost", linkage("R1", "a"))
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1"}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.ClaimDispatch(ctx, "rec-1", linkage("R1", string(rune('a'+i))))
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrClaimConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ConfirmAndRelease", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1"}))
		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "tok")))

		assert.ErrorIs(t, s.ConfirmDispatch(ctx, "rec-1", "R1", "wrong", t0, t0.Add(time.Hour)), ErrClaimNotHeld)
		require.NoError(t, s.ConfirmDispatch(ctx, "rec-1", "R1", "tok", t0, t0.Add(24*time.Hour)))

		rec, err := s.Get(ctx, "rec-1")
		require.NoError(t, err)
		l := rec.Dispatch["R1"]
		assert.Equal(t, types.LinkagePublished, l.State)
		assert.True(t, t0.Add(24*time.Hour).Equal(l.ExpiresAt))
		assert.Equal(t, []string{"tok-task"}, l.TaskIDs)

		assert.ErrorIs(t, s.ReleaseDispatch(ctx, "rec-1", "R1", "wrong"), ErrClaimNotHeld)
		require.NoError(t, s.ReleaseDispatch(ctx, "rec-1", "R1", "tok"))
		assert.ErrorIs(t, s.ReleaseDispatch(ctx, "rec-1", "R1", "tok"), ErrClaimNotHeld)

		// 釋放後可以重新佔用
		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "again")))
	})

	t.Run("FindUnroutedAndMarkRouted", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for _, ref := range []string{"rec-1", "rec-2", "rec-3"} {
			require.NoError(t, s.Insert(ctx, types.Record{Reference: ref}))
		}
		require.NoError(t, s.MarkRouted(ctx, "rec-2", t0, 4))

		recs, err := s.FindUnrouted(ctx, Query{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"rec-1", "rec-3"}, refs(recs))

		recs, err = s.FindUnrouted(ctx, Query{Limit: 10, Exclude: []string{"rec-1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"rec-3"}, refs(recs))

		recs, err = s.FindUnrouted(ctx, Query{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		rec, err := s.Get(ctx, "rec-2")
		require.NoError(t, err)
		assert.True(t, t0.Equal(rec.RoutedAt))
		assert.Equal(t, int64(4), rec.RoutedVersion)

		assert.ErrorIs(t, s.MarkRouted(ctx, "ghost", t0, 1), ErrRecordNotFound)
	})

	t.Run("InsertKeepsLinkage", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1", Attributes: map[string]any{"v": 1}}))
		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "tok")))
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1", Attributes: map[string]any{"v": 2}}))

		rec, err := s.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.True(t, rec.Claimed("R1"))
		assert.EqualValues(t, 2, rec.Attributes["v"])
	})

	t.Run("InsertResetsRoutedMarker", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1", Attributes: map[string]any{"v": 1}}))
		require.NoError(t, s.ClaimDispatch(ctx, "rec-1", linkage("R1", "tok")))
		require.NoError(t, s.MarkRouted(ctx, "rec-1", t0, 3))

		recs, err := s.FindUnrouted(ctx, Query{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, recs)

		// 屬性更新後需要重新路由，派發連結保留
		require.NoError(t, s.Insert(ctx, types.Record{Reference: "rec-1", Attributes: map[string]any{"v": 2}}))
		recs, err = s.FindUnrouted(ctx, Query{Limit: 10})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].RoutedAt.IsZero())
		assert.Zero(t, recs[0].RoutedVersion)
		assert.True(t, recs[0].Claimed("R1"))
	})

	t.Run("WatchDeliversUnroutedInserts", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ready := make(chan struct{})
		got := make(chan types.Record, 4)
		done := make(chan error, 1)
		go func() {
			done <- s.Watch(ctx, func() { close(ready) }, func(_ context.Context, rec types.Record) { got <- rec })
		}()

		select {
		case <-ready:
		case <-time.After(30 * time.Second):
			require.Fail(t, "watch never became ready")
		}

		// ready 之後的寫入一定會送達
		require.NoError(t, s.Insert(context.Background(), types.Record{Reference: "rec-w", Attributes: map[string]any{"dataset": "x"}}))
		select {
		case rec := <-got:
			assert.Equal(t, "rec-w", rec.Reference)
			assert.True(t, rec.RoutedAt.IsZero())
		case <-time.After(30 * time.Second):
			require.Fail(t, "insert after ready was not delivered")
		}

		// 已路由記錄的屬性更新也會送達
		require.NoError(t, s.MarkRouted(context.Background(), "rec-w", t0, 1))
		require.NoError(t, s.Insert(context.Background(), types.Record{Reference: "rec-w", Attributes: map[string]any{"dataset": "y"}}))
		select {
		case rec := <-got:
			assert.Equal(t, "y", rec.Attributes["dataset"])
			assert.True(t, rec.RoutedAt.IsZero())
		case <-time.After(30 * time.Second):
			require.Fail(t, "update of routed record was not delivered")
		}

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			require.Fail(t, "watch did not stop on cancel")
		}
	})
}

func refs(recs []types.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Reference)
	}
	return out
}
