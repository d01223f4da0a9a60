package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// RecordLookup 依實例取得正在監看的記錄庫（controller.Controller）
type RecordLookup interface {
	RecordStore(instanceID string) (recordstore.Store, bool)
}

// LinkageView 一條規則的派發連結與目前推算的結果
type LinkageView struct {
	RuleID      string               `json:"rule_id"`
	TaskIDs     []string             `json:"task_ids"`
	State       types.LinkageState   `json:"state"`
	Outcome     types.LinkageOutcome `json:"outcome"`
	ClaimedAt   time.Time            `json:"claimed_at"`
	PublishedAt *time.Time           `json:"published_at,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
}

// DispatchStatus 記錄的路由與派發狀態
type DispatchStatus struct {
	RecordReference string        `json:"record_reference"`
	StoreInstance   string        `json:"store_instance"`
	Routed          bool          `json:"routed"`
	RoutedAt        *time.Time    `json:"routed_at,omitempty"`
	RoutedVersion   int64         `json:"routed_version,omitempty"`
	Linkages        []LinkageView `json:"linkages"`
}

// recordStatus GET /api/records/:instance/:ref
//
// 超過訊息 TTL 的已發佈連結回報為 unknown，佇列可能已丟棄該任務。
func (s *Server) recordStatus(c echo.Context) error {
	if s.deps.Records == nil {
		return fail(c, http.StatusServiceUnavailable, errors.New("record lookup not available"))
	}
	instance := c.Param("instance")
	store, found := s.deps.Records.RecordStore(instance)
	if !found {
		return fail(c, http.StatusNotFound, fmt.Errorf("store instance %q is not being watched", instance))
	}

	rec, err := store.Get(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, dispatchStatus(rec, s.now()))
}

func dispatchStatus(rec types.Record, now time.Time) DispatchStatus {
	st := DispatchStatus{
		RecordReference: rec.Reference,
		StoreInstance:   rec.Instance,
		Routed:          !rec.RoutedAt.IsZero(),
		RoutedVersion:   rec.RoutedVersion,
		Linkages:        make([]LinkageView, 0, len(rec.Dispatch)),
	}
	if st.Routed {
		st.RoutedAt = &rec.RoutedAt
	}
	for _, l := range rec.Dispatch {
		v := LinkageView{
			RuleID:    l.RuleID,
			TaskIDs:   l.TaskIDs,
			State:     l.State,
			Outcome:   l.Outcome(now),
			ClaimedAt: l.ClaimedAt,
		}
		if !l.PublishedAt.IsZero() {
			v.PublishedAt = &l.PublishedAt
		}
		if !l.ExpiresAt.IsZero() {
			v.ExpiresAt = &l.ExpiresAt
		}
		st.Linkages = append(st.Linkages, v)
	}
	sort.Slice(st.Linkages, func(i, j int) bool { return st.Linkages[i].RuleID < st.Linkages[j].RuleID })
	return st
}
