package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNodeStatusAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ttl := 60 * time.Second

	n := Node{NodeID: "n1", LastHeartbeatAt: base}

	assert.Equal(t, StatusOnline, n.StatusAt(base, ttl))
	assert.Equal(t, StatusOnline, n.StatusAt(base.Add(59*time.Second), ttl))
	assert.Equal(t, StatusOffline, n.StatusAt(base.Add(60*time.Second), ttl), "boundary is offline")
	assert.Equal(t, StatusOffline, n.StatusAt(base.Add(61*time.Second), ttl))
}

func TestNodeStatusAt_NeverHeartbeat(t *testing.T) {
	n := Node{NodeID: "n1"}
	assert.Equal(t, StatusOffline, n.StatusAt(time.Now(), time.Hour))
}

// TestNodeStatusAt_Property TTL 邊界性質：elapsed >= ttl 必為 offline，否則 online
func TestNodeStatusAt_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ttlSec := rapid.IntRange(1, 3600).Draw(rt, "ttl")
		elapsedMs := rapid.Int64Range(0, 7_200_000).Draw(rt, "elapsedMs")

		last := time.Unix(1_700_000_000, 0)
		now := last.Add(time.Duration(elapsedMs) * time.Millisecond)
		ttl := time.Duration(ttlSec) * time.Second

		got := Node{LastHeartbeatAt: last}.StatusAt(now, ttl)
		if now.Sub(last) >= ttl {
			require.Equal(rt, StatusOffline, got)
		} else {
			require.Equal(rt, StatusOnline, got)
		}
	})
}

func TestRoutingRuleValidate(t *testing.T) {
	valid := RoutingRule{
		RuleID:     "r1",
		RuleName:   "batch A",
		Conditions: map[string]any{"dataset": "batch_A", "channels": 2, "mono": true},
		Actions:    []Action{{AnalysisMethodID: "M1"}},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *RoutingRule)
		msg    string
	}{
		{"missing id", func(r *RoutingRule) { r.RuleID = "" }, "rule_id is required"},
		{"dotted id", func(r *RoutingRule) { r.RuleID = "a.b" }, "must not contain"},
		{"dollar id", func(r *RoutingRule) { r.RuleID = "$x" }, "must not contain"},
		{"no actions", func(r *RoutingRule) { r.Actions = nil }, "at least one action"},
		{"empty method", func(r *RoutingRule) { r.Actions = []Action{{ConfigID: "c"}} }, "analysis_method_id is required"},
		{"nested condition", func(r *RoutingRule) {
			r.Conditions = map[string]any{"meta": map[string]any{"a": 1}}
		}, "must be a string, number or bool"},
		{"nil condition", func(r *RoutingRule) { r.Conditions = map[string]any{"x": nil} }, "must be a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Conditions = map[string]any{"dataset": "batch_A"}
			r.Actions = []Action{{AnalysisMethodID: "M1"}}
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestDispatchLinkageOutcome(t *testing.T) {
	now := time.Now()

	claimed := DispatchLinkage{State: LinkageClaimed}
	assert.Equal(t, OutcomePending, claimed.Outcome(now))

	published := DispatchLinkage{State: LinkagePublished, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, OutcomePublished, published.Outcome(now))

	expired := DispatchLinkage{State: LinkagePublished, ExpiresAt: now.Add(-time.Second)}
	assert.Equal(t, OutcomeUnknown, expired.Outcome(now))
}

func TestTaskExpired(t *testing.T) {
	now := time.Now()
	task := Task{CreatedAt: now.Add(-25 * time.Hour)}

	assert.True(t, task.Expired(now, 24*time.Hour))
	assert.False(t, task.Expired(now, 48*time.Hour))
	assert.False(t, task.Expired(now, 0), "zero ttl never expires")
}

func TestNodeSupports(t *testing.T) {
	n := Node{Capabilities: []string{"M1", "M2"}}
	assert.True(t, n.Supports("M1"))
	assert.False(t, n.Supports("M3"))
}
