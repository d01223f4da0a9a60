package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

const seedYAML = `
configs:
  - config_id: fft-default
    analysis_method_id: M1
    enabled: true
rules:
  - rule_id: batch-a
    rule_name: batch A
    priority: 1
    conditions: {dataset: batch_A}
    actions:
      - analysis_method_id: M1
        config_id: fft-default
    enabled: true
`

func newClient(t *testing.T) (*Client, *configversion.Manager) {
	t.Helper()
	rules := configversion.NewManager(configversion.NewMemoryStore(), configversion.Options{})
	srv := api.New(config.HTTPConfig{}, "", api.Deps{
		Registry: registry.New(registry.NewMemoryStore(), registry.Options{}),
		Rules:    rules,
		Matcher:  routing.NewMatcher(rules, nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL+"/", time.Second), rules
}

func TestClient_NodeProtocol(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	_, err := c.Heartbeat(ctx, registry.HeartbeatRequest{NodeID: "gpu-01"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	reg, err := c.Register(ctx, registry.RegisterRequest{NodeID: "gpu-01", Capabilities: []string{"M1"}})
	require.NoError(t, err)
	assert.Equal(t, "gpu-01", reg.NodeID)

	v := int64(7)
	hb, err := c.Heartbeat(ctx, registry.HeartbeatRequest{NodeID: "gpu-01", CurrentTaskCount: 1, ConfigVersion: &v})
	require.NoError(t, err)
	assert.Equal(t, types.StatusOnline, hb.Node.Status)

	nodes, err := c.Nodes(ctx, types.StatusOnline, "M1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "gpu-01", nodes[0].NodeID)

	stats, err := c.NodeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Online)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}

func TestClient_ApplySeedCreatesThenUpdates(t *testing.T) {
	c, rules := newClient(t)
	ctx := context.Background()

	seed, err := configversion.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	docs := SeedDocuments(seed)
	require.Len(t, docs, 2)
	assert.Equal(t, "configs", docs[0].Collection)

	res, err := c.Apply(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.Updated)

	rule, err := rules.Rule(ctx, "batch-a")
	require.NoError(t, err)
	assert.Equal(t, "fft-default", rule.Actions[0].ConfigID)

	res2, err := c.Apply(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Created)
	assert.Equal(t, 2, res2.Updated)
	assert.Greater(t, res2.ConfigVersion, res.ConfigVersion)

	listed, err := c.Rules(ctx, true)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestClient_ValidationError(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.Apply(context.Background(), []Document{{
		Collection: "routing",
		ID:         "broken",
		Body:       types.RoutingRule{RuleID: "broken"},
	}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.NotErrorIs(t, err, ErrNotFound)
}
