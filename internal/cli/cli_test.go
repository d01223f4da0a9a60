package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-dispatch/internal/api"
	"github.com/ChuLiYu/analysis-dispatch/internal/client"
	"github.com/ChuLiYu/analysis-dispatch/internal/config"
	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
	"github.com/ChuLiYu/analysis-dispatch/internal/routing"
)

const rulesYAML = `
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
  - rule_id: batch-b
    rule_name: batch B
    priority: 2
    conditions: {dataset: batch_B}
    actions:
      - analysis_method_id: M2
    enabled: false
`

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "dispatchd", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["coordinator"], "Should have 'coordinator' command")
	assert.True(t, names["worker"], "Should have 'worker' command")
	assert.True(t, names["rules"], "Should have 'rules' command")
	assert.True(t, names["status"], "Should have 'status' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/dispatchd.yaml", configFlag.DefValue)
}

func TestBuildCoordinatorCommand(t *testing.T) {
	cmd := buildCoordinatorCommand()

	assert.Equal(t, "coordinator", cmd.Use)
	assert.Contains(t, cmd.Aliases, "run")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	for _, name := range []string{"coordinator", "node-id", "capabilities", "concurrency", "max-duration", "failure-rate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.Equal(t, "2s", cmd.Flags().Lookup("max-duration").DefValue)
}

func TestBuildRulesCommand(t *testing.T) {
	cmd := buildRulesCommand()

	var apply, list bool
	for _, c := range cmd.Commands() {
		switch c.Name() {
		case "apply":
			apply = true
			fileFlag := c.Flags().Lookup("file")
			require.NotNil(t, fileFlag, "Should have --file flag")
			assert.Equal(t, "f", fileFlag.Shorthand)
		case "list":
			list = true
			assert.NotNil(t, c.Flags().Lookup("all"))
		}
	}
	assert.True(t, apply, "Should have 'rules apply'")
	assert.True(t, list, "Should have 'rules list'")
}

func TestRulesApply_RequiresFile(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetArgs([]string{"rules", "apply", "--coordinator", "http://127.0.0.1:1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

// newCoordinator 以記憶體元件啟動 HTTP API
func newCoordinator(t *testing.T) (string, *configversion.Manager) {
	t.Helper()
	rules := configversion.NewManager(configversion.NewMemoryStore(), configversion.Options{})
	srv := api.New(config.HTTPConfig{}, "", api.Deps{
		Registry: registry.New(registry.NewMemoryStore(), registry.Options{}),
		Rules:    rules,
		Matcher:  routing.NewMatcher(rules, nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, rules
}

func TestApplyAndListRules(t *testing.T) {
	url, rules := newCoordinator(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0644))

	c := client.New(url, time.Second)

	var out bytes.Buffer
	require.NoError(t, applyRules(ctx, c, path, &out))
	assert.Contains(t, out.String(), "created 3, updated 0")

	stored, err := rules.Rules(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// 再次套用只會更新
	out.Reset()
	require.NoError(t, applyRules(ctx, c, path, &out))
	assert.Contains(t, out.String(), "created 0, updated 3")

	out.Reset()
	require.NoError(t, listRules(ctx, c, true, &out))
	assert.Contains(t, out.String(), "batch-a")
	assert.NotContains(t, out.String(), "batch-b")

	out.Reset()
	require.NoError(t, listRules(ctx, c, false, &out))
	assert.Contains(t, out.String(), "batch-b")
}

func TestApplyRules_InvalidFile(t *testing.T) {
	url, _ := newCoordinator(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - rule_id: broken\n    priority: 1\n"), 0644))

	err := applyRules(context.Background(), client.New(url, time.Second), path, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestShowStatus(t *testing.T) {
	url, _ := newCoordinator(t)
	ctx := context.Background()
	c := client.New(url, time.Second)

	_, err := c.Register(ctx, registry.RegisterRequest{NodeID: "gpu-01", Capabilities: []string{"M1"}})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showStatus(ctx, c, &out))
	assert.Contains(t, out.String(), "Healthy:        true")
	assert.Contains(t, out.String(), "Nodes: 1 total, 0 online, 1 offline")
	assert.Contains(t, out.String(), "gpu-01")
}

func TestNewConsumer_MemoryRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Backend = "memory"

	_, err := newConsumer(cfg, nil)
	assert.Error(t, err)
}
