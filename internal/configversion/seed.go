package configversion

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// SeedFile 規則檔格式（`dispatchd rules apply -f` 與啟動時的 seed_file）
//
//	rules:
//	  - rule_id: batch-a-m1
//	    priority: 1
//	    conditions: {dataset: batch_A}
//	    actions: [{analysis_method_id: M1}]
//	    enabled: true
//	configs: [...]
//	instances: [...]
type SeedFile struct {
	Rules     []types.RoutingRule    `yaml:"rules"`
	Configs   []types.AnalysisConfig `yaml:"configs"`
	Instances []types.StoreInstance  `yaml:"instances"`
}

// LoadSeedFile 讀取並解析規則檔
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed 解析 YAML 規則內容並驗證每條規則
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i := range seed.Rules {
		seed.Rules[i].Conditions = normalizeYAML(seed.Rules[i].Conditions)
		if err := seed.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, seed.Rules[i].RuleID, err)
		}
	}
	return &seed, nil
}

// Apply 依序套用設定、實例、規則；每份文件各自遞增一次版本
//
// 順序保證規則引用的 config 在規則生效前已可讀取。
func (s *SeedFile) Apply(ctx context.Context, m *Manager) (int64, error) {
	var version int64
	for _, c := range s.Configs {
		v, err := m.PutConfig(ctx, c)
		if err != nil {
			return version, fmt.Errorf("config %s: %w", c.ConfigID, err)
		}
		version = v
	}
	for _, i := range s.Instances {
		v, err := m.PutInstance(ctx, i)
		if err != nil {
			return version, fmt.Errorf("instance %s: %w", i.InstanceID, err)
		}
		version = v
	}
	for _, r := range s.Rules {
		v, err := m.PutRule(ctx, r)
		if err != nil {
			return version, fmt.Errorf("rule %s: %w", r.RuleID, err)
		}
		version = v
	}
	return version, nil
}

// normalizeYAML 將 yaml 解出的整數統一為 int，其餘保持原樣
func normalizeYAML(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case int64:
			out[k] = int(n)
		case uint64:
			out[k] = int(n)
		default:
			out[k] = v
		}
	}
	return out
}
