package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// presetsFile is the YAML shape of an effort preset override file:
//
//	presets:
//	  low:
//	    max_research_loops: 1
//	    queries_per_round: 2
//	  high:
//	    max_research_loops: 6
//	    queries_per_round: 4
type presetsFile struct {
	Presets map[string]EffortPreset `yaml:"presets"`
}

// LoadEffortPresets reads an effort preset override file. A missing file is
// not an error; deployments without overrides simply use the built-ins.
func LoadEffortPresets(path string) (map[string]EffortPreset, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var pf presetsFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("invalid presets file: %w", err)
	}

	out := make(map[string]EffortPreset, len(pf.Presets))
	for name, p := range pf.Presets {
		name = strings.TrimSpace(strings.ToLower(name))
		switch name {
		case "low", "medium", "high":
		default:
			return nil, fmt.Errorf("invalid presets file: unknown level %q", name)
		}
		if p.MaxResearchLoops <= 0 || p.QueriesPerRound <= 0 {
			return nil, fmt.Errorf("invalid presets file: %s bounds must be positive", name)
		}
		out[name] = p
	}
	return out, nil
}
