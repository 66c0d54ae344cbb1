package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validResearch() *ResearchConfig {
	return &ResearchConfig{
		Providers:    []Provider{{ID: "p1", Type: ProviderTypeAnthropic}},
		DefaultModel: ModelRef{ProviderID: "p1", ModelName: "model-x"},
	}
}

func TestResearchConfigValidate(t *testing.T) {
	t.Parallel()

	if err := validResearch().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*ResearchConfig)
	}{
		{"missing provider id", func(c *ResearchConfig) { c.Providers[0].ID = "" }},
		{"duplicate provider id", func(c *ResearchConfig) {
			c.Providers = append(c.Providers, Provider{ID: "p1", Type: ProviderTypeOpenAI})
		}},
		{"unsupported provider type", func(c *ResearchConfig) { c.Providers[0].Type = "bedrock" }},
		{"invalid base_url", func(c *ResearchConfig) { c.Providers[0].BaseURL = "::not-a-url" }},
		{"missing default_model", func(c *ResearchConfig) { c.DefaultModel = ModelRef{} }},
		{"default_model unknown provider", func(c *ResearchConfig) { c.DefaultModel.ProviderID = "p2" }},
		{"unsupported web_search_provider", func(c *ResearchConfig) { c.WebSearchProvider = "bing" }},
		{"unknown preset level", func(c *ResearchConfig) {
			c.EffortPresets = map[string]EffortPreset{"turbo": {MaxResearchLoops: 1, QueriesPerRound: 1}}
		}},
		{"non-positive preset bounds", func(c *ResearchConfig) {
			c.EffortPresets = map[string]EffortPreset{"low": {MaxResearchLoops: 0, QueriesPerRound: 1}}
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := validResearch()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestModelRefID(t *testing.T) {
	t.Parallel()

	if got := (ModelRef{ProviderID: " p1 ", ModelName: " m "}).ID(); got != "p1/m" {
		t.Fatalf("ID()=%q", got)
	}
	if got := (ModelRef{ProviderID: "p1"}).ID(); got != "" {
		t.Fatalf("partial ref ID()=%q, want empty", got)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	in := &Config{
		ListenAddr: "127.0.0.1:8787",
		LogFormat:  "json",
		LogLevel:   "debug",
		Research:   validResearch(),
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.ListenAddr != in.ListenAddr || out.LogFormat != "json" {
		t.Fatalf("loaded=%+v", out)
	}
	if out.Research == nil || out.Research.DefaultModel.ID() != "p1/model-x" {
		t.Fatalf("research section lost: %+v", out.Research)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"log_format":"xml"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("invalid log_format accepted")
	}
}

func TestLoadEffortPresets(t *testing.T) {
	t.Parallel()

	// A missing file is not an error.
	got, err := LoadEffortPresets(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || got != nil {
		t.Fatalf("missing file: got=%v err=%v", got, err)
	}

	path := filepath.Join(t.TempDir(), "presets.yaml")
	body := `
presets:
  low:
    max_research_loops: 2
    queries_per_round: 2
  HIGH:
    max_research_loops: 6
    queries_per_round: 4
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = LoadEffortPresets(path)
	if err != nil {
		t.Fatalf("LoadEffortPresets: %v", err)
	}
	if got["low"].MaxResearchLoops != 2 || got["high"].QueriesPerRound != 4 {
		t.Fatalf("presets=%+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("presets:\n  turbo:\n    max_research_loops: 1\n    queries_per_round: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadEffortPresets(bad); err == nil {
		t.Fatalf("unknown level accepted")
	}
}
