package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Provider types supported by the completion runtime.
const (
	ProviderTypeAnthropic = "anthropic"
	ProviderTypeOpenAI    = "openai"
)

// Web search backends.
const (
	WebSearchBrave    = "brave"
	WebSearchGoogle   = "google"
	WebSearchDisabled = "disabled"
)

// ResearchConfig configures the research orchestrator.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are
//     managed via the separate local secrets file.
//   - Model ids are "<provider_id>/<model_name>".
type ResearchConfig struct {
	// Providers is the LLM provider registry available to the runtime.
	Providers []Provider `json:"providers,omitempty"`

	// DefaultModel is used when a submit does not name a model.
	DefaultModel ModelRef `json:"default_model"`

	// WebSearchProvider selects the search backend: brave|google|disabled.
	WebSearchProvider string `json:"web_search_provider,omitempty"`

	// GoogleSearchEngineID is the Custom Search engine id (cx) when the
	// google backend is selected.
	GoogleSearchEngineID string `json:"google_search_engine_id,omitempty"`

	// EffortPresets overrides the built-in effort level mappings.
	EffortPresets map[string]EffortPreset `json:"effort_presets,omitempty"`

	// Timeouts, in seconds. Zero means built-in default.
	NodeTimeoutSeconds  int `json:"node_timeout_seconds,omitempty"`
	QueryTimeoutSeconds int `json:"query_timeout_seconds,omitempty"`
	RunMaxWallSeconds   int `json:"run_max_wall_seconds,omitempty"`
}

type Provider struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // anthropic|openai
	Name    string `json:"name,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelName  string `json:"model_name"`
}

func (m ModelRef) ID() string {
	p := strings.TrimSpace(m.ProviderID)
	n := strings.TrimSpace(m.ModelName)
	if p == "" || n == "" {
		return ""
	}
	return p + "/" + n
}

// EffortPreset overrides one effort level's bounds.
type EffortPreset struct {
	MaxResearchLoops int `json:"max_research_loops" yaml:"max_research_loops"`
	QueriesPerRound  int `json:"queries_per_round" yaml:"queries_per_round"`
}

func (c *ResearchConfig) Validate() error {
	if c == nil {
		return errors.New("nil research config")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		switch strings.TrimSpace(strings.ToLower(p.Type)) {
		case ProviderTypeAnthropic, ProviderTypeOpenAI:
		default:
			return fmt.Errorf("providers[%d]: unsupported type %q", i, p.Type)
		}
		if raw := strings.TrimSpace(p.BaseURL); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("providers[%d]: invalid base_url", i)
			}
		}
	}
	if c.DefaultModel.ID() == "" {
		return errors.New("missing default_model")
	}
	if _, ok := seen[strings.TrimSpace(c.DefaultModel.ProviderID)]; !ok {
		return fmt.Errorf("default_model references unknown provider %q", c.DefaultModel.ProviderID)
	}
	switch strings.TrimSpace(strings.ToLower(c.WebSearchProvider)) {
	case "", WebSearchBrave, WebSearchGoogle, WebSearchDisabled:
	default:
		return fmt.Errorf("unsupported web_search_provider %q", c.WebSearchProvider)
	}
	for name, p := range c.EffortPresets {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("effort_presets: unknown level %q", name)
		}
		if p.MaxResearchLoops <= 0 || p.QueriesPerRound <= 0 {
			return fmt.Errorf("effort_presets[%s]: bounds must be positive", name)
		}
	}
	return nil
}

func (c *ResearchConfig) EffectiveWebSearchProvider() string {
	if c == nil {
		return WebSearchBrave
	}
	v := strings.TrimSpace(strings.ToLower(c.WebSearchProvider))
	if v == "" {
		return WebSearchBrave
	}
	return v
}

func (c *ResearchConfig) ProviderByID(id string) (Provider, bool) {
	id = strings.TrimSpace(id)
	if c == nil || id == "" {
		return Provider{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id {
			return p, true
		}
	}
	return Provider{}, false
}

func (c *ResearchConfig) EffectiveNodeTimeout() time.Duration {
	if c == nil || c.NodeTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.NodeTimeoutSeconds) * time.Second
}

func (c *ResearchConfig) EffectiveQueryTimeout() time.Duration {
	if c == nil || c.QueryTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c *ResearchConfig) EffectiveRunMaxWallTime() time.Duration {
	if c == nil || c.RunMaxWallSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunMaxWallSeconds) * time.Second
}
