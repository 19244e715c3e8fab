package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-orchestrator/internal/config"
	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// TierParams binds one tier to its backends and call parameters.
type TierParams struct {
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	FallbackProvider string        `yaml:"fallback_provider"`
	FallbackModel    string        `yaml:"fallback_model"`
	MaxTokens        int           `yaml:"max_tokens"`
	Latency          time.Duration `yaml:"latency"`
	Temperature      float64       `yaml:"temperature"`
	DeepReasoning    bool          `yaml:"deep_reasoning"`
}

// Table is the static task-kind to tier mapping plus per-tier parameters.
type Table struct {
	Kinds map[string]models.Tier     `yaml:"kinds"`
	Tiers map[models.Tier]TierParams `yaml:"tiers"`
}

// LoadTable reads a routing table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse routing table %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}
	return &t, nil
}

// TableFromConfig builds the table from the router config section.
func TableFromConfig(kinds map[string]string, tiers map[string]config.TierConfig) (*Table, error) {
	t := &Table{
		Kinds: make(map[string]models.Tier, len(kinds)),
		Tiers: make(map[models.Tier]TierParams, len(tiers)),
	}
	for kind, tier := range kinds {
		t.Kinds[kind] = models.Tier(tier)
	}
	for name, tc := range tiers {
		t.Tiers[models.Tier(name)] = TierParams{
			Provider:         tc.Provider,
			Model:            tc.Model,
			FallbackProvider: tc.FallbackProvider,
			FallbackModel:    tc.FallbackModel,
			MaxTokens:        tc.MaxTokens,
			Latency:          tc.Latency,
			Temperature:      tc.Temperature,
			DeepReasoning:    tc.DeepReasoning,
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every tier is defined and every kind maps to one.
func (t *Table) Validate() error {
	for _, tier := range models.Tiers {
		p, ok := t.Tiers[tier]
		if !ok {
			return fmt.Errorf("tier %s is not defined", tier)
		}
		if p.Provider == "" || p.Model == "" {
			return fmt.Errorf("tier %s requires provider and model", tier)
		}
		if (p.FallbackProvider == "") != (p.FallbackModel == "") {
			return fmt.Errorf("tier %s: fallback provider and model must be set together", tier)
		}
		if p.MaxTokens <= 0 {
			return fmt.Errorf("tier %s: max_tokens must be positive", tier)
		}
		if p.Latency <= 0 {
			return fmt.Errorf("tier %s: latency must be positive", tier)
		}
	}
	for tier := range t.Tiers {
		if tier.Rank() < 0 {
			return fmt.Errorf("unknown tier %q", tier)
		}
	}
	if len(t.Kinds) == 0 {
		return fmt.Errorf("no task kinds defined")
	}
	for kind, tier := range t.Kinds {
		if tier.Rank() < 0 {
			return fmt.Errorf("kind %s maps to unknown tier %q", kind, tier)
		}
	}
	return nil
}
