// Package config provides configuration loading utilities for model pricing.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelRate prices one model per 1000 tokens, in currency units.
type ModelRate struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// PricingTable maps model ids to rates, with per-service-type defaults for
// models that have no explicit entry.
type PricingTable struct {
	Models   map[string]ModelRate `yaml:"models"`
	Defaults map[string]ModelRate `yaml:"defaults"`
}

// defaultPricing is used when no pricing file is configured. Rates are
// per-1k-token list prices for the common models of each family.
var defaultPricing = PricingTable{
	Models: map[string]ModelRate{
		"claude-3-5-sonnet": {Prompt: 0.003, Completion: 0.015},
		"claude-3-haiku":    {Prompt: 0.00025, Completion: 0.00125},
		"gemini-1.5-pro":    {Prompt: 0.00125, Completion: 0.005},
		"gpt-4o":            {Prompt: 0.0025, Completion: 0.01},
		"gpt-4o-mini":       {Prompt: 0.00015, Completion: 0.0006},
		"qwen-max":          {Prompt: 0.0024, Completion: 0.0096},
	},
	Defaults: map[string]ModelRate{
		"claude": {Prompt: 0.003, Completion: 0.015},
		"gemini": {Prompt: 0.00125, Completion: 0.005},
		"openai": {Prompt: 0.0025, Completion: 0.01},
		"qwen":   {Prompt: 0.0024, Completion: 0.0096},
	},
}

// LoadPricing reads the pricing table from path, or returns the embedded
// defaults when path is empty.
func LoadPricing(path string) (PricingTable, error) {
	if path == "" {
		return defaultPricing, nil
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return PricingTable{}, fmt.Errorf("op=pricing.load: %w", err)
	}
	var t PricingTable
	if err := yaml.Unmarshal(content, &t); err != nil {
		return PricingTable{}, fmt.Errorf("op=pricing.parse: %w", err)
	}
	if t.Models == nil {
		t.Models = map[string]ModelRate{}
	}
	if t.Defaults == nil {
		t.Defaults = defaultPricing.Defaults
	}
	return t, nil
}

// Rate resolves the rate for a model, falling back to the service-type
// default, then to zero.
func (t PricingTable) Rate(model string, serviceType string) ModelRate {
	if r, ok := t.Models[model]; ok {
		return r
	}
	// Prefix match lets dated snapshots (claude-3-haiku-20240307) share the
	// base model's rate.
	for id, r := range t.Models {
		if strings.HasPrefix(model, id) {
			return r
		}
	}
	if r, ok := t.Defaults[serviceType]; ok {
		return r
	}
	return ModelRate{}
}

// Cost computes the charge for one completion.
func (t PricingTable) Cost(model string, serviceType string, promptTokens, completionTokens int64) float64 {
	r := t.Rate(model, serviceType)
	return float64(promptTokens)/1000.0*r.Prompt + float64(completionTokens)/1000.0*r.Completion
}
