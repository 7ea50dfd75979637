package pipeline

// Provider registry: process-wide catalog of LLM providers and their models.
// Initialized once at startup; routing reads it without locks thereafter.

import (
	"fmt"
	"sort"

	"epochmesh/engine/models"
)

// ModelDescriptor is one model in a provider's catalog.
type ModelDescriptor struct {
	ID              string      `json:"id" yaml:"id"`
	Tier            models.Tier `json:"tier" yaml:"tier"`
	CostPer1KTokens float64     `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	MaxTokens       int         `json:"max_tokens" yaml:"max_tokens"`
	IsDefault       bool        `json:"is_default" yaml:"is_default"`
}

// ProviderDescriptor describes one provider. Lower priority routes first.
type ProviderDescriptor struct {
	ProviderID string            `json:"provider_id" yaml:"provider_id"`
	Priority   int               `json:"priority" yaml:"priority"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Models     []ModelDescriptor `json:"models" yaml:"models"`
}

// CoversTier reports whether the provider serves the tier at all.
func (p ProviderDescriptor) CoversTier(tier models.Tier) bool {
	for _, m := range p.Models {
		if m.Tier == tier {
			return true
		}
	}
	return false
}

// ModelForTier picks the default model for the tier, falling back to any
// covering model.
func (p ProviderDescriptor) ModelForTier(tier models.Tier) (ModelDescriptor, bool) {
	var fallback *ModelDescriptor
	for i, m := range p.Models {
		if m.Tier != tier {
			continue
		}
		if m.IsDefault {
			return m, true
		}
		if fallback == nil {
			fallback = &p.Models[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return ModelDescriptor{}, false
}

// ProviderRegistry holds the catalog sorted by ascending priority.
type ProviderRegistry struct {
	providers []ProviderDescriptor
	defaults  map[models.Tier]string // tier -> providerID serving it by default
}

// NewProviderRegistry validates and indexes the catalog. Exactly one default
// model per (provider, tier) is enforced for served tiers.
func NewProviderRegistry(providers []ProviderDescriptor, tierDefaults map[models.Tier]string) (*ProviderRegistry, error) {
	for _, p := range providers {
		defaults := map[models.Tier]int{}
		for _, m := range p.Models {
			if m.IsDefault {
				defaults[m.Tier]++
			} else if _, seen := defaults[m.Tier]; !seen {
				defaults[m.Tier] = 0
			}
		}
		for tier, n := range defaults {
			if n != 1 {
				return nil, fmt.Errorf("pipeline: provider %s has %d default models for tier %s", p.ProviderID, n, tier)
			}
		}
		for _, m := range p.Models {
			if m.Tier != models.TierRoutine && m.Tier != models.TierOperational && m.Tier != models.TierStrategic {
				return nil, fmt.Errorf("pipeline: provider %s model %s has unknown tier %q", p.ProviderID, m.ID, m.Tier)
			}
		}
	}
	sorted := append([]ProviderDescriptor(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &ProviderRegistry{providers: sorted, defaults: tierDefaults}, nil
}

// Providers returns the catalog in priority order.
func (r *ProviderRegistry) Providers() []ProviderDescriptor { return r.providers }

// Get returns a provider by id.
func (r *ProviderRegistry) Get(providerID string) (ProviderDescriptor, bool) {
	for _, p := range r.providers {
		if p.ProviderID == providerID {
			return p, true
		}
	}
	return ProviderDescriptor{}, false
}

// Candidates returns the ordered provider list for a tier: the tier's default
// provider first (when enabled and covering), then every other enabled
// covering provider by ascending priority.
func (r *ProviderRegistry) Candidates(tier models.Tier) []ProviderDescriptor {
	out := make([]ProviderDescriptor, 0, len(r.providers))
	defaultID := ""
	if r.defaults != nil {
		defaultID = r.defaults[tier]
	}
	if defaultID != "" {
		if p, ok := r.Get(defaultID); ok && p.Enabled && p.CoversTier(tier) {
			out = append(out, p)
		}
	}
	for _, p := range r.providers {
		if p.ProviderID == defaultID {
			continue
		}
		if p.Enabled && p.CoversTier(tier) {
			out = append(out, p)
		}
	}
	return out
}
