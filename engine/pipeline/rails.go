package pipeline

// Cognitive rails: the safety and consistency checks applied post-provider,
// pre-broadcast. Three predicates evaluate in order; the first failure vetoes
// with a textual reason. A veto is a first-class result, not an error.

import (
	"fmt"
	"strings"
	"time"

	"epochmesh/engine/models"
)

// Rails predicates, in evaluation order.
const (
	PredicateRebellion = "rebellion_veto"
	PredicateCoherence = "coherence"
	PredicateLatency   = "latency_budget"
)

type RailsConfig struct {
	VetoThreshold    float64
	MaxResponseChars int
	LatencyBudgets   map[models.Tier]time.Duration
}

func DefaultRailsConfig() RailsConfig {
	return RailsConfig{
		VetoThreshold:    0.80,
		MaxResponseChars: 8192,
		LatencyBudgets: map[models.Tier]time.Duration{
			models.TierRoutine:     2 * time.Second,
			models.TierOperational: 5 * time.Second,
			models.TierStrategic:   10 * time.Second,
		},
	}
}

// Verdict is the rails outcome for one event.
type Verdict struct {
	Vetoed    bool   `json:"vetoed"`
	Predicate string `json:"predicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Rails struct {
	cfg RailsConfig
}

func NewRails(cfg RailsConfig) *Rails {
	if cfg.VetoThreshold <= 0 {
		cfg.VetoThreshold = 0.80
	}
	if cfg.MaxResponseChars <= 0 {
		cfg.MaxResponseChars = 8192
	}
	if cfg.LatencyBudgets == nil {
		cfg.LatencyBudgets = DefaultRailsConfig().LatencyBudgets
	}
	return &Rails{cfg: cfg}
}

func (r *Rails) Config() RailsConfig { return r.cfg }

// Evaluate runs the predicates in order: rebellion veto, coherence, latency
// budget.
func (r *Rails) Evaluate(ev models.Event, content string, rebellionProbability float64, tier models.Tier, processing time.Duration) Verdict {
	if rebellionProbability >= r.cfg.VetoThreshold {
		return Verdict{
			Vetoed:    true,
			Predicate: PredicateRebellion,
			Reason:    fmt.Sprintf("rebellion probability %.2f at or above veto threshold %.2f", rebellionProbability, r.cfg.VetoThreshold),
		}
	}
	if reason := r.coherenceFailure(ev, content); reason != "" {
		return Verdict{Vetoed: true, Predicate: PredicateCoherence, Reason: reason}
	}
	if budget, ok := r.cfg.LatencyBudgets[tier]; ok && processing > budget {
		return Verdict{
			Vetoed:    true,
			Predicate: PredicateLatency,
			Reason:    fmt.Sprintf("processing %s exceeded %s budget %s", processing.Round(time.Millisecond), tier, budget),
		}
	}
	return Verdict{}
}

func (r *Rails) coherenceFailure(ev models.Event, content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "empty response"
	}
	if len(trimmed) > r.cfg.MaxResponseChars {
		return fmt.Sprintf("response length %d exceeds cap %d", len(trimmed), r.cfg.MaxResponseChars)
	}
	// A verbatim echo of the event description answers nothing.
	if ev.Description != "" && strings.EqualFold(trimmed, strings.TrimSpace(ev.Description)) {
		return "response trivially echoes the event"
	}
	return ""
}
