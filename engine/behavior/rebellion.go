package behavior

import (
	"epochmesh/engine/models"
)

// RebellionConfig defines the weights and thresholds for rebellion calculation.
type RebellionConfig struct {
	BaseProbability  float64 // default 0.05
	TraumaWeight     float64 // default 0.30
	EfficiencyWeight float64 // default 0.30
	MoraleWeight     float64 // default 0.20
	HaltThreshold    float64 // default 0.35; reaching it exactly counts as exceeded
	VetoThreshold    float64 // default 0.80
}

// DefaultRebellionConfig returns the standard weights.
func DefaultRebellionConfig() RebellionConfig {
	return RebellionConfig{
		BaseProbability:  0.05,
		TraumaWeight:     0.30,
		EfficiencyWeight: 0.30,
		MoraleWeight:     0.20,
		HaltThreshold:    0.35,
		VetoThreshold:    0.80,
	}
}

// RebellionFactors breaks down each factor's contribution.
type RebellionFactors struct {
	Base               float64 `json:"base"`
	TraumaModifier     float64 `json:"trauma_modifier"`
	EfficiencyModifier float64 `json:"efficiency_modifier"`
	MoraleModifier     float64 `json:"morale_modifier"`
}

// RebellionResult is the computed probability plus threshold semantics.
type RebellionResult struct {
	NPCID             string           `json:"npc_id"`
	Probability       float64          `json:"probability"`
	Factors           RebellionFactors `json:"factors"`
	ThresholdExceeded bool             `json:"threshold_exceeded"`
	HaltTriggered     bool             `json:"halt_triggered"`
}

// NPCAction is a director action applied to an NPC's behavioral state.
type NPCAction struct {
	ActionID   string  `json:"action_id"`
	NPCID      string  `json:"npc_id"`
	ActionType string  `json:"action_type"`
	Intensity  float64 `json:"intensity"` // 0.0-1.0
	DryRun     bool    `json:"dry_run,omitempty"`
}

// ActionEffect is the per-field delta an action produced (or would produce,
// under dry run).
type ActionEffect struct {
	NPCID           string               `json:"npc_id"`
	MoraleDelta     float64              `json:"morale_delta"`
	TraumaDelta     float64              `json:"trauma_delta"`
	EfficiencyDelta float64              `json:"efficiency_delta"`
	Before          models.BehaviorState `json:"before"`
	After           models.BehaviorState `json:"after"`
	DryRun          bool                 `json:"dry_run"`
}

// RebellionEngine computes rebellion probabilities and action effects. The
// probability is a pure function of the profile; the engine carries only
// configuration.
type RebellionEngine struct {
	config RebellionConfig
}

func NewRebellionEngine(config RebellionConfig) *RebellionEngine {
	return &RebellionEngine{config: config}
}

func (e *RebellionEngine) Config() RebellionConfig { return e.config }

// Probability computes
//
//	clamp(base + avgTrauma*wTrauma + (1-efficiency)*wEfficiency + (1-morale)*wMorale, 0, 1)
//
// ThresholdExceeded is true when probability >= HaltThreshold; HaltTriggered
// mirrors it.
func (e *RebellionEngine) Probability(state models.BehaviorState) RebellionResult {
	factors := RebellionFactors{
		Base:               e.config.BaseProbability,
		TraumaModifier:     state.AvgTrauma * e.config.TraumaWeight,
		EfficiencyModifier: (1.0 - state.WorkEfficiency) * e.config.EfficiencyWeight,
		MoraleModifier:     (1.0 - state.Morale) * e.config.MoraleWeight,
	}
	p := models.Clamp(factors.Base+factors.TraumaModifier+factors.EfficiencyModifier+factors.MoraleModifier, 0, 1)
	exceeded := p >= e.config.HaltThreshold
	return RebellionResult{
		NPCID:             state.NPCID,
		Probability:       p,
		Factors:           factors,
		ThresholdExceeded: exceeded,
		HaltTriggered:     exceeded,
	}
}

// VetoTriggered reports whether p crosses the veto threshold.
func (e *RebellionEngine) VetoTriggered(p float64) bool { return p >= e.config.VetoThreshold }

// ApplyAction computes the post-state for an action. Effects per type:
//
//	reward:      morale +0.15*i, trauma -0.05*i
//	punishment:  morale -0.20*i, trauma +0.15*i
//	command:     morale -0.05*i, efficiency +0.10*i
//	dialogue:    morale +0.10*i
//	environment: trauma +0.10*i
//
// Every field is clamped to [0,1] after application. The caller decides
// whether to persist the post-state (dry run returns it without mutation).
func (e *RebellionEngine) ApplyAction(state models.BehaviorState, action NPCAction) ActionEffect {
	i := models.Clamp(action.Intensity, 0, 1)
	after := state
	switch action.ActionType {
	case models.ActionReward:
		after.Morale += i * 0.15
		after.AvgTrauma -= i * 0.05
	case models.ActionPunishment:
		after.Morale -= i * 0.20
		after.AvgTrauma += i * 0.15
	case models.ActionCommand:
		after.WorkEfficiency += i * 0.10
		after.Morale -= i * 0.05
	case models.ActionDialogue:
		after.Morale += i * 0.10
	case models.ActionEnvironment:
		after.AvgTrauma += i * 0.10
	}
	after.Morale = models.Clamp(after.Morale, 0, 1)
	after.AvgTrauma = models.Clamp(after.AvgTrauma, 0, 1)
	after.WorkEfficiency = models.Clamp(after.WorkEfficiency, 0, 1)

	return ActionEffect{
		NPCID:           state.NPCID,
		MoraleDelta:     after.Morale - state.Morale,
		TraumaDelta:     after.AvgTrauma - state.AvgTrauma,
		EfficiencyDelta: after.WorkEfficiency - state.WorkEfficiency,
		Before:          state,
		After:           after,
		DryRun:          action.DryRun,
	}
}

// BatchProbability applies the formula independently per NPC, preserving
// input order.
func (e *RebellionEngine) BatchProbability(states []models.BehaviorState) []RebellionResult {
	results := make([]RebellionResult, len(states))
	for i, s := range states {
		results[i] = e.Probability(s)
	}
	return results
}
