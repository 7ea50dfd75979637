package memory

import (
	"math"

	"epochmesh/engine/models"
)

// DefaultDecayAlpha is the hyperbolic decay coefficient (per hour) applied to
// both trauma and confidence unless overridden per edge.
const DefaultDecayAlpha = 0.1

// DecayedTrauma applies hyperbolic decay toward zero:
//
//	current = raw / (1 + alpha*hours)
//
// The value at hours=0 equals raw; it is strictly non-increasing in hours.
func DecayedTrauma(raw, hours, alpha float64) float64 {
	if hours < 0 {
		hours = 0
	}
	if alpha <= 0 {
		alpha = DefaultDecayAlpha
	}
	return raw / (1 + alpha*hours)
}

// DecayedConfidence applies hyperbolic decay toward the neutral anchor 0.5:
//
//	current = 0.5 + (raw-0.5) / (1 + alpha*hours)
//
// High trust approaches 0.5 from above, low trust from below; the value never
// crosses neutral. Result is bounded to [0,1].
func DecayedConfidence(raw, hours, alpha float64) float64 {
	if hours < 0 {
		hours = 0
	}
	if alpha <= 0 {
		alpha = DefaultDecayAlpha
	}
	// Same curve written as raw + (0.5-raw)*x/(1+x) with x = alpha*hours, so
	// the value at hours=0 is exactly raw.
	x := alpha * hours
	return models.Clamp(raw+(0.5-raw)*(x/(1+x)), 0, 1)
}

// Wisdom scoring weights. Four factors: memory volume, event diversity,
// temporal span, and positive-action ratio.
const (
	wisdomCountWeight     = 0.30
	wisdomDiversityWeight = 0.25
	wisdomSpanWeight      = 0.20
	wisdomPositiveWeight  = 0.25

	wisdomCountSaturation = 100
	wisdomDiversityCap    = 6
	wisdomSpanCapHours    = 720
)

// WisdomScore aggregates experience into [0,1]. memoryCount saturates at 100
// on a log scale, distinctTypes counts up to 6 event categories, spanHours
// caps at 720, positiveRatio is the fraction of reward/dialogue interactions.
func WisdomScore(memoryCount, distinctTypes int, spanHours, positiveRatio float64) float64 {
	if memoryCount <= 0 {
		return 0
	}
	countFactor := math.Log1p(float64(memoryCount)) / math.Log1p(wisdomCountSaturation)
	if countFactor > 1 {
		countFactor = 1
	}
	if distinctTypes > wisdomDiversityCap {
		distinctTypes = wisdomDiversityCap
	}
	denom := memoryCount
	if denom > wisdomDiversityCap {
		denom = wisdomDiversityCap
	}
	diversityFactor := float64(distinctTypes) / float64(denom)
	spanFactor := math.Min(spanHours, wisdomSpanCapHours) / wisdomSpanCapHours
	positiveFactor := models.Clamp(positiveRatio, 0, 1)

	score := countFactor*wisdomCountWeight +
		diversityFactor*wisdomDiversityWeight +
		spanFactor*wisdomSpanWeight +
		positiveFactor*wisdomPositiveWeight
	return models.Clamp(score, 0, 1)
}

// Confidence modifiers applied per player action, scaled by intensity.
var confidenceModifiers = map[string]float64{
	models.ActionReward:     +0.10,
	models.ActionPunishment: -0.15,
	models.ActionCommand:    -0.05,
	models.ActionDialogue:   +0.08,
}

// ConfidenceModifier returns the per-unit-intensity confidence delta for a
// player action, zero for unrecognized actions.
func ConfidenceModifier(action string) float64 { return confidenceModifiers[action] }
