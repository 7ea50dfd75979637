package pipeline

import (
	"strings"

	"epochmesh/engine/models"
)

// Urgency breakpoints for tier assignment.
const (
	urgencyStrategic   = 0.8
	urgencyOperational = 0.4
)

var strategicKeywords = []string{"rebellion", "uprising", "critical", "emergency", "breakdown"}
var operationalKeywords = []string{"urgent", "alert", "warning", "conflict"}

// Classify assigns the urgency tier from event type, explicit urgency, and
// description heuristics. The strongest signal wins.
func Classify(ev models.Event) models.Tier {
	if ev.EventType == models.EventRebellionAnalysis {
		return models.TierStrategic
	}
	if ev.Urgency != nil && *ev.Urgency >= urgencyStrategic {
		return models.TierStrategic
	}
	desc := strings.ToLower(ev.Description)
	for _, kw := range strategicKeywords {
		if strings.Contains(desc, kw) {
			return models.TierStrategic
		}
	}
	if ev.Urgency != nil && *ev.Urgency >= urgencyOperational {
		return models.TierOperational
	}
	for _, kw := range operationalKeywords {
		if strings.Contains(desc, kw) {
			return models.TierOperational
		}
	}
	if ev.EventType == models.EventCommand || ev.EventType == models.EventResourceChange {
		return models.TierOperational
	}
	return models.TierRoutine
}
