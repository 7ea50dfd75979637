package pipeline

import (
	"fmt"

	"epochmesh/engine/models"
)

// Tier-dependent instruction lines. Deliberately terse: prompt content beyond
// event metadata is not this system's concern.
var tierInstructions = map[models.Tier]string{
	models.TierRoutine:     "Respond briefly.",
	models.TierOperational: "Analyze and recommend.",
	models.TierStrategic:   "Deep analysis required. Consider rebellion risk.",
}

// BuildPrompt assembles the small tier-dependent template carrying event
// metadata and the instruction line.
func BuildPrompt(ev models.Event, tier models.Tier) string {
	urgency := 0.5
	if ev.Urgency != nil {
		urgency = *ev.Urgency
	}
	return fmt.Sprintf("NPC %s | event %s (%s) | urgency %.2f\n%s\n%s",
		ev.NPCID, ev.EventID, ev.EventType, urgency, ev.Description, tierInstructions[tier])
}
