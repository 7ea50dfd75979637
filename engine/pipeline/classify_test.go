package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"epochmesh/engine/models"
)

func urgency(v float64) *float64 { return &v }

func TestClassifyTierAssignment(t *testing.T) {
	cases := []struct {
		name string
		ev   models.Event
		want models.Tier
	}{
		{"telemetry defaults routine", models.Event{EventType: models.EventTelemetry}, models.TierRoutine},
		{"npc query defaults routine", models.Event{EventType: models.EventNPCQuery}, models.TierRoutine},
		{"command is operational", models.Event{EventType: models.EventCommand}, models.TierOperational},
		{"resource change is operational", models.Event{EventType: models.EventResourceChange}, models.TierOperational},
		{"rebellion analysis always strategic", models.Event{EventType: models.EventRebellionAnalysis}, models.TierStrategic},
		{"high urgency escalates", models.Event{EventType: models.EventTelemetry, Urgency: urgency(0.9)}, models.TierStrategic},
		{"mid urgency escalates", models.Event{EventType: models.EventTelemetry, Urgency: urgency(0.5)}, models.TierOperational},
		{"strategic keyword", models.Event{EventType: models.EventNPCQuery, Description: "possible rebellion brewing"}, models.TierStrategic},
		{"operational keyword", models.Event{EventType: models.EventNPCQuery, Description: "urgent supply shortfall"}, models.TierOperational},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.ev))
		})
	}
}
