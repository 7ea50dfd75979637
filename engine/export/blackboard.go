package export

// Reference exporter targeting a struct/blackboard/morph-target engine model:
// behavioral numbers become blackboard keys for the behavior tree and morph
// weights for the face rig.

import (
	"fmt"

	"epochmesh/engine/models"
)

// BlackboardUpdate is the engine-native shape.
type BlackboardUpdate struct {
	ActorTag       string                 `json:"actor_tag"`
	BlackboardKeys map[string]interface{} `json:"blackboard_keys"`
	MorphTargets   map[string]float64     `json:"morph_targets"`
}

type BlackboardExporter struct{}

func (BlackboardExporter) Name() string { return "blackboard" }

func (BlackboardExporter) Export(env models.Envelope) (interface{}, error) {
	props, err := flatten(env.Data)
	if err != nil {
		return nil, err
	}
	npcID, _ := props["npc_id"].(string)
	out := BlackboardUpdate{
		ActorTag:       npcID,
		BlackboardKeys: make(map[string]interface{}),
		MorphTargets:   make(map[string]float64),
	}
	switch env.Channel {
	case models.ChannelNPCEvents:
		out.BlackboardKeys["LastAIResponse"] = props["content"]
		out.BlackboardKeys["LastTier"] = props["tier"]
		if p, ok := asProbability(props["rebellion_probability"]); ok {
			applyRebellion(&out, p)
		}
	case models.ChannelRebellionAlerts:
		if p, ok := asProbability(props["rebellion_probability"]); ok {
			applyRebellion(&out, p)
		}
		out.BlackboardKeys["VetoActive"] = true
	case models.ChannelNPCCommands:
		out.BlackboardKeys["PendingCommand"] = props["command"]
		out.BlackboardKeys["CommandParams"] = props["params"]
		out.BlackboardKeys["CommandPriority"] = props["priority"]
	case models.ChannelTelemetry:
		out.BlackboardKeys["TelemetryType"] = props["type"]
		out.BlackboardKeys["TelemetrySeverity"] = props["severity"]
	case models.ChannelSimulationTicks, models.ChannelSystemStatus, models.ChannelCognitiveRails:
		// World-scoped channels carry no per-actor transformation here.
		return nil, nil
	default:
		return nil, fmt.Errorf("export: unmapped channel %q", env.Channel)
	}
	return out, nil
}

func applyRebellion(out *BlackboardUpdate, p float64) {
	out.BlackboardKeys["RebellionProbability"] = p
	out.BlackboardKeys["HaltTriggered"] = p >= HaltThreshold
	out.BlackboardKeys["VetoTriggered"] = p >= VetoThreshold
	// Face rig: scowl scales with rebellion pressure up to the veto point.
	out.MorphTargets["BrowFurrow"] = clamp01(p / VetoThreshold)
	out.MorphTargets["JawClench"] = clamp01((p - HaltThreshold) / (1 - HaltThreshold))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
