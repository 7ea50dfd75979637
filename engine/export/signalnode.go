package export

// Reference exporter targeting a signal/node-property engine model: each
// envelope becomes a node path, a signal name, and a flat property bag.

import (
	"encoding/json"
	"fmt"

	"epochmesh/engine/models"
)

// SignalNodeEvent is the engine-native shape.
type SignalNodeEvent struct {
	NodePath   string                 `json:"node_path"`
	Signal     string                 `json:"signal"`
	Properties map[string]interface{} `json:"properties"`
}

type SignalNodeExporter struct{}

func (SignalNodeExporter) Name() string { return "signal-node" }

func (SignalNodeExporter) Export(env models.Envelope) (interface{}, error) {
	props, err := flatten(env.Data)
	if err != nil {
		return nil, err
	}
	out := SignalNodeEvent{Properties: props}
	switch env.Channel {
	case models.ChannelNPCEvents:
		npcID, _ := props["npc_id"].(string)
		out.NodePath = "/root/World/NPCs/" + npcID
		out.Signal = "ai_response"
	case models.ChannelRebellionAlerts:
		npcID, _ := props["npc_id"].(string)
		out.NodePath = "/root/World/NPCs/" + npcID
		out.Signal = "rebellion_alert"
		if p, ok := asProbability(props["rebellion_probability"]); ok {
			props["halt"] = p >= HaltThreshold
			props["veto"] = p >= VetoThreshold
		}
	case models.ChannelSimulationTicks:
		out.NodePath = "/root/World/Simulation"
		out.Signal = "tick"
	case models.ChannelNPCCommands:
		npcID, _ := props["npc_id"].(string)
		out.NodePath = "/root/World/NPCs/" + npcID
		out.Signal = "command"
	case models.ChannelTelemetry, models.ChannelSystemStatus, models.ChannelCognitiveRails:
		out.NodePath = "/root/World/Director"
		out.Signal = env.Channel
	default:
		return nil, fmt.Errorf("export: unmapped channel %q", env.Channel)
	}
	return out, nil
}

// flatten renders any payload as a string-keyed map.
func flatten(data interface{}) (map[string]interface{}, error) {
	if m, ok := data.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asProbability(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
