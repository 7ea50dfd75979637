package models

// Bus channel names. The set is closed; publishes to unknown channels are
// rejected at the bus boundary.
const (
	ChannelNPCEvents       = "npc-events"
	ChannelRebellionAlerts = "rebellion-alerts"
	ChannelSimulationTicks = "simulation-ticks"
	ChannelTelemetry       = "telemetry"
	ChannelSystemStatus    = "system-status"
	ChannelNPCCommands     = "npc-commands"
	ChannelCognitiveRails  = "cognitive-rails"

	// ChannelWildcard subscribes to every channel.
	ChannelWildcard = "*"
)

// KnownChannels enumerates the closed channel set (wildcard excluded).
var KnownChannels = map[string]struct{}{
	ChannelNPCEvents:       {},
	ChannelRebellionAlerts: {},
	ChannelSimulationTicks: {},
	ChannelTelemetry:       {},
	ChannelSystemStatus:    {},
	ChannelNPCCommands:     {},
	ChannelCognitiveRails:  {},
}

// Envelope wraps every outbound message. Data is the channel-specific payload,
// validated against the channel's declared shape before fan-out.
type Envelope struct {
	Channel   string      `json:"channel" validate:"required"`
	Data      interface{} `json:"data" validate:"required"`
	Timestamp string      `json:"timestamp"`
}

// TelemetryEventType discriminates psychological/system telemetry payloads.
type TelemetryEventType string

const (
	TelemetryMentalBreakdown TelemetryEventType = "mental_breakdown"
	TelemetryPermanentTrauma TelemetryEventType = "permanent_trauma"
	TelemetryStateChange     TelemetryEventType = "state_change"
	TelemetryRebellion       TelemetryEventType = "rebellion"
	TelemetryWatchdogRestart TelemetryEventType = "watchdog_restart"
	TelemetryStartup         TelemetryEventType = "startup"
	TelemetryShutdown        TelemetryEventType = "shutdown"
	TelemetryCleansingResult TelemetryEventType = "cleansing_result"
	TelemetryInfestation     TelemetryEventType = "infestation"
)

// Severity grades telemetry events.
type Severity string

const (
	SeverityInfo         Severity = "info"
	SeverityWarning      Severity = "warning"
	SeverityCritical     Severity = "critical"
	SeverityCatastrophic Severity = "catastrophic"
)

// TelemetryEvent is the payload published on the telemetry channel.
type TelemetryEvent struct {
	Type     TelemetryEventType     `json:"type" validate:"required"`
	Severity Severity               `json:"severity" validate:"required,oneof=info warning critical catastrophic"`
	NPCID    string                 `json:"npc_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Timestamp Timestamp             `json:"timestamp"`
}

// NPC command verbs the server may fan out. The server never computes
// engine-side navigation; the receiving engine executes.
const (
	CommandMoveTo      = "move_to"
	CommandStop        = "stop"
	CommandLookAt      = "look_at"
	CommandPlayMontage = "play_montage"
)

// NPCCommand is a server-to-client navigation or action command published on
// npc-commands after schema validation.
type NPCCommand struct {
	CommandID string                 `json:"command_id"`
	NPCID     string                 `json:"npc_id" validate:"required"`
	Command   string                 `json:"command" validate:"required,oneof=move_to stop look_at play_montage"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Priority  int                    `json:"priority" validate:"gte=0,lte=10"`
}
