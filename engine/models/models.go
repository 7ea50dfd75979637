package models

import (
	"time"
)

// Timestamp carries both the ISO-8601 rendering and the milliseconds-since-epoch
// integer. The integer is authoritative; the string exists for human-facing
// payloads and is rendered from the same millisecond instant at construction.
type Timestamp struct {
	ISO    string `json:"iso"`
	UnixMs int64  `json:"unix_ms"`
}

// NewTimestamp builds a Timestamp from a time.Time (UTC, millisecond precision).
func NewTimestamp(t time.Time) Timestamp {
	t = t.UTC().Truncate(time.Millisecond)
	return Timestamp{ISO: t.Format(time.RFC3339Nano), UnixMs: t.UnixMilli()}
}

// Time reconstructs the authoritative instant from the millisecond field.
func (ts Timestamp) Time() time.Time { return time.UnixMilli(ts.UnixMs).UTC() }

// EventType classifies an inbound mesh event.
type EventType string

const (
	EventTelemetry         EventType = "telemetry"
	EventNPCQuery          EventType = "npc_query"
	EventResourceChange    EventType = "resource_change"
	EventCommand           EventType = "command"
	EventRebellionAnalysis EventType = "rebellion_analysis"
)

// KnownEventTypes is the closed set accepted at ingress; anything else is
// rejected with CodeInvalidInput.
var KnownEventTypes = map[EventType]struct{}{
	EventTelemetry:         {},
	EventNPCQuery:          {},
	EventResourceChange:    {},
	EventCommand:           {},
	EventRebellionAnalysis: {},
}

// Event is the inbound unit of work for the pipeline. EventID must be unique
// per processing attempt; NPCID auto-registers behavioral state on first sight.
// Urgency, when present, is normalized to [0,1].
type Event struct {
	EventID     string    `json:"event_id" binding:"required"`
	NPCID       string    `json:"npc_id" binding:"required"`
	EventType   EventType `json:"event_type" binding:"required"`
	Description string    `json:"description"`
	Urgency     *float64  `json:"urgency,omitempty"`
}

// Tier is the urgency tier assigned by classification.
type Tier string

const (
	TierRoutine     Tier = "routine"
	TierOperational Tier = "operational"
	TierStrategic   Tier = "strategic"
)

// MeshResponse is the fully-ordered outcome of one event's trip through the
// pipeline: classification, provider call, rebellion check, rails verdict.
type MeshResponse struct {
	EventID              string    `json:"event_id"`
	NPCID                string    `json:"npc_id"`
	Tier                 Tier      `json:"tier"`
	Provider             string    `json:"provider,omitempty"`
	Model                string    `json:"model,omitempty"`
	Content              string    `json:"content,omitempty"`
	Vetoed               bool      `json:"vetoed"`
	VetoReason           string    `json:"veto_reason,omitempty"`
	RebellionProbability float64   `json:"rebellion_probability"`
	Failover             bool      `json:"failover,omitempty"`
	LatencyMs            int64     `json:"latency_ms"`
	Cost                 float64   `json:"cost"`
	Timestamp            Timestamp `json:"timestamp"`
}

// BehaviorState is the mutable behavioral state of a single NPC. Probability-like
// fields are in [0,1] and mutate only through action application.
type BehaviorState struct {
	NPCID          string  `json:"npc_id"`
	Role           string  `json:"role,omitempty"`
	WorkEfficiency float64 `json:"work_efficiency"`
	Morale         float64 `json:"morale"`
	AvgTrauma      float64 `json:"avg_trauma"`
}

// MemoryNode is an append-only record in the memory graph.
type MemoryNode struct {
	MemoryID       string    `json:"memory_id"`
	NPCID          string    `json:"npc_id"`
	Event          string    `json:"event"`
	PlayerAction   string    `json:"player_action,omitempty"`
	WisdomScore    float64   `json:"wisdom_score"`
	TraumaScore    float64   `json:"trauma_score"`
	RawTraumaScore float64   `json:"raw_trauma_score"`
	Timestamp      Timestamp `json:"timestamp"`
}

// ConfidenceEdge models trust from an NPC toward an entity. EntityDirector
// designates the controlling player. Neutral anchor is 0.5; decay pulls toward
// neutral, never across it.
type ConfidenceEdge struct {
	NPCID       string    `json:"npc_id"`
	EntityID    string    `json:"entity_id"`
	Confidence  float64   `json:"confidence"`
	DecayRate   float64   `json:"decay_rate"`
	LastUpdated Timestamp `json:"last_updated"`
}

// EntityDirector is the distinguished entity id for the controlling player.
const EntityDirector = "director"

// NPCState is the aggregated read model served by the memory graph.
type NPCState struct {
	NPCID                string  `json:"npc_id"`
	WisdomScore          float64 `json:"wisdom_score"`
	TraumaScore          float64 `json:"trauma_score"`
	RebellionProbability float64 `json:"rebellion_probability"`
	WorkEfficiency       float64 `json:"work_efficiency"`
	Morale               float64 `json:"morale"`
	MemoryCount          int     `json:"memory_count"`
	LastEvent            string  `json:"last_event,omitempty"`
}

// PlayerAction names for confidence/behavior modifiers.
const (
	ActionReward      = "reward"
	ActionPunishment  = "punishment"
	ActionCommand     = "command"
	ActionDialogue    = "dialogue"
	ActionEnvironment = "environment"
)

// ResourceType identifies a simulated economy resource.
type ResourceType string

const (
	ResourceSim      ResourceType = "sim"
	ResourceRapidlum ResourceType = "rapidlum"
	ResourceMineral  ResourceType = "mineral"
)

// ResourceState tracks one resource's quantity and per-tick rates.
type ResourceState struct {
	Type            ResourceType `json:"type"`
	Quantity        float64      `json:"quantity"`
	ProductionRate  float64      `json:"production_rate"`
	ConsumptionRate float64      `json:"consumption_rate"`
}

// TickSnapshot is the per-tick simulation state published on simulation-ticks.
type TickSnapshot struct {
	TickNumber int64                           `json:"tick_number"`
	Resources  map[ResourceType]*ResourceState `json:"resources"`
	Facilities FacilityCounts                  `json:"facilities"`
	Population PopulationSnapshot              `json:"population"`
	Infestation InfestationSnapshot            `json:"infestation"`
}

type FacilityCounts struct {
	Refineries int `json:"refineries"`
	Mines      int `json:"mines"`
}

type PopulationSnapshot struct {
	ActiveNPCs                  int     `json:"active_npcs"`
	OverallRebellionProbability float64 `json:"overall_rebellion_probability"`
}

type InfestationSnapshot struct {
	Counter            float64 `json:"counter"`
	IsPlagueHeart      bool    `json:"is_plague_heart"`
	ThrottleMultiplier float64 `json:"throttle_multiplier"`
}

// Clamp restricts a value to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
