package engine

import (
	"time"

	"epochmesh/engine/behavior"
	"epochmesh/engine/bus"
	"epochmesh/engine/memory"
	"epochmesh/engine/pipeline"
	"epochmesh/engine/watchdog"
)

// Config is the public configuration surface for the Engine facade. It
// narrows and normalizes the underlying component configs; advanced callers
// inject implementations via Options in New.
type Config struct {
	// Providers is the routing catalog; TierDefaults names the default
	// provider per tier.
	Providers    []pipeline.ProviderDescriptor
	TierDefaults map[string]string

	Pipeline pipeline.Config
	Memory   memory.Config
	Bus      bus.Config
	Watchdog watchdog.Config
	Phoenix  watchdog.PhoenixConfig

	Rebellion   behavior.RebellionConfig
	Infestation behavior.InfestationConfig
	Cleansing   behavior.CleansingConfig

	// TickInterval drives the simulation loop; 0 disables the ticker.
	TickInterval time.Duration

	// MetricsEnabled toggles the metrics provider wiring.
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled is true:
	//   "prom" (default) - built-in Prometheus registry
	//   "otel"           - OpenTelemetry bridge
	//   "noop"           - explicit no-op
	MetricsBackend string
}

// Defaults returns a Config with reasonable defaults and a mock provider
// catalog serving every tier.
func Defaults() Config {
	return Config{
		Providers: []pipeline.ProviderDescriptor{
			{
				ProviderID: "mock-primary",
				Priority:   1,
				Enabled:    true,
				Models: []pipeline.ModelDescriptor{
					{ID: "mock-fast", Tier: "routine", CostPer1KTokens: 0.1, MaxTokens: 4096, IsDefault: true},
					{ID: "mock-balanced", Tier: "operational", CostPer1KTokens: 0.5, MaxTokens: 8192, IsDefault: true},
					{ID: "mock-deep", Tier: "strategic", CostPer1KTokens: 2.0, MaxTokens: 16384, IsDefault: true},
				},
			},
			{
				ProviderID: "mock-secondary",
				Priority:   2,
				Enabled:    true,
				Models: []pipeline.ModelDescriptor{
					{ID: "mock-alt", Tier: "routine", CostPer1KTokens: 0.05, MaxTokens: 4096, IsDefault: true},
					{ID: "mock-alt-ops", Tier: "operational", CostPer1KTokens: 0.3, MaxTokens: 8192, IsDefault: true},
					{ID: "mock-alt-deep", Tier: "strategic", CostPer1KTokens: 1.5, MaxTokens: 8192, IsDefault: true},
				},
			},
		},
		TierDefaults: map[string]string{
			"routine":     "mock-primary",
			"operational": "mock-primary",
			"strategic":   "mock-primary",
		},
		Pipeline:       pipeline.DefaultConfig(),
		Memory:         memory.DefaultConfig(),
		Bus:            bus.Config{},
		Watchdog:       watchdog.DefaultConfig(),
		Phoenix:        watchdog.PhoenixConfig{LogPath: "phoenix-recovery.log"},
		Rebellion:      behavior.DefaultRebellionConfig(),
		Infestation:    behavior.DefaultInfestationConfig(),
		Cleansing:      behavior.DefaultCleansingConfig(),
		TickInterval:   time.Second,
		MetricsEnabled: false,
		MetricsBackend: "prom",
	}
}
