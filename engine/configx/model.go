package configx

import "time"

// MeshConfigSpec is the canonical hierarchical configuration payload. Layers
// merge partial specs by precedence to produce the runtime config.
type MeshConfigSpec struct {
	Global    *GlobalSection    `json:"global,omitempty" yaml:"global,omitempty"`
	Providers *ProvidersSection `json:"providers,omitempty" yaml:"providers,omitempty"`
	Memory    *MemorySection    `json:"memory,omitempty" yaml:"memory,omitempty"`
	Bus       *BusSection       `json:"bus,omitempty" yaml:"bus,omitempty"`
	Behavior  *BehaviorSection  `json:"behavior,omitempty" yaml:"behavior,omitempty"`
	Watchdog  *WatchdogSection  `json:"watchdog,omitempty" yaml:"watchdog,omitempty"`
}

// GlobalSection captures cross-cutting limits applied to the whole mesh.
type GlobalSection struct {
	HTTPAddr      string        `json:"http_addr,omitempty" yaml:"http_addr,omitempty"`
	StreamAddr    string        `json:"stream_addr,omitempty" yaml:"stream_addr,omitempty"`
	LoggingLevel  string        `json:"logging_level,omitempty" yaml:"logging_level,omitempty"`
	EventDeadline time.Duration `json:"event_deadline,omitempty" yaml:"event_deadline,omitempty"`
	MetricsEnabled *bool        `json:"metrics_enabled,omitempty" yaml:"metrics_enabled,omitempty"`
	MetricsBackend string       `json:"metrics_backend,omitempty" yaml:"metrics_backend,omitempty"`
}

// ProvidersSection drives routing and breaker behavior.
type ProvidersSection struct {
	FailThreshold  int           `json:"fail_threshold,omitempty" yaml:"fail_threshold,omitempty"`
	OpenDuration   time.Duration `json:"open_duration,omitempty" yaml:"open_duration,omitempty"`
	HalfOpenProbes int           `json:"half_open_probes,omitempty" yaml:"half_open_probes,omitempty"`
	MockMode       *bool         `json:"mock_mode,omitempty" yaml:"mock_mode,omitempty"`
}

// MemorySection tunes the graph, session pool, and retry ring.
type MemorySection struct {
	BackendDSN     string        `json:"backend_dsn,omitempty" yaml:"backend_dsn,omitempty"`
	PoolSize       int           `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	AcquireTimeout time.Duration `json:"acquire_timeout,omitempty" yaml:"acquire_timeout,omitempty"`
	RetryCapacity  int           `json:"retry_capacity,omitempty" yaml:"retry_capacity,omitempty"`
	RetryMaxAge    time.Duration `json:"retry_max_age,omitempty" yaml:"retry_max_age,omitempty"`
	FlushInterval  time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	RetentionLimit int           `json:"retention_limit,omitempty" yaml:"retention_limit,omitempty"`
}

// BusSection tunes the streaming bus.
type BusSection struct {
	SubscriberBuffer int `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty"`
	Retention        int `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// BehaviorSection tunes the behavior engine and simulation cadence.
type BehaviorSection struct {
	TickInterval  time.Duration `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`
	HaltThreshold float64       `json:"halt_threshold,omitempty" yaml:"halt_threshold,omitempty"`
	VetoThreshold float64       `json:"veto_threshold,omitempty" yaml:"veto_threshold,omitempty"`
}

// WatchdogSection tunes supervision.
type WatchdogSection struct {
	RestartBudget int           `json:"restart_budget,omitempty" yaml:"restart_budget,omitempty"`
	BudgetWindow  time.Duration `json:"budget_window,omitempty" yaml:"budget_window,omitempty"`
	PhoenixLog    string        `json:"phoenix_log,omitempty" yaml:"phoenix_log,omitempty"`
}

// Merge overlays other onto s, section by section; non-zero fields in other
// win. Returns the merged copy.
func (s MeshConfigSpec) Merge(other MeshConfigSpec) MeshConfigSpec {
	out := s
	if other.Global != nil {
		out.Global = mergeGlobal(s.Global, other.Global)
	}
	if other.Providers != nil {
		out.Providers = mergeProviders(s.Providers, other.Providers)
	}
	if other.Memory != nil {
		out.Memory = mergeMemory(s.Memory, other.Memory)
	}
	if other.Bus != nil {
		out.Bus = mergeBus(s.Bus, other.Bus)
	}
	if other.Behavior != nil {
		out.Behavior = mergeBehavior(s.Behavior, other.Behavior)
	}
	if other.Watchdog != nil {
		out.Watchdog = mergeWatchdog(s.Watchdog, other.Watchdog)
	}
	return out
}

func mergeGlobal(base, over *GlobalSection) *GlobalSection {
	out := GlobalSection{}
	if base != nil {
		out = *base
	}
	if over.HTTPAddr != "" {
		out.HTTPAddr = over.HTTPAddr
	}
	if over.StreamAddr != "" {
		out.StreamAddr = over.StreamAddr
	}
	if over.LoggingLevel != "" {
		out.LoggingLevel = over.LoggingLevel
	}
	if over.EventDeadline > 0 {
		out.EventDeadline = over.EventDeadline
	}
	if over.MetricsEnabled != nil {
		out.MetricsEnabled = over.MetricsEnabled
	}
	if over.MetricsBackend != "" {
		out.MetricsBackend = over.MetricsBackend
	}
	return &out
}

func mergeProviders(base, over *ProvidersSection) *ProvidersSection {
	out := ProvidersSection{}
	if base != nil {
		out = *base
	}
	if over.FailThreshold > 0 {
		out.FailThreshold = over.FailThreshold
	}
	if over.OpenDuration > 0 {
		out.OpenDuration = over.OpenDuration
	}
	if over.HalfOpenProbes > 0 {
		out.HalfOpenProbes = over.HalfOpenProbes
	}
	if over.MockMode != nil {
		out.MockMode = over.MockMode
	}
	return &out
}

func mergeMemory(base, over *MemorySection) *MemorySection {
	out := MemorySection{}
	if base != nil {
		out = *base
	}
	if over.BackendDSN != "" {
		out.BackendDSN = over.BackendDSN
	}
	if over.PoolSize > 0 {
		out.PoolSize = over.PoolSize
	}
	if over.AcquireTimeout > 0 {
		out.AcquireTimeout = over.AcquireTimeout
	}
	if over.RetryCapacity > 0 {
		out.RetryCapacity = over.RetryCapacity
	}
	if over.RetryMaxAge > 0 {
		out.RetryMaxAge = over.RetryMaxAge
	}
	if over.FlushInterval > 0 {
		out.FlushInterval = over.FlushInterval
	}
	if over.RetentionLimit > 0 {
		out.RetentionLimit = over.RetentionLimit
	}
	return &out
}

func mergeBus(base, over *BusSection) *BusSection {
	out := BusSection{}
	if base != nil {
		out = *base
	}
	if over.SubscriberBuffer > 0 {
		out.SubscriberBuffer = over.SubscriberBuffer
	}
	if over.Retention > 0 {
		out.Retention = over.Retention
	}
	return &out
}

func mergeBehavior(base, over *BehaviorSection) *BehaviorSection {
	out := BehaviorSection{}
	if base != nil {
		out = *base
	}
	if over.TickInterval > 0 {
		out.TickInterval = over.TickInterval
	}
	if over.HaltThreshold > 0 {
		out.HaltThreshold = over.HaltThreshold
	}
	if over.VetoThreshold > 0 {
		out.VetoThreshold = over.VetoThreshold
	}
	return &out
}

func mergeWatchdog(base, over *WatchdogSection) *WatchdogSection {
	out := WatchdogSection{}
	if base != nil {
		out = *base
	}
	if over.RestartBudget > 0 {
		out.RestartBudget = over.RestartBudget
	}
	if over.BudgetWindow > 0 {
		out.BudgetWindow = over.BudgetWindow
	}
	if over.PhoenixLog != "" {
		out.PhoenixLog = over.PhoenixLog
	}
	return &out
}
