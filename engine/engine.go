// Package engine composes the mesh subsystems behind a single facade: event
// pipeline with cognitive rails, behavior engine, persistent memory graph,
// streaming bus, and the supervisory watchdog with phoenix recovery.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"epochmesh/engine/behavior"
	"epochmesh/engine/bus"
	"epochmesh/engine/memory"
	"epochmesh/engine/models"
	"epochmesh/engine/pipeline"
	"epochmesh/engine/watchdog"
	telemEvents "epochmesh/engine/telemetry/events"
	telemetryhealth "epochmesh/engine/telemetry/health"
	"epochmesh/engine/telemetry/logging"
	intmetrics "epochmesh/engine/telemetry/metrics"
	inttelempolicy "epochmesh/engine/telemetry/policy"
	telemetrytracing "epochmesh/engine/telemetry/tracing"
)

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt time.Time              `json:"started_at"`
	Uptime    time.Duration          `json:"uptime"`
	Audit     pipeline.AuditStats    `json:"audit"`
	Bus       bus.Stats              `json:"bus"`
	Memory    memory.GraphStats      `json:"memory"`
	Breakers  map[string]string      `json:"breakers"`
	Services  []watchdog.ServiceStatus `json:"services,omitempty"`
}

// TelemetryEvent is a reduced, stable event representation for external
// observers, bridged from the internal bus.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Re-export telemetry policy types: stable facade surface, internal impl.
type TelemetryPolicy = inttelempolicy.TelemetryPolicy
type HealthPolicy = inttelempolicy.HealthPolicy
type TracingPolicy = inttelempolicy.TracingPolicy

// DefaultTelemetryPolicy returns the default normalized telemetry policy.
func DefaultTelemetryPolicy() TelemetryPolicy { return inttelempolicy.Default() }

// Options carries injectable collaborators; zero values select defaults
// (in-memory backend, mock provider client, in-process rebellion checker).
type Options struct {
	Backend        memory.Backend
	ProviderClient pipeline.ProviderClient
	Checker        pipeline.RebellionChecker
	BaseLogger     *slog.Logger
}

// Engine composes all subsystems behind a single facade. Process-wide state
// (breakers, audit ring, retry ring, provider registry) is initialized once
// here and torn down on Stop; it is never rebuilt mid-process.
type Engine struct {
	cfg Config
	log logging.Logger

	metricsProvider intmetrics.Provider
	ebus            telemEvents.Bus
	tracer          telemetrytracing.Tracer
	healthEval      *telemetryhealth.Evaluator

	graph       *memory.Graph
	behaviors   *behavior.Registry
	rebellion   *behavior.RebellionEngine
	infestation *behavior.Infestation
	cleansing   *behavior.Cleansing
	simulation  *behavior.Simulation
	economy     *behavior.Economy
	stream      *bus.Bus
	pl          *pipeline.Pipeline
	wd          *watchdog.Watchdog
	phoenix     *watchdog.Phoenix

	telemetryPolicy atomic.Pointer[inttelempolicy.TelemetryPolicy]

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New constructs an Engine with the supplied configuration.
func New(cfg Config, opts Options) (*Engine, error) {
	e := &Engine{cfg: cfg, startedAt: time.Now()}
	e.log = logging.New(opts.BaseLogger)

	e.metricsProvider = selectMetricsProvider(cfg)
	e.ebus = telemEvents.NewBus(e.metricsProvider)

	initialPolicy := inttelempolicy.Default()
	e.telemetryPolicy.Store(&initialPolicy)
	e.tracer = telemetrytracing.NewAdaptiveTracer(func() float64 {
		return e.Policy().Tracing.SamplePercent
	})

	backend := opts.Backend
	if backend == nil {
		backend = memory.NewMemBackend()
	}
	e.graph = memory.NewGraph(backend, cfg.Memory, e.log, e.metricsProvider, e.ebus)

	e.behaviors = behavior.NewRegistry()
	e.rebellion = behavior.NewRebellionEngine(cfg.Rebellion)
	e.infestation = behavior.NewInfestation(cfg.Infestation)
	e.cleansing = behavior.NewCleansing(cfg.Cleansing)
	e.simulation = behavior.NewSimulation(e.rebellion, e.behaviors, e.infestation)
	e.economy = behavior.NewEconomy()

	busCfg := cfg.Bus
	if busCfg.ErrorSink == nil {
		busCfg.ErrorSink = func(channel string, err error) {
			_ = e.ebus.Publish(telemEvents.Event{
				Category: telemEvents.CategoryBus,
				Type:     "validation_failed",
				Severity: "warn",
				Labels:   map[string]string{"channel": channel},
				Fields:   map[string]interface{}{"error": err.Error()},
			})
		}
	}
	e.stream = bus.New(busCfg, e.metricsProvider)
	e.simulation.SetObserver(e.publishTick)

	tierDefaults := make(map[models.Tier]string, len(cfg.TierDefaults))
	for tier, provider := range cfg.TierDefaults {
		tierDefaults[models.Tier(tier)] = provider
	}
	registry, err := pipeline.NewProviderRegistry(cfg.Providers, tierDefaults)
	if err != nil {
		return nil, err
	}
	client := opts.ProviderClient
	if client == nil {
		client = pipeline.NewMockClient()
	}
	checker := opts.Checker
	if checker == nil {
		checker = &pipeline.LocalChecker{Engine: e.rebellion, Registry: e.behaviors}
	}
	e.pl = pipeline.New(cfg.Pipeline, registry, client, checker, pipeline.Options{
		Broadcaster: e.stream,
		Graph:       e.graph,
		Behaviors:   e.behaviors,
		Logger:      e.log,
		Tracer:      e.tracer,
		Metrics:     e.metricsProvider,
		Events:      e.ebus,
	})

	e.wd = watchdog.New(cfg.Watchdog, e.log, e.ebus)
	e.phoenix = watchdog.NewPhoenix(cfg.Phoenix, e.wd, e.graph, e.verifyRecovery, e.log, e.ebus)
	e.phoenix.SetDependencyOrder("backend-db", "behavior-engine", "orchestration", "clients")
	e.wd.SetPhoenixTrigger(func(ctx context.Context, down []string) {
		_ = e.phoenix.Recover(ctx, down)
	})

	e.healthEval = telemetryhealth.NewEvaluator(initialPolicy.Health.ProbeTTL, e.healthProbes()...)

	e.started.Store(true)
	return e, nil
}

func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// Start launches background loops: retry-ring auto-flush, simulation ticker,
// watchdog probes, and the internal-events bridge.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.Load() {
		return fmt.Errorf("engine not constructed")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.graph.Start(ctx)
	e.wd.Start(ctx)
	if e.cfg.TickInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.simulation.Run(ctx, e.cfg.TickInterval)
		}()
	}
	e.bridgeInternalEvents(ctx)

	_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
		Type:      models.TelemetryStartup,
		Severity:  models.SeverityInfo,
		Timestamp: models.NewTimestamp(time.Now()),
	})
	return nil
}

// bridgeInternalEvents fans internal telemetry events out to facade
// observers and mirrors watchdog events onto the system-status channel.
func (e *Engine) bridgeInternalEvents(ctx context.Context) {
	sub, err := e.ebus.Subscribe(int(e.Policy().Events.MaxSubscriberBuffer))
	if err != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { _ = sub.Close() }()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				e.dispatchEvent(ev)
				if ev.Category == telemEvents.CategoryWatchdog {
					_ = e.stream.Publish(models.ChannelSystemStatus, map[string]interface{}{
						"type":     ev.Type,
						"severity": ev.Severity,
						"labels":   ev.Labels,
						"fields":   ev.Fields,
					})
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop drains and tears down: shutdown telemetry, final retry-ring flush via
// graph close, watchdog stop. Idempotent.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryShutdown,
			Severity:  models.SeverityInfo,
			Timestamp: models.NewTimestamp(time.Now()),
		})
		if e.cancel != nil {
			e.cancel()
		}
		e.wd.Stop()
		e.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = e.graph.Close(ctx)
		e.started.Store(false)
	})
	return err
}

// ProcessEvent runs one event through the pipeline.
func (e *Engine) ProcessEvent(ctx context.Context, ev models.Event) (models.MeshResponse, error) {
	return e.pl.Process(ctx, ev)
}

// ProcessBatch runs events concurrently, preserving order.
func (e *Engine) ProcessBatch(ctx context.Context, evs []models.Event) []models.MeshResponse {
	return e.pl.ProcessBatch(ctx, evs)
}

// ApplyAction applies a director action to an NPC: behavioral state first,
// then the memory write, then the confidence update — in that order, within
// this task. Dry run computes without mutating.
func (e *Engine) ApplyAction(ctx context.Context, action behavior.NPCAction) (behavior.ActionEffect, error) {
	if action.NPCID == "" {
		return behavior.ActionEffect{}, models.ErrInvalidInput
	}
	state, ok := e.behaviors.Get(action.NPCID)
	if !ok {
		state = e.behaviors.Register(action.NPCID)
	}
	effect := e.rebellion.ApplyAction(state, action)
	if action.DryRun {
		return effect, nil
	}
	if err := e.behaviors.Put(effect.After); err != nil {
		return effect, err
	}
	e.graph.SyncNPC(ctx, effect.After)
	if _, err := e.graph.RecordMemory(ctx, models.MemoryNode{
		NPCID:          action.NPCID,
		Event:          action.ActionType,
		PlayerAction:   action.ActionType,
		RawTraumaScore: models.Clamp(effect.TraumaDelta, 0, 1),
	}); err != nil {
		return effect, err
	}
	_, _, _ = e.graph.UpdateConfidenceFromAction(ctx, action.NPCID, models.EntityDirector, action.ActionType, action.Intensity)
	e.emitPsychTelemetry(effect)
	return effect, nil
}

// emitPsychTelemetry publishes state-change and breakdown telemetry.
func (e *Engine) emitPsychTelemetry(effect behavior.ActionEffect) {
	now := models.NewTimestamp(time.Now())
	_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
		Type:     models.TelemetryStateChange,
		Severity: models.SeverityInfo,
		NPCID:    effect.NPCID,
		Payload: map[string]interface{}{
			"morale_delta":     effect.MoraleDelta,
			"trauma_delta":     effect.TraumaDelta,
			"efficiency_delta": effect.EfficiencyDelta,
		},
		Timestamp: now,
	})
	if effect.After.AvgTrauma >= 0.9 {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryPermanentTrauma,
			Severity:  models.SeverityWarning,
			NPCID:     effect.NPCID,
			Payload:   map[string]interface{}{"avg_trauma": effect.After.AvgTrauma},
			Timestamp: now,
		})
	}
	if effect.After.Morale <= 0.05 && effect.After.AvgTrauma >= 0.8 {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryMentalBreakdown,
			Severity:  models.SeverityCritical,
			NPCID:     effect.NPCID,
			Payload:   map[string]interface{}{"morale": effect.After.Morale, "avg_trauma": effect.After.AvgTrauma},
			Timestamp: now,
		})
	}
}

// publishTick is the simulation observer: tick snapshots and infestation
// transitions go out on the stream.
func (e *Engine) publishTick(snap models.TickSnapshot, inf behavior.InfestationTickResult) {
	_ = e.stream.Publish(models.ChannelSimulationTicks, snap)
	now := models.NewTimestamp(time.Now())
	if inf.WarningEntered {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryInfestation,
			Severity:  models.SeverityWarning,
			Payload:   map[string]interface{}{"counter": inf.NewCounter},
			Timestamp: now,
		})
	}
	if inf.PlagueHeartEntered {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryInfestation,
			Severity:  models.SeverityCritical,
			Payload:   map[string]interface{}{"counter": inf.NewCounter, "plague_heart": true},
			Timestamp: now,
		})
	}
	if inf.PlagueHeartCleared {
		_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
			Type:      models.TelemetryInfestation,
			Severity:  models.SeverityInfo,
			Payload:   map[string]interface{}{"counter": inf.NewCounter, "plague_heart": false},
			Timestamp: now,
		})
	}
}

// DeployCleansing executes a cleansing operation. With no explicit ids the
// warrior and guard populations participate. Side effects follow the dice:
// success cleanses the infestation, failure applies survivor's-guilt trauma.
// A cleansing_result telemetry event is emitted either way.
func (e *Engine) DeployCleansing(ctx context.Context, npcIDs []string) (behavior.CleansingResult, error) {
	var states []models.BehaviorState
	if len(npcIDs) > 0 {
		for _, id := range npcIDs {
			if s, ok := e.behaviors.Get(id); ok {
				states = append(states, s)
			}
		}
	} else {
		states = append(e.behaviors.ByRole(behavior.RoleWarrior), e.behaviors.ByRole(behavior.RoleGuard)...)
	}
	participants := make([]behavior.CleansingParticipant, 0, len(states))
	for _, s := range states {
		participants = append(participants, behavior.CleansingParticipant{
			NPCID:      s.NPCID,
			Role:       s.Role,
			AvgTrauma:  s.AvgTrauma,
			Morale:     s.Morale,
			Confidence: e.graph.DecayedConfidence(s.NPCID, models.EntityDirector),
		})
	}

	result, err := e.cleansing.Execute(participants, e.infestation.State().IsPlagueHeart)
	if err != nil {
		return result, err
	}
	if result.Success {
		if cerr := e.infestation.Cleanse(); cerr == nil {
			_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
				Type:      models.TelemetryInfestation,
				Severity:  models.SeverityInfo,
				Payload:   map[string]interface{}{"cleansed": true},
				Timestamp: models.NewTimestamp(time.Now()),
			})
		}
	} else {
		guilt := e.cleansing.Config().SurvivorGuiltTrauma
		for _, s := range states {
			s.AvgTrauma = models.Clamp(s.AvgTrauma+guilt, 0, 1)
			_ = e.behaviors.Put(s)
			e.graph.SyncNPC(ctx, s)
		}
	}
	_ = e.stream.Publish(models.ChannelTelemetry, models.TelemetryEvent{
		Type:     models.TelemetryCleansingResult,
		Severity: models.SeverityInfo,
		Payload: map[string]interface{}{
			"success":      result.Success,
			"success_rate": result.SuccessRate,
			"participants": result.Participants,
		},
		Timestamp: models.NewTimestamp(time.Now()),
	})
	return result, nil
}

// PublishCommand validates and fans an NPC command out on npc-commands.
func (e *Engine) PublishCommand(cmd models.NPCCommand) (models.NPCCommand, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if err := e.stream.Publish(models.ChannelNPCCommands, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// ForceDrain flushes the retry ring immediately; returns ops flushed.
func (e *Engine) ForceDrain(ctx context.Context) int {
	return e.graph.FlushRetryRing(ctx)
}

// verifyRecovery is the phoenix verification phase: a deep-health evaluation
// that fails only on an unhealthy rollup.
func (e *Engine) verifyRecovery(ctx context.Context) (bool, string) {
	snap := e.healthEval.Evaluate(ctx)
	if snap.Overall == telemetryhealth.StatusUnhealthy {
		return false, "deep health unhealthy after recovery"
	}
	return true, string(snap.Overall)
}

// healthProbes builds the deep-health probe set.
func (e *Engine) healthProbes() []telemetryhealth.Probe {
	ringProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		pol := e.Policy()
		depth := e.graph.RingDepth()
		if depth >= pol.Health.RetryRingUnhealthyDepth {
			return telemetryhealth.Unhealthy("retry_ring", "near capacity")
		}
		if depth >= pol.Health.RetryRingDegradedDepth {
			return telemetryhealth.Degraded("retry_ring", "backlog elevated")
		}
		return telemetryhealth.Healthy("retry_ring")
	})
	backendProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		if e.graph.BackendReachable(ctx) {
			return telemetryhealth.Healthy("backend")
		}
		if e.graph.RingDepth() > 0 {
			return telemetryhealth.Unhealthy("backend", "unreachable with queued writes")
		}
		return telemetryhealth.Degraded("backend", "unreachable")
	})
	pipelineProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		processed, failed := e.pl.Counters()
		pol := e.Policy()
		if processed < pol.Health.PipelineMinSamples {
			return telemetryhealth.Healthy("pipeline")
		}
		ratio := float64(failed) / float64(processed)
		if ratio >= pol.Health.PipelineUnhealthyRatio {
			return telemetryhealth.Unhealthy("pipeline", "failure ratio severe")
		}
		if ratio >= pol.Health.PipelineDegradedRatio {
			return telemetryhealth.Degraded("pipeline", "failure ratio elevated")
		}
		return telemetryhealth.Healthy("pipeline")
	})
	breakerProbe := telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
		open := 0
		for _, state := range e.pl.BreakerStates() {
			if state == "open" {
				open++
			}
		}
		if open == 0 {
			return telemetryhealth.Healthy("providers")
		}
		if open >= len(e.pl.BreakerStates()) {
			return telemetryhealth.Unhealthy("providers", "all breakers open")
		}
		return telemetryhealth.Degraded("providers", "some breakers open")
	})
	return []telemetryhealth.Probe{ringProbe, backendProbe, pipelineProbe, breakerProbe}
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// Policy returns the current telemetry policy snapshot. Never nil.
func (e *Engine) Policy() TelemetryPolicy {
	if p := e.telemetryPolicy.Load(); p != nil {
		return *p
	}
	return inttelempolicy.Default()
}

// UpdateTelemetryPolicy atomically swaps the active policy. Nil resets to
// defaults. Probes pick up new thresholds on the next evaluation cycle.
func (e *Engine) UpdateTelemetryPolicy(p *TelemetryPolicy) {
	var snap inttelempolicy.TelemetryPolicy
	if p == nil {
		snap = inttelempolicy.Default()
	} else {
		snap = p.Normalize()
	}
	old := e.Policy()
	e.telemetryPolicy.Store(&snap)
	if old.Health.ProbeTTL != snap.Health.ProbeTTL {
		e.healthEval = telemetryhealth.NewEvaluator(snap.Health.ProbeTTL, e.healthProbes()...)
	}
}

// RegisterEventObserver adds an observer invoked for each internal telemetry
// event. Safe for concurrent use. No-op if nil.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	e.eventObserversMu.RLock()
	if len(e.eventObservers) == 0 {
		e.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// MetricsHandler returns the Prometheus exposition handler, or nil when
// metrics are disabled or the backend has no HTTP surface.
func (e *Engine) MetricsHandler() http.Handler {
	if e.metricsProvider == nil {
		return nil
	}
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// SnapshotState returns a unified counter view.
func (e *Engine) SnapshotState() Snapshot {
	return Snapshot{
		StartedAt: e.startedAt,
		Uptime:    time.Since(e.startedAt),
		Audit:     e.pl.Audit().Stats(),
		Bus:       e.stream.Stats(),
		Memory:    e.graph.Stats(),
		Breakers:  e.pl.BreakerStates(),
		Services:  e.wd.Status(),
	}
}

// Subsystem accessors for the transport adapters.
func (e *Engine) Stream() *bus.Bus                    { return e.stream }
func (e *Engine) Graph() *memory.Graph                { return e.graph }
func (e *Engine) Behaviors() *behavior.Registry       { return e.behaviors }
func (e *Engine) Rebellion() *behavior.RebellionEngine { return e.rebellion }
func (e *Engine) Simulation() *behavior.Simulation    { return e.simulation }
func (e *Engine) Economy() *behavior.Economy          { return e.economy }
func (e *Engine) Pipeline() *pipeline.Pipeline        { return e.pl }
func (e *Engine) Watchdog() *watchdog.Watchdog        { return e.wd }
func (e *Engine) Phoenix() *watchdog.Phoenix          { return e.phoenix }
