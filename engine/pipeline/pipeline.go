package pipeline

// The event pipeline: classify -> route -> call -> rebellion check -> rails
// -> broadcast -> audit. Fully ordered per event; batches fan out one task
// per event and gather in input order.

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"epochmesh/engine/behavior"
	"epochmesh/engine/memory"
	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/events"
	"epochmesh/engine/telemetry/logging"
	"epochmesh/engine/telemetry/metrics"
	"epochmesh/engine/telemetry/tracing"
)

// Broadcaster publishes envelopes to the streaming bus. Satisfied by
// engine/bus.Bus; kept narrow here to avoid the dependency cycle.
type Broadcaster interface {
	Publish(channel string, data interface{}) error
}

// Config bundles the pipeline's tunables.
type Config struct {
	Breaker       BreakerConfig
	Rails         RailsConfig
	AuditCapacity int
	// CallTimeouts bound the provider call per tier.
	CallTimeouts map[models.Tier]time.Duration
	// CheckTimeout bounds the rebellion check independently.
	CheckTimeout time.Duration
	// BatchConcurrency caps concurrent event tasks in a batch (0 = unbounded).
	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Breaker:       DefaultBreakerConfig(),
		Rails:         DefaultRailsConfig(),
		AuditCapacity: DefaultAuditCapacity,
		CallTimeouts: map[models.Tier]time.Duration{
			models.TierRoutine:     2 * time.Second,
			models.TierOperational: 5 * time.Second,
			models.TierStrategic:   10 * time.Second,
		},
		CheckTimeout:     time.Second,
		BatchConcurrency: 16,
	}
}

// Pipeline owns the process-wide provider clients, audit ring, and rails.
// Construct once at startup.
type Pipeline struct {
	cfg       Config
	registry  *ProviderRegistry
	clients   map[string]*ResilientClient
	checker   RebellionChecker
	rails     *Rails
	audit     *AuditRing
	caster    Broadcaster
	graph     *memory.Graph
	behaviors *behavior.Registry
	log       logging.Logger
	tracer    tracing.Tracer
	ebus      events.Bus

	mProcessed metrics.Counter
	mLatency   metrics.Histogram
}

// Options carries optional collaborators; nil fields disable the concern.
type Options struct {
	Broadcaster Broadcaster
	Graph       *memory.Graph
	Behaviors   *behavior.Registry
	Logger      logging.Logger
	Tracer      tracing.Tracer
	Metrics     metrics.Provider
	Events      events.Bus
}

func New(cfg Config, providers *ProviderRegistry, client ProviderClient, checker RebellionChecker, opts Options) *Pipeline {
	if cfg.CallTimeouts == nil {
		cfg.CallTimeouts = DefaultConfig().CallTimeouts
	}
	p := &Pipeline{
		cfg:       cfg,
		registry:  providers,
		clients:   make(map[string]*ResilientClient),
		checker:   &SafeChecker{Inner: checker, Timeout: cfg.CheckTimeout},
		rails:     NewRails(cfg.Rails),
		audit:     NewAuditRing(cfg.AuditCapacity),
		caster:    opts.Broadcaster,
		graph:     opts.Graph,
		behaviors: opts.Behaviors,
		log:       opts.Logger,
		tracer:    opts.Tracer,
		ebus:      opts.Events,
	}
	if p.tracer == nil {
		p.tracer = tracing.NewAdaptiveTracer(nil)
	}
	for _, desc := range providers.Providers() {
		timeout := cfg.CallTimeouts[models.TierStrategic]
		p.clients[desc.ProviderID] = NewResilientClient(desc.ProviderID, client, cfg.Breaker, timeout)
	}
	if opts.Metrics != nil {
		p.mProcessed = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "pipeline", Name: "events_total", Help: "Events processed", Labels: []string{"result"}}})
		p.mLatency = opts.Metrics.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "pipeline", Name: "latency_seconds", Help: "End-to-end event latency", Labels: []string{"tier"}}})
	}
	return p
}

// Audit exposes the audit ring.
func (p *Pipeline) Audit() *AuditRing { return p.audit }

// BreakerStates reports each provider breaker's state.
func (p *Pipeline) BreakerStates() map[string]string {
	out := make(map[string]string, len(p.clients))
	for id, c := range p.clients {
		out[id] = c.State()
	}
	return out
}

// Counters returns processed/failed totals for health probes.
func (p *Pipeline) Counters() (processed, failed int64) {
	stats := p.audit.Stats()
	return stats.TotalDecisions, stats.Failed
}

// Process runs one event through the fully ordered path. A veto is a
// successful result. Invalid input is returned before any audit entry is
// made; provider failures (circuit open) are returned to the caller and
// audited.
func (p *Pipeline) Process(ctx context.Context, ev models.Event) (models.MeshResponse, error) {
	if err := validateEvent(ev); err != nil {
		return models.MeshResponse{}, err
	}
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.process")
	defer span.End()
	started := time.Now()

	// First sight of an NPC registers behavioral state and the graph node.
	if p.behaviors != nil {
		p.behaviors.Register(ev.NPCID)
	}
	if p.graph != nil {
		p.graph.EnsureNPC(ctx, ev.NPCID)
	}

	tier := Classify(ev)
	candidates := p.registry.Candidates(tier)
	if len(candidates) == 0 {
		p.auditFailure(ev, tier, started, models.CodeCircuitOpen, "no enabled provider covers tier")
		return models.MeshResponse{}, fmt.Errorf("%w: tier %s", models.ErrCircuitOpen, tier)
	}

	resp, failover, err := p.callWithFailover(ctx, ev, tier, candidates)
	if err != nil {
		p.auditFailure(ev, tier, started, models.CodeFor(err), err.Error())
		return models.MeshResponse{}, err
	}

	check, _ := p.checker.Check(ctx, ev.NPCID)
	verdict := p.rails.Evaluate(ev, resp.Content, check.Probability, tier, time.Since(started))

	latencyMs := time.Since(started).Milliseconds()
	mesh := models.MeshResponse{
		EventID:              ev.EventID,
		NPCID:                ev.NPCID,
		Tier:                 tier,
		Provider:             resp.ProviderID,
		Model:                resp.ModelID,
		RebellionProbability: check.Probability,
		Failover:             failover,
		LatencyMs:            latencyMs,
		Cost:                 resp.Cost,
		Timestamp:            models.NewTimestamp(time.Now()),
	}

	if verdict.Vetoed {
		mesh.Vetoed = true
		mesh.VetoReason = verdict.Reason
		p.broadcastVeto(ev, mesh, verdict)
	} else {
		mesh.Content = resp.Content
		p.broadcastAccepted(mesh)
		p.recordAccepted(ctx, ev, mesh)
	}

	result := AuditAccepted
	if verdict.Vetoed {
		result = AuditVetoed
	}
	p.audit.Append(AuditEntry{
		EventID:   ev.EventID,
		NPCID:     ev.NPCID,
		Tier:      tier,
		Provider:  resp.ProviderID,
		Model:     resp.ModelID,
		LatencyMs: latencyMs,
		Cost:      resp.Cost,
		Failover:  failover,
		Result:    result,
		Reason:    verdict.Reason,
	})
	p.observe(result, tier, time.Since(started))
	return mesh, nil
}

// ProcessBatch runs events concurrently, preserving input order in the
// response vector. Each event flows through the full pipeline independently;
// a per-event error becomes a rejection in its slot rather than failing the
// batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, evs []models.Event) []models.MeshResponse {
	out := make([]models.MeshResponse, len(evs))
	g, ctx := errgroup.WithContext(ctx)
	if p.cfg.BatchConcurrency > 0 {
		g.SetLimit(p.cfg.BatchConcurrency)
	}
	for i, ev := range evs {
		g.Go(func() error {
			resp, err := p.Process(ctx, ev)
			if err != nil {
				resp = models.MeshResponse{
					EventID:    ev.EventID,
					NPCID:      ev.NPCID,
					VetoReason: models.CodeFor(err),
					Timestamp:  models.NewTimestamp(time.Now()),
				}
			}
			out[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) callWithFailover(ctx context.Context, ev models.Event, tier models.Tier, candidates []ProviderDescriptor) (ProviderResponse, bool, error) {
	prompt := BuildPrompt(ev, tier)
	timeout := p.cfg.CallTimeouts[tier]
	var lastErr error
	attempted := 0
	for _, desc := range candidates {
		client := p.clients[desc.ProviderID]
		if client == nil || !client.Allows() {
			continue
		}
		model, ok := desc.ModelForTier(tier)
		if !ok {
			continue
		}
		attempted++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := client.Generate(callCtx, ProviderRequest{
			Provider: desc.ProviderID,
			Model:    model,
			Tier:     tier,
			Prompt:   prompt,
			Event:    ev,
		})
		cancel()
		if err == nil {
			return resp, attempted > 1, nil
		}
		lastErr = err
		if p.ebus != nil {
			_ = p.ebus.PublishCtx(ctx, events.Event{
				Category: events.CategoryBreaker,
				Type:     "provider_call_failed",
				Severity: "warn",
				Labels:   map[string]string{"provider": desc.ProviderID},
				Fields:   map[string]interface{}{"error": err.Error()},
			})
		}
	}
	if lastErr == nil {
		lastErr = models.ErrCircuitOpen
	}
	return ProviderResponse{}, attempted > 1, fmt.Errorf("%w: all candidates exhausted for tier %s", models.ErrCircuitOpen, tier)
}

func (p *Pipeline) broadcastVeto(ev models.Event, mesh models.MeshResponse, verdict Verdict) {
	if p.caster == nil {
		return
	}
	_ = p.caster.Publish(models.ChannelCognitiveRails, map[string]interface{}{
		"event_id":  ev.EventID,
		"npc_id":    ev.NPCID,
		"vetoed":    true,
		"predicate": verdict.Predicate,
		"reason":    verdict.Reason,
	})
	_ = p.caster.Publish(models.ChannelRebellionAlerts, map[string]interface{}{
		"event_id":              ev.EventID,
		"npc_id":                ev.NPCID,
		"rebellion_probability": mesh.RebellionProbability,
		"veto":                  true,
		"reason":                verdict.Reason,
	})
}

func (p *Pipeline) broadcastAccepted(mesh models.MeshResponse) {
	if p.caster == nil {
		return
	}
	_ = p.caster.Publish(models.ChannelNPCEvents, mesh)
}

// recordAccepted persists the interaction: the memory write precedes the
// confidence update within this task.
func (p *Pipeline) recordAccepted(ctx context.Context, ev models.Event, mesh models.MeshResponse) {
	if p.graph == nil {
		return
	}
	_, err := p.graph.RecordMemory(ctx, models.MemoryNode{
		NPCID: ev.NPCID,
		Event: string(ev.EventType),
	})
	if err != nil && p.log != nil {
		p.log.WarnCtx(ctx, "memory record failed", "event_id", ev.EventID, "error", err)
		return
	}
	if ev.EventType == models.EventCommand {
		intensity := 0.5
		if ev.Urgency != nil {
			intensity = *ev.Urgency
		}
		_, _, _ = p.graph.UpdateConfidenceFromAction(ctx, ev.NPCID, models.EntityDirector, models.ActionCommand, intensity)
	}
}

func (p *Pipeline) auditFailure(ev models.Event, tier models.Tier, started time.Time, code, reason string) {
	p.audit.Append(AuditEntry{
		EventID:   ev.EventID,
		NPCID:     ev.NPCID,
		Tier:      tier,
		LatencyMs: time.Since(started).Milliseconds(),
		Result:    AuditFailed,
		Reason:    code + ": " + reason,
	})
	p.observe(AuditFailed, tier, time.Since(started))
}

func (p *Pipeline) observe(result string, tier models.Tier, elapsed time.Duration) {
	if p.mProcessed != nil {
		p.mProcessed.Inc(1, result)
	}
	if p.mLatency != nil {
		p.mLatency.Observe(elapsed.Seconds(), string(tier))
	}
}

func validateEvent(ev models.Event) error {
	if ev.EventID == "" || ev.NPCID == "" {
		return fmt.Errorf("%w: event_id and npc_id are required", models.ErrInvalidInput)
	}
	if _, ok := models.KnownEventTypes[ev.EventType]; !ok {
		return fmt.Errorf("%w: unknown event type %q", models.ErrInvalidInput, ev.EventType)
	}
	if ev.Urgency != nil && (*ev.Urgency < 0 || *ev.Urgency > 1) {
		return fmt.Errorf("%w: urgency out of range", models.ErrInvalidInput)
	}
	return nil
}
