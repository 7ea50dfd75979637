package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"epochmesh/engine/behavior"
	"epochmesh/engine/memory"
	"epochmesh/engine/models"
)

// recordingBroadcaster captures publishes per channel.
type recordingBroadcaster struct {
	mu       sync.Mutex
	payloads map[string][]interface{}
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{payloads: make(map[string][]interface{})}
}

func (b *recordingBroadcaster) Publish(channel string, data interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads[channel] = append(b.payloads[channel], data)
	return nil
}

func (b *recordingBroadcaster) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads[channel])
}

// checkerFunc adapts a function to RebellionChecker.
type checkerFunc func(ctx context.Context, npcID string) (RebellionCheck, error)

func (f checkerFunc) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	return f(ctx, npcID)
}

func fixedChecker(p float64) RebellionChecker {
	return checkerFunc(func(_ context.Context, npcID string) (RebellionCheck, error) {
		return RebellionCheck{NPCID: npcID, Probability: p, ThresholdExceeded: p >= 0.35}, nil
	})
}

func testProviders() *ProviderRegistry {
	registry, err := NewProviderRegistry([]ProviderDescriptor{
		{
			ProviderID: "primary", Priority: 1, Enabled: true,
			Models: []ModelDescriptor{
				{ID: "primary-small", Tier: models.TierRoutine, CostPer1KTokens: 0.2, MaxTokens: 4096, IsDefault: true},
				{ID: "primary-large", Tier: models.TierStrategic, CostPer1KTokens: 2.0, MaxTokens: 16384, IsDefault: true},
				{ID: "primary-mid", Tier: models.TierOperational, CostPer1KTokens: 0.8, MaxTokens: 8192, IsDefault: true},
			},
		},
		{
			ProviderID: "secondary", Priority: 2, Enabled: true,
			Models: []ModelDescriptor{
				{ID: "secondary-all", Tier: models.TierRoutine, CostPer1KTokens: 0.1, MaxTokens: 4096, IsDefault: true},
				{ID: "secondary-strat", Tier: models.TierStrategic, CostPer1KTokens: 1.0, MaxTokens: 8192, IsDefault: true},
				{ID: "secondary-ops", Tier: models.TierOperational, CostPer1KTokens: 0.5, MaxTokens: 8192, IsDefault: true},
			},
		},
	}, map[models.Tier]string{
		models.TierRoutine:     "primary",
		models.TierOperational: "primary",
		models.TierStrategic:   "primary",
	})
	Expect(err).NotTo(HaveOccurred())
	return registry
}

func quietMock() *MockClient {
	m := NewMockClient()
	m.MinLatency, m.MaxLatency = 0, 0
	return m
}

var _ = Describe("Pipeline.Process", func() {
	var (
		caster    *recordingBroadcaster
		behaviors *behavior.Registry
		graph     *memory.Graph
	)

	newPipeline := func(client ProviderClient, checker RebellionChecker) *Pipeline {
		caster = newRecordingBroadcaster()
		behaviors = behavior.NewRegistry()
		graph = memory.NewGraph(memory.NewMemBackend(), memory.DefaultConfig(), nil, nil, nil)
		return New(DefaultConfig(), testProviders(), client, checker, Options{
			Broadcaster: caster,
			Graph:       graph,
			Behaviors:   behaviors,
		})
	}

	event := func(id string) models.Event {
		return models.Event{EventID: id, NPCID: "npc-1", EventType: models.EventNPCQuery, Description: "status report"}
	}

	It("accepts a calm event and broadcasts on npc-events only", func() {
		p := newPipeline(quietMock(), fixedChecker(0.10))
		resp, err := p.Process(context.Background(), event("e-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Vetoed).To(BeFalse())
		Expect(resp.Content).NotTo(BeEmpty())
		Expect(resp.Provider).To(Equal("primary"))
		Expect(caster.count(models.ChannelNPCEvents)).To(Equal(1))
		Expect(caster.count(models.ChannelCognitiveRails)).To(BeZero())
		Expect(caster.count(models.ChannelRebellionAlerts)).To(BeZero())
	})

	It("registers unseen NPCs on first sight", func() {
		p := newPipeline(quietMock(), fixedChecker(0.10))
		_, err := p.Process(context.Background(), event("e-1"))
		Expect(err).NotTo(HaveOccurred())
		_, ok := behaviors.Get("npc-1")
		Expect(ok).To(BeTrue())
		_, ok = graph.NPCState("npc-1")
		Expect(ok).To(BeTrue())
	})

	It("vetoes when the rebellion check reaches the threshold, regardless of content", func() {
		p := newPipeline(quietMock(), fixedChecker(0.82))
		resp, err := p.Process(context.Background(), event("e-veto"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Vetoed).To(BeTrue())
		Expect(resp.VetoReason).To(ContainSubstring("rebellion probability"))
		Expect(resp.Content).To(BeEmpty())

		// Exactly one cognitive-rails, one rebellion-alerts, zero npc-events.
		Expect(caster.count(models.ChannelCognitiveRails)).To(Equal(1))
		Expect(caster.count(models.ChannelRebellionAlerts)).To(Equal(1))
		Expect(caster.count(models.ChannelNPCEvents)).To(BeZero())
	})

	It("records no accepted-action memory for a vetoed event but audits it", func() {
		p := newPipeline(quietMock(), fixedChecker(0.90))
		_, err := p.Process(context.Background(), event("e-veto"))
		Expect(err).NotTo(HaveOccurred())
		Expect(graph.Memories("npc-1", 0)).To(BeEmpty())
		stats := p.Audit().Stats()
		Expect(stats.Vetoed).To(Equal(int64(1)))
	})

	It("records a memory for an accepted event", func() {
		p := newPipeline(quietMock(), fixedChecker(0.10))
		_, err := p.Process(context.Background(), event("e-ok"))
		Expect(err).NotTo(HaveOccurred())
		Expect(graph.Memories("npc-1", 0)).To(HaveLen(1))
	})

	It("falls over to the next provider when the default fails", func() {
		client := quietMock()
		client.FailFn = func(req ProviderRequest) error {
			if req.Provider == "primary" {
				return errors.New("primary down")
			}
			return nil
		}
		p := newPipeline(client, fixedChecker(0.10))
		resp, err := p.Process(context.Background(), event("e-failover"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Provider).To(Equal("secondary"))
		Expect(resp.Failover).To(BeTrue())
	})

	It("fails with circuit-open when every provider is down", func() {
		client := quietMock()
		client.FailFn = func(ProviderRequest) error { return errors.New("all down") }
		p := newPipeline(client, fixedChecker(0.10))
		_, err := p.Process(context.Background(), event("e-down"))
		Expect(errors.Is(err, models.ErrCircuitOpen)).To(BeTrue())
		Expect(p.Audit().Stats().Failed).To(Equal(int64(1)))
	})

	It("uses the safe default when the rebellion checker errors", func() {
		p := newPipeline(quietMock(), checkerFunc(func(context.Context, string) (RebellionCheck, error) {
			return RebellionCheck{}, errors.New("engine offline")
		}))
		resp, err := p.Process(context.Background(), event("e-safe"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Vetoed).To(BeFalse())
		Expect(resp.RebellionProbability).To(BeZero())
	})

	It("rejects malformed events synchronously", func() {
		p := newPipeline(quietMock(), fixedChecker(0.10))
		_, err := p.Process(context.Background(), models.Event{EventID: "e", NPCID: "", EventType: models.EventNPCQuery})
		Expect(errors.Is(err, models.ErrInvalidInput)).To(BeTrue())

		_, err = p.Process(context.Background(), models.Event{EventID: "e", NPCID: "n", EventType: "mystery"})
		Expect(errors.Is(err, models.ErrInvalidInput)).To(BeTrue())
	})

	It("keeps audit totals at or above successful processing count", func() {
		p := newPipeline(quietMock(), fixedChecker(0.10))
		for i := 0; i < 5; i++ {
			_, err := p.Process(context.Background(), event(fmt.Sprintf("e-%d", i)))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(p.Audit().Stats().TotalDecisions).To(BeNumerically(">=", 5))
	})
})

var _ = Describe("Pipeline.ProcessBatch", func() {
	It("preserves input order while processing concurrently", func() {
		caster := newRecordingBroadcaster()
		p := New(DefaultConfig(), testProviders(), quietMock(), fixedChecker(0.10), Options{Broadcaster: caster})

		evs := make([]models.Event, 20)
		for i := range evs {
			evs[i] = models.Event{EventID: fmt.Sprintf("batch-%d", i), NPCID: fmt.Sprintf("npc-%d", i), EventType: models.EventNPCQuery}
		}
		out := p.ProcessBatch(context.Background(), evs)
		Expect(out).To(HaveLen(20))
		for i, resp := range out {
			Expect(resp.EventID).To(Equal(fmt.Sprintf("batch-%d", i)))
		}
	})

	It("turns per-event failures into per-slot rejections", func() {
		p := New(DefaultConfig(), testProviders(), quietMock(), fixedChecker(0.10), Options{})
		out := p.ProcessBatch(context.Background(), []models.Event{
			{EventID: "good", NPCID: "npc-1", EventType: models.EventNPCQuery},
			{EventID: "bad", NPCID: "", EventType: models.EventNPCQuery},
		})
		Expect(out).To(HaveLen(2))
		Expect(out[0].Content).NotTo(BeEmpty())
		Expect(out[1].VetoReason).To(Equal(models.CodeInvalidInput))
	})
})
