package pipeline

// Resilient provider client: per-provider circuit breaker plus per-call
// deadline. Mock mode serves tests and provider-less deployments with
// deterministic stub content and random-range latency.

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"epochmesh/engine/models"
)

// ProviderRequest is the assembled call to a model.
type ProviderRequest struct {
	Provider string
	Model    ModelDescriptor
	Tier     models.Tier
	Prompt   string
	Event    models.Event
}

// ProviderResponse carries the model output and accounting.
type ProviderResponse struct {
	Content      string
	TokensUsed   int
	Cost         float64
	ModelID      string
	ProviderID   string
	Latency      time.Duration
}

// ProviderClient is the transport to one provider. No concrete provider SDK
// lives in this repository; deployments plug their own implementation.
type ProviderClient interface {
	Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// BreakerConfig mirrors the circuit-breaker state machine defaults.
type BreakerConfig struct {
	FailThreshold  uint32
	OpenDuration   time.Duration
	HalfOpenProbes uint32
	Window         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailThreshold:  5,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 1,
		Window:         60 * time.Second,
	}
}

// ResilientClient wraps a ProviderClient with a circuit breaker and a
// per-call timeout.
type ResilientClient struct {
	providerID string
	inner      ProviderClient
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration
}

func NewResilientClient(providerID string, inner ProviderClient, cfg BreakerConfig, timeout time.Duration) *ResilientClient {
	if cfg.FailThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	settings := gobreaker.Settings{
		Name:        providerID,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailThreshold
		},
	}
	return &ResilientClient{
		providerID: providerID,
		inner:      inner,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		timeout:    timeout,
	}
}

// Allows reports whether the breaker currently permits requests.
func (c *ResilientClient) Allows() bool { return c.breaker.State() != gobreaker.StateOpen }

// State exposes the breaker state for snapshots and health probes.
func (c *ResilientClient) State() string { return c.breaker.State().String() }

// Generate executes the call under breaker accounting. Breaker rejections and
// deadline expiries surface as taxonomy errors.
func (c *ResilientClient) Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ProviderResponse{}, fmt.Errorf("%w: provider %s", models.ErrCircuitOpen, c.providerID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ProviderResponse{}, fmt.Errorf("%w: provider %s", models.ErrTimeout, c.providerID)
		}
		return ProviderResponse{}, err
	}
	return result.(ProviderResponse), nil
}

// MockClient is the test/mock-mode provider: bounded random latency and
// deterministic stub content derived from the request.
type MockClient struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailFn, when set, decides per request whether the call errors.
	FailFn func(req ProviderRequest) error
}

func NewMockClient() *MockClient {
	return &MockClient{MinLatency: 5 * time.Millisecond, MaxLatency: 25 * time.Millisecond}
}

func (m *MockClient) Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error) {
	latency := m.MinLatency
	if m.MaxLatency > m.MinLatency {
		latency += time.Duration(rand.Int63n(int64(m.MaxLatency - m.MinLatency)))
	}
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return ProviderResponse{}, ctx.Err()
	}
	if m.FailFn != nil {
		if err := m.FailFn(req); err != nil {
			return ProviderResponse{}, err
		}
	}
	content := fmt.Sprintf("[%s/%s] %s response for %s event %s", req.Provider, req.Model.ID, req.Tier, req.Event.EventType, req.Event.EventID)
	tokens := len(req.Prompt)/4 + len(content)/4
	return ProviderResponse{
		Content:    content,
		TokensUsed: tokens,
		Cost:       req.Model.CostPer1KTokens * float64(tokens) / 1000,
		ModelID:    req.Model.ID,
		ProviderID: req.Provider,
		Latency:    latency,
	}, nil
}
