package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func testRequest() ProviderRequest {
	return ProviderRequest{
		Provider: "mock",
		Model:    ModelDescriptor{ID: "mock-small", Tier: models.TierRoutine, CostPer1KTokens: 0.5},
		Tier:     models.TierRoutine,
		Prompt:   "prompt",
		Event:    models.Event{EventID: "e-1", NPCID: "n-1", EventType: models.EventNPCQuery},
	}
}

func TestBreakerOpensAfterConsecutiveFailuresThenRecovers(t *testing.T) {
	inner := NewMockClient()
	inner.MinLatency, inner.MaxLatency = 0, 0
	failing := true
	inner.FailFn = func(ProviderRequest) error {
		if failing {
			return errors.New("provider down")
		}
		return nil
	}
	cfg := DefaultBreakerConfig()
	cfg.OpenDuration = 50 * time.Millisecond
	client := NewResilientClient("mock", inner, cfg, time.Second)

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := client.Generate(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.State())
	assert.False(t, client.Allows())

	// While open, calls short-circuit with the taxonomy error.
	_, err := client.Generate(context.Background(), testRequest())
	require.ErrorIs(t, err, models.ErrCircuitOpen)

	// After openDuration the next call is the half-open probe; success closes.
	time.Sleep(60 * time.Millisecond)
	failing = false
	_, err = client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "closed", client.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := NewMockClient()
	inner.MinLatency, inner.MaxLatency = 0, 0
	inner.FailFn = func(ProviderRequest) error { return errors.New("still down") }
	cfg := DefaultBreakerConfig()
	cfg.OpenDuration = 30 * time.Millisecond
	client := NewResilientClient("mock", inner, cfg, time.Second)

	for i := 0; i < 5; i++ {
		_, _ = client.Generate(context.Background(), testRequest())
	}
	require.Equal(t, "open", client.State())

	time.Sleep(40 * time.Millisecond)
	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, "open", client.State(), "half-open probe failure returns to open")
}

func TestMockClientDeterministicContent(t *testing.T) {
	client := NewMockClient()
	resp, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "mock-small")
	assert.Contains(t, resp.Content, "e-1")
	assert.Greater(t, resp.TokensUsed, 0)
	assert.Greater(t, resp.Cost, 0.0)

	again, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, resp.Content, again.Content, "stub content is deterministic")
}

func TestResilientClientTimeout(t *testing.T) {
	inner := NewMockClient()
	inner.MinLatency, inner.MaxLatency = 200*time.Millisecond, 200*time.Millisecond
	client := NewResilientClient("mock", inner, DefaultBreakerConfig(), 20*time.Millisecond)
	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
}
