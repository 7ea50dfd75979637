package pipeline

// Rebellion-check client for the behavior engine, with a transport router:
// the streaming transport is preferred when configured, request/response HTTP
// is the fallback, and a circuit policy applies to each transport
// independently. The pipeline never blocks on the behavior engine being
// down — transport exhaustion yields the safe default.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"epochmesh/engine/behavior"
)

// RebellionCheck is the answer the pipeline needs before the rails run.
type RebellionCheck struct {
	NPCID             string  `json:"npc_id"`
	Probability       float64 `json:"probability"`
	ThresholdExceeded bool    `json:"threshold_exceeded"`
}

// SafeDefaultCheck is returned whenever no transport can answer.
func SafeDefaultCheck(npcID string) RebellionCheck {
	return RebellionCheck{NPCID: npcID, Probability: 0, ThresholdExceeded: false}
}

// RebellionChecker answers probability queries for the rails.
type RebellionChecker interface {
	Check(ctx context.Context, npcID string) (RebellionCheck, error)
}

// LocalChecker serves checks from the in-process behavior engine.
type LocalChecker struct {
	Engine   *behavior.RebellionEngine
	Registry *behavior.Registry
}

func (c *LocalChecker) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	state, ok := c.Registry.Get(npcID)
	if !ok {
		state = c.Registry.Register(npcID)
	}
	res := c.Engine.Probability(state)
	return RebellionCheck{NPCID: npcID, Probability: res.Probability, ThresholdExceeded: res.ThresholdExceeded}, nil
}

// CheckTransport is one way to reach the behavior engine.
type CheckTransport interface {
	Name() string
	Check(ctx context.Context, npcID string) (RebellionCheck, error)
}

// HTTPCheckTransport queries the behavior engine's HTTP surface.
type HTTPCheckTransport struct {
	BaseURL string
	Client  *http.Client
}

func (t *HTTPCheckTransport) Name() string { return "http" }

func (t *HTTPCheckTransport) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/rebellion/probability/%s", t.BaseURL, npcID), nil)
	if err != nil {
		return RebellionCheck{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return RebellionCheck{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return RebellionCheck{}, fmt.Errorf("logistics: status %d", resp.StatusCode)
	}
	var check RebellionCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return RebellionCheck{}, err
	}
	return check, nil
}

// TransportFunc adapts a function to CheckTransport (stream clients wire in
// this way to avoid a dependency cycle with the bus package).
type TransportFunc struct {
	Label string
	Fn    func(ctx context.Context, npcID string) (RebellionCheck, error)
}

func (t TransportFunc) Name() string { return t.Label }
func (t TransportFunc) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	return t.Fn(ctx, npcID)
}

// RemoteChecker routes across transports in preference order, each behind its
// own breaker.
type RemoteChecker struct {
	transports []CheckTransport
	breakers   []*gobreaker.CircuitBreaker
}

func NewRemoteChecker(cfg BreakerConfig, transports ...CheckTransport) *RemoteChecker {
	rc := &RemoteChecker{transports: transports}
	for _, t := range transports {
		settings := gobreaker.Settings{
			Name:        "logistics-" + t.Name(),
			MaxRequests: cfg.HalfOpenProbes,
			Interval:    cfg.Window,
			Timeout:     cfg.OpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailThreshold
			},
		}
		rc.breakers = append(rc.breakers, gobreaker.NewCircuitBreaker(settings))
	}
	return rc
}

func (rc *RemoteChecker) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	var lastErr error
	for i, transport := range rc.transports {
		result, err := rc.breakers[i].Execute(func() (interface{}, error) {
			return transport.Check(ctx, npcID)
		})
		if err == nil {
			return result.(RebellionCheck), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("logistics: no transports configured")
	}
	return RebellionCheck{}, lastErr
}

// SafeChecker bounds the check with its own deadline and maps every failure
// to the safe default.
type SafeChecker struct {
	Inner   RebellionChecker
	Timeout time.Duration
}

func (c *SafeChecker) Check(ctx context.Context, npcID string) (RebellionCheck, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	check, err := c.Inner.Check(ctx, npcID)
	if err != nil {
		return SafeDefaultCheck(npcID), nil
	}
	return check, nil
}
