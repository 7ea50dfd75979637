package export

// Engine-agnostic adapter fan-out. Exporters accept validated envelopes and
// transform them into an engine-native shape; transformations are
// exporter-local and one exporter's failure never affects another.

import (
	"context"
	"sync"

	"epochmesh/engine/bus"
	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/logging"
)

// Shared thresholds across exporters.
const (
	HaltThreshold = 0.35
	VetoThreshold = 0.80
)

// Exporter transforms one validated envelope into an engine-native payload.
type Exporter interface {
	Name() string
	Export(env models.Envelope) (interface{}, error)
}

// Sink receives an exporter's output (typically a wire writer or queue).
type Sink func(exporter string, payload interface{})

// Manager subscribes to the bus and drives every exporter per envelope.
type Manager struct {
	exporters []Exporter
	sink      Sink
	log       logging.Logger

	mu     sync.Mutex
	errors map[string]uint64
}

func NewManager(sink Sink, log logging.Logger, exporters ...Exporter) *Manager {
	return &Manager{exporters: exporters, sink: sink, log: log, errors: make(map[string]uint64)}
}

// Run consumes the subscription until ctx cancels or it closes.
func (m *Manager) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			m.Dispatch(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch runs every exporter over the envelope. Errors are counted and
// logged; they do not propagate.
func (m *Manager) Dispatch(ctx context.Context, env models.Envelope) {
	for _, ex := range m.exporters {
		payload, err := ex.Export(env)
		if err != nil {
			m.mu.Lock()
			m.errors[ex.Name()]++
			m.mu.Unlock()
			if m.log != nil {
				m.log.WarnCtx(ctx, "exporter failed", "exporter", ex.Name(), "channel", env.Channel, "error", err)
			}
			continue
		}
		if payload == nil {
			continue
		}
		if m.sink != nil {
			m.sink(ex.Name(), payload)
		}
	}
}

// ErrorCounts returns per-exporter failure totals.
func (m *Manager) ErrorCounts() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.errors))
	for k, v := range m.errors {
		out[k] = v
	}
	return out
}
