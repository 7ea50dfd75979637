package watchdog

// Phoenix recovery: diagnose, drain the retry ring through whatever backend
// remains, restart in dependency order, verify, and log the recovery to an
// append-only file. Drain happens before — and only before — restart, and is
// skipped with a warning when the backend is unreachable.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/events"
	"epochmesh/engine/telemetry/logging"
)

// Drainer flushes the retry ring. Implemented by the memory graph.
type Drainer interface {
	FlushRetryRing(ctx context.Context) int
	RingDepth() int
	BackendReachable(ctx context.Context) bool
}

// Verifier reports whether the mesh is healthy after restarts.
type Verifier func(ctx context.Context) (healthy bool, detail string)

// RecoveryRecord is one append-only log line.
type RecoveryRecord struct {
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Trigger      []string          `json:"trigger"`
	Diagnosis    []ServiceStatus   `json:"diagnosis"`
	DrainSkipped bool              `json:"drain_skipped"`
	Drained      int               `json:"drained"`
	Restarted    []string          `json:"restarted"`
	RestartErrs  map[string]string `json:"restart_errors,omitempty"`
	Verified     bool              `json:"verified"`
	Detail       string            `json:"detail,omitempty"`
}

type PhoenixConfig struct {
	// LogPath is the append-only recovery log file ("" disables file logging).
	LogPath string
	// RingPressureRatio triggers recovery when the retry ring is this full
	// with the backend unreachable.
	RingPressureRatio float64
}

type Phoenix struct {
	cfg      PhoenixConfig
	watchdog *Watchdog
	drainer  Drainer
	verify   Verifier
	log      logging.Logger
	ebus     events.Bus
	// depRank orders restarts: lower ranks restart first (backend before
	// behavior engine before orchestration before clients).
	depRank map[string]int
}

func NewPhoenix(cfg PhoenixConfig, w *Watchdog, drainer Drainer, verify Verifier, log logging.Logger, ebus events.Bus) *Phoenix {
	if cfg.RingPressureRatio <= 0 {
		cfg.RingPressureRatio = 0.9
	}
	return &Phoenix{cfg: cfg, watchdog: w, drainer: drainer, verify: verify, log: log, ebus: ebus, depRank: make(map[string]int)}
}

// SetDependencyOrder assigns restart ranks; earlier names restart first.
func (p *Phoenix) SetDependencyOrder(names ...string) {
	for i, name := range names {
		p.depRank[name] = i
	}
}

// ShouldTrigger evaluates the retry-ring pressure condition. The >=3-down
// condition arrives through the watchdog trigger instead.
func (p *Phoenix) ShouldTrigger(ctx context.Context, ringCapacity int) bool {
	if p.drainer == nil || ringCapacity <= 0 {
		return false
	}
	depth := p.drainer.RingDepth()
	if float64(depth) < p.cfg.RingPressureRatio*float64(ringCapacity) {
		return false
	}
	return !p.drainer.BackendReachable(ctx)
}

// Recover runs the full phase sequence.
func (p *Phoenix) Recover(ctx context.Context, trigger []string) RecoveryRecord {
	record := RecoveryRecord{StartedAt: time.Now(), Trigger: trigger, RestartErrs: make(map[string]string)}

	// Phase a: diagnose.
	record.Diagnosis = p.watchdog.Status()

	// Phase b: drain before restart — the ring owns state a restart would
	// discard. Unreachable backend: skip, ops stay in the ring.
	if p.drainer != nil {
		if p.drainer.BackendReachable(ctx) {
			record.Drained = p.drainer.FlushRetryRing(ctx)
		} else {
			record.DrainSkipped = true
			if p.log != nil {
				p.log.WarnCtx(ctx, "phoenix drain skipped: backend unreachable", "ring_depth", p.drainer.RingDepth())
			}
		}
	}

	// Phase c: restart in dependency order.
	names := p.watchdog.ServiceNames()
	sort.SliceStable(names, func(i, j int) bool { return p.rank(names[i]) < p.rank(names[j]) })
	for _, name := range names {
		if err := p.watchdog.Restart(ctx, name); err != nil {
			record.RestartErrs[name] = err.Error()
			continue
		}
		record.Restarted = append(record.Restarted, name)
	}

	// Phase d: verify.
	if p.verify != nil {
		record.Verified, record.Detail = p.verify(ctx)
	} else {
		record.Verified = len(record.RestartErrs) == 0
	}
	record.FinishedAt = time.Now()

	// Phase e: log recovery.
	p.appendLog(ctx, record)
	if p.ebus != nil {
		_ = p.ebus.PublishCtx(ctx, events.Event{
			Category: events.CategoryWatchdog,
			Type:     "phoenix_recovery",
			Severity: severityFor(record),
			Fields: map[string]interface{}{
				"trigger":       trigger,
				"drained":       record.Drained,
				"drain_skipped": record.DrainSkipped,
				"restarted":     record.Restarted,
				"verified":      record.Verified,
			},
		})
	}
	return record
}

func (p *Phoenix) rank(name string) int {
	if r, ok := p.depRank[name]; ok {
		return r
	}
	return len(p.depRank) // unranked services restart last
}

func (p *Phoenix) appendLog(ctx context.Context, record RecoveryRecord) {
	if p.cfg.LogPath == "" {
		return
	}
	f, err := os.OpenFile(p.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if p.log != nil {
			p.log.ErrorCtx(ctx, "phoenix log open failed", "path", p.cfg.LogPath, "error", err)
		}
		return
	}
	defer func() { _ = f.Close() }()
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(f, "%s\n", line)
}

func severityFor(record RecoveryRecord) string {
	if record.Verified {
		return string(models.SeverityWarning)
	}
	return string(models.SeverityCritical)
}
