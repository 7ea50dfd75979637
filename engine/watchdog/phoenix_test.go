package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	depth     int
	reachable bool
	flushed   int
}

func (d *fakeDrainer) FlushRetryRing(ctx context.Context) int {
	n := d.depth
	d.depth = 0
	d.flushed += n
	return n
}
func (d *fakeDrainer) RingDepth() int                           { return d.depth }
func (d *fakeDrainer) BackendReachable(context.Context) bool    { return d.reachable }

func phoenixFixture(t *testing.T, drainer Drainer) (*Phoenix, *Watchdog, *[]string, string) {
	t.Helper()
	w := New(DefaultConfig(), nil, nil)
	var restarted []string
	for _, name := range []string{"clients", "orchestration", "behavior-engine", "backend-db"} {
		w.Supervise(ServiceSpec{
			Name: name,
			Restart: func(ctx context.Context) error {
				restarted = append(restarted, name)
				return nil
			},
		})
	}
	logPath := filepath.Join(t.TempDir(), "recovery.log")
	p := NewPhoenix(PhoenixConfig{LogPath: logPath}, w, drainer, nil, nil, nil)
	p.SetDependencyOrder("backend-db", "behavior-engine", "orchestration", "clients")
	return p, w, &restarted, logPath
}

func TestPhoenixRecoverDrainsThenRestartsInDependencyOrder(t *testing.T) {
	drainer := &fakeDrainer{depth: 42, reachable: true}
	p, _, restarted, logPath := phoenixFixture(t, drainer)

	record := p.Recover(context.Background(), []string{"orchestration", "behavior-engine", "backend-db"})

	assert.Equal(t, 42, record.Drained)
	assert.False(t, record.DrainSkipped)
	assert.Equal(t, []string{"backend-db", "behavior-engine", "orchestration", "clients"}, *restarted,
		"backend first, clients last")
	assert.True(t, record.Verified)

	// Recovery is logged append-only as JSON lines.
	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var logged RecoveryRecord
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &logged))
	assert.Equal(t, 42, logged.Drained)
}

func TestPhoenixSkipsDrainWhenBackendUnreachable(t *testing.T) {
	drainer := &fakeDrainer{depth: 900, reachable: false}
	p, _, _, _ := phoenixFixture(t, drainer)

	record := p.Recover(context.Background(), []string{"backend-db"})
	assert.True(t, record.DrainSkipped, "drain skipped; operations remain in the ring")
	assert.Equal(t, 0, record.Drained)
	assert.Equal(t, 900, drainer.depth, "ring untouched")
}

func TestPhoenixRingPressureTrigger(t *testing.T) {
	drainer := &fakeDrainer{depth: 950, reachable: false}
	p, _, _, _ := phoenixFixture(t, drainer)
	assert.True(t, p.ShouldTrigger(context.Background(), 1000))

	drainer.reachable = true
	assert.False(t, p.ShouldTrigger(context.Background(), 1000), "reachable backend drains normally")

	drainer.reachable = false
	drainer.depth = 100
	assert.False(t, p.ShouldTrigger(context.Background(), 1000), "low pressure")
}

func TestSimultaneousKillTriggersOrderedRecovery(t *testing.T) {
	drainer := &fakeDrainer{depth: 10, reachable: true}
	w := New(DefaultConfig(), nil, nil)

	var restarted []string
	dead := map[string]*bool{}
	for _, name := range []string{"orchestration", "behavior-engine", "backend-db"} {
		isDead := true
		dead[name] = &isDead
		w.Supervise(ServiceSpec{
			Name: name,
			ProbeOverride: func(ctx context.Context) error {
				if *dead[name] {
					return errors.New("killed")
				}
				return nil
			},
			Restart: func(ctx context.Context) error {
				restarted = append(restarted, name)
				*dead[name] = false
				return nil
			},
		})
	}
	p := NewPhoenix(PhoenixConfig{}, w, drainer, nil, nil, nil)
	p.SetDependencyOrder("backend-db", "behavior-engine", "orchestration")

	var record RecoveryRecord
	w.SetPhoenixTrigger(func(ctx context.Context, down []string) {
		record = p.Recover(ctx, down)
	})

	// One probe sweep detects all three dead and fires recovery.
	w.sweep(context.Background(), w.probeLiveness)

	assert.Equal(t, []string{"orchestration", "behavior-engine", "backend-db"}, record.Trigger)
	assert.Equal(t, 10, record.Drained, "drain ran before restarts")
	assert.True(t, record.Verified)
	// The watchdog's own budgeted restarts fired during detection; the
	// phoenix pass then restarted in dependency order ending healthy.
	for _, st := range w.Status() {
		assert.True(t, st.Healthy, st.Name)
	}
}

func TestPhoenixVerifyFailureRecorded(t *testing.T) {
	drainer := &fakeDrainer{reachable: true}
	w := New(DefaultConfig(), nil, nil)
	w.Supervise(ServiceSpec{Name: "svc", Restart: func(context.Context) error { return errors.New("still dead") }})
	p := NewPhoenix(PhoenixConfig{}, w, drainer, func(context.Context) (bool, string) {
		return false, "deep health failed"
	}, nil, nil)

	record := p.Recover(context.Background(), []string{"svc"})
	assert.False(t, record.Verified)
	assert.Equal(t, "deep health failed", record.Detail)
	assert.Contains(t, record.RestartErrs, "svc")
}
