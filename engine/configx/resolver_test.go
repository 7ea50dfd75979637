package configx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerPrecedence(t *testing.T) {
	r := NewResolver()
	r.SetLayer(LayerGlobal, MeshConfigSpec{
		Global: &GlobalSection{HTTPAddr: ":8080", LoggingLevel: "info"},
		Memory: &MemorySection{RetryCapacity: 1000},
	})
	r.SetLayer(LayerWorld, MeshConfigSpec{
		Global: &GlobalSection{LoggingLevel: "debug"},
	})

	eff := r.Effective()
	require.NotNil(t, eff.Global)
	assert.Equal(t, ":8080", eff.Global.HTTPAddr, "lower layer survives")
	assert.Equal(t, "debug", eff.Global.LoggingLevel, "higher layer wins")
	require.NotNil(t, eff.Memory)
	assert.Equal(t, 1000, eff.Memory.RetryCapacity)
}

func TestEphemeralOverridesEverything(t *testing.T) {
	r := NewResolver()
	r.SetLayer(LayerGlobal, MeshConfigSpec{Watchdog: &WatchdogSection{RestartBudget: 5}})
	r.SetLayer(LayerEnvironment, MeshConfigSpec{Watchdog: &WatchdogSection{RestartBudget: 3}})
	r.SetLayer(LayerEphemeral, MeshConfigSpec{Watchdog: &WatchdogSection{RestartBudget: 1}})
	assert.Equal(t, 1, r.Effective().Watchdog.RestartBudget)
}

func TestOnChangeNotified(t *testing.T) {
	r := NewResolver()
	var seen []MeshConfigSpec
	r.OnChange(func(eff MeshConfigSpec) { seen = append(seen, eff) })
	r.SetLayer(LayerGlobal, MeshConfigSpec{Bus: &BusSection{Retention: 50}})
	require.Len(t, seen, 1)
	assert.Equal(t, 50, seen[0].Bus.Retention)
}

func TestLoadFileAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global:\n  http_addr: \":9000\"\n"), 0o644))

	r := NewResolver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.WatchFile(ctx, LayerEnvironment, path, nil))
	assert.Equal(t, ":9000", r.Effective().Global.HTTPAddr)

	require.NoError(t, os.WriteFile(path, []byte("global:\n  http_addr: \":9100\"\n"), 0o644))
	assert.Eventually(t, func() bool {
		eff := r.Effective()
		return eff.Global != nil && eff.Global.HTTPAddr == ":9100"
	}, 3*time.Second, 20*time.Millisecond, "hot reload applies the new file")
}

func TestWatchFileBadYAMLKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  retention: 10\n"), 0o644))

	r := NewResolver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	require.NoError(t, r.WatchFile(ctx, LayerEnvironment, path, func(err error) { errs <- err }))

	require.NoError(t, os.WriteFile(path, []byte("bus: [broken"), 0o644))
	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("parse error not surfaced")
	}
	assert.Equal(t, 10, r.Effective().Bus.Retention, "previous layer retained")
}
