package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := New(Config{}, nil)
	sub, err := b.Subscribe(models.ChannelNPCEvents)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(models.ChannelNPCEvents, map[string]interface{}{"seq": i}))
	}
	for i := 0; i < 10; i++ {
		select {
		case env := <-sub.C():
			data := env.Data.(map[string]interface{})
			assert.Equal(t, i, data["seq"], "publish order preserved per subscriber")
			assert.Equal(t, models.ChannelNPCEvents, env.Channel)
			assert.NotEmpty(t, env.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestChannelIsolationAndWildcard(t *testing.T) {
	b := New(Config{}, nil)
	alerts, err := b.Subscribe(models.ChannelRebellionAlerts)
	require.NoError(t, err)
	defer alerts.Close()
	all, err := b.Subscribe(models.ChannelWildcard)
	require.NoError(t, err)
	defer all.Close()

	require.NoError(t, b.Publish(models.ChannelNPCEvents, map[string]interface{}{"x": 1}))
	require.NoError(t, b.Publish(models.ChannelRebellionAlerts, map[string]interface{}{"y": 2}))

	select {
	case env := <-alerts.C():
		assert.Equal(t, models.ChannelRebellionAlerts, env.Channel, "non-matching channels filtered")
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-all.C():
			seen[env.Channel] = true
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	assert.True(t, seen[models.ChannelNPCEvents] && seen[models.ChannelRebellionAlerts], "wildcard sees everything")
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(Config{SubscriberBuffer: 2}, nil)
	sub, err := b.Subscribe(models.ChannelSystemStatus)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = b.Publish(models.ChannelSystemStatus, map[string]interface{}{"i": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Equal(t, uint64(48), sub.Dropped())
	assert.Equal(t, uint64(48), b.Stats().Dropped)
}

func TestLateJoinerReplay(t *testing.T) {
	b := New(Config{Retention: 5}, nil)
	for i := 0; i < 8; i++ {
		require.NoError(t, b.Publish(models.ChannelSimulationTicks, models.TickSnapshot{TickNumber: int64(i)}))
	}
	sub, err := b.SubscribeWithReplay(models.ChannelSimulationTicks)
	require.NoError(t, err)
	defer sub.Close()

	var ticks []int64
	for i := 0; i < 5; i++ {
		select {
		case env := <-sub.C():
			ticks = append(ticks, env.Data.(models.TickSnapshot).TickNumber)
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, ticks, "last-N retained, oldest first")
}

func TestUnknownChannelRejected(t *testing.T) {
	b := New(Config{}, nil)
	err := b.Publish("nonsense", map[string]interface{}{})
	require.Error(t, err)

	_, err = b.Subscribe("nonsense")
	require.Error(t, err)
}

func TestValidationFailureGoesToSinkNotCrash(t *testing.T) {
	var sunk []string
	b := New(Config{ErrorSink: func(channel string, err error) { sunk = append(sunk, channel) }}, nil)

	// Command payload with out-of-range priority fails the schema.
	err := b.Publish(models.ChannelNPCCommands, models.NPCCommand{NPCID: "n", Command: "move_to", Priority: 99})
	require.Error(t, err)
	require.Len(t, sunk, 1)
	assert.Equal(t, uint64(1), b.Stats().Rejected)

	// The bus keeps working.
	require.NoError(t, b.Publish(models.ChannelNPCCommands, models.NPCCommand{NPCID: "n", Command: "move_to", Priority: 5}))
}

func TestTelemetrySchemaEnforced(t *testing.T) {
	b := New(Config{}, nil)
	err := b.Publish(models.ChannelTelemetry, models.TelemetryEvent{Type: models.TelemetryRebellion, Severity: "extreme"})
	require.Error(t, err, "unknown severity rejected")

	require.NoError(t, b.Publish(models.ChannelTelemetry, models.TelemetryEvent{
		Type:     models.TelemetryRebellion,
		Severity: models.SeverityCritical,
		NPCID:    "npc-1",
	}))
}

func TestStatsPerChannel(t *testing.T) {
	b := New(Config{}, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(models.ChannelNPCEvents, map[string]interface{}{"i": i}))
	}
	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(3), stats.PerChannel[models.ChannelNPCEvents])
	assert.Equal(t, uint64(0), stats.PerChannel[models.ChannelTelemetry])
}
