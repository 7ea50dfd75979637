package bus

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSServerStreamsEnvelopes(t *testing.T) {
	b := New(Config{}, nil)
	srv := httptest.NewServer(NewWSServer(b, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(controlMessage{Subscribe: []string{models.ChannelNPCEvents}}))

	// Give the server a beat to register the subscription.
	require.Eventually(t, func() bool { return b.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(models.ChannelNPCEvents, map[string]interface{}{"hello": "world"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, models.ChannelNPCEvents, env.Channel)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "world", data["hello"])
}

func TestWSServerRejectsUnknownChannel(t *testing.T) {
	b := New(Config{}, nil)
	srv := httptest.NewServer(NewWSServer(b, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(controlMessage{Subscribe: []string{"bogus"}}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rej models.Rejection
	require.NoError(t, conn.ReadJSON(&rej))
	assert.Equal(t, models.CodeInvalidInput, rej.Code)
	assert.NotEmpty(t, rej.Timestamp)
}

func TestWSClientReceivesAndDispatches(t *testing.T) {
	b := New(Config{}, nil)
	srv := httptest.NewServer(NewWSServer(b, nil))
	defer srv.Close()

	client := NewWSClient(wsURL(srv), nil)
	var mu sync.Mutex
	var got []models.Envelope
	client.Subscribe(models.ChannelSystemStatus, func(env models.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	require.Eventually(t, func() bool { return b.Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Publish(models.ChannelSystemStatus, map[string]interface{}{"state": "ok"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.ChannelSystemStatus, got[0].Channel)
}
