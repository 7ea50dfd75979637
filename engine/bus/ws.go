package bus

// Websocket transport: the server bridges bus subscriptions onto wire
// connections; the client maintains a single reconnecting connection that
// backs any number of logical subscribers. Subscriptions are negotiated with
// a {"subscribe": [...]} control message and re-dispatched on reconnect.

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/logging"
)

// DefaultReconnectInterval is the client reconnection cadence.
const DefaultReconnectInterval = 5 * time.Second

type controlMessage struct {
	Subscribe []string `json:"subscribe"`
}

// WSServer upgrades HTTP connections and streams bus envelopes to them.
type WSServer struct {
	bus      *Bus
	log      logging.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(b *Bus, log logging.Logger) *WSServer {
	return &WSServer{
		bus: b,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one wire connection. The first (and any subsequent)
// control message replaces the connection's subscription set.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var (
		mu  sync.Mutex
		sub *Subscription
	)
	defer func() {
		mu.Lock()
		if sub != nil {
			sub.Close()
		}
		mu.Unlock()
	}()

	done := make(chan struct{})
	// Reader: control messages only.
	go func() {
		defer close(done)
		for {
			var ctl controlMessage
			if err := conn.ReadJSON(&ctl); err != nil {
				return
			}
			if len(ctl.Subscribe) == 0 {
				continue
			}
			newSub, err := s.bus.SubscribeWithReplay(ctl.Subscribe...)
			if err != nil {
				_ = conn.WriteJSON(models.NewRejection(models.CodeInvalidInput, err.Error()))
				continue
			}
			mu.Lock()
			old := sub
			sub = newSub
			mu.Unlock()
			if old != nil {
				old.Close()
			}
			go s.pump(conn, newSub, done)
		}
	}()
	<-done
}

func (s *WSServer) pump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				sub.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// Handler is a logical consumer on the client side.
type Handler func(env models.Envelope)

// WSClient is the client-side singleton: one transport connection backing
// multiple logical subscribers, with pending subscriptions dispatched on
// every (re)connect.
type WSClient struct {
	url       string
	log       logging.Logger
	interval  time.Duration

	mu       sync.Mutex
	handlers map[string][]Handler // channel -> handlers
	conn     *websocket.Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewWSClient(url string, log logging.Logger) *WSClient {
	return &WSClient{
		url:      url,
		log:      log,
		interval: DefaultReconnectInterval,
		handlers: make(map[string][]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a logical subscriber. Idempotent per channel set; the
// wire subscription is (re)negotiated on the next connect when offline.
func (c *WSClient) Subscribe(channel string, h Handler) {
	c.mu.Lock()
	c.handlers[channel] = append(c.handlers[channel], h)
	conn := c.conn
	channels := c.channelSet()
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteJSON(controlMessage{Subscribe: channels})
	}
}

func (c *WSClient) channelSet() []string {
	out := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		out = append(out, name)
	}
	return out
}

// Start runs the connect/read loop until ctx cancels or Stop is called.
func (c *WSClient) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *WSClient) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if c.log != nil {
				c.log.WarnCtx(ctx, "bus client connect failed", "url", c.url, "error", err)
			}
			if !c.sleep(ctx) {
				return
			}
			continue
		}
		c.mu.Lock()
		c.conn = conn
		channels := c.channelSet()
		c.mu.Unlock()
		if len(channels) > 0 {
			_ = conn.WriteJSON(controlMessage{Subscribe: channels})
		}
		c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		c.dispatch(env)
	}
}

func (c *WSClient) dispatch(env models.Envelope) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Channel]...)
	handlers = append(handlers, c.handlers[models.ChannelWildcard]...)
	c.mu.Unlock()
	for _, h := range handlers {
		// Handler panics are swallowed at the bus boundary.
		func() { defer func() { _ = recover() }(); h(env) }()
	}
}

func (c *WSClient) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

// Stop terminates the client.
func (c *WSClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
