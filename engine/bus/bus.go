package bus

// Streaming telemetry bus: multiplexed publish/subscribe over the closed
// channel set, with envelope validation at the boundary, bounded retention
// for late joiners, and non-blocking fan-out. A slow subscriber loses
// messages; it never stalls the bus.

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/metrics"
)

const (
	// DefaultSubscriberBuffer bounds each subscriber's delivery queue.
	DefaultSubscriberBuffer = 100
	// DefaultRetention is the per-channel late-joiner replay depth.
	DefaultRetention = 100
)

// Subscription receives envelopes for its channels in publish order.
type Subscription struct {
	id       int64
	channels map[string]struct{}
	wildcard bool
	ch       chan models.Envelope
	bus      *Bus
	dropped  atomic.Uint64
	closed   atomic.Bool
}

// C is the delivery channel.
func (s *Subscription) C() <-chan models.Envelope { return s.ch }

// Dropped reports messages lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
	}
}

// Stats aggregates bus counters.
type Stats struct {
	Subscribers int     `json:"subscribers"`
	Published   uint64  `json:"published"`
	Dropped     uint64  `json:"dropped"`
	Rejected    uint64  `json:"rejected"`
	PerChannel  map[string]uint64 `json:"per_channel"`
}

// ErrorSink receives validation failures. Failures never crash the bus.
type ErrorSink func(channel string, err error)

type Config struct {
	SubscriberBuffer int
	Retention        int
	ErrorSink        ErrorSink
}

// Bus is the process-wide streaming bus. Construct once.
type Bus struct {
	cfg       Config
	validator *Validator

	mu        sync.RWMutex
	subs      map[int64]*Subscription
	retained  map[string][]models.Envelope
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	perChan   map[string]*atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
	mRejected  metrics.Counter
}

func New(cfg Config, provider metrics.Provider) *Bus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	b := &Bus{
		cfg:       cfg,
		validator: NewValidator(),
		subs:      make(map[int64]*Subscription),
		retained:  make(map[string][]models.Envelope),
		perChan:   make(map[string]*atomic.Uint64),
	}
	for name := range models.KnownChannels {
		b.perChan[name] = &atomic.Uint64{}
	}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "bus", Name: "published_total", Help: "Envelopes published", Labels: []string{"channel"}}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "bus", Name: "dropped_total", Help: "Envelopes dropped to slow subscribers"}})
		b.mRejected = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "bus", Name: "rejected_total", Help: "Envelopes rejected by validation"}})
	}
	return b
}

// Publish validates, envelope-wraps, retains, and fans out to matching and
// wildcard subscribers without blocking.
func (b *Bus) Publish(channel string, data interface{}) error {
	if err := b.validator.Validate(channel, data); err != nil {
		b.rejected.Add(1)
		if b.mRejected != nil {
			b.mRejected.Inc(1)
		}
		if b.cfg.ErrorSink != nil {
			b.cfg.ErrorSink(channel, err)
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	env := models.Envelope{
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	b.mu.Lock()
	retained := append(b.retained[channel], env)
	if len(retained) > b.cfg.Retention {
		retained = retained[len(retained)-b.cfg.Retention:]
	}
	b.retained[channel] = retained
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.published.Add(1)
	if counter := b.perChan[channel]; counter != nil {
		counter.Add(1)
	}
	if b.mPublished != nil {
		b.mPublished.Inc(1, channel)
	}

	for _, s := range subs {
		if !s.wildcard {
			if _, ok := s.channels[channel]; !ok {
				continue
			}
		}
		select {
		case s.ch <- env:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1)
			}
		}
	}
	return nil
}

// Subscribe registers for the given channels. "*" subscribes to everything.
// Unknown channel names are rejected.
func (b *Bus) Subscribe(channels ...string) (*Subscription, error) {
	return b.subscribe(channels, false)
}

// SubscribeWithReplay registers and immediately queues the retained history
// of each channel (oldest first) for the late joiner.
func (b *Bus) SubscribeWithReplay(channels ...string) (*Subscription, error) {
	return b.subscribe(channels, true)
}

func (b *Bus) subscribe(channels []string, replay bool) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels requested", models.ErrInvalidInput)
	}
	sub := &Subscription{
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan models.Envelope, b.cfg.SubscriberBuffer),
		bus:      b,
	}
	for _, name := range channels {
		if name == models.ChannelWildcard {
			sub.wildcard = true
			continue
		}
		if _, ok := models.KnownChannels[name]; !ok {
			return nil, fmt.Errorf("%w: unknown channel %q", models.ErrInvalidInput, name)
		}
		sub.channels[name] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	var backlog []models.Envelope
	if replay {
		if sub.wildcard {
			for _, envs := range b.retained {
				backlog = append(backlog, envs...)
			}
		} else {
			for name := range sub.channels {
				backlog = append(backlog, b.retained[name]...)
			}
		}
	}
	b.mu.Unlock()

	for _, env := range backlog {
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
		}
	}
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

// Stats returns aggregate counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	stats := Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Rejected:    b.rejected.Load(),
		PerChannel:  make(map[string]uint64, len(b.perChan)),
	}
	for name, counter := range b.perChan {
		stats.PerChannel[name] = counter.Load()
	}
	return stats
}
