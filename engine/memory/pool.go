package memory

// Session pool: bounded concurrent sessions with fair, timeout-bounded
// acquisition. Every exit path releases, including panics inside fn.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"epochmesh/engine/models"
)

const (
	DefaultPoolSize       = 10
	DefaultAcquireTimeout = 5 * time.Second
)

var ErrPoolClosed = errors.New("memory: session pool closed")

type SessionPool struct {
	backend Backend
	sem     *semaphore.Weighted
	timeout time.Duration
	closed  chan struct{}
}

func NewSessionPool(backend Backend, size int, acquireTimeout time.Duration) *SessionPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &SessionPool{
		backend: backend,
		sem:     semaphore.NewWeighted(int64(size)),
		timeout: acquireTimeout,
		closed:  make(chan struct{}),
	}
}

// WithSession acquires a slot, opens a session, invokes fn, and releases on
// every exit path. Acquisition beyond the timeout returns ErrTimeout-shaped
// failure to the caller.
func (p *SessionPool) WithSession(ctx context.Context, fn func(ctx context.Context, sess Session) error) error {
	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}
	acquireCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("memory: session acquire: %w: %w", models.ErrTimeout, err)
		}
		return fmt.Errorf("memory: session acquire: %w", err)
	}
	defer p.sem.Release(1)

	sess, err := p.backend.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(ctx) }()
	return fn(ctx, sess)
}

// Close marks the pool closed. The caller drains the retry ring first; see
// Graph.Close for the shutdown ordering.
func (p *SessionPool) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}
