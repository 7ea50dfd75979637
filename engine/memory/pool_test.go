package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrencyWithAcquireTimeout(t *testing.T) {
	pool := NewSessionPool(NewMemBackend(), 1, 50*time.Millisecond)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = pool.WithSession(context.Background(), func(ctx context.Context, sess Session) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// Second acquisition times out while the slot is held.
	err := pool.WithSession(context.Background(), func(context.Context, Session) error { return nil })
	require.Error(t, err)

	close(release)
	// Slot freed: acquisition succeeds again.
	assert.Eventually(t, func() bool {
		return pool.WithSession(context.Background(), func(context.Context, Session) error { return nil }) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPoolReleasesOnCallbackError(t *testing.T) {
	pool := NewSessionPool(NewMemBackend(), 1, 50*time.Millisecond)
	for i := 0; i < 5; i++ {
		_ = pool.WithSession(context.Background(), func(context.Context, Session) error {
			return context.DeadlineExceeded
		})
	}
	// Every failed call released its slot.
	err := pool.WithSession(context.Background(), func(context.Context, Session) error { return nil })
	assert.NoError(t, err)
}

func TestPoolClosedRejects(t *testing.T) {
	pool := NewSessionPool(NewMemBackend(), 1, 50*time.Millisecond)
	pool.Close()
	err := pool.WithSession(context.Background(), func(context.Context, Session) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
