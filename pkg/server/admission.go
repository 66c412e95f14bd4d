package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// limiter admits requests up to a fixed concurrency, parking overflow
// in a bounded FIFO queue. The semaphore wakes waiters in arrival
// order, which gives the queue its FIFO admission guarantee.
type limiter struct {
	sem          *semaphore.Weighted
	maxQueue     int
	queueTimeout time.Duration

	mu      sync.Mutex
	waiting int
}

func newLimiter(slots, maxQueue int, queueTimeout time.Duration) *limiter {
	return &limiter{
		sem:          semaphore.NewWeighted(int64(slots)),
		maxQueue:     maxQueue,
		queueTimeout: queueTimeout,
	}
}

// acquire takes one slot, waiting in the queue when none is free.
// Full queue: server_busy. Queue wait expired: queue_timeout.
func (l *limiter) acquire(ctx context.Context) error {
	if l.sem.TryAcquire(1) {
		return nil
	}

	l.mu.Lock()
	if l.waiting >= l.maxQueue {
		l.mu.Unlock()
		return protocol.NewError(protocol.ErrServerBusy, "server is at capacity")
	}
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.queueTimeout)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return protocol.WrapError(protocol.ErrInternal, ctx.Err(), "request canceled while queued")
		}
		return protocol.NewError(protocol.ErrQueueTimeout, "timed out waiting for a free slot")
	}
	return nil
}

func (l *limiter) release() {
	l.sem.Release(1)
}

// slot wraps a held limiter slot with exactly-once release semantics,
// needed because a timed-out request and its still-running worker both
// reach the release path.
type slot struct {
	l    *limiter
	once sync.Once
}

func (s *slot) release() {
	s.once.Do(s.l.release)
}
