// Package monitor implements a counted, one-shot latch, used to block a
// caller until a workflow completes, or until every shared loop has started.
package monitor

import (
	"context"
	"sync"
)

// Monitor releases waiters once it has been notified the expected number of
// times. The zero value is not usable, see New.
type Monitor struct {
	done      chan struct{}
	mu        sync.Mutex
	remaining int
	notified  int
	extra     int
}

// New returns a Monitor expecting a single notification.
func New() *Monitor {
	return &Monitor{
		done:      make(chan struct{}),
		remaining: 1,
	}
}

// Begin sets the expected number of notifications, and must be called
// before any notification is delivered. Panics if n < 1, or if the monitor
// has already been notified.
func (x *Monitor) Begin(n int) {
	if n < 1 {
		panic(`monitor: expected count must be positive`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.notified != 0 {
		panic(`monitor: begin after notify`)
	}
	x.remaining = n
}

// Notify delivers one notification, releasing waiters once the expected
// count is reached. Returns false if the monitor was already released, in
// which case the notification has no effect.
func (x *Monitor) Notify() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.remaining == 0 {
		x.extra++
		return false
	}
	x.notified++
	x.remaining--
	if x.remaining == 0 {
		close(x.done)
	}
	return true
}

// Wait blocks until released, or ctx is done.
func (x *Monitor) Wait(ctx context.Context) error {
	select {
	case <-x.done:
		return nil
	default:
	}
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once released.
func (x *Monitor) Done() <-chan struct{} {
	return x.done
}

// Remaining returns the number of notifications still expected.
func (x *Monitor) Remaining() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.remaining
}

// Extra returns the number of notifications received after release.
func (x *Monitor) Extra() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.extra
}
