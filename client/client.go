// Package client replaces the process-wide client handle of a typical async
// KV client with an explicit Client, which owns a set of loops (either
// created by it, or shared by the caller), and the conns opened on each.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/eventloop"
	"github.com/joeycumines/go-kvpipe/monitor"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("client: closed")

	// ErrLoopsConfigured is returned if loops were already configured, either
	// via CreateLoops or SetExternalLoopCapacity.
	ErrLoopsConfigured = errors.New("client: loops already configured")

	// ErrCapacityExceeded is returned by RegisterExternalLoop once the
	// declared capacity is used up.
	ErrCapacityExceeded = errors.New("client: external loop capacity exceeded")

	// ErrNotLoopThread is returned by operations that must run on the loop.
	ErrNotLoopThread = errors.New("client: not called from the loop")

	// ErrForeignHandle is returned for a LoopHandle of another Client.
	ErrForeignHandle = errors.New("client: handle belongs to another client")
)

// Client owns the loops and conns used to talk to a single cluster, via a
// conn.Dialer. See New.
type Client struct {
	dialer conn.Dialer
	logger *logiface.Logger[logiface.Event]
	opts   *clientOptions

	// runs internal loops
	group errgroup.Group

	mu       sync.Mutex
	handles  []*LoopHandle
	capacity int
	internal bool
	closed   bool
	next     uint64
}

// New returns a Client, which has no loops until either CreateLoops or
// SetExternalLoopCapacity (and RegisterExternalLoop) is called.
func New(dialer conn.Dialer, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("client: nil dialer")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		dialer: dialer,
		logger: cfg.logger,
		opts:   cfg,
	}, nil
}

// Logger returns the configured logger, which may be nil.
func (c *Client) Logger() *logiface.Logger[logiface.Event] { return c.logger }

// CreateLoops creates and runs n loops, each on its own goroutine, owned by
// the client. The loops are stopped by Close.
func (c *Client) CreateLoops(n int) error {
	if n < 1 {
		return fmt.Errorf("client: invalid loop count: %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.capacity != 0 {
		return ErrLoopsConfigured
	}

	loops := make([]*eventloop.Loop, n)
	for i := range loops {
		opts := append(slices.Clone(c.opts.loopOptions), eventloop.WithName(fmt.Sprintf("kvpipe-%d", i)))
		if c.logger != nil {
			opts = append([]eventloop.LoopOption{eventloop.WithLogger(c.logger)}, opts...)
		}
		loop, err := eventloop.New(opts...)
		if err != nil {
			return err
		}
		loops[i] = loop
	}

	c.capacity = n
	c.internal = true
	for i, loop := range loops {
		h := newHandle(c, loop, i, false)
		c.handles = append(c.handles, h)
		_ = loop.Submit(h.markRunning)
		c.group.Go(func() error {
			return loop.Run(context.Background())
		})
	}

	c.logger.Info().
		Int("loops", n).
		Log("client: created loops")

	return nil
}

// SetExternalLoopCapacity declares the maximum number of loops that will
// ever be registered via RegisterExternalLoop.
func (c *Client) SetExternalLoopCapacity(n int) error {
	if n < 1 {
		return fmt.Errorf("client: invalid loop capacity: %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.capacity != 0 {
		return ErrLoopsConfigured
	}
	c.capacity = n
	return nil
}

// RegisterExternalLoop associates a loop, owned and run by the caller, with
// the client. The loop must not be stopped until the association has been
// closed, see CloseAssociation.
func (c *Client) RegisterExternalLoop(loop *eventloop.Loop) (*LoopHandle, error) {
	if loop == nil {
		return nil, errors.New("client: nil loop")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.internal {
		return nil, ErrLoopsConfigured
	}
	if len(c.handles) >= c.capacity {
		return nil, ErrCapacityExceeded
	}
	for _, h := range c.handles {
		if h.loop == loop {
			return nil, errors.New("client: loop already registered")
		}
	}

	h := newHandle(c, loop, len(c.handles), true)
	if err := loop.Submit(h.markRunning); err != nil {
		return nil, err
	}
	c.handles = append(c.handles, h)

	c.logger.Debug().
		Int("loop", h.index).
		Uint64("loop_id", loop.ID()).
		Log("client: registered external loop")

	return h, nil
}

// Handles returns every handle, in registration order.
func (c *Client) Handles() []*LoopHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.handles)
}

// NextLoop returns the next handle that is not closing, round robin, or nil
// if there are none.
func (c *Client) NextLoop() *LoopHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for range c.handles {
		h := c.handles[c.next%uint64(len(c.handles))]
		c.next++
		if h.State() < HandleClosing {
			return h
		}
	}
	return nil
}

// CloseAssociation stops new work on the loop of h, then asynchronously
// closes every conn the client opened on it, once drained. onClosed (if not
// nil) is then called on the loop, after which it is safe to stop the loop.
//
// If the association is already closed, onClosed is called immediately, on
// the calling goroutine. If the loop has terminated, the association is
// abandoned, onClosed is called immediately, and the error is returned.
func (c *Client) CloseAssociation(h *LoopHandle, onClosed func()) error {
	if h == nil || h.client != c {
		return ErrForeignHandle
	}
	if h.State() == HandleClosed {
		if onClosed != nil {
			onClosed()
		}
		return nil
	}
	if err := h.loop.Submit(func() { h.closeOnLoop(onClosed) }); err != nil {
		h.state.Store(int32(HandleClosed))
		c.logger.Warning().
			Err(err).
			Int("loop", h.index).
			Log("client: association abandoned")
		if onClosed != nil {
			onClosed()
		}
		return fmt.Errorf("client: close association %d: %w", h.index, err)
	}
	return nil
}

// Close closes every association, stopping internal loops once their
// associations are closed, and waits for that to complete, or ctx to be
// done. External loops are left running, and remain the caller's to stop.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	handles := slices.Clone(c.handles)
	internal := c.internal
	c.mu.Unlock()

	if len(handles) != 0 {
		done := monitor.New()
		done.Begin(len(handles))
		var errs []error
		for _, h := range handles {
			err := c.CloseAssociation(h, func() {
				if !h.external {
					// requests termination, returns immediately on the loop
					_ = h.loop.Shutdown(context.Background())
				}
				done.Notify()
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		if err := done.Wait(ctx); err != nil {
			return err
		}
		if len(errs) != 0 {
			return errors.Join(errs...)
		}
	}

	if internal {
		waited := make(chan error, 1)
		go func() { waited <- c.group.Wait() }()
		select {
		case err := <-waited:
			if err != nil {
				return fmt.Errorf("client: loop: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.logger.Info().
		Int("loops", len(handles)).
		Log("client: closed")

	return nil
}
