package client

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/eventloop"
	"github.com/joeycumines/go-kvpipe/kv"
)

// HandleState is the state of the association between a Client and a loop.
//
// Internal loops start Created, external loops start Registered. Both move
// to Running once the loop has run a task for the client, then to Closing
// and Closed via Client.CloseAssociation.
type HandleState int32

const (
	HandleCreated HandleState = iota
	HandleRegistered
	HandleRunning
	HandleClosing
	HandleClosed
)

// LoopHandle associates a loop with a Client, and owns the conns the client
// uses on that loop. Conns are opened lazily, on the loop, see Conn.
type LoopHandle struct {
	client *Client
	loop   *eventloop.Loop

	// only accessed on the loop
	async    *conn.Conn
	pipe     *conn.Conn
	onClosed []func()

	index    int
	external bool
	state    atomic.Int32
}

// String implements fmt.Stringer.
func (x HandleState) String() string {
	switch x {
	case HandleCreated:
		return `created`
	case HandleRegistered:
		return `registered`
	case HandleRunning:
		return `running`
	case HandleClosing:
		return `closing`
	case HandleClosed:
		return `closed`
	default:
		return fmt.Sprintf(`HandleState(%d)`, int32(x))
	}
}

func newHandle(c *Client, loop *eventloop.Loop, index int, external bool) *LoopHandle {
	h := LoopHandle{
		client:   c,
		loop:     loop,
		index:    index,
		external: external,
	}
	if external {
		h.state.Store(int32(HandleRegistered))
	}
	return &h
}

// Loop returns the associated loop.
func (h *LoopHandle) Loop() *eventloop.Loop { return h.loop }

// Index returns the position of the handle within its client.
func (h *LoopHandle) Index() int { return h.index }

// External reports whether the loop was registered via
// Client.RegisterExternalLoop, as opposed to created by the client.
func (h *LoopHandle) External() bool { return h.external }

// State returns the current state of the association.
func (h *LoopHandle) State() HandleState {
	return HandleState(h.state.Load())
}

// Submit queues task on the loop.
func (h *LoopHandle) Submit(task func()) error {
	return h.loop.Submit(task)
}

// Conn returns the conn for the given mode, opening it if necessary. It must
// be called on the loop, and fails with kv.ErrClosed once the association
// is closing.
func (h *LoopHandle) Conn(pipelined bool) (*conn.Conn, error) {
	if !h.loop.IsLoopThread() {
		return nil, ErrNotLoopThread
	}
	h.markRunning()
	if h.State() >= HandleClosing {
		return nil, kv.ErrClosed
	}
	target := &h.async
	if pipelined {
		target = &h.pipe
	}
	if *target == nil {
		opts := h.client.opts.connOptions
		opts.Pipelined = pipelined
		if opts.Logger == nil {
			opts.Logger = h.client.logger
		}
		*target = conn.Open(h.loop, h.client.dialer, &opts)
		h.client.logger.Debug().
			Int("loop", h.index).
			Bool("pipelined", pipelined).
			Log("client: conn opened")
	}
	return *target, nil
}

func (h *LoopHandle) markRunning() {
	for {
		s := h.state.Load()
		if s >= int32(HandleRunning) {
			return
		}
		if h.state.CompareAndSwap(s, int32(HandleRunning)) {
			return
		}
	}
}

// closeOnLoop runs on the loop, see Client.CloseAssociation.
func (h *LoopHandle) closeOnLoop(onClosed func()) {
	if onClosed != nil {
		h.onClosed = append(h.onClosed, onClosed)
	}
	switch h.State() {
	case HandleClosed:
		h.runOnClosed()
		return
	case HandleClosing:
		return
	}
	h.state.Store(int32(HandleClosing))

	var conns []*conn.Conn
	for _, c := range [...]*conn.Conn{h.async, h.pipe} {
		if c != nil {
			conns = append(conns, c)
		}
	}
	h.client.logger.Debug().
		Int("loop", h.index).
		Int("conns", len(conns)).
		Log("client: closing association")
	if len(conns) == 0 {
		h.finishClose()
		return
	}
	remaining := len(conns)
	for _, c := range conns {
		c.Close(func() {
			remaining--
			if remaining == 0 {
				h.finishClose()
			}
		})
	}
}

func (h *LoopHandle) finishClose() {
	h.async = nil
	h.pipe = nil
	h.state.Store(int32(HandleClosed))
	h.client.logger.Debug().
		Int("loop", h.index).
		Log("client: association closed")
	h.runOnClosed()
}

func (h *LoopHandle) runOnClosed() {
	callbacks := h.onClosed
	h.onClosed = nil
	for _, fn := range callbacks {
		fn()
	}
}
