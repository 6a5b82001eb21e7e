// Package conn multiplexes requests issued on an event loop over a small
// number of wires, in either non-pipelined mode (one outstanding request per
// wire, with a FIFO of requests waiting for a free wire) or pipelined mode
// (many outstanding requests per wire, written in coalesced flushes, with a
// fill callback as each request is written).
//
// A Conn is owned by a single loop. Every method, and every callback, runs
// on that loop, and replies delivered by wires on other goroutines are
// marshalled onto it via kv.Executor.
package conn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/logiface"
)

type connState int

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

type (
	// Conn implements kv.Conn. See also Open.
	Conn struct {
		exec     kv.Executor
		dialer   Dialer
		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter
		pending  map[uint64]*pending
		onFill   func()
		onClosed []func()
		wires    []*wire
		idle     []*wire
		delayed  []*pending
		opts     Options
		// dropped is written by wire goroutines
		dropped  atomic.Int64
		nextID   uint64
		nextWire int
		state    connState
		flushing bool
		pumping  bool
	}

	pending struct {
		start      time.Time
		frame      *Frame
		wire       *wire
		req        *kv.Request
		onComplete kv.CompletionFunc
		batch      *kv.Batch
		onBatch    kv.BatchCompletionFunc
	}

	// Stats is a point-in-time view of a Conn.
	Stats struct {
		// Pending is the number of requests awaiting completion, including
		// Queued.
		Pending int
		// Queued is the number of requests waiting for a free wire.
		Queued int
		Wires  int
		// Dropped is the number of replies that could not be delivered,
		// because the loop no longer accepted work. The requests they
		// answer remain pending, and never complete.
		Dropped int64
	}
)

var (
	_ kv.Conn = (*Conn)(nil)

	errBatchMismatch = errors.New(`conn: batch reply size mismatch`)
)

// Open returns a Conn, which dials wires lazily, as required. Panics if exec
// or dialer are nil.
func Open(exec kv.Executor, dialer Dialer, opts *Options) *Conn {
	if exec == nil {
		panic(`conn: nil executor`)
	}
	if dialer == nil {
		panic(`conn: nil dialer`)
	}
	c := Conn{
		exec:    exec,
		dialer:  dialer,
		opts:    opts.resolve(),
		pending: make(map[uint64]*pending),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
	c.logger = c.opts.Logger
	return &c
}

// Pipelined reports whether the Conn is in pipelined mode.
func (c *Conn) Pipelined() bool { return c.opts.Pipelined }

// Stats returns the current state of the Conn.
func (c *Conn) Stats() Stats {
	return Stats{
		Pending: len(c.pending),
		Queued:  len(c.delayed),
		Wires:   len(c.wires),
		Dropped: c.dropped.Load(),
	}
}

// SetPipelineFillCallback implements kv.Conn.
func (c *Conn) SetPipelineFillCallback(onFill func()) {
	c.onFill = onFill
}

// Send implements kv.Conn.
func (c *Conn) Send(req *kv.Request, onComplete kv.CompletionFunc) error {
	if req == nil || onComplete == nil {
		panic(`conn: nil request or callback`)
	}
	return c.dispatch(&pending{
		frame: &Frame{
			Op:   OpPut,
			Key:  req.Key,
			Bins: req.Bins,
		},
		req:        req,
		onComplete: onComplete,
	})
}

// BatchRead implements kv.Conn.
func (c *Conn) BatchRead(batch *kv.Batch, onComplete kv.BatchCompletionFunc) error {
	if batch == nil || onComplete == nil {
		panic(`conn: nil batch or callback`)
	}
	return c.dispatch(&pending{
		frame: &Frame{
			Op:   OpBatchGet,
			Keys: batch.Keys(),
		},
		batch:   batch,
		onBatch: onComplete,
	})
}

// Close stops accepting requests, then, once every outstanding request has
// completed, closes all wires, and calls onClosed (if non-nil), on the loop.
//
// Replies are delivered via the loop, so a request outstanding when the loop
// terminates never completes, and Close will not call back. Such replies are
// counted by Stats.Dropped. Use Abort to close regardless.
func (c *Conn) Close(onClosed func()) {
	if onClosed != nil {
		c.onClosed = append(c.onClosed, onClosed)
	}
	switch c.state {
	case stateOpen:
		c.state = stateClosing
		c.logger.Debug().
			Int("pending", len(c.pending)).
			Log("conn: closing")
		c.maybeFinishClose()
	case stateClosing:
		c.maybeFinishClose()
	case stateClosed:
		c.runOnClosed()
	}
}

// Abort fails every outstanding request with a *kv.TransportError wrapping
// cause, then closes, as per Close.
func (c *Conn) Abort(cause error, onClosed func()) {
	if cause == nil {
		cause = kv.ErrClosed
	}
	if c.state == stateOpen {
		c.state = stateClosing
	}
	delayed := c.delayed
	c.delayed = nil
	for _, p := range delayed {
		delete(c.pending, p.frame.ID)
		c.complete(p, Reply{ID: p.frame.ID, Err: kv.NewTransportError(cause)})
	}
	for _, w := range slices.Clone(c.wires) {
		c.failWire(w, cause)
	}
	c.Close(onClosed)
}

func (c *Conn) dispatch(p *pending) error {
	if c.state != stateOpen {
		return kv.NewSubmitError(kv.ErrClosed)
	}
	if c.opts.Pipelined {
		return c.dispatchPipelined(p)
	}
	return c.dispatchAsync(p)
}

func (c *Conn) assignID(p *pending) {
	c.nextID++
	p.frame.ID = c.nextID
	p.start = time.Now()
}

// dispatchAsync writes p to an idle wire, synchronously, dialing a new one
// if permitted, else queues it until a wire is released.
func (c *Conn) dispatchAsync(p *pending) error {
	w, err := c.acquireWire()
	if err != nil {
		return kv.NewSubmitError(err)
	}
	if w == nil {
		if c.opts.MaxQueue > 0 && len(c.delayed) >= c.opts.MaxQueue {
			return kv.NewSubmitError(kv.ErrQueueFull)
		}
		c.assignID(p)
		c.pending[p.frame.ID] = p
		c.delayed = append(c.delayed, p)
		return nil
	}
	c.assignID(p)
	if err := c.writeAsync(w, p); err != nil {
		return kv.NewSubmitError(err)
	}
	return nil
}

// writeAsync writes p to w. On failure, w is discarded, and p is not
// pending.
func (c *Conn) writeAsync(w *wire, p *pending) error {
	c.pending[p.frame.ID] = p
	p.wire = w
	w.inFlight++
	if err := w.w.Write([]*Frame{p.frame}); err != nil {
		delete(c.pending, p.frame.ID)
		p.wire = nil
		w.inFlight--
		c.failWire(w, err)
		return err
	}
	return nil
}

// acquireWire returns an idle wire, a newly dialed wire, or nil if
// MaxConns wires are busy.
func (c *Conn) acquireWire() (*wire, error) {
	if n := len(c.idle); n != 0 {
		w := c.idle[n-1]
		c.idle[n-1] = nil
		c.idle = c.idle[:n-1]
		return w, nil
	}
	if len(c.wires) >= c.opts.MaxConns {
		return nil, nil
	}
	return c.dial()
}

func (c *Conn) dial() (*wire, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()
	w := &wire{id: c.nextWire}
	c.nextWire++
	var err error
	w.w, err = c.dialer.Dial(ctx, func(reply Reply) {
		if err := c.exec.Submit(func() { c.deliver(w, reply) }); err != nil {
			c.dropped.Add(1)
			c.warn(`reply`, err).
				Uint64("id", reply.ID).
				Log("conn: dropped reply")
		}
	})
	if err != nil {
		c.warn(`dial`, err).Log("conn: dial failed")
		return nil, fmt.Errorf(`conn: dial: %w`, err)
	}
	c.wires = append(c.wires, w)
	return w, nil
}

// dispatchPipelined buffers p on the least loaded wire, to be written by
// the next flush.
func (c *Conn) dispatchPipelined(p *pending) error {
	if c.opts.MaxInFlight > 0 && len(c.pending) >= c.opts.MaxInFlight {
		return kv.NewSubmitError(kv.ErrQueueFull)
	}
	w, err := c.pickPipeWire()
	if err != nil {
		return kv.NewSubmitError(err)
	}
	if err := c.scheduleFlush(); err != nil {
		return kv.NewSubmitError(err)
	}
	c.assignID(p)
	c.pending[p.frame.ID] = p
	p.wire = w
	w.inFlight++
	w.outbound = append(w.outbound, p.frame)
	return nil
}

func (c *Conn) pickPipeWire() (*wire, error) {
	var best *wire
	for _, w := range c.wires {
		if best == nil || w.inFlight < best.inFlight {
			best = w
		}
	}
	if best != nil && (best.inFlight == 0 || len(c.wires) >= c.opts.MaxPipeConns) {
		return best, nil
	}
	w, err := c.dial()
	if err != nil && best != nil {
		// an open wire can still carry it
		return best, nil
	}
	return w, err
}

func (c *Conn) scheduleFlush() error {
	if c.flushing {
		return nil
	}
	if err := c.exec.Submit(c.flush); err != nil {
		return err
	}
	c.flushing = true
	return nil
}

// flush writes the outbound buffer of every wire, then calls the fill
// callback of each frame written, in order.
func (c *Conn) flush() {
	c.flushing = false
	var fills []func()
	for _, w := range slices.Clone(c.wires) {
		if w.broken || len(w.outbound) == 0 {
			continue
		}
		frames := w.outbound
		w.outbound = nil
		if err := w.w.Write(frames); err != nil {
			c.failWire(w, err)
			continue
		}
		for _, f := range frames {
			if fn := c.fillFunc(f); fn != nil {
				fills = append(fills, fn)
			}
		}
	}
	for _, fn := range fills {
		fn()
	}
}

// fillFunc returns the fill callback of the request written as f, falling
// back to the callback of the conn.
func (c *Conn) fillFunc(f *Frame) func() {
	if p := c.pending[f.ID]; p != nil && p.req != nil && p.req.OnFill != nil {
		return p.req.OnFill
	}
	return c.onFill
}

// deliver handles a reply, on the loop.
func (c *Conn) deliver(w *wire, reply Reply) {
	if reply.ID == 0 {
		if reply.Err == nil {
			reply.Err = errors.New(`conn: wire failed`)
		}
		if !w.broken {
			c.failWire(w, reply.Err)
		}
		c.maybeFinishClose()
		return
	}

	p, ok := c.pending[reply.ID]
	if !ok || p.wire != w {
		c.logger.Debug().
			Uint64("id", reply.ID).
			Int("wire", w.id).
			Log("conn: unexpected reply")
		return
	}
	delete(c.pending, reply.ID)
	w.inFlight--

	if !c.opts.Pipelined && !w.broken {
		c.idle = append(c.idle, w)
		c.pumpDelayed()
	}

	c.complete(p, reply)
	c.maybeFinishClose()
}

// pumpDelayed writes queued requests to free wires.
func (c *Conn) pumpDelayed() {
	if c.pumping {
		return
	}
	c.pumping = true
	defer func() { c.pumping = false }()
	for len(c.delayed) != 0 {
		w, err := c.acquireWire()
		if err == nil && w == nil {
			return
		}
		p := c.delayed[0]
		c.delayed[0] = nil
		c.delayed = c.delayed[1:]
		if err == nil {
			delete(c.pending, p.frame.ID)
			err = c.writeAsync(w, p)
			if err == nil {
				continue
			}
		}
		delete(c.pending, p.frame.ID)
		c.complete(p, Reply{ID: p.frame.ID, Err: kv.NewTransportError(err)})
	}
}

// failWire discards w, failing every request outstanding on it.
func (c *Conn) failWire(w *wire, cause error) {
	if w.broken {
		return
	}
	w.broken = true
	w.outbound = nil
	c.wires = slices.DeleteFunc(c.wires, func(v *wire) bool { return v == w })
	c.idle = slices.DeleteFunc(c.idle, func(v *wire) bool { return v == w })
	if err := w.w.Close(); err != nil {
		c.logger.Debug().Err(err).Int("wire", w.id).Log("conn: wire close failed")
	}

	var failed []*pending
	for _, p := range c.pending {
		if p.wire == w {
			failed = append(failed, p)
		}
	}
	slices.SortFunc(failed, func(a, b *pending) int {
		switch {
		case a.frame.ID < b.frame.ID:
			return -1
		case a.frame.ID > b.frame.ID:
			return 1
		default:
			return 0
		}
	})

	c.warn(`wire`, cause).
		Int("wire", w.id).
		Int("failed", len(failed)).
		Log("conn: wire failed")

	err := kv.NewTransportError(cause)
	for _, p := range failed {
		delete(c.pending, p.frame.ID)
		w.inFlight--
		c.complete(p, Reply{ID: p.frame.ID, Err: err})
	}

	if !c.opts.Pipelined {
		c.pumpDelayed()
	}
}

func (c *Conn) complete(p *pending, reply Reply) {
	err := reply.Err
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		err = kv.NewTransportError(err)
	}

	if p.onBatch != nil {
		if err == nil {
			if len(reply.Records) != len(p.batch.Records) {
				err = &kv.ProtocolError{Code: -1, Message: errBatchMismatch.Error()}
			} else {
				for i := range reply.Records {
					r := &p.batch.Records[i]
					r.Result = reply.Records[i].Result
					r.Bins = reply.Records[i].Bins
					r.Err = reply.Records[i].Err
				}
			}
		}
		p.onBatch(p.batch, err)
		return
	}

	p.onComplete(p.req, err)
}

func (c *Conn) maybeFinishClose() {
	if c.state != stateClosing || len(c.pending) != 0 {
		return
	}
	c.state = stateClosed
	for _, w := range c.wires {
		w.broken = true
		if err := w.w.Close(); err != nil {
			c.logger.Debug().Err(err).Int("wire", w.id).Log("conn: wire close failed")
		}
	}
	c.wires = nil
	c.idle = nil
	c.logger.Debug().Log("conn: closed")
	c.runOnClosed()
}

func (c *Conn) runOnClosed() {
	callbacks := c.onClosed
	c.onClosed = nil
	for _, fn := range callbacks {
		if err := c.exec.Submit(fn); err != nil {
			fn()
		}
	}
}

// warn returns a rate limited warning builder, which may be nil.
func (c *Conn) warn(category string, err error) *logiface.Builder[logiface.Event] {
	b := c.logger.Warning()
	if b == nil {
		return nil
	}
	if _, ok := c.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Err(err)
}
