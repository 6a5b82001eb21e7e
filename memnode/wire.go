package memnode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-kvpipe/conn"
)

// wire implements conn.Wire for a Node. Replies are delivered from the
// committer, from timers (if latency is configured), or inline.
type wire struct {
	node   *Node
	sink   func(conn.Reply)
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

var errWireClosed = errors.New(`memnode: wire closed`)

func (n *Node) dial(ctx context.Context, sink func(conn.Reply)) (conn.Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.closed.Load() {
		return nil, errNodeClosed
	}
	if fn := n.opts.dialFault; fn != nil {
		if err := fn(); err != nil {
			n.stats.faults.Add(1)
			return nil, err
		}
	}
	w := &wire{
		node:   n,
		sink:   sink,
		timers: make(map[*time.Timer]struct{}),
	}
	n.wiresMu.Lock()
	n.wires[w] = struct{}{}
	n.wiresMu.Unlock()
	n.stats.dials.Add(1)
	return w, nil
}

func (w *wire) Write(frames []*conn.Frame) error {
	if w.isClosed() {
		return errWireClosed
	}
	if w.node.closed.Load() {
		return errNodeClosed
	}
	if fn := w.node.opts.writeFault; fn != nil {
		if err := fn(frames); err != nil {
			w.node.stats.faults.Add(1)
			return err
		}
	}
	for _, f := range frames {
		if fn := w.node.opts.frameFault; fn != nil {
			if err := fn(f); err != nil {
				w.node.stats.faults.Add(1)
				w.reply(conn.Reply{ID: f.ID, Err: err})
				continue
			}
		}
		switch f.Op {
		case conn.OpPut:
			if err := w.node.commit.submit(&putJob{wire: w, frame: f}); err != nil {
				w.reply(conn.Reply{ID: f.ID, Err: err})
			}
		case conn.OpBatchGet:
			w.reply(conn.Reply{ID: f.ID, Records: w.node.batchGet(f.Keys)})
		default:
			w.reply(conn.Reply{ID: f.ID, Err: errors.New(`memnode: unsupported op`)})
		}
	}
	return nil
}

func (w *wire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.mu.Unlock()

	w.node.wiresMu.Lock()
	delete(w.node.wires, w)
	w.node.wiresMu.Unlock()
	return nil
}

func (w *wire) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// reply delivers r after the configured latency, unless the wire is closed
// first.
func (w *wire) reply(r conn.Reply) {
	delay := w.node.latency()
	if delay <= 0 {
		if !w.isClosed() {
			w.sink(r)
		}
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		w.mu.Lock()
		_, ok := w.timers[t]
		delete(w.timers, t)
		w.mu.Unlock()
		if ok {
			w.sink(r)
		}
	})
	w.timers[t] = struct{}{}
}

// fail delivers a wire failure, then closes the wire.
func (w *wire) fail(err error) {
	if w.isClosed() {
		return
	}
	w.sink(conn.Reply{Err: err})
	_ = w.Close()
}
