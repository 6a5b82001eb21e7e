package grpcnode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"google.golang.org/grpc"
)

type (
	// Dialer implements conn.Dialer, over a gRPC client connection. Each
	// wire is a logical stream of unary calls, multiplexed by the
	// underlying HTTP/2 connection, so every frame is a separate call.
	Dialer struct {
		cc      grpc.ClientConnInterface
		timeout time.Duration
	}

	clientWire struct {
		cc      grpc.ClientConnInterface
		ctx     context.Context
		cancel  context.CancelFunc
		sink    func(conn.Reply)
		timeout time.Duration
		mu      sync.RWMutex
		closed  bool
	}
)

var (
	_ conn.Dialer = (*Dialer)(nil)
	_ conn.Wire   = (*clientWire)(nil)

	errWireClosed = errors.New(`grpcnode: wire closed`)
)

// NewDialer returns a Dialer using cc. If timeout is positive, it bounds
// each call.
func NewDialer(cc grpc.ClientConnInterface, timeout time.Duration) *Dialer {
	if cc == nil {
		panic(`grpcnode: nil client conn`)
	}
	return &Dialer{cc: cc, timeout: timeout}
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, sink func(conn.Reply)) (conn.Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := clientWire{
		cc:      d.cc,
		sink:    sink,
		timeout: d.timeout,
	}
	// outlives the dial context
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return &w, nil
}

func (w *clientWire) Write(frames []*conn.Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errWireClosed
	}
	for _, f := range frames {
		switch f.Op {
		case conn.OpPut, conn.OpBatchGet:
		default:
			return errors.New(`grpcnode: unsupported op: ` + f.Op.String())
		}
	}
	for _, f := range frames {
		go w.call(f)
	}
	return nil
}

func (w *clientWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.cancel()
	}
	return nil
}

func (w *clientWire) call(f *conn.Frame) {
	ctx := w.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	reply := conn.Reply{ID: f.ID}
	switch f.Op {
	case conn.OpPut:
		var res PutResponse
		if err := w.cc.Invoke(ctx, methodPut, &PutRequest{Key: f.Key, Bins: f.Bins}, &res, grpc.CallContentSubtype(Name)); err != nil {
			reply.Err = err
		} else if res.Code != 0 {
			reply.Err = &kv.ProtocolError{Code: int(res.Code), Message: res.Message}
		}
	case conn.OpBatchGet:
		var res BatchGetResponse
		if err := w.cc.Invoke(ctx, methodBatchGet, &BatchGetRequest{Keys: f.Keys}, &res, grpc.CallContentSubtype(Name)); err != nil {
			reply.Err = err
		} else if len(res.Records) != len(f.Keys) {
			reply.Err = &kv.ProtocolError{Code: -1, Message: `grpcnode: batch size mismatch`}
		} else {
			reply.Records = make([]kv.BatchRecord, len(res.Records))
			for i, r := range res.Records {
				reply.Records[i] = fromRecord(f.Keys[i], r)
			}
		}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.sink(reply)
	}
}
