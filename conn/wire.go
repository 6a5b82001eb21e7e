package conn

import (
	"context"

	"github.com/joeycumines/go-kvpipe/kv"
)

// Op identifies the operation of a Frame.
type Op uint8

const (
	// OpPut writes Frame.Bins to Frame.Key.
	OpPut Op = iota + 1
	// OpBatchGet reads every one of Frame.Keys.
	OpBatchGet
)

type (
	// Frame is a single request, as written to a Wire.
	Frame struct {
		Key  kv.Key
		Bins []kv.Bin
		Keys []kv.Key
		ID   uint64
		Op   Op
	}

	// Reply is the response to a Frame, matched by ID.
	//
	// A Reply with a zero ID and non-nil Err reports that the wire itself
	// failed, and every request outstanding on it should fail.
	Reply struct {
		Err error
		// Records holds the results of an OpBatchGet, in the order of
		// Frame.Keys.
		Records []kv.BatchRecord
		ID      uint64
	}

	// Wire is a single physical connection to a node.
	//
	// Implementations must deliver exactly one Reply per written Frame,
	// unless the wire fails, to the sink provided to Dialer.Dial. Replies may
	// be delivered from any goroutine, in any order.
	Wire interface {
		// Write sends frames, in order. It must not block on replies. An
		// error means none of the frames should be assumed to have been
		// received, and the wire is discarded.
		Write(frames []*Frame) error

		Close() error
	}

	// Dialer opens wires. Dial is called from the owning loop, and should
	// not block for longer than necessary.
	Dialer interface {
		Dial(ctx context.Context, sink func(Reply)) (Wire, error)
	}

	// DialerFunc implements Dialer.
	DialerFunc func(ctx context.Context, sink func(Reply)) (Wire, error)
)

var _ Dialer = DialerFunc(nil)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, sink func(Reply)) (Wire, error) {
	return f(ctx, sink)
}

// String implements fmt.Stringer.
func (x Op) String() string {
	switch x {
	case OpPut:
		return `put`
	case OpBatchGet:
		return `batch-get`
	default:
		return `unknown`
	}
}

// wire tracks the state of a single Wire, from the perspective of a Conn.
type wire struct {
	w        Wire
	outbound []*Frame
	id       int
	inFlight int
	broken   bool
}
