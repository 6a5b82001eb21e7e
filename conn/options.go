package conn

import (
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxConns is the default number of non-pipelined wires, per
	// connection.
	DefaultMaxConns = 200

	// DefaultMaxPipeConns is the default number of pipelined wires, per
	// connection.
	DefaultMaxPipeConns = 32

	// DefaultDialTimeout bounds each call to Dialer.Dial.
	DefaultDialTimeout = 5 * time.Second
)

// Options configures a Conn, see Open. A nil *Options is equivalent to the
// zero value, and every zero field takes its default.
type Options struct {
	// Logger receives warnings about failed wires and unexpected replies.
	Logger *logiface.Logger[logiface.Event]

	// MaxConns bounds the number of wires in non-pipelined mode, each of
	// which carries at most one request at a time.
	// Defaults to DefaultMaxConns.
	MaxConns int

	// MaxPipeConns bounds the number of wires in pipelined mode, each of
	// which carries any number of requests.
	// Defaults to DefaultMaxPipeConns.
	MaxPipeConns int

	// MaxQueue bounds the number of requests waiting for a free wire, in
	// non-pipelined mode. Defaults to 0, unbounded.
	MaxQueue int

	// MaxInFlight bounds the number of outstanding requests, in pipelined
	// mode. Defaults to 0, unbounded.
	MaxInFlight int

	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// Pipelined selects pipelined mode.
	Pipelined bool
}

func (x *Options) resolve() Options {
	var r Options
	if x != nil {
		r = *x
	}
	if r.MaxConns <= 0 {
		r.MaxConns = DefaultMaxConns
	}
	if r.MaxPipeConns <= 0 {
		r.MaxPipeConns = DefaultMaxPipeConns
	}
	if r.MaxQueue < 0 {
		r.MaxQueue = 0
	}
	if r.MaxInFlight < 0 {
		r.MaxInFlight = 0
	}
	if r.DialTimeout <= 0 {
		r.DialTimeout = DefaultDialTimeout
	}
	return r
}
