package memnode

import (
	"errors"
	"time"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/logiface"
)

// nodeOptions holds configuration options for Node creation.
type nodeOptions struct {
	logger     *logiface.Logger[logiface.Event]
	frameFault func(f *conn.Frame) error
	writeFault func(frames []*conn.Frame) error
	dialFault  func() error
	commit     CommitConfig
	minLatency time.Duration
	maxLatency time.Duration
	degree     int
}

// Option configures a Node instance.
type Option interface {
	applyNode(*nodeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyNodeFunc func(*nodeOptions) error
}

func (o *optionImpl) applyNode(opts *nodeOptions) error {
	return o.applyNodeFunc(opts)
}

// WithLogger configures the logger used by the node.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLatency delays each reply by a random duration in [min, max]. Replies
// to frames written together may therefore arrive in any order.
func WithLatency(min, max time.Duration) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		if min < 0 || max < min {
			return errors.New("memnode: invalid latency range")
		}
		opts.minLatency = min
		opts.maxLatency = max
		return nil
	}}
}

// WithFrameFault calls fn for each frame written, failing the frame with the
// returned error, if any, instead of applying it.
func WithFrameFault(fn func(f *conn.Frame) error) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		opts.frameFault = fn
		return nil
	}}
}

// WithWriteFault calls fn for each Wire.Write, failing the write
// synchronously with the returned error, if any.
func WithWriteFault(fn func(frames []*conn.Frame) error) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		opts.writeFault = fn
		return nil
	}}
}

// WithDialFault calls fn for each dial, failing it with the returned error,
// if any.
func WithDialFault(fn func() error) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		opts.dialFault = fn
		return nil
	}}
}

// WithCommit configures group commit of writes.
func WithCommit(config CommitConfig) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		if config.MaxSize < 0 && config.FlushInterval < 0 {
			return errors.New("memnode: one of MaxSize or FlushInterval must be specified")
		}
		opts.commit = config
		return nil
	}}
}

// WithDegree sets the degree of the btree index.
func WithDegree(degree int) Option {
	return &optionImpl{func(opts *nodeOptions) error {
		if degree < 2 {
			return errors.New("memnode: degree must be at least 2")
		}
		opts.degree = degree
		return nil
	}}
}

// resolveNodeOptions applies Option instances to nodeOptions.
func resolveNodeOptions(opts []Option) (*nodeOptions, error) {
	cfg := &nodeOptions{
		degree: 32,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyNode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
