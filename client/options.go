package client

import (
	"errors"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/eventloop"
	"github.com/joeycumines/logiface"
)

// clientOptions holds configuration options for Client creation.
type clientOptions struct {
	logger      *logiface.Logger[logiface.Event]
	connOptions conn.Options
	loopOptions []eventloop.LoopOption
}

// Option configures a Client instance.
type Option interface {
	applyClient(*clientOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyClientFunc func(*clientOptions) error
}

func (o *optionImpl) applyClient(opts *clientOptions) error {
	return o.applyClientFunc(opts)
}

// WithLogger configures the logger used by the client, and passed to every
// loop and conn it creates.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *clientOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithConnOptions sets the options used for every conn the client opens.
// The Pipelined field is ignored, see LoopHandle.Conn.
func WithConnOptions(options conn.Options) Option {
	return &optionImpl{func(opts *clientOptions) error {
		if options.MaxQueue < 0 || options.MaxInFlight < 0 {
			return errors.New("client: negative conn limits")
		}
		opts.connOptions = options
		return nil
	}}
}

// WithLoopOptions appends options used for loops created by the client,
// see Client.CreateLoops and ShareLoops.
func WithLoopOptions(options ...eventloop.LoopOption) Option {
	return &optionImpl{func(opts *clientOptions) error {
		opts.loopOptions = append(opts.loopOptions, options...)
		return nil
	}}
}

// resolveOptions applies Option instances to clientOptions.
func resolveOptions(opts []Option) (*clientOptions, error) {
	cfg := &clientOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyClient(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
