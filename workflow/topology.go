package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-kvpipe/client"
	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/eventloop"
)

// Topology selects who owns and runs the loops a workflow runs on.
type Topology int

const (
	// Internal loops are created and stopped by the client.
	Internal Topology = iota
	// Shared loops are created by worker goroutines, registered with the
	// client, and stopped once their associations are closed.
	Shared
	// Inline runs a single loop on the calling goroutine, which closes the
	// association and stops the loop from within, once the workflow is done.
	Inline
)

// TopologyConfig models the parameters of RunTopology.
type TopologyConfig struct {
	ClientOptions []client.Option
	Params        Params
	// Loops is the number of loops, for Internal and Shared. Defaults to 1.
	Loops    int
	Topology Topology
}

// String implements fmt.Stringer.
func (x Topology) String() string {
	switch x {
	case Internal:
		return `internal`
	case Shared:
		return `shared`
	case Inline:
		return `inline`
	default:
		return fmt.Sprintf(`Topology(%d)`, int(x))
	}
}

// ParseTopology parses the value returned by Topology.String.
func ParseTopology(s string) (Topology, error) {
	for _, v := range [...]Topology{Internal, Shared, Inline} {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf(`workflow: unknown topology: %q`, s)
}

// RunTopology creates a client over dialer, runs a single workflow using
// the configured topology, then tears everything down, in order.
func RunTopology(ctx context.Context, dialer conn.Dialer, cfg TopologyConfig) (Result, error) {
	if cfg.Loops <= 0 {
		cfg.Loops = 1
	}

	c, err := client.New(dialer, cfg.ClientOptions...)
	if err != nil {
		return Result{}, err
	}

	var result Result
	switch cfg.Topology {
	case Internal:
		result, err = runInternal(ctx, c, cfg)
	case Shared:
		result, err = runShared(ctx, c, cfg)
	case Inline:
		result, err = runInline(ctx, c, cfg)
	default:
		err = fmt.Errorf(`workflow: invalid topology: %d`, cfg.Topology)
	}

	if closeErr := c.Close(ctx); closeErr != nil && !errors.Is(closeErr, client.ErrClosed) {
		c.Logger().Warning().
			Err(closeErr).
			Log("workflow: client close failed")
		if err == nil {
			err = closeErr
		}
	}

	return result, err
}

func runInternal(ctx context.Context, c *client.Client, cfg TopologyConfig) (Result, error) {
	if err := c.CreateLoops(cfg.Loops); err != nil {
		return Result{}, err
	}
	return Run(ctx, c, cfg.Params)
}

func runShared(ctx context.Context, c *client.Client, cfg TopologyConfig) (Result, error) {
	shared, err := client.ShareLoops(ctx, c, cfg.Loops)
	if err != nil {
		return Result{}, err
	}
	result, err := Run(ctx, c, cfg.Params)
	if closeErr := shared.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return result, err
}

func runInline(ctx context.Context, c *client.Client, cfg TopologyConfig) (Result, error) {
	var opts []eventloop.LoopOption
	if logger := c.Logger(); logger != nil {
		opts = append(opts, eventloop.WithLogger(logger))
	}
	loop, err := eventloop.New(append(opts, eventloop.WithName(`kvpipe-inline`))...)
	if err != nil {
		return Result{}, err
	}
	if err := c.SetExternalLoopCapacity(1); err != nil {
		return Result{}, err
	}
	h, err := c.RegisterExternalLoop(loop)
	if err != nil {
		return Result{}, err
	}

	params := cfg.Params
	if params.Logger == nil {
		params.Logger = c.Logger()
	}
	onDone := params.OnDone
	params.OnDone = func(r Result) {
		if onDone != nil {
			onDone(r)
		}
		// on the loop, so the loop exits once the association has drained
		_ = c.CloseAssociation(h, func() {
			_ = loop.Shutdown(context.Background())
		})
	}

	w, err := Start(h, params)
	if err != nil {
		_ = loop.Close()
		return Result{}, err
	}

	if err := loop.Run(ctx); err != nil {
		return Result{}, err
	}

	result, ok := w.Result()
	if !ok {
		return Result{}, errors.New(`workflow: loop stopped before the workflow completed`)
	}
	return result, result.Err
}
