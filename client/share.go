package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/go-kvpipe/eventloop"
	"github.com/joeycumines/go-kvpipe/monitor"
	"golang.org/x/sync/errgroup"
)

// SharedLoops is a set of loops, owned by the caller, shared with a Client.
// See ShareLoops.
type SharedLoops struct {
	client  *Client
	group   *errgroup.Group
	handles []*LoopHandle
	once    sync.Once
	err     error
}

// ShareLoops declares a capacity of n external loops on c, then starts n
// worker goroutines, each of which creates a loop, registers it with c, and
// runs it. ShareLoops returns only once every loop is registered and
// running, or any worker failed.
func ShareLoops(ctx context.Context, c *Client, n int) (*SharedLoops, error) {
	if err := c.SetExternalLoopCapacity(n); err != nil {
		return nil, err
	}

	group, gctx := errgroup.WithContext(ctx)
	startup := monitor.New()
	startup.Begin(n)

	s := SharedLoops{
		client:  c,
		group:   group,
		handles: make([]*LoopHandle, n),
	}

	var mu sync.Mutex
	for i := 0; i < n; i++ {
		group.Go(func() error {
			opts := append(slices.Clone(c.opts.loopOptions), eventloop.WithName(fmt.Sprintf("kvpipe-shared-%d", i)))
			if c.logger != nil {
				opts = append([]eventloop.LoopOption{eventloop.WithLogger(c.logger)}, opts...)
			}
			loop, err := eventloop.New(opts...)
			if err != nil {
				return err
			}
			h, err := c.RegisterExternalLoop(loop)
			if err != nil {
				return err
			}
			mu.Lock()
			s.handles[i] = h
			mu.Unlock()
			if err := loop.Submit(func() { startup.Notify() }); err != nil {
				return err
			}
			return loop.Run(gctx)
		})
	}

	if err := startup.Wait(gctx); err != nil {
		// a worker failed or ctx was canceled, the rest stop via gctx
		mu.Lock()
		handles := slices.Clone(s.handles)
		mu.Unlock()
		for _, h := range handles {
			if h != nil {
				_ = h.loop.Close()
			}
		}
		if werr := group.Wait(); werr != nil {
			err = werr
		}
		return nil, fmt.Errorf("client: share loops: %w", err)
	}

	c.logger.Info().
		Int("loops", n).
		Log("client: shared loops started")

	return &s, nil
}

// Handles returns the handle of each shared loop.
func (s *SharedLoops) Handles() []*LoopHandle {
	return slices.Clone(s.handles)
}

// Close closes the association of every shared loop, then stops each loop
// once its association has closed, then waits for the workers to exit.
// Subsequent calls return the same result.
func (s *SharedLoops) Close(ctx context.Context) error {
	s.once.Do(func() { s.err = s.close(ctx) })
	return s.err
}

func (s *SharedLoops) close(ctx context.Context) error {
	var errs []error
	for _, h := range s.handles {
		err := s.client.CloseAssociation(h, func() {
			_ = h.loop.Shutdown(context.Background())
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	waited := make(chan error, 1)
	go func() { waited <- s.group.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}
