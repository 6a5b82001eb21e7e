package memnode

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// CommitConfig models the group commit behavior of a Node, see
	// WithCommit.
	CommitConfig struct {
		// MaxSize restricts the maximum number of writes per commit, if
		// positive. Defaults to 64, if 0.
		MaxSize int

		// FlushInterval is the maximum duration a write waits for its commit
		// to fill, if positive. Defaults to 1ms, if 0. If MaxSize is
		// specified, time-based flushing can be disabled, by setting this
		// <= 0.
		FlushInterval time.Duration

		// MaxConcurrency bounds the number of concurrent commits, if
		// positive. Defaults to 1, if 0.
		MaxConcurrency int
	}

	// commitFunc applies a group of writes. Per-write outcomes are reported
	// by the function itself, a returned error fails every write that has
	// not yet been answered.
	commitFunc func(ctx context.Context, jobs []*putJob) error

	// committer groups writes submitted by any number of wires into commits,
	// such that each commit takes the index lock once.
	committer struct {
		// betteralign:ignore

		commit         commitFunc
		onError        func(jobs []*putJob, err error)
		maxSize        int
		flushInterval  time.Duration
		maxConcurrency int
		ctx            context.Context
		cancel         context.CancelFunc
		done           chan struct{}
		stopped        chan struct{}
		stopOnce       sync.Once
		jobCh          chan *putJob
		state          *commitGroup // pending group
	}

	// commitGroup models a pending or running commit
	commitGroup struct {
		done chan struct{}
		jobs []*putJob
	}
)

var errCommitPanic = errors.New(`memnode: panic in commit`)

func newCommitter(config CommitConfig, commit commitFunc, onError func(jobs []*putJob, err error)) (*committer, error) {
	if commit == nil || onError == nil {
		panic(`memnode: nil commit func`)
	}

	c := committer{
		commit:         commit,
		onError:        onError,
		maxSize:        64,
		flushInterval:  time.Millisecond,
		maxConcurrency: 1,
		state:          newCommitGroup(),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		jobCh:          make(chan *putJob),
	}

	if config.MaxSize != 0 {
		c.maxSize = config.MaxSize
	}
	if config.FlushInterval != 0 {
		c.flushInterval = config.FlushInterval
	}
	if config.MaxConcurrency != 0 {
		c.maxConcurrency = config.MaxConcurrency
	}

	if c.flushInterval <= 0 && c.maxSize <= 0 {
		return nil, errors.New(`memnode: one of MaxSize or FlushInterval must be specified`)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()

	return &c, nil
}

// shutdown prevents further writes, then waits for all pending commits. If
// ctx is canceled first, in-progress commits are canceled, and ctx.Err() is
// returned.
func (x *committer) shutdown(ctx context.Context) (err error) {
	x.stopOnce.Do(func() { close(x.stopped) })

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err()
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// submit adds job to the pending commit. It blocks only while the committer
// is at max concurrency.
func (x *committer) submit(job *putJob) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-x.ctx.Done():
		return x.ctx.Err()
	case <-x.stopped:
		return errNodeClosed
	case x.jobCh <- job:
		return nil
	}
}

func (x *committer) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup
	wg.Add(1) // decremented on exit

	var running chan struct{}
	if x.maxConcurrency > 0 {
		running = make(chan struct{}, x.maxConcurrency)
	}

	runGroup := func() {
		if len(x.state.jobs) == 0 {
			return
		}

		group := x.state
		x.state = newCommitGroup()

		wg.Add(1)
		if running != nil {
			running <- struct{}{}
		}
		go func() {
			defer func() {
				if running != nil {
					<-running
				}
				wg.Done()
			}()
			group.run(x.ctx, x.commit, x.onError)
		}()
	}

	// commits the last group, and waits for all groups
	var wait func()
	wait = func() {
		wait = nil
		runGroup()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		x.cancel()
		if wait != nil {
			wait()
		}
	}()

	flushCh := make(chan *commitGroup)

	for {
		select {
		case <-x.ctx.Done():
			return

		case <-x.stopped:
			wait()
			return

		case job := <-x.jobCh:
			x.state.jobs = append(x.state.jobs, job)

			if x.maxSize > 0 && len(x.state.jobs) >= x.maxSize {
				runGroup()
			} else if x.flushInterval > 0 && len(x.state.jobs) == 1 {
				// first write, start the flush timer
				group := x.state
				timer := time.NewTimer(x.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-x.ctx.Done():
					case <-x.stopped:
					case <-group.done:
					case <-timer.C:
						select {
						case <-x.ctx.Done():
						case <-x.stopped:
						case <-group.done:
						case flushCh <- group:
						}
					}
				}()
			}

		case group := <-flushCh:
			if group == x.state {
				runGroup()
			}
		}
	}
}

func newCommitGroup() *commitGroup {
	return &commitGroup{done: make(chan struct{})}
}

func (x *commitGroup) run(ctx context.Context, commit commitFunc, onError func([]*putJob, error)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(x.done)

	err := errCommitPanic
	defer func() {
		if err != nil {
			onError(x.jobs, err)
		}
	}()

	err = commit(ctx, x.jobs)
}
