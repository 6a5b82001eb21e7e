// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kvpipe/goroutineid"
	"github.com/joeycumines/logiface"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("eventloop: nil task")
)

// Loop is a single-goroutine cooperative scheduler. Tasks submitted from any
// goroutine run in FIFO order on the goroutine that called Run, which is
// locked to its OS thread for the duration.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	state  *fastState
	logger *logiface.Logger[logiface.Event]

	// closed when Run exits, or on shutdown of a loop that never ran
	loopDone chan struct{}

	// buffered (1), a pending token means "re-check the queue"
	wakeCh chan struct{}

	// guarded by mu
	external chunkedIngress
	timers   timerHeap
	timerSeq uint64

	// only accessed by the loop goroutine
	batchBuf  []func()
	tickCount uint64

	mu       sync.Mutex
	stopOnce sync.Once

	name       string
	id         uint64
	tickBudget int

	loopGoroutineID atomic.Uint64
	threadID        atomic.Int64

	// set by Close, discards queued tasks on shutdown
	forced atomic.Bool
}

// timer represents a scheduled task, seq orders timers with equal deadlines
type timer struct {
	when time.Time
	fn   func()
	seq  uint64
}

// timerHeap is a min-heap of timers
type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}

var loopIDCounter atomic.Uint64

// New creates a new event loop. It must be started with Run.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		id:         loopIDCounter.Add(1),
		name:       cfg.name,
		logger:     cfg.logger,
		tickBudget: cfg.tickBudget,
		state:      newFastState(),
		loopDone:   make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
		batchBuf:   make([]func(), 0, cfg.tickBudget),
	}, nil
}

// Run runs the event loop and blocks until fully stopped.
//
// Run blocks until the loop terminates (via Shutdown(), Close(), or ctx
// cancellation). To run in a separate goroutine, use: `go loop.Run(ctx)`.
// Cancellation of ctx behaves like Shutdown, and causes Run to return
// ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminated, StateTerminating:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown gracefully shuts down the event loop, running every task already
// queued (and any they submit) before terminating.
//
// If called from the loop itself, Shutdown only requests termination, which
// completes once the current task returns. Otherwise, it blocks until
// termination completes or ctx expires. Only the first call has any effect,
// subsequent calls return ErrLoopTerminated.
func (l *Loop) Shutdown(ctx context.Context) error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if !l.beginTermination() {
		return ErrLoopTerminated
	}

	if l.IsLoopThread() {
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately terminates the event loop, discarding queued tasks and
// timers. It does not wait for the loop goroutine to exit, see Done.
func (l *Loop) Close() error {
	l.forced.Store(true)
	if !l.beginTermination() {
		return ErrLoopTerminated
	}
	return nil
}

// beginTermination moves the loop to StateTerminating, or straight to
// StateTerminated if it never ran. Returns false if already terminating.
func (l *Loop) beginTermination() bool {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return false
		}
		if !l.state.TryTransition(current, StateTerminating) {
			continue
		}
		if current == StateAwake {
			l.mu.Lock()
			dropped := l.external.Length()
			for {
				if _, ok := l.external.Pop(); !ok {
					break
				}
			}
			l.timers = nil
			l.state.Store(StateTerminated)
			l.mu.Unlock()
			close(l.loopDone)
			if dropped != 0 {
				l.logger.Warning().
					Uint64("loop_id", l.id).
					Str("loop", l.name).
					Int("dropped", dropped).
					Log("eventloop: terminated before running")
			}
		} else {
			l.wake()
		}
		return true
	}
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(goroutineid.Get())
	defer l.loopGoroutineID.Store(0)

	l.threadID.Store(int64(currentThreadID()))
	defer l.threadID.Store(0)

	l.logger.Debug().
		Uint64("loop_id", l.id).
		Str("loop", l.name).
		Int64("thread_id", l.threadID.Load()).
		Log("eventloop: running")

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			l.beginTermination()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if l.state.Load() == StateTerminating {
			l.shutdown()
			return nil
		}

		l.tick(ctx)
	}
}

// tick is a single iteration of the event loop.
func (l *Loop) tick(ctx context.Context) {
	l.tickCount++
	ran := l.runTimers()
	ran += l.processExternal()
	if ran == 0 {
		l.sleep(ctx)
	}
}

// processExternal runs up to tickBudget queued tasks.
func (l *Loop) processExternal() int {
	l.mu.Lock()
	batch := l.popBatchLocked(l.tickBudget)
	l.mu.Unlock()
	return l.runBatch(batch)
}

// popBatchLocked must be called with mu held.
func (l *Loop) popBatchLocked(limit int) []func() {
	batch := l.batchBuf[:0]
	for len(batch) < limit {
		task, ok := l.external.Pop()
		if !ok {
			break
		}
		batch = append(batch, task)
	}
	return batch
}

func (l *Loop) runBatch(batch []func()) int {
	for i, task := range batch {
		batch[i] = nil
		l.safeExecute(task)
	}
	l.batchBuf = batch[:0]
	return len(batch)
}

// sleep blocks until woken, the next timer is due, or ctx is done.
func (l *Loop) sleep(ctx context.Context) {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.TryTransition(StateSleeping, StateRunning)

	var timerC <-chan time.Time
	if delay, ok := l.nextTimerDelay(); ok {
		if delay <= 0 {
			return
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.wakeCh:
	case <-timerC:
	case <-ctx.Done():
	}
}

func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() (ran int) {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(timer)
		l.mu.Unlock()
		l.safeExecute(t.fn)
		ran++
	}
}

// shutdown drains the queue (unless forced), then marks the loop terminated.
func (l *Loop) shutdown() {
	var dropped int
	for {
		l.mu.Lock()
		if l.forced.Load() {
			for {
				if _, ok := l.external.Pop(); !ok {
					break
				}
				dropped++
			}
		}
		if l.external.Length() == 0 {
			l.state.Store(StateTerminated)
			timers := len(l.timers)
			l.timers = nil
			l.mu.Unlock()
			l.logger.Debug().
				Uint64("loop_id", l.id).
				Str("loop", l.name).
				Uint64("ticks", l.tickCount).
				Int("dropped_tasks", dropped).
				Int("dropped_timers", timers).
				Log("eventloop: terminated")
			return
		}
		batch := l.popBatchLocked(l.external.Length())
		l.mu.Unlock()
		l.runBatch(batch)
	}
}

// Submit queues a task to run on the loop. It is safe to call from any
// goroutine, including the loop itself, and is accepted until the loop has
// fully terminated (i.e. during graceful shutdown).
func (l *Loop) Submit(task func()) error {
	if task == nil {
		return ErrNilTask
	}
	l.mu.Lock()
	if !l.state.canAcceptWork() {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.external.Push(task)
	l.mu.Unlock()
	l.wake()
	return nil
}

// ScheduleTimer schedules fn to run on the loop after the specified delay.
// Timers still pending at termination are discarded.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	l.mu.Lock()
	if !l.state.canAcceptWork() {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.timerSeq++
	heap.Push(&l.timers, timer{
		when: time.Now().Add(delay),
		fn:   fn,
		seq:  l.timerSeq,
	})
	l.mu.Unlock()
	l.wake()
	return nil
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// safeExecute executes a task with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Uint64("loop_id", l.id).
				Str("loop", l.name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Log("eventloop: task panicked")
		}
	}()
	fn()
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Done returns a channel that is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// ID returns the process-unique identifier of the loop.
func (l *Loop) ID() uint64 {
	return l.id
}

// Name returns the name configured via WithName.
func (l *Loop) Name() string {
	return l.name
}

// ThreadID returns the native thread id of the running loop, or 0 if not
// running, or unsupported on this platform.
func (l *Loop) ThreadID() int {
	return int(l.threadID.Load())
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.external.Length()
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return goroutineid.Get() == loopID
}
