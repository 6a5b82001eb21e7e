// Package workflow drives the write-then-verify sequence: write Target
// records through a window on one loop, batch read every written key, then
// release the caller, exactly once, via a monitor.
//
// Each workflow is an explicit state machine,
//
//	Issuing -> Draining -> BatchPending -> Done
//
// pinned to the loop of a single client.LoopHandle. Every transition runs
// on that loop.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-kvpipe/batch"
	"github.com/joeycumines/go-kvpipe/client"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/go-kvpipe/monitor"
	"github.com/joeycumines/go-kvpipe/window"
	"github.com/joeycumines/logiface"
)

// State is the state of a Workflow.
type State int

const (
	// Issuing means the window has not yet issued every request.
	Issuing State = iota
	// Draining means every request has been issued, and some are in flight.
	Draining
	// BatchPending means every request has completed, and the batch read
	// is in flight.
	BatchPending
	// Done means the result is available.
	Done
)

const (
	// DefaultQueueSize is the default window limit, in window.Async mode.
	DefaultQueueSize = 100
	// DefaultPipeDepth is the default window limit, in window.Pipeline mode.
	DefaultPipeDepth = 1000
	// DefaultTarget is the default number of records written.
	DefaultTarget = 5000
)

type (
	// Params models the parameters of a workflow.
	Params struct {
		// Observer is optional.
		Observer Observer

		// Logger is optional, defaulting to the logger of the client.
		Logger *logiface.Logger[logiface.Event]

		// OnDone is optional, and is called on the loop, once the result is
		// available, prior to releasing any waiters.
		OnDone func(Result)

		Namespace string
		Set       string
		Bin       string

		// Target is the number of records to write, with ids [0, Target).
		Target int

		// Depth is the queue size, or pipeline depth, depending on Mode.
		// Defaults to DefaultQueueSize or DefaultPipeDepth.
		Depth int

		// ProgressInterval enables periodic progress logging, if positive,
		// and a logger is available.
		ProgressInterval time.Duration

		Mode window.Mode
	}

	// Observer receives the events of a workflow, on its loop.
	Observer interface {
		window.Observer
		StateChanged(from, to State)
		BatchCompleted(report batch.Report)
	}

	// Result is the outcome of a workflow.
	Result struct {
		// Err is the terminal error, if any: a failure to start, or a failed
		// batch read. Failed writes are counted, but do not set Err.
		Err error
		// WriteErr is the first write failure, if any.
		WriteErr    error
		Mode        window.Mode
		Written     int
		Failed      int
		Found       int
		NotFound    int
		BatchErrors int
		Total       int
		MaxInFlight int
		Elapsed     time.Duration
	}

	// Workflow is a single run. See Start.
	Workflow struct {
		handle  *client.LoopHandle
		logger  *logiface.Logger[logiface.Event]
		done    *monitor.Monitor
		window  *window.Window
		coord   *batch.Coordinator
		start   time.Time
		params  Params
		pending Result
		state   State

		// write-once result slot
		mu       sync.Mutex
		result   Result
		resolved bool
	}
)

var (
	// ErrNoLoop is returned by Run if the client has no open loops.
	ErrNoLoop = errors.New("workflow: no loop available")

	errAlreadyResolved = errors.New("workflow: result already resolved")
)

// String implements fmt.Stringer.
func (x State) String() string {
	switch x {
	case Issuing:
		return `issuing`
	case Draining:
		return `draining`
	case BatchPending:
		return `batch-pending`
	case Done:
		return `done`
	default:
		return fmt.Sprintf(`State(%d)`, int(x))
	}
}

func (p Params) validate() (Params, error) {
	if p.Target < 0 {
		return p, fmt.Errorf(`workflow: invalid target: %d`, p.Target)
	}
	if p.Depth < 0 {
		return p, fmt.Errorf(`workflow: invalid depth: %d`, p.Depth)
	}
	if p.Depth == 0 {
		switch p.Mode {
		case window.Pipeline:
			p.Depth = DefaultPipeDepth
		default:
			p.Depth = DefaultQueueSize
		}
	}
	if p.Bin == `` {
		p.Bin = kv.DefaultBin
	}
	return p, nil
}

// Run starts a workflow on the next loop of c, and waits for it. If ctx is
// done first, ctx.Err() is returned, and the workflow continues until its
// own completion, as there is no mid-flight cancellation.
func Run(ctx context.Context, c *client.Client, params Params) (Result, error) {
	h := c.NextLoop()
	if h == nil {
		return Result{}, ErrNoLoop
	}
	if params.Logger == nil {
		params.Logger = c.Logger()
	}
	w, err := Start(h, params)
	if err != nil {
		return Result{}, err
	}
	return w.Wait(ctx)
}

// Start submits a workflow to the loop of h, returning immediately.
func Start(h *client.LoopHandle, params Params) (*Workflow, error) {
	if h == nil {
		return nil, ErrNoLoop
	}
	params, err := params.validate()
	if err != nil {
		return nil, err
	}
	w := Workflow{
		handle:  h,
		logger:  params.Logger,
		done:    monitor.New(),
		params:  params,
		pending: Result{Mode: params.Mode, Total: params.Target},
	}
	if err := h.Submit(w.begin); err != nil {
		return nil, fmt.Errorf(`workflow: start: %w`, err)
	}
	return &w, nil
}

// Wait blocks until the result is available, or ctx is done. The returned
// error is Result.Err.
func (w *Workflow) Wait(ctx context.Context) (Result, error) {
	if err := w.done.Wait(ctx); err != nil {
		return Result{}, err
	}
	r, _ := w.Result()
	return r, r.Err
}

// Done returns a channel that is closed once the result is available.
func (w *Workflow) Done() <-chan struct{} { return w.done.Done() }

// Result returns the result, if available.
func (w *Workflow) Result() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.resolved
}

// State returns the current state. It must be called on the loop.
func (w *Workflow) State() State { return w.state }

// Handle returns the loop the workflow is pinned to.
func (w *Workflow) Handle() *client.LoopHandle { return w.handle }

func (w *Workflow) begin() {
	w.start = time.Now()

	cn, err := w.handle.Conn(w.params.Mode == window.Pipeline)
	if err != nil {
		w.fail(err)
		return
	}

	w.window, err = window.New(cn, window.Config{
		NewRequest: w.newRequest,
		OnDone:     w.onWindowDone,
		Observer:   w,
		Logger:     w.logger,
		Target:     w.params.Target,
		Limit:      w.params.Depth,
		Mode:       w.params.Mode,
	})
	if err != nil {
		w.fail(err)
		return
	}

	w.logger.Info().
		Stringer("mode", w.params.Mode).
		Int("target", w.params.Target).
		Int("depth", w.params.Depth).
		Int("loop", w.handle.Index()).
		Log("workflow: started")

	if w.params.ProgressInterval > 0 && w.logger != nil {
		w.scheduleProgress()
	}

	w.window.Start()
}

func (w *Workflow) newRequest(index int) *kv.Request {
	return &kv.Request{
		Key:  kv.NewKey(w.params.Namespace, w.params.Set, int64(index)),
		Bins: []kv.Bin{{Name: w.params.Bin, Value: int64(index)}},
	}
}

func (w *Workflow) keys() []kv.Key {
	keys := make([]kv.Key, w.params.Target)
	for i := range keys {
		keys[i] = kv.NewKey(w.params.Namespace, w.params.Set, int64(i))
	}
	return keys
}

// RequestIssued implements window.Observer.
func (w *Workflow) RequestIssued(index int) {
	if w.params.Observer != nil {
		w.params.Observer.RequestIssued(index)
	}
	if w.state == Issuing && w.window.Stats().Issued == w.params.Target {
		w.transition(Draining)
	}
}

// RequestCompleted implements window.Observer.
func (w *Workflow) RequestCompleted(index int, latency time.Duration, err error) {
	if w.params.Observer != nil {
		w.params.Observer.RequestCompleted(index, latency, err)
	}
}

// PipeCountChanged implements window.Observer.
func (w *Workflow) PipeCountChanged(pipeCount int) {
	if w.params.Observer != nil {
		w.params.Observer.PipeCountChanged(pipeCount)
	}
}

func (w *Workflow) onWindowDone(r window.Result) {
	w.pending.Written = r.Completed - r.Failed
	w.pending.Failed = r.Failed
	w.pending.WriteErr = r.FirstErr
	w.pending.MaxInFlight = r.MaxInFlight

	w.logger.Info().
		Int("written", w.pending.Written).
		Int("failed", w.pending.Failed).
		Dur("elapsed", time.Since(w.start)).
		Log("workflow: writes complete")

	if w.params.Target == 0 {
		w.finish()
		return
	}

	w.transition(BatchPending)

	cn, err := w.handle.Conn(false)
	if err != nil {
		w.onBatchDone(batch.Report{Err: err, Total: w.params.Target})
		return
	}
	w.coord, err = batch.New(cn, w.keys(), batch.Config{
		OnDone: w.onBatchDone,
		Logger: w.logger,
	})
	if err != nil {
		w.onBatchDone(batch.Report{Err: err, Total: w.params.Target})
		return
	}
	w.coord.Read()
}

func (w *Workflow) onBatchDone(report batch.Report) {
	if w.params.Observer != nil {
		w.params.Observer.BatchCompleted(report)
	}
	w.pending.Found = report.Found
	w.pending.NotFound = report.NotFound
	w.pending.BatchErrors = report.Failed
	w.pending.Err = report.Err
	w.logger.Info().
		Stringer("report", report).
		Log("workflow: batch complete")
	w.finish()
}

func (w *Workflow) fail(err error) {
	w.logger.Err().
		Err(err).
		Int("loop", w.handle.Index()).
		Log("workflow: failed")
	w.pending.Err = err
	w.finish()
}

func (w *Workflow) finish() {
	w.pending.Elapsed = time.Since(w.start)
	w.transition(Done)
	if err := w.resolve(w.pending); err != nil {
		w.logger.Crit().
			Err(err).
			Log("workflow: invariant violated")
		return
	}
	if w.params.OnDone != nil {
		w.params.OnDone(w.pending)
	}
	w.done.Notify()
}

func (w *Workflow) resolve(r Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return errAlreadyResolved
	}
	w.result = r
	w.resolved = true
	return nil
}

func (w *Workflow) transition(to State) {
	from := w.state
	if from == to {
		return
	}
	w.state = to
	w.logger.Debug().
		Stringer("from", from).
		Stringer("to", to).
		Log("workflow: transition")
	if w.params.Observer != nil {
		w.params.Observer.StateChanged(from, to)
	}
}

func (w *Workflow) scheduleProgress() {
	err := w.handle.Loop().ScheduleTimer(w.params.ProgressInterval, func() {
		if w.state == Done {
			return
		}
		var s window.Result
		if w.window != nil {
			s = w.window.Stats()
		}
		w.logger.Info().
			Stringer("state", w.state).
			Int("completed", s.Completed).
			Int("target", s.Target).
			Int("in_flight", s.InFlight).
			Int("pipe_count", s.PipeCount).
			Log("workflow: progress")
		w.scheduleProgress()
	})
	if err != nil {
		w.logger.Warning().
			Err(err).
			Int("loop", w.handle.Index()).
			Log("workflow: progress timer failed")
	}
}
