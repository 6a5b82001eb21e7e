// Package window bounds the number of concurrent requests issued by a single
// producer, against a kv.Conn, until a fixed number of requests (the target)
// have completed.
//
// In Async mode, the window issues min(limit, target) requests up front,
// then slides by one on each completion. In Pipeline mode, the window issues
// a single request, then grows as the connection reports that it has written
// each of its requests to the wire (fill events, see kv.Request.OnFill), up
// to limit requests beyond the first.
//
// Failures, including synchronous submit failures, count as completions,
// and are never retried. A Window is owned by a single loop.
package window

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/logiface"
)

// Mode selects the windowing strategy.
type Mode int

const (
	// Async bounds in-flight requests to the limit, each completion
	// releasing exactly one slot.
	Async Mode = iota
	// Pipeline grows on fill events, bounding the pipe count to the limit.
	Pipeline
)

type (
	// Config models the parameters of a Window.
	Config struct {
		// NewRequest builds the request for index, which is in [0, Target).
		// Required.
		NewRequest func(index int) *kv.Request

		// OnDone is called exactly once, on the loop, when Completed reaches
		// Target. Required.
		OnDone func(Result)

		// Observer is optional.
		Observer Observer

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// Target is the total number of requests, which must not be negative.
		Target int

		// Limit is the queue size (Async) or pipeline depth (Pipeline), and
		// must be positive.
		Limit int

		Mode Mode
	}

	// Observer receives per-request events, on the loop.
	Observer interface {
		RequestIssued(index int)
		RequestCompleted(index int, latency time.Duration, err error)
		PipeCountChanged(pipeCount int)
	}

	// Result summarizes a window, once done, or in progress (see Window.Stats).
	Result struct {
		// FirstErr is the first failure observed, if any.
		FirstErr error
		Target   int
		Issued   int
		// Completed includes Failed.
		Completed int
		Failed    int
		// SubmitFailed is the subset of Failed that failed synchronously.
		SubmitFailed int
		InFlight     int
		PipeCount    int
		MaxInFlight  int
		MaxPipeCount int
	}

	// Window implements the windowing state machine. See New.
	Window struct {
		conn      kv.Conn
		limiter   *catrate.Limiter
		cfg       Config
		issuedAt  []time.Time
		issued    []uint64
		events    []event
		result    Result
		started   bool
		done      bool
		notifying bool
	}

	eventKind int

	event struct {
		err    error
		index  int
		kind   eventKind
		submit bool
	}
)

const (
	eventComplete eventKind = iota
	eventFill
)

// New validates cfg, and returns a Window, which must be started with
// Window.Start, on the loop that owns conn.
func New(conn kv.Conn, cfg Config) (*Window, error) {
	if conn == nil {
		return nil, fmt.Errorf(`window: nil conn`)
	}
	if cfg.NewRequest == nil || cfg.OnDone == nil {
		return nil, fmt.Errorf(`window: NewRequest and OnDone are required`)
	}
	if cfg.Target < 0 {
		return nil, fmt.Errorf(`window: invalid target: %d`, cfg.Target)
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf(`window: invalid limit: %d`, cfg.Limit)
	}
	switch cfg.Mode {
	case Async, Pipeline:
	default:
		return nil, fmt.Errorf(`window: invalid mode: %d`, cfg.Mode)
	}
	w := Window{
		conn:     conn,
		cfg:      cfg,
		issued:   make([]uint64, (cfg.Target+63)/64),
		issuedAt: make([]time.Time, cfg.Target),
		result:   Result{Target: cfg.Target},
	}
	if cfg.Logger != nil {
		w.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 10,
		})
	}
	return &w, nil
}

// String implements fmt.Stringer.
func (x Mode) String() string {
	switch x {
	case Async:
		return `async`
	case Pipeline:
		return `pipeline`
	default:
		return fmt.Sprintf(`Mode(%d)`, int(x))
	}
}

// Start issues the initial requests. It must be called once.
func (w *Window) Start() {
	if w.started {
		panic(`window: already started`)
	}
	w.started = true

	if w.cfg.Target == 0 {
		w.finish()
		return
	}

	w.notifying = true
	switch w.cfg.Mode {
	case Async:
		n := min(w.cfg.Limit, w.cfg.Target)
		for i := 0; i < n; i++ {
			w.issue(i)
		}
	case Pipeline:
		w.issue(0)
	}
	w.notifying = false
	w.drain()
}

// Stats returns a snapshot of the window.
func (w *Window) Stats() Result {
	return w.result
}

// Done reports whether OnDone has been called.
func (w *Window) Done() bool {
	return w.done
}

// Issued reports whether index has been issued.
func (w *Window) Issued(index int) bool {
	if index < 0 || index >= w.cfg.Target {
		return false
	}
	return w.issued[index/64]&(1<<(uint(index)%64)) != 0
}

func (w *Window) issue(index int) {
	if w.Issued(index) {
		// guarded by the callers, this would indicate a broken invariant
		panic(fmt.Errorf(`window: index %d issued twice`, index))
	}
	w.issued[index/64] |= 1 << (uint(index) % 64)
	w.issuedAt[index] = time.Now()
	w.result.Issued++
	w.result.InFlight++
	w.result.MaxInFlight = max(w.result.MaxInFlight, w.result.InFlight)
	if w.cfg.Observer != nil {
		w.cfg.Observer.RequestIssued(index)
	}

	req := w.cfg.NewRequest(index)
	req.Index = index
	if w.cfg.Mode == Pipeline {
		// per request, as windows may share a conn
		req.OnFill = w.onFill
	}
	if err := w.conn.Send(req, w.onComplete); err != nil {
		// handled as a completion, deferred if already handling an event
		w.post(event{kind: eventComplete, index: index, err: err, submit: true})
	}
}

func (w *Window) onComplete(req *kv.Request, err error) {
	w.post(event{kind: eventComplete, index: req.Index, err: err})
}

func (w *Window) onFill() {
	w.post(event{kind: eventFill})
}

// post handles ev, trampolining any events raised while handling it, so that
// long chains of synchronous failures don't grow the stack.
func (w *Window) post(ev event) {
	w.events = append(w.events, ev)
	if !w.notifying {
		w.drain()
	}
}

func (w *Window) drain() {
	w.notifying = true
	defer func() { w.notifying = false }()
	for len(w.events) != 0 {
		ev := w.events[0]
		w.events[0] = event{}
		w.events = w.events[1:]
		if len(w.events) == 0 {
			w.events = nil
		}
		w.handle(ev)
	}
}

func (w *Window) handle(ev event) {
	if w.done {
		return
	}
	switch ev.kind {
	case eventComplete:
		w.handleComplete(ev)
	case eventFill:
		w.handleFill()
	}
}

func (w *Window) handleComplete(ev event) {
	w.result.InFlight--
	w.result.Completed++

	var latency time.Duration
	if ev.index >= 0 && ev.index < len(w.issuedAt) {
		latency = time.Since(w.issuedAt[ev.index])
	}
	if ev.err != nil {
		w.result.Failed++
		if ev.submit {
			w.result.SubmitFailed++
		}
		if w.result.FirstErr == nil {
			w.result.FirstErr = ev.err
		}
		w.logFailure(ev)
	}
	if w.cfg.Observer != nil {
		w.cfg.Observer.RequestCompleted(ev.index, latency, ev.err)
	}

	if w.result.Completed == w.cfg.Target {
		w.finish()
		return
	}

	switch w.cfg.Mode {
	case Async:
		// slide by one
		if next := w.result.Completed + w.cfg.Limit - 1; next < w.cfg.Target && !w.Issued(next) {
			w.issue(next)
		}
	case Pipeline:
		if next := w.result.Completed + w.result.PipeCount; next < w.cfg.Target {
			w.issue(next)
		} else {
			w.setPipeCount(w.result.PipeCount - 1)
		}
	}
}

func (w *Window) handleFill() {
	if w.cfg.Mode != Pipeline || w.result.PipeCount >= w.cfg.Limit {
		return
	}
	w.setPipeCount(w.result.PipeCount + 1)
	if next := w.result.Completed + w.result.PipeCount; next < w.cfg.Target {
		w.issue(next)
	} else {
		w.setPipeCount(w.result.PipeCount - 1)
	}
}

func (w *Window) setPipeCount(v int) {
	if v < 0 {
		panic(fmt.Errorf(`window: negative pipe count: %d`, v))
	}
	w.result.PipeCount = v
	w.result.MaxPipeCount = max(w.result.MaxPipeCount, v)
	if w.cfg.Observer != nil {
		w.cfg.Observer.PipeCountChanged(v)
	}
}

func (w *Window) finish() {
	w.done = true
	w.events = nil
	w.cfg.Logger.Debug().
		Stringer("mode", w.cfg.Mode).
		Int("target", w.result.Target).
		Int("failed", w.result.Failed).
		Int("max_in_flight", w.result.MaxInFlight).
		Log("window: done")
	w.cfg.OnDone(w.result)
}

func (w *Window) logFailure(ev event) {
	b := w.cfg.Logger.Warning()
	if b == nil {
		return
	}
	if _, ok := w.limiter.Allow(ev.submit); !ok {
		b.Release()
		return
	}
	b.Err(ev.err).
		Int("index", ev.index).
		Bool("submit", ev.submit).
		Log("window: request failed")
}
