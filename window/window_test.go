package window

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records requests, leaving completion and fill events to the test.
type fakeConn struct {
	failSubmit func(index int) error
	onFill     func()
	requests   map[int]*kv.Request
	attempts   map[int]int
	inFlight   []sentRequest
	unfilled   []*kv.Request
	sent       []int
}

type sentRequest struct {
	req        *kv.Request
	onComplete kv.CompletionFunc
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		requests: make(map[int]*kv.Request),
		attempts: make(map[int]int),
	}
}

func (x *fakeConn) Send(req *kv.Request, onComplete kv.CompletionFunc) error {
	x.attempts[req.Index]++
	if x.failSubmit != nil {
		if err := x.failSubmit(req.Index); err != nil {
			return kv.NewSubmitError(err)
		}
	}
	x.sent = append(x.sent, req.Index)
	x.inFlight = append(x.inFlight, sentRequest{req: req, onComplete: onComplete})
	x.requests[req.Index] = req
	x.unfilled = append(x.unfilled, req)
	return nil
}

func (x *fakeConn) BatchRead(*kv.Batch, kv.BatchCompletionFunc) error {
	panic(`not implemented`)
}

func (x *fakeConn) SetPipelineFillCallback(onFill func()) {
	x.onFill = onFill
}

// complete completes the i-th in-flight request (by position)
func (x *fakeConn) complete(i int, err error) int {
	v := x.inFlight[i]
	x.inFlight = append(x.inFlight[:i], x.inFlight[i+1:]...)
	v.onComplete(v.req, err)
	return v.req.Index
}

func (x *fakeConn) completeIndex(index int, err error) {
	for i, v := range x.inFlight {
		if v.req.Index == index {
			x.complete(i, err)
			return
		}
	}
	panic(fmt.Sprintf(`index %d not in flight`, index))
}

// fill reports the oldest unfilled request as written
func (x *fakeConn) fill() {
	req := x.unfilled[0]
	x.unfilled = x.unfilled[1:]
	switch {
	case req.OnFill != nil:
		req.OnFill()
	case x.onFill != nil:
		x.onFill()
	}
}

type recordingObserver struct {
	pipeCounts []int
	issued     int
	completed  int
}

func (x *recordingObserver) RequestIssued(int) { x.issued++ }

func (x *recordingObserver) RequestCompleted(int, time.Duration, error) { x.completed++ }

func (x *recordingObserver) PipeCountChanged(v int) { x.pipeCounts = append(x.pipeCounts, v) }

func newRequest(index int) *kv.Request {
	return &kv.Request{
		Key:  kv.NewKey(``, ``, int64(index)),
		Bins: []kv.Bin{{Name: kv.DefaultBin, Value: int64(index)}},
	}
}

func startWindow(t *testing.T, conn *fakeConn, mode Mode, target, limit int, observer Observer) (*Window, *[]Result) {
	t.Helper()
	var results []Result
	w, err := New(conn, Config{
		Target:     target,
		Limit:      limit,
		Mode:       mode,
		NewRequest: newRequest,
		OnDone:     func(r Result) { results = append(results, r) },
		Observer:   observer,
	})
	require.NoError(t, err)
	w.Start()
	return w, &results
}

func assertDistinct(t *testing.T, sent []int, target int) {
	t.Helper()
	seen := make(map[int]bool, len(sent))
	for _, v := range sent {
		require.False(t, seen[v], `index %d issued twice`, v)
		require.True(t, v >= 0 && v < target, `index %d out of range`, v)
		seen[v] = true
	}
	require.Len(t, seen, target)
}

func TestNew_validation(t *testing.T) {
	conn := newFakeConn()
	valid := Config{Target: 1, Limit: 1, NewRequest: newRequest, OnDone: func(Result) {}}
	for _, tc := range [...]struct {
		name   string
		conn   kv.Conn
		modify func(c *Config)
		ok     bool
	}{
		{`valid`, conn, func(c *Config) {}, true},
		{`nil conn`, nil, func(c *Config) {}, false},
		{`nil new request`, conn, func(c *Config) { c.NewRequest = nil }, false},
		{`nil on done`, conn, func(c *Config) { c.OnDone = nil }, false},
		{`negative target`, conn, func(c *Config) { c.Target = -1 }, false},
		{`zero limit`, conn, func(c *Config) { c.Limit = 0 }, false},
		{`invalid mode`, conn, func(c *Config) { c.Mode = 7 }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.modify(&cfg)
			w, err := New(tc.conn, cfg)
			if tc.ok {
				assert.NoError(t, err)
				assert.NotNil(t, w)
			} else {
				assert.Error(t, err)
				assert.Nil(t, w)
			}
		})
	}
}

func TestWindow_zeroTarget(t *testing.T) {
	for _, mode := range [...]Mode{Async, Pipeline} {
		conn := newFakeConn()
		w, results := startWindow(t, conn, mode, 0, 3, nil)
		require.Len(t, *results, 1)
		assert.True(t, w.Done())
		assert.Empty(t, conn.sent)
		assert.Panics(t, w.Start)
	}
}

// target 10, queue size 4
func TestWindow_async_scenario(t *testing.T) {
	conn := newFakeConn()
	w, results := startWindow(t, conn, Async, 10, 4, nil)
	assert.Equal(t, []int{0, 1, 2, 3}, conn.sent)

	conn.completeIndex(0, nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, conn.sent)

	// out of order
	conn.completeIndex(2, nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, conn.sent)
	assert.Equal(t, 4, w.Stats().InFlight)

	for len(conn.inFlight) != 0 {
		conn.complete(0, nil)
		assert.LessOrEqual(t, len(conn.inFlight), 4)
	}
	assertDistinct(t, conn.sent, 10)
	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, 10, r.Completed)
	assert.Equal(t, 10, r.Issued)
	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 4, r.MaxInFlight)
	assert.True(t, w.Done())
}

func TestWindow_async_everyLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, target := range [...]int{1, 2, 7, 64, 65, 100} {
		for limit := 1; limit <= target+2; limit++ {
			t.Run(fmt.Sprintf(`target=%d,limit=%d`, target, limit), func(t *testing.T) {
				conn := newFakeConn()
				observer := &recordingObserver{}
				_, results := startWindow(t, conn, Async, target, limit, observer)
				assert.Len(t, conn.sent, min(target, limit))
				for len(conn.inFlight) != 0 {
					require.LessOrEqual(t, len(conn.inFlight), limit)
					conn.complete(rng.Intn(len(conn.inFlight)), nil)
				}
				assertDistinct(t, conn.sent, target)
				require.Len(t, *results, 1)
				assert.Equal(t, target, (*results)[0].Completed)
				assert.LessOrEqual(t, (*results)[0].MaxInFlight, limit)
				assert.Equal(t, target, observer.issued)
				assert.Equal(t, target, observer.completed)
			})
		}
	}
}

func TestWindow_async_submitFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failSubmit = func(index int) error {
		if index == 3 {
			return io.ErrClosedPipe
		}
		return nil
	}
	_, results := startWindow(t, conn, Async, 10, 4, nil)
	for len(conn.inFlight) != 0 {
		conn.complete(0, nil)
	}
	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, 10, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.SubmitFailed)
	assert.ErrorIs(t, r.FirstErr, io.ErrClosedPipe)
	assert.True(t, kv.IsSubmitError(r.FirstErr))
	// attempted exactly once, never replaced
	assert.Equal(t, 1, conn.attempts[3])
	assert.NotContains(t, conn.sent, 3)
	assert.Len(t, conn.sent, 9)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, conn.attempts[i], i)
	}
}

func TestWindow_async_asyncFailures(t *testing.T) {
	conn := newFakeConn()
	_, results := startWindow(t, conn, Async, 20, 3, nil)
	n := 0
	for len(conn.inFlight) != 0 {
		var err error
		if n%2 == 0 {
			err = &kv.TransportError{Err: io.EOF}
		}
		conn.complete(0, err)
		n++
	}
	assertDistinct(t, conn.sent, 20)
	require.Len(t, *results, 1)
	assert.Equal(t, 10, (*results)[0].Failed)
	assert.Equal(t, 0, (*results)[0].SubmitFailed)
}

// every submit failing synchronously must not grow the stack per request
func TestWindow_submitFailureChain(t *testing.T) {
	for _, mode := range [...]Mode{Async, Pipeline} {
		t.Run(mode.String(), func(t *testing.T) {
			conn := newFakeConn()
			conn.failSubmit = func(int) error { return kv.ErrQueueFull }
			const target = 200000
			_, results := startWindow(t, conn, mode, target, 1, nil)
			require.Len(t, *results, 1)
			r := (*results)[0]
			assert.Equal(t, target, r.Completed)
			assert.Equal(t, target, r.Failed)
			assert.Equal(t, target, r.SubmitFailed)
			assert.Equal(t, 1, r.MaxInFlight)
		})
	}
}

// target 5, queue size 2
func TestWindow_pipeline_scenario(t *testing.T) {
	conn := newFakeConn()
	observer := &recordingObserver{}
	w, results := startWindow(t, conn, Pipeline, 5, 2, observer)
	assert.Equal(t, []int{0}, conn.sent)
	assert.NotNil(t, conn.requests[0].OnFill)
	assert.Nil(t, conn.onFill)

	conn.fill()
	assert.Equal(t, []int{0, 1}, conn.sent)
	assert.Equal(t, 1, w.Stats().PipeCount)
	conn.fill()
	assert.Equal(t, []int{0, 1, 2}, conn.sent)
	assert.Equal(t, 2, w.Stats().PipeCount)
	// at depth
	conn.fill()
	assert.Equal(t, []int{0, 1, 2}, conn.sent)
	assert.Equal(t, 3, w.Stats().InFlight)

	conn.completeIndex(0, nil)
	assert.Equal(t, []int{0, 1, 2, 3}, conn.sent)
	conn.completeIndex(1, nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, conn.sent)
	conn.fill()
	conn.fill()
	assert.Equal(t, 2, w.Stats().PipeCount)

	conn.completeIndex(2, nil)
	assert.Equal(t, 1, w.Stats().PipeCount)
	conn.completeIndex(3, nil)
	assert.Equal(t, 0, w.Stats().PipeCount)
	assert.Empty(t, *results)
	conn.completeIndex(4, nil)

	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, 5, r.Completed)
	assert.Equal(t, 2, r.MaxPipeCount)
	assert.Equal(t, 3, r.MaxInFlight)
	for _, v := range observer.pipeCounts {
		assert.LessOrEqual(t, v, 2)
		assert.GreaterOrEqual(t, v, 0)
	}
}

func TestWindow_pipeline_randomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, target := range [...]int{1, 3, 50, 129} {
		for _, depth := range [...]int{1, 2, 5, 1000} {
			t.Run(fmt.Sprintf(`target=%d,depth=%d`, target, depth), func(t *testing.T) {
				conn := newFakeConn()
				observer := &recordingObserver{}
				w, results := startWindow(t, conn, Pipeline, target, depth, observer)
				for len(conn.inFlight) != 0 {
					if len(conn.unfilled) > 0 && rng.Intn(2) == 0 {
						conn.fill()
					} else {
						var err error
						if rng.Intn(10) == 0 {
							err = errors.New(`random failure`)
						}
						conn.complete(rng.Intn(len(conn.inFlight)), err)
					}
					s := w.Stats()
					require.LessOrEqual(t, s.PipeCount, depth)
					require.LessOrEqual(t, s.InFlight, depth+1)
					if !w.Done() {
						require.Equal(t, s.Issued, s.Completed+s.PipeCount+1, `issued == completed + pipe_count + 1`)
					}
				}
				assertDistinct(t, conn.sent, target)
				require.Len(t, *results, 1)
				assert.Equal(t, target, (*results)[0].Completed)
				for _, v := range observer.pipeCounts {
					require.LessOrEqual(t, v, depth)
				}
			})
		}
	}
}

func TestWindow_pipeline_sharedConn(t *testing.T) {
	conn := newFakeConn()
	var results []Result
	newWindow := func(offset int) *Window {
		w, err := New(conn, Config{
			Target: 20,
			Limit:  4,
			Mode:   Pipeline,
			NewRequest: func(index int) *kv.Request {
				return newRequest(offset + index)
			},
			OnDone: func(r Result) { results = append(results, r) },
		})
		require.NoError(t, err)
		return w
	}
	a, b := newWindow(0), newWindow(1000)
	a.Start()
	b.Start()

	// fill every written request, then grow both windows to depth
	for len(conn.unfilled) > 0 {
		conn.fill()
	}
	assert.Equal(t, 4, a.Stats().PipeCount)
	assert.Equal(t, 4, b.Stats().PipeCount)
	assert.Equal(t, 5, a.Stats().InFlight)
	assert.Equal(t, 5, b.Stats().InFlight)

	for len(conn.inFlight) != 0 {
		for len(conn.unfilled) > 0 {
			conn.fill()
		}
		conn.complete(0, nil)
	}
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 20, r.Completed)
		assert.Equal(t, 4, r.MaxPipeCount)
		assert.Equal(t, 5, r.MaxInFlight)
	}
}

func TestWindow_pipeline_submitFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failSubmit = func(index int) error {
		if index == 2 {
			return kv.ErrQueueFull
		}
		return nil
	}
	_, results := startWindow(t, conn, Pipeline, 6, 3, nil)
	for len(conn.inFlight) != 0 {
		for len(conn.unfilled) > 0 {
			conn.fill()
		}
		conn.complete(0, nil)
	}
	require.Len(t, *results, 1)
	assert.Equal(t, 6, (*results)[0].Completed)
	assert.Equal(t, 1, (*results)[0].SubmitFailed)
	assert.Equal(t, 1, conn.attempts[2])
	assert.Len(t, conn.sent, 5)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, `async`, Async.String())
	assert.Equal(t, `pipeline`, Pipeline.String())
	assert.Equal(t, `Mode(9)`, Mode(9).String())
}
