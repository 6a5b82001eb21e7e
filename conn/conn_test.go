package conn

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestClosed = errors.New(`test executor closed`)

// testExec is a manually drained kv.Executor.
type testExec struct {
	queue  []func()
	closed bool
}

func (x *testExec) Submit(task func()) error {
	if x.closed {
		return errTestClosed
	}
	x.queue = append(x.queue, task)
	return nil
}

func (x *testExec) drain() {
	for len(x.queue) != 0 {
		task := x.queue[0]
		x.queue = x.queue[1:]
		task()
	}
}

type fakeWire struct {
	sink      func(Reply)
	failWrite error
	writes    [][]*Frame
	id        int
	closed    bool
}

func (x *fakeWire) Write(frames []*Frame) error {
	if x.failWrite != nil {
		return x.failWrite
	}
	x.writes = append(x.writes, frames)
	return nil
}

func (x *fakeWire) Close() error {
	x.closed = true
	return nil
}

func (x *fakeWire) frames() (frames []*Frame) {
	for _, w := range x.writes {
		frames = append(frames, w...)
	}
	return
}

func (x *fakeWire) reply(id uint64, err error) {
	x.sink(Reply{ID: id, Err: err})
}

type fakeDialer struct {
	dialErr   error
	failWrite error
	wires     []*fakeWire
}

func (x *fakeDialer) Dial(ctx context.Context, sink func(Reply)) (Wire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.dialErr != nil {
		return nil, x.dialErr
	}
	w := &fakeWire{id: len(x.wires), sink: sink, failWrite: x.failWrite}
	x.wires = append(x.wires, w)
	return w, nil
}

type completion struct {
	err   error
	index int
}

func newRequest(i int) *kv.Request {
	return &kv.Request{
		Index: i,
		Key:   kv.NewKey(``, ``, int64(i)),
		Bins:  []kv.Bin{{Name: kv.DefaultBin, Value: int64(i)}},
	}
}

func sendAll(t *testing.T, c *Conn, n int, out *[]completion) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(newRequest(i), func(req *kv.Request, err error) {
			*out = append(*out, completion{index: req.Index, err: err})
		}))
	}
}

func TestOpen_panics(t *testing.T) {
	assert.Panics(t, func() { Open(nil, &fakeDialer{}, nil) })
	assert.Panics(t, func() { Open(&testExec{}, nil, nil) })
}

func TestOptions_resolve(t *testing.T) {
	r := (*Options)(nil).resolve()
	assert.Equal(t, DefaultMaxConns, r.MaxConns)
	assert.Equal(t, DefaultMaxPipeConns, r.MaxPipeConns)
	assert.Equal(t, DefaultDialTimeout, r.DialTimeout)
	assert.Zero(t, r.MaxQueue)
	r = (&Options{MaxQueue: -1, MaxInFlight: -3, MaxConns: 3}).resolve()
	assert.Zero(t, r.MaxQueue)
	assert.Zero(t, r.MaxInFlight)
	assert.Equal(t, 3, r.MaxConns)
}

func TestConn_async_delayQueue(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{MaxConns: 2})
	assert.False(t, c.Pipelined())

	var done []completion
	sendAll(t, c, 5, &done)

	require.Len(t, dialer.wires, 2)
	assert.Equal(t, Stats{Pending: 5, Queued: 3, Wires: 2}, c.Stats())
	w0, w1 := dialer.wires[0], dialer.wires[1]
	require.Len(t, w0.frames(), 1)
	require.Len(t, w1.frames(), 1)
	assert.Equal(t, int64(0), w0.frames()[0].Key.ID)
	assert.Equal(t, int64(1), w1.frames()[0].Key.ID)

	// one in flight per wire, the queue is served in FIFO order
	w1.reply(w1.frames()[0].ID, nil)
	exec.drain()
	require.Len(t, w1.frames(), 2)
	assert.Equal(t, int64(2), w1.frames()[1].Key.ID)
	assert.Equal(t, []completion{{index: 1}}, done)

	w0.reply(w0.frames()[0].ID, nil)
	exec.drain()
	assert.Equal(t, int64(3), w0.frames()[1].Key.ID)

	w1.reply(w1.frames()[1].ID, nil)
	w0.reply(w0.frames()[1].ID, nil)
	exec.drain()
	assert.Equal(t, int64(4), w1.frames()[2].Key.ID)
	w1.reply(w1.frames()[2].ID, nil)
	exec.drain()

	assert.Equal(t, []completion{{index: 1}, {index: 0}, {index: 2}, {index: 3}, {index: 4}}, done)
	assert.Equal(t, Stats{Wires: 2}, c.Stats())
}

func TestConn_async_queueFull(t *testing.T) {
	exec := &testExec{}
	c := Open(exec, &fakeDialer{}, &Options{MaxConns: 1, MaxQueue: 1})
	var done []completion
	sendAll(t, c, 2, &done)
	err := c.Send(newRequest(2), func(*kv.Request, error) { t.Error(`unexpected callback`) })
	assert.True(t, kv.IsSubmitError(err))
	assert.ErrorIs(t, err, kv.ErrQueueFull)
	assert.Equal(t, 2, c.Stats().Pending)
}

func TestConn_async_writeFailure(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{failWrite: io.ErrClosedPipe}
	c := Open(exec, dialer, &Options{MaxConns: 1})
	err := c.Send(newRequest(0), func(*kv.Request, error) { t.Error(`unexpected callback`) })
	assert.True(t, kv.IsSubmitError(err))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	exec.drain()
	require.Len(t, dialer.wires, 1)
	assert.True(t, dialer.wires[0].closed)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestConn_dialFailure(t *testing.T) {
	for _, pipelined := range [...]bool{false, true} {
		exec := &testExec{}
		c := Open(exec, &fakeDialer{dialErr: io.EOF}, &Options{Pipelined: pipelined})
		err := c.Send(newRequest(0), func(*kv.Request, error) { t.Error(`unexpected callback`) })
		assert.True(t, kv.IsSubmitError(err))
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestConn_async_delayedWriteFailure(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{MaxConns: 1})
	var done []completion
	sendAll(t, c, 2, &done)
	w0 := dialer.wires[0]
	w0.failWrite = io.ErrClosedPipe
	dialer.failWrite = io.ErrClosedPipe
	w0.reply(w0.frames()[0].ID, nil)
	exec.drain()
	// the queue is serviced before the completion is delivered
	require.Len(t, done, 2)
	assert.Equal(t, 1, done[0].index)
	var transportErr *kv.TransportError
	assert.ErrorAs(t, done[0].err, &transportErr)
	assert.Equal(t, completion{index: 0}, done[1])
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestConn_pipelined_coalesces(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{Pipelined: true, MaxPipeConns: 1})
	assert.True(t, c.Pipelined())
	var fills int
	c.SetPipelineFillCallback(func() { fills++ })

	var done []completion
	sendAll(t, c, 3, &done)
	require.Len(t, dialer.wires, 1)
	w := dialer.wires[0]
	assert.Empty(t, w.writes)
	assert.Zero(t, fills)

	exec.drain()
	require.Len(t, w.writes, 1)
	assert.Len(t, w.writes[0], 3)
	assert.Equal(t, 3, fills)

	// completion order follows reply order, not issue order
	frames := w.frames()
	w.reply(frames[2].ID, nil)
	w.reply(frames[0].ID, &kv.ProtocolError{Code: 4})
	w.reply(frames[1].ID, nil)
	// duplicate
	w.reply(frames[1].ID, nil)
	exec.drain()

	require.Len(t, done, 3)
	assert.Equal(t, 2, done[0].index)
	assert.Equal(t, 0, done[1].index)
	var protocolErr *kv.ProtocolError
	assert.ErrorAs(t, done[1].err, &protocolErr)
	assert.Equal(t, 1, done[2].index)
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestConn_pipelined_spreadsWires(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{Pipelined: true, MaxPipeConns: 2})
	var done []completion
	sendAll(t, c, 4, &done)
	exec.drain()
	require.Len(t, dialer.wires, 2)
	assert.Len(t, dialer.wires[0].frames(), 2)
	assert.Len(t, dialer.wires[1].frames(), 2)
}

func TestConn_pipelined_maxInFlight(t *testing.T) {
	exec := &testExec{}
	c := Open(exec, &fakeDialer{}, &Options{Pipelined: true, MaxInFlight: 2})
	var done []completion
	sendAll(t, c, 2, &done)
	err := c.Send(newRequest(2), func(*kv.Request, error) {})
	assert.ErrorIs(t, err, kv.ErrQueueFull)
}

func TestConn_pipelined_writeFailure(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{failWrite: io.ErrUnexpectedEOF}
	c := Open(exec, dialer, &Options{Pipelined: true})
	var fills int
	c.SetPipelineFillCallback(func() { fills++ })
	var done []completion
	sendAll(t, c, 3, &done)
	assert.Empty(t, done)
	exec.drain()
	require.Len(t, done, 3)
	for i, d := range done {
		assert.Equal(t, i, d.index)
		var transportErr *kv.TransportError
		assert.ErrorAs(t, d.err, &transportErr)
		assert.ErrorIs(t, d.err, io.ErrUnexpectedEOF)
	}
	assert.Zero(t, fills)
	assert.True(t, dialer.wires[0].closed)
}

func TestConn_pipelined_requestFill(t *testing.T) {
	exec := &testExec{}
	c := Open(exec, &fakeDialer{}, &Options{Pipelined: true, MaxPipeConns: 1})
	var shared int
	c.SetPipelineFillCallback(func() { shared++ })

	// two producers sharing the conn, plus a request without its own callback
	fills := make(map[string][]int)
	send := func(owner string, index int) {
		req := newRequest(index)
		if owner != `` {
			req.OnFill = func() { fills[owner] = append(fills[owner], index) }
		}
		require.NoError(t, c.Send(req, func(*kv.Request, error) {}))
	}
	send(`a`, 0)
	send(`b`, 1)
	send(`a`, 2)
	send(``, 3)
	assert.Empty(t, fills)

	exec.drain()
	assert.Equal(t, map[string][]int{`a`: {0, 2}, `b`: {1}}, fills)
	assert.Equal(t, 1, shared)

	// each request is filled once
	exec.drain()
	assert.Equal(t, map[string][]int{`a`: {0, 2}, `b`: {1}}, fills)
	assert.Equal(t, 1, shared)
}

func TestConn_pipelined_dialFailureUsesOpenWire(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{Pipelined: true, MaxPipeConns: 4})
	var done []completion
	sendAll(t, c, 1, &done)
	exec.drain()
	require.Len(t, dialer.wires, 1)

	dialer.dialErr = errors.New(`transient dial failure`)
	require.NoError(t, c.Send(newRequest(1), func(req *kv.Request, err error) {
		done = append(done, completion{index: req.Index, err: err})
	}))
	exec.drain()
	assert.Equal(t, 1, c.Stats().Wires)
	w := dialer.wires[0]
	frames := w.frames()
	require.Len(t, frames, 2)

	w.reply(frames[0].ID, nil)
	w.reply(frames[1].ID, nil)
	exec.drain()
	assert.Equal(t, []completion{{index: 0}, {index: 1}}, done)

	// another wire is dialed once possible
	dialer.dialErr = nil
	sendAll(t, c, 2, &done)
	assert.Len(t, dialer.wires, 2)
}

func TestConn_droppedReplies(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{Pipelined: true})
	var done []completion
	sendAll(t, c, 1, &done)
	exec.drain()
	w := dialer.wires[0]

	// the loop has terminated
	exec.closed = true
	w.reply(w.frames()[0].ID, nil)
	assert.Equal(t, Stats{Pending: 1, Wires: 1, Dropped: 1}, c.Stats())

	var closed int
	c.Close(func() { closed++ })
	assert.Zero(t, closed)
	assert.Empty(t, done)

	c.Abort(io.ErrClosedPipe, nil)
	assert.Equal(t, 1, closed)
	require.Len(t, done, 1)
	assert.ErrorIs(t, done[0].err, io.ErrClosedPipe)
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestConn_pipelined_executorClosed(t *testing.T) {
	exec := &testExec{closed: true}
	c := Open(exec, &fakeDialer{}, &Options{Pipelined: true})
	err := c.Send(newRequest(0), func(*kv.Request, error) {})
	assert.ErrorIs(t, err, errTestClosed)
	assert.True(t, kv.IsSubmitError(err))
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestConn_wireFailure(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{Pipelined: true})
	var done []completion
	sendAll(t, c, 2, &done)
	exec.drain()
	w := dialer.wires[0]
	w.sink(Reply{Err: io.EOF})
	exec.drain()
	require.Len(t, done, 2)
	assert.ErrorIs(t, done[0].err, io.EOF)
	assert.ErrorIs(t, done[1].err, io.EOF)
	assert.True(t, w.closed)
	assert.Equal(t, Stats{}, c.Stats())

	// a new wire is dialed
	sendAll(t, c, 1, &done)
	assert.Len(t, dialer.wires, 2)
}

func TestConn_Close_drains(t *testing.T) {
	for _, pipelined := range [...]bool{false, true} {
		exec := &testExec{}
		dialer := &fakeDialer{}
		c := Open(exec, dialer, &Options{Pipelined: pipelined, MaxConns: 1, MaxPipeConns: 1})
		var done []completion
		sendAll(t, c, 2, &done)
		exec.drain()

		var closed int
		c.Close(func() { closed++ })
		exec.drain()
		assert.Zero(t, closed)

		err := c.Send(newRequest(9), func(*kv.Request, error) {})
		assert.ErrorIs(t, err, kv.ErrClosed)
		assert.True(t, kv.IsSubmitError(err))

		w := dialer.wires[0]
		w.reply(w.frames()[0].ID, nil)
		exec.drain()
		assert.Zero(t, closed)
		w.reply(w.frames()[1].ID, nil)
		exec.drain()
		assert.Equal(t, 1, closed)
		assert.True(t, w.closed)
		assert.Len(t, done, 2)

		// closing again still calls back
		c.Close(func() { closed++ })
		exec.drain()
		assert.Equal(t, 2, closed)
	}
}

func TestConn_Abort(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, &Options{MaxConns: 1})
	var done []completion
	sendAll(t, c, 3, &done)
	var closed bool
	c.Abort(io.ErrClosedPipe, func() { closed = true })
	exec.drain()
	require.Len(t, done, 3)
	for _, d := range done {
		var transportErr *kv.TransportError
		assert.ErrorAs(t, d.err, &transportErr)
		assert.ErrorIs(t, d.err, io.ErrClosedPipe)
	}
	assert.True(t, closed)
	assert.Len(t, dialer.wires, 1)
	assert.True(t, dialer.wires[0].closed)
}

func TestConn_BatchRead(t *testing.T) {
	exec := &testExec{}
	dialer := &fakeDialer{}
	c := Open(exec, dialer, nil)

	keys := []kv.Key{kv.NewKey(``, ``, 1), kv.NewKey(``, ``, 2)}
	batch := kv.NewBatch(keys)
	var (
		gotErr error
		calls  int
	)
	require.NoError(t, c.BatchRead(batch, func(b *kv.Batch, err error) {
		calls++
		gotErr = err
		assert.Same(t, batch, b)
	}))
	w := dialer.wires[0]
	frame := w.frames()[0]
	assert.Equal(t, OpBatchGet, frame.Op)
	assert.Equal(t, keys, frame.Keys)

	w.sink(Reply{ID: frame.ID, Records: []kv.BatchRecord{
		{Result: kv.ResultOK, Bins: []kv.Bin{{Name: kv.DefaultBin, Value: 1}}},
		{Result: kv.ResultNotFound, Err: kv.ErrNotFound},
	}})
	exec.drain()
	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
	assert.Equal(t, kv.ResultOK, batch.Records[0].Result)
	assert.Equal(t, keys[0], batch.Records[0].Key)
	assert.Equal(t, kv.ResultNotFound, batch.Records[1].Result)

	// size mismatch
	batch = kv.NewBatch(keys)
	require.NoError(t, c.BatchRead(batch, func(b *kv.Batch, err error) {
		calls++
		gotErr = err
	}))
	frame = w.frames()[1]
	w.sink(Reply{ID: frame.ID})
	exec.drain()
	assert.Equal(t, 2, calls)
	var protocolErr *kv.ProtocolError
	assert.ErrorAs(t, gotErr, &protocolErr)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, `put`, OpPut.String())
	assert.Equal(t, `batch-get`, OpBatchGet.String())
	assert.Equal(t, `unknown`, Op(0).String())
}
