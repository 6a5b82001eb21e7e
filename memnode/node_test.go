package memnode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	n, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func dial(t *testing.T, n *Node) (conn.Wire, <-chan conn.Reply) {
	t.Helper()
	replies := make(chan conn.Reply, 1024)
	w, err := n.Dialer().Dial(context.Background(), func(r conn.Reply) { replies <- r })
	require.NoError(t, err)
	return w, replies
}

func recv(t *testing.T, replies <-chan conn.Reply, count int) map[uint64]conn.Reply {
	t.Helper()
	out := make(map[uint64]conn.Reply, count)
	for len(out) < count {
		select {
		case r := <-replies:
			_, dup := out[r.ID]
			require.False(t, dup, `duplicate reply %d`, r.ID)
			out[r.ID] = r
		case <-time.After(5 * time.Second):
			t.Fatalf(`timed out after %d/%d replies`, len(out), count)
		}
	}
	return out
}

func TestNew_options(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{`defaults`, nil, false},
		{`nil option`, []Option{nil}, false},
		{`latency`, []Option{WithLatency(0, time.Millisecond)}, false},
		{`bad latency`, []Option{WithLatency(time.Second, time.Millisecond)}, true},
		{`negative latency`, []Option{WithLatency(-1, 0)}, true},
		{`degree`, []Option{WithDegree(2)}, false},
		{`bad degree`, []Option{WithDegree(1)}, true},
		{`bad commit`, []Option{WithCommit(CommitConfig{MaxSize: -1, FlushInterval: -1})}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := New(tc.opts...)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, n.Close(context.Background()))
		})
	}
}

func TestNode_direct(t *testing.T) {
	n := newNode(t, WithDegree(2))
	for i := int64(9); i >= 0; i-- {
		n.Put(kv.NewKey(``, ``, i), []kv.Bin{{Name: `a`, Value: i}})
	}
	n.Put(kv.NewKey(``, ``, 3), []kv.Bin{{Name: `b`, Value: 30}, {Name: `a`, Value: 31}})

	assert.Equal(t, 10, n.Len())
	bins, ok := n.Get(kv.NewKey(``, ``, 3))
	require.True(t, ok)
	assert.Equal(t, []kv.Bin{{Name: `a`, Value: 31}, {Name: `b`, Value: 30}}, bins)

	_, ok = n.Get(kv.NewKey(`other`, ``, 3))
	assert.False(t, ok)

	keys := n.Keys()
	require.Len(t, keys, 10)
	for i, k := range keys {
		assert.Equal(t, int64(i), k.ID)
	}
}

func TestWire_putAndBatchGet(t *testing.T) {
	n := newNode(t, WithCommit(CommitConfig{MaxSize: 4, FlushInterval: time.Millisecond}))
	w, replies := dial(t, n)

	var frames []*conn.Frame
	for i := 1; i <= 10; i++ {
		frames = append(frames, &conn.Frame{
			ID:   uint64(i),
			Op:   conn.OpPut,
			Key:  kv.NewKey(``, ``, int64(i)),
			Bins: []kv.Bin{{Name: kv.DefaultBin, Value: int64(i)}},
		})
	}
	require.NoError(t, w.Write(frames))
	for id, r := range recv(t, replies, 10) {
		assert.NoError(t, r.Err, id)
	}

	stats := n.Stats()
	assert.Equal(t, int64(10), stats.Puts)
	assert.Less(t, stats.Commits, int64(10))
	assert.Equal(t, 10, stats.Records)
	assert.Equal(t, 1, stats.Wires)

	require.NoError(t, w.Write([]*conn.Frame{{
		ID:   11,
		Op:   conn.OpBatchGet,
		Keys: []kv.Key{kv.NewKey(``, ``, 2), kv.NewKey(``, ``, 100), kv.NewKey(``, ``, 10)},
	}}))
	r := recv(t, replies, 1)[11]
	require.NoError(t, r.Err)
	require.Len(t, r.Records, 3)
	assert.Equal(t, kv.ResultOK, r.Records[0].Result)
	v, ok := r.Records[0].Bin(kv.DefaultBin)
	assert.True(t, ok)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, kv.ResultNotFound, r.Records[1].Result)
	assert.ErrorIs(t, r.Records[1].Err, kv.ErrNotFound)
	assert.Equal(t, kv.ResultOK, r.Records[2].Result)
	assert.Equal(t, int64(1), n.Stats().BatchGets)

	require.NoError(t, w.Close())
	assert.Error(t, w.Write(frames[:1]))
	assert.Equal(t, 0, n.Stats().Wires)
}

func TestWire_latency(t *testing.T) {
	n := newNode(t, WithLatency(time.Millisecond, 20*time.Millisecond))
	w, replies := dial(t, n)

	var frames []*conn.Frame
	for i := 1; i <= 50; i++ {
		frames = append(frames, &conn.Frame{ID: uint64(i), Op: conn.OpBatchGet})
	}
	require.NoError(t, w.Write(frames))
	assert.Len(t, recv(t, replies, 50), 50)
}

func TestWire_closeDropsDelayedReplies(t *testing.T) {
	n := newNode(t, WithLatency(50*time.Millisecond, 50*time.Millisecond))
	w, replies := dial(t, n)
	require.NoError(t, w.Write([]*conn.Frame{{ID: 1, Op: conn.OpBatchGet}}))
	require.NoError(t, w.Close())
	select {
	case r := <-replies:
		t.Fatalf(`unexpected reply: %+v`, r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWire_faults(t *testing.T) {
	frameErr := &kv.ProtocolError{Code: 13, Message: `record too big`}
	writeErr := errors.New(`write failed`)
	n := newNode(t,
		WithFrameFault(func(f *conn.Frame) error {
			if f.ID%2 == 0 {
				return frameErr
			}
			return nil
		}),
		WithWriteFault(func(frames []*conn.Frame) error {
			if len(frames) > 3 {
				return writeErr
			}
			return nil
		}),
	)
	w, replies := dial(t, n)

	assert.Equal(t, writeErr, w.Write(make([]*conn.Frame, 4)))

	require.NoError(t, w.Write([]*conn.Frame{
		{ID: 1, Op: conn.OpPut, Key: kv.NewKey(``, ``, 1)},
		{ID: 2, Op: conn.OpPut, Key: kv.NewKey(``, ``, 2)},
		{ID: 3, Op: 99},
	}))
	got := recv(t, replies, 3)
	assert.NoError(t, got[1].Err)
	assert.Equal(t, frameErr, got[2].Err)
	assert.Error(t, got[3].Err)
	assert.Equal(t, int64(2), n.Stats().Faults)
	assert.Equal(t, 1, n.Len())
}

func TestNode_dialFault(t *testing.T) {
	expected := errors.New(`refused`)
	n := newNode(t, WithDialFault(func() error { return expected }))
	_, err := n.Dialer().Dial(context.Background(), func(conn.Reply) {})
	assert.Equal(t, expected, err)
	assert.Equal(t, int64(0), n.Stats().Dials)
}

func TestNode_BreakWires(t *testing.T) {
	n := newNode(t)
	_, r1 := dial(t, n)
	_, r2 := dial(t, n)

	expected := errors.New(`reset`)
	assert.Equal(t, 2, n.BreakWires(expected))
	for _, replies := range [...]<-chan conn.Reply{r1, r2} {
		r := recv(t, replies, 1)[0]
		assert.Equal(t, expected, r.Err)
	}
	assert.Equal(t, 0, n.Stats().Wires)
	assert.Equal(t, 0, n.BreakWires(nil))
}

func TestNode_Close(t *testing.T) {
	n, err := New()
	require.NoError(t, err)
	w, _ := dial(t, n)
	require.NoError(t, n.Close(context.Background()))
	assert.ErrorIs(t, n.Close(context.Background()), errNodeClosed)
	assert.Error(t, w.Write(nil))
	_, err = n.Dialer().Dial(context.Background(), func(conn.Reply) {})
	assert.ErrorIs(t, err, errNodeClosed)
}
