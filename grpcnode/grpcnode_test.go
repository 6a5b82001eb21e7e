package grpcnode

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/go-kvpipe/memnode"
	"github.com/joeycumines/go-kvpipe/window"
	"github.com/joeycumines/go-kvpipe/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"
)

// startNode serves a memnode over bufconn, returning a client connection.
func startNode(t *testing.T, opts ...memnode.Option) (*memnode.Node, *grpc.ClientConn) {
	t.Helper()

	node, err := memnode.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	backend := NewServer(node.Dialer(), nil)
	RegisterNodeServer(srv, backend)
	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			t.Logf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		srv.GracefulStop()
		_ = backend.Close()
	})

	cc, err := grpc.NewClient(
		"passthrough:"+lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return node, cc
}

func recv(t *testing.T, replies <-chan conn.Reply, count int) map[uint64]conn.Reply {
	t.Helper()
	out := make(map[uint64]conn.Reply, count)
	for len(out) < count {
		select {
		case r := <-replies:
			out[r.ID] = r
		case <-time.After(10 * time.Second):
			t.Fatalf(`timed out after %d/%d replies`, len(out), count)
		}
	}
	return out
}

func TestCodec_messages(t *testing.T) {
	var codec Codec
	assert.Equal(t, `kvpipe`, codec.Name())

	for _, tc := range [...]struct {
		name string
		in   any
		out  any
	}{
		{
			`put request`,
			&PutRequest{Key: kv.NewKey(`ns`, `set`, -5), Bins: []kv.Bin{{Name: `a`, Value: 1}, {Name: `b`, Value: -1}}},
			new(PutRequest),
		},
		{
			`put response`,
			&PutResponse{Code: 22, Message: `forbidden`},
			new(PutResponse),
		},
		{
			`batch get request`,
			&BatchGetRequest{Keys: []kv.Key{kv.NewKey(``, ``, 1), {Namespace: `x`, ID: 2}}},
			new(BatchGetRequest),
		},
		{
			`batch get response`,
			&BatchGetResponse{Records: []Record{
				{Result: int64(kv.ResultOK), Bins: []kv.Bin{{Name: `a`, Value: 7}}},
				{Result: int64(kv.ResultNotFound)},
				{Result: int64(kv.ResultError), Code: 9, Message: `timeout`},
			}},
			new(BatchGetResponse),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := codec.Marshal(tc.in)
			require.NoError(t, err)
			require.NoError(t, codec.Unmarshal(b, tc.out))
			assert.Equal(t, tc.in, tc.out)
		})
	}
}

func TestCodec_unknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 123)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, `msg`)
	b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 1)
	var res PutResponse
	require.NoError(t, Codec{}.Unmarshal(b, &res))
	assert.Equal(t, PutResponse{Message: `msg`}, res)
}

func TestCodec_errors(t *testing.T) {
	_, err := Codec{}.Marshal(`string`)
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, new(string)))

	truncated := protowire.AppendTag(nil, 1, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	assert.Error(t, Codec{}.Unmarshal(truncated, new(PutRequest)))
	assert.Error(t, Codec{}.Unmarshal([]byte{0xff}, new(BatchGetResponse)))
}

func TestDialer_wire(t *testing.T) {
	frameErr := &kv.ProtocolError{Code: 13, Message: `record too big`}
	node, cc := startNode(t, memnode.WithFrameFault(func(f *conn.Frame) error {
		if f.Op == conn.OpPut && f.Key.ID == 3 {
			return frameErr
		}
		return nil
	}))

	replies := make(chan conn.Reply, 64)
	w, err := NewDialer(cc, 5*time.Second).Dial(context.Background(), func(r conn.Reply) { replies <- r })
	require.NoError(t, err)

	var frames []*conn.Frame
	for i := 1; i <= 5; i++ {
		frames = append(frames, &conn.Frame{
			ID:   uint64(i),
			Op:   conn.OpPut,
			Key:  kv.NewKey(``, ``, int64(i)),
			Bins: []kv.Bin{{Name: kv.DefaultBin, Value: int64(i * 10)}},
		})
	}
	require.NoError(t, w.Write(frames))
	got := recv(t, replies, 5)
	for id, r := range got {
		if id == 3 {
			assert.Equal(t, frameErr, r.Err)
		} else {
			assert.NoError(t, r.Err, id)
		}
	}
	assert.Equal(t, 4, node.Len())

	require.NoError(t, w.Write([]*conn.Frame{{
		ID:   6,
		Op:   conn.OpBatchGet,
		Keys: []kv.Key{kv.NewKey(``, ``, 2), kv.NewKey(``, ``, 3)},
	}}))
	r := recv(t, replies, 1)[6]
	require.NoError(t, r.Err)
	require.Len(t, r.Records, 2)
	assert.Equal(t, kv.ResultOK, r.Records[0].Result)
	v, ok := r.Records[0].Bin(kv.DefaultBin)
	assert.True(t, ok)
	assert.Equal(t, int64(20), v)
	assert.Equal(t, kv.NewKey(``, ``, 2), r.Records[0].Key)
	assert.Equal(t, kv.ResultNotFound, r.Records[1].Result)
	assert.ErrorIs(t, r.Records[1].Err, kv.ErrNotFound)

	assert.Error(t, w.Write([]*conn.Frame{{ID: 7, Op: 99}}))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(frames[:1]), errWireClosed)
}

func TestDialer_canceled(t *testing.T) {
	_, cc := startNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDialer(cc, 0).Dial(ctx, func(conn.Reply) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServer_transportErrors(t *testing.T) {
	node, err := memnode.New(memnode.WithWriteFault(func([]*conn.Frame) error {
		return errors.New(`write refused`)
	}))
	require.NoError(t, err)
	defer node.Close(context.Background())

	s := NewServer(node.Dialer(), nil)
	_, err = s.Put(context.Background(), &PutRequest{Key: kv.NewKey(``, ``, 1)})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	require.NoError(t, s.Close())
	_, err = s.BatchGet(context.Background(), &BatchGetRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_wireFailure(t *testing.T) {
	node, err := memnode.New(memnode.WithLatency(time.Second, time.Second))
	require.NoError(t, err)
	defer node.Close(context.Background())

	s := NewServer(node.Dialer(), nil)
	defer s.Close()

	result := make(chan error, 1)
	go func() {
		_, err := s.Put(context.Background(), &PutRequest{Key: kv.NewKey(``, ``, 1)})
		result <- err
	}()

	require.Eventually(t, func() bool { return node.BreakWires(errors.New(`reset`)) == 1 }, 5*time.Second, time.Millisecond)
	select {
	case err := <-result:
		assert.Equal(t, codes.Unavailable, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out`)
	}

	// redials
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.BatchGet(ctx, &BatchGetRequest{Keys: []kv.Key{kv.NewKey(``, ``, 1)}})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(2), node.Stats().Dials)
}

func TestServer_contextCanceled(t *testing.T) {
	node, err := memnode.New(memnode.WithLatency(time.Second, time.Second))
	require.NoError(t, err)
	defer node.Close(context.Background())

	s := NewServer(node.Dialer(), nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Put(ctx, &PutRequest{Key: kv.NewKey(``, ``, 1)})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestRunTopology_grpc(t *testing.T) {
	for _, mode := range [...]window.Mode{window.Async, window.Pipeline} {
		t.Run(mode.String(), func(t *testing.T) {
			node, cc := startNode(t, memnode.WithLatency(0, time.Millisecond))

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := workflow.RunTopology(ctx, NewDialer(cc, 5*time.Second), workflow.TopologyConfig{
				Params: workflow.Params{
					Target: 200,
					Depth:  16,
					Mode:   mode,
				},
			})
			require.NoError(t, err)
			assert.Equal(t, 200, result.Written)
			assert.Equal(t, 200, result.Found)
			assert.Equal(t, 200, node.Len())
		})
	}
}
