// Package grpcnode exposes a node over gRPC, and implements conn.Dialer
// over a gRPC client connection. Messages are encoded by Codec, selected
// by content-subtype, so no generated code is required.
package grpcnode

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-kvpipe/conn"
	"github.com/joeycumines/go-kvpipe/kv"
	"github.com/joeycumines/logiface"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName    = `kvpipe.Node`
	methodPut      = `/kvpipe.Node/Put`
	methodBatchGet = `/kvpipe.Node/BatchGet`
)

type (
	// NodeServer is the server API of the kvpipe.Node service.
	NodeServer interface {
		Put(ctx context.Context, req *PutRequest) (*PutResponse, error)
		BatchGet(ctx context.Context, req *BatchGetRequest) (*BatchGetResponse, error)
	}

	// Server implements NodeServer by forwarding every call through a single
	// conn.Wire, dialed lazily, and redialed after it fails.
	Server struct {
		dialer  conn.Dialer
		logger  *logiface.Logger[logiface.Event]
		wire    conn.Wire
		pending map[uint64]chan conn.Reply
		mu      sync.Mutex
		next    uint64
		closed  bool
	}
)

// ServiceDesc describes the kvpipe.Node service, for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: `Put`, Handler: putHandler},
		{MethodName: `BatchGet`, Handler: batchGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: `kvpipe/node`,
}

var (
	_ NodeServer = (*Server)(nil)

	errServerClosed = errors.New(`grpcnode: server closed`)
)

// RegisterNodeServer registers srv with s.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: methodPut,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func batchGetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BatchGetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).BatchGet(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: methodBatchGet,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).BatchGet(ctx, req.(*BatchGetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// NewServer returns a Server forwarding to wires of dialer. The logger is
// optional.
func NewServer(dialer conn.Dialer, logger *logiface.Logger[logiface.Event]) *Server {
	if dialer == nil {
		panic(`grpcnode: nil dialer`)
	}
	return &Server{
		dialer:  dialer,
		logger:  logger,
		pending: make(map[uint64]chan conn.Reply),
	}
}

// Put implements NodeServer. Protocol errors are returned in the response,
// transport errors as a gRPC status.
func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	reply, err := s.roundTrip(ctx, &conn.Frame{
		Op:   conn.OpPut,
		Key:  req.Key,
		Bins: req.Bins,
	})
	if err != nil {
		return nil, err
	}
	var res PutResponse
	if reply.Err != nil {
		var protocolErr *kv.ProtocolError
		if !errors.As(reply.Err, &protocolErr) {
			return nil, status.Error(codes.Unavailable, reply.Err.Error())
		}
		res.Code = int64(protocolErr.Code)
		res.Message = protocolErr.Message
	}
	return &res, nil
}

// BatchGet implements NodeServer.
func (s *Server) BatchGet(ctx context.Context, req *BatchGetRequest) (*BatchGetResponse, error) {
	reply, err := s.roundTrip(ctx, &conn.Frame{
		Op:   conn.OpBatchGet,
		Keys: req.Keys,
	})
	if err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, status.Error(codes.Unavailable, reply.Err.Error())
	}
	res := BatchGetResponse{Records: make([]Record, len(reply.Records))}
	for i, r := range reply.Records {
		res.Records[i] = toRecord(r)
	}
	return &res, nil
}

// Close closes the wire, failing any outstanding calls.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.failLocked(errServerClosed)
	if s.wire != nil {
		err := s.wire.Close()
		s.wire = nil
		return err
	}
	return nil
}

func (s *Server) roundTrip(ctx context.Context, frame *conn.Frame) (conn.Reply, error) {
	ch := make(chan conn.Reply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return conn.Reply{}, status.Error(codes.Unavailable, errServerClosed.Error())
	}
	w, err := s.wireLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return conn.Reply{}, status.Error(codes.Unavailable, err.Error())
	}
	s.next++
	frame.ID = s.next
	s.pending[frame.ID] = ch
	s.mu.Unlock()

	// replies may be delivered inline, so the lock must not be held
	if err := w.Write([]*conn.Frame{frame}); err != nil {
		s.mu.Lock()
		delete(s.pending, frame.ID)
		if s.wire == w {
			s.wire = nil
			s.failLocked(err)
		}
		s.mu.Unlock()
		_ = w.Close()
		return conn.Reply{}, status.Error(codes.Unavailable, err.Error())
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, frame.ID)
		s.mu.Unlock()
		return conn.Reply{}, status.FromContextError(ctx.Err()).Err()
	case reply := <-ch:
		if reply.ID == 0 {
			return conn.Reply{}, status.Error(codes.Unavailable, reply.Err.Error())
		}
		return reply, nil
	}
}

func (s *Server) wireLocked(ctx context.Context) (conn.Wire, error) {
	if s.wire != nil {
		return s.wire, nil
	}
	var w conn.Wire
	w, err := s.dialer.Dial(ctx, func(reply conn.Reply) { s.deliver(w, reply) })
	if err != nil {
		return nil, err
	}
	s.wire = w
	s.logger.Debug().Log("grpcnode: wire dialed")
	return w, nil
}

func (s *Server) deliver(w conn.Wire, reply conn.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply.ID == 0 {
		if s.wire != nil && s.wire == w {
			s.wire = nil
		}
		err := reply.Err
		if err == nil {
			err = errors.New(`grpcnode: wire failed`)
		}
		s.logger.Warning().Err(err).Log("grpcnode: wire failed")
		s.failLocked(err)
		return
	}
	if ch, ok := s.pending[reply.ID]; ok {
		delete(s.pending, reply.ID)
		ch <- reply
	}
}

func (s *Server) failLocked(err error) {
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- conn.Reply{Err: err}
	}
}

func toRecord(r kv.BatchRecord) Record {
	out := Record{
		Result: int64(r.Result),
		Bins:   r.Bins,
	}
	if r.Result == kv.ResultError && r.Err != nil {
		out.Message = r.Err.Error()
		var protocolErr *kv.ProtocolError
		if errors.As(r.Err, &protocolErr) {
			out.Code = int64(protocolErr.Code)
			out.Message = protocolErr.Message
		}
	}
	return out
}

func fromRecord(key kv.Key, r Record) kv.BatchRecord {
	out := kv.BatchRecord{
		Key:    key,
		Result: kv.ResultCode(r.Result),
		Bins:   r.Bins,
	}
	switch out.Result {
	case kv.ResultOK:
	case kv.ResultNotFound:
		out.Err = kv.ErrNotFound
	default:
		out.Result = kv.ResultError
		out.Err = &kv.ProtocolError{Code: int(r.Code), Message: r.Message}
	}
	return out
}
