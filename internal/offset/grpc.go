package offset

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "maelstrom.offset.v1.Offsets"
	nextMethod  = "/" + serviceName + "/Next"
)

// OffsetsServer is the server API of the offset service. Requests carry the
// log key and responses the reserved offset, both as protobuf well-known
// wrapper messages.
type OffsetsServer interface {
	Next(ctx context.Context, key *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
}

var offsetsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OffsetsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Next",
			Handler:    nextHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterOffsetsServer registers srv on s
func RegisterOffsetsServer(s grpc.ServiceRegistrar, srv OffsetsServer) {
	s.RegisterService(&offsetsServiceDesc, srv)
}

func nextHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OffsetsServer).Next(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: nextMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OffsetsServer).Next(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// CounterStore persists counters for Server
type CounterStore interface {
	Next(key string) (uint64, error)
}

// Server implements OffsetsServer on top of a CounterStore
type Server struct {
	store CounterStore
}

// NewServer creates an offset service backed by store
func NewServer(store CounterStore) *Server {
	return &Server{store: store}
}

// Next reserves the next offset for the requested key
func (s *Server) Next(ctx context.Context, key *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	if key.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	v, err := s.store.Next(key.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to advance counter for %s: %v", key.GetValue(), err)
	}
	return wrapperspb.Int64(int64(v)), nil
}

// GRPC is an Allocator backed by a remote offset service
type GRPC struct {
	conn grpc.ClientConnInterface
}

// NewGRPC creates an allocator over conn
func NewGRPC(conn grpc.ClientConnInterface) *GRPC {
	return &GRPC{conn: conn}
}

// Dial opens a plaintext connection to the offset service at addr
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to establish gRPC channel to %s: %w", addr, err)
	}
	return conn, nil
}

// Next asks the service for the next offset of key
func (a *GRPC) Next(ctx context.Context, key string) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := a.conn.Invoke(ctx, nextMethod, wrapperspb.String(key), out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return 0, fmt.Errorf("offset service rejected %q: %w", key, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return int(out.GetValue()), nil
}
