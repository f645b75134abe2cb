// Package backend carries the room stream between the gateway and the
// authoritative backend: the RoomService RPC description, a client, the
// per-room client repository and an in-process Hub server.
package backend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cory-johannsen/pusher/internal/protocol"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "pusher.backend.v1.RoomService"
	// ListenRoomMethod is the full method name of the room stream.
	ListenRoomMethod = "/" + ServiceName + "/ListenRoom"
)

// RoomServiceServer is implemented by backends that stream room events.
type RoomServiceServer interface {
	// ListenRoom streams every event of req.RoomID until the room ends or the
	// caller cancels.
	ListenRoom(req *protocol.RoomRequest, stream grpc.ServerStreamingServer[protocol.BackendBatch]) error
}

// RoomServiceClient opens room streams.
type RoomServiceClient interface {
	ListenRoom(ctx context.Context, in *protocol.RoomRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[protocol.BackendBatch], error)
}

// ServiceDesc describes RoomService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ListenRoom",
			Handler:       listenRoomHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pusher/backend/v1/room.proto",
}

// RegisterRoomServiceServer registers srv on s.
func RegisterRoomServiceServer(s grpc.ServiceRegistrar, srv RoomServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func listenRoomHandler(srv any, stream grpc.ServerStream) error {
	req := new(protocol.RoomRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RoomServiceServer).ListenRoom(req, &grpc.GenericServerStream[protocol.RoomRequest, protocol.BackendBatch]{ServerStream: stream})
}

type roomServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRoomServiceClient returns a client whose calls use the pusherwire codec.
func NewRoomServiceClient(cc grpc.ClientConnInterface) RoomServiceClient {
	return &roomServiceClient{cc: cc}
}

func (c *roomServiceClient) ListenRoom(ctx context.Context, in *protocol.RoomRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[protocol.BackendBatch], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(protocol.CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ListenRoomMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[protocol.RoomRequest, protocol.BackendBatch]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
