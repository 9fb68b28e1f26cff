package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "socialchat.v1.Chat"

// MethodPath returns the full method path used on the wire.
func MethodPath(method string) string {
	return "/" + ServiceName + "/" + method
}

// ChatServer is the control surface served on the daemon's unix socket.
// Payloads use protobuf well-known types; structured replies are
// JSON-shaped structs (see types.go).
type ChatServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Login(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Connect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RefreshConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	OpenConversation(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	CreateConversation(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	DeleteConversation(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Chat service for grpc.Server and clients.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetStatus(ctx, in)
		}),
		unary("Login", func(s ChatServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.Login(ctx, in)
		}),
		unary("Logout", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Logout(ctx, in)
		}),
		unary("Connect", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Connect(ctx, in)
		}),
		unary("Disconnect", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Disconnect(ctx, in)
		}),
		unary("ListConversations", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ListConversations(ctx, in)
		}),
		unary("RefreshConversations", func(s ChatServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.RefreshConversations(ctx, in)
		}),
		unary("OpenConversation", func(s ChatServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.OpenConversation(ctx, in)
		}),
		unary("CreateConversation", func(s ChatServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.CreateConversation(ctx, in)
		}),
		unary("DeleteConversation", func(s ChatServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.DeleteConversation(ctx, in)
		}),
		unary("SendMessage", func(s ChatServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.SendMessage(ctx, in)
		}),
		unary("RetryMessage", func(s ChatServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.RetryMessage(ctx, in)
		}),
		unary("SearchMessages", func(s ChatServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.SearchMessages(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "socialchat/v1/chat.proto",
}

// unary builds a method descriptor that decodes Req and dispatches to call.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](method string, call func(ChatServer, context.Context, PReq) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPath(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(PReq))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchEvents(in, &eventStream{stream})
}
