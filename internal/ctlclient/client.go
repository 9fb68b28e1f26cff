// Package ctlclient is the typed client for the daemon's control socket.
package ctlclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/socialchat/internal/api"
	"github.com/matheus3301/socialchat/internal/messaging"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn grpc.ClientConnInterface
	cc   io.Closer
}

// New dials the daemon's Unix domain socket.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewFromConn wraps an existing connection; Close closes it.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, cc: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, api.MethodPath(method), in, out)
}

func (c *Client) invokeStruct(ctx context.Context, method string, in proto.Message, dst any) error {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return api.FromStruct(out, dst)
}

func (c *Client) Status(ctx context.Context) (api.StatusReply, error) {
	var r api.StatusReply
	err := c.invokeStruct(ctx, "GetStatus", &emptypb.Empty{}, &r)
	return r, err
}

func (c *Client) Login(ctx context.Context, token string) (api.IdentityReply, error) {
	var r api.IdentityReply
	err := c.invokeStruct(ctx, "Login", wrapperspb.String(token), &r)
	return r, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) Connect(ctx context.Context) (api.ConnectReply, error) {
	var r api.ConnectReply
	err := c.invokeStruct(ctx, "Connect", &emptypb.Empty{}, &r)
	return r, err
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.invoke(ctx, "Disconnect", &emptypb.Empty{}, &emptypb.Empty{})
}

// Conversations lists the session's conversations; refresh refetches them
// from the server first.
func (c *Client) Conversations(ctx context.Context, refresh bool) ([]messaging.Conversation, error) {
	method := "ListConversations"
	if refresh {
		method = "RefreshConversations"
	}
	var r api.ConversationsReply
	err := c.invokeStruct(ctx, method, &emptypb.Empty{}, &r)
	return r.Conversations, err
}

func (c *Client) Open(ctx context.Context, id int64) (api.OpenReply, error) {
	var r api.OpenReply
	err := c.invokeStruct(ctx, "OpenConversation", wrapperspb.Int64(id), &r)
	return r, err
}

func (c *Client) Create(ctx context.Context, userID int64) (messaging.Conversation, error) {
	var r api.ConversationReply
	err := c.invokeStruct(ctx, "CreateConversation", wrapperspb.Int64(userID), &r)
	return r.Conversation, err
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.invoke(ctx, "DeleteConversation", wrapperspb.Int64(id), &emptypb.Empty{})
}

func (c *Client) Send(ctx context.Context, content string, kind messaging.ContentType) (messaging.Message, error) {
	in, err := api.ToStruct(api.SendRequest{Content: content, Type: int(kind)})
	if err != nil {
		return messaging.Message{}, err
	}
	var r api.MessageReply
	err = c.invokeStruct(ctx, "SendMessage", in, &r)
	return r.Message, err
}

func (c *Client) Retry(ctx context.Context, id string) (messaging.Message, error) {
	var r api.MessageReply
	err := c.invokeStruct(ctx, "RetryMessage", wrapperspb.String(id), &r)
	return r.Message, err
}

func (c *Client) Search(ctx context.Context, req api.SearchRequest) ([]api.SearchHit, error) {
	in, err := api.ToStruct(req)
	if err != nil {
		return nil, err
	}
	var r api.SearchReply
	err = c.invokeStruct(ctx, "SearchMessages", in, &r)
	return r.Results, err
}

// Watch streams events until ctx is cancelled or the daemon goes away.
// fn returning an error stops the stream with that error.
func (c *Client) Watch(ctx context.Context, namespaces []string, fn func(api.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.MethodPath("WatchEvents"))
	if err != nil {
		return err
	}
	in, err := api.ToStruct(api.EventFilter{Namespaces: namespaces})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt api.Event
		if err := api.FromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
