package api

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/socialchat/internal/auth"
	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/store"
)

// Messenger is the part of *messaging.Manager the service drives.
type Messenger interface {
	Snapshot(ctx context.Context) (messaging.Snapshot, error)
	Connect(ctx context.Context) error
	Disconnect()
	State() status.State
	Conversations() []messaging.Conversation
	FetchConversations(ctx context.Context) ([]messaging.Conversation, error)
	OpenConversation(ctx context.Context, id int64) ([]messaging.Message, error)
	CurrentConversation() (messaging.Conversation, bool)
	CreateOrGetConversation(ctx context.Context, counterpartID int64) (messaging.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error
	SendMessage(ctx context.Context, content string, kind messaging.ContentType) (messaging.Message, error)
	RetryMessage(ctx context.Context, id string) (messaging.Message, error)
}

// Session is the part of *auth.Provider the service drives.
type Session interface {
	Current() auth.Identity
	Login(ctx context.Context, token string) (auth.Identity, error)
	Logout()
}

// Searcher searches the local message cache.
type Searcher interface {
	SearchMessages(query string, conversationID int64, limit int) ([]store.SearchResult, error)
}

// Checkpoints exposes sync checkpoints.
type Checkpoints interface {
	CheckpointTime(key string) (time.Time, error)
}

const lastConnectedKey = "last_connected_at"

// ChatService implements ChatServer on top of the messaging session.
type ChatService struct {
	profile     string
	startedAt   time.Time
	messenger   Messenger
	session     Session
	search      Searcher
	checkpoints Checkpoints
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewChatService creates a new chat service. search and checkpoints may be nil.
func NewChatService(profile string, m Messenger, s Session, search Searcher, cp Checkpoints, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		profile:     profile,
		startedAt:   time.Now(),
		messenger:   m,
		session:     s,
		search:      search,
		checkpoints: cp,
		bus:         b,
		logger:      logger.Named("api"),
	}
}

func (s *ChatService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.messenger.Snapshot(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	reply := StatusReply{
		Profile:  s.profile,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Identity: identityReply(s.session.Current()),
		Session:  snap,
	}
	if s.checkpoints != nil {
		if at, err := s.checkpoints.CheckpointTime(lastConnectedKey); err == nil && !at.IsZero() {
			reply.LastConnectedAt = &at
		}
	}
	return ToStruct(reply)
}

func (s *ChatService) Login(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := s.session.Login(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus("login", err)
	}
	s.logger.Info("logged in", zap.Int64("user_id", id.UserID))
	return ToStruct(identityReply(id))
}

func (s *ChatService) Logout(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.session.Logout()
	return &emptypb.Empty{}, nil
}

func (s *ChatService) Connect(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.messenger.Connect(ctx); err != nil {
		return nil, toStatus("connect", err)
	}
	return ToStruct(ConnectReply{State: string(s.messenger.State())})
}

func (s *ChatService) Disconnect(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.messenger.Disconnect()
	return &emptypb.Empty{}, nil
}

func (s *ChatService) ListConversations(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return ToStruct(ConversationsReply{Conversations: nonNil(s.messenger.Conversations())})
}

func (s *ChatService) RefreshConversations(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.messenger.FetchConversations(ctx)
	if err != nil {
		return nil, toStatus("refresh conversations", err)
	}
	return ToStruct(ConversationsReply{Conversations: nonNil(list)})
}

func (s *ChatService) OpenConversation(ctx context.Context, in *wrapperspb.Int64Value) (*structpb.Struct, error) {
	msgs, err := s.messenger.OpenConversation(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus("open conversation", err)
	}
	conv, _ := s.messenger.CurrentConversation()
	return ToStruct(OpenReply{Conversation: conv, Messages: nonNil(msgs)})
}

func (s *ChatService) CreateConversation(ctx context.Context, in *wrapperspb.Int64Value) (*structpb.Struct, error) {
	conv, err := s.messenger.CreateOrGetConversation(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus("create conversation", err)
	}
	return ToStruct(ConversationReply{Conversation: conv})
}

func (s *ChatService) DeleteConversation(ctx context.Context, in *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if err := s.messenger.DeleteConversation(ctx, in.GetValue()); err != nil {
		return nil, toStatus("delete conversation", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChatService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send message: %v", err)
	}
	kind := messaging.ContentText
	if req.Type != 0 {
		kind = messaging.ContentType(req.Type)
	}
	msg, err := s.messenger.SendMessage(ctx, req.Content, kind)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return ToStruct(MessageReply{Message: msg})
}

func (s *ChatService) RetryMessage(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	msg, err := s.messenger.RetryMessage(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return ToStruct(MessageReply{Message: msg})
}

func (s *ChatService) SearchMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.search == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "search: local cache disabled")
	}
	var req SearchRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "search: %v", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "search: query is empty")
	}
	results, err := s.search.SearchMessages(req.Query, req.ConversationID, req.Limit)
	if err != nil {
		return nil, toStatus("search", err)
	}
	reply := SearchReply{Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		id := r.Message.ServerID
		if id == "" {
			id = r.Message.LocalID
		}
		reply.Results = append(reply.Results, SearchHit{
			ConversationID: r.Message.ConversationID,
			MessageID:      id,
			SenderID:       r.Message.SenderID,
			SenderName:     r.Message.SenderName,
			Content:        r.Message.Content,
			Snippet:        r.Snippet,
			SentAt:         time.UnixMilli(r.Message.SentAt),
		})
	}
	return ToStruct(reply)
}

// WatchEvents relays bus events to the client until it disconnects.
func (s *ChatService) WatchEvents(in *structpb.Struct, stream EventStream) error {
	var filter EventFilter
	if err := FromStruct(in, &filter); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "watch: %v", err)
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !matches(filter.Namespaces, evt.Kind) {
				continue
			}
			payload, err := jsonValue(evt.Payload)
			if err != nil {
				s.logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			out, err := ToStruct(Event{ID: evt.ID, Kind: evt.Kind, At: evt.Timestamp, Payload: payload})
			if err != nil {
				s.logger.Warn("event dropped", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matches(namespaces []string, kind string) bool {
	if len(namespaces) == 0 {
		return true
	}
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

func identityReply(id auth.Identity) IdentityReply {
	r := IdentityReply{
		LoggedIn:    id.LoggedIn(),
		UserID:      id.UserID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
	}
	if !id.ExpiresAt.IsZero() {
		at := id.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
