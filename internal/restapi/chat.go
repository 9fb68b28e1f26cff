package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/socialchat/internal/wire"
)

// ListConversations returns the caller's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]wire.Conversation, error) {
	var out []wire.Conversation
	if err := c.call(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation fetches one conversation by id.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (*wire.Conversation, error) {
	var out wire.Conversation
	q := url.Values{"conversationId": {strconv.FormatInt(conversationID, 10)}}
	if err := c.call(ctx, http.MethodGet, "/api/chat/conversation", q, nil, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == 0 {
		out.ConversationID = wire.ID(conversationID)
	}
	return &out, nil
}

// CreateConversation returns the conversation with targetUserID, creating it if needed.
func (c *Client) CreateConversation(ctx context.Context, targetUserID int64) (*wire.Conversation, error) {
	var out wire.Conversation
	body := map[string]int64{"targetUserId": targetUserID}
	if err := c.call(ctx, http.MethodPost, "/api/chat/conversation", nil, body, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == 0 {
		return nil, fmt.Errorf("restapi: create conversation with %d: response has no conversation id", targetUserID)
	}
	return &out, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	q := url.Values{"conversationId": {strconv.FormatInt(conversationID, 10)}}
	return c.call(ctx, http.MethodDelete, "/api/chat/conversation", q, nil, nil)
}

// ListMessages returns the message history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]wire.ChatMessage, error) {
	var out []wire.ChatMessage
	path := "/api/chat/messages/" + strconv.FormatInt(conversationID, 10)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage durably stores a message and returns the server's copy.
// A success without a body yields an empty message.
func (c *Client) SendMessage(ctx context.Context, req wire.SendRequest) (*wire.ChatMessage, error) {
	var out wire.ChatMessage
	if err := c.call(ctx, http.MethodPost, "/api/chat/send", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks every message addressed to receiverID in the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID, receiverID int64) error {
	q := url.Values{
		"conversationId": {strconv.FormatInt(conversationID, 10)},
		"receiverId":     {strconv.FormatInt(receiverID, 10)},
	}
	return c.call(ctx, http.MethodPost, "/api/chat/messages/read", q, nil, nil)
}
