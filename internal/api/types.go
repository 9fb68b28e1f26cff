package api

import (
	"time"

	"github.com/matheus3301/socialchat/internal/messaging"
)

// StatusReply is returned by GetStatus.
type StatusReply struct {
	Profile         string             `json:"profile"`
	UptimeMs        int64              `json:"uptime_ms"`
	Identity        IdentityReply      `json:"identity"`
	Session         messaging.Snapshot `json:"session"`
	LastConnectedAt *time.Time         `json:"last_connected_at,omitempty"`
}

// IdentityReply describes the logged-in user.
type IdentityReply struct {
	LoggedIn    bool       `json:"logged_in"`
	UserID      int64      `json:"user_id,omitempty"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ConnectReply reports the connection state after Connect returns.
type ConnectReply struct {
	State string `json:"state"`
}

type ConversationsReply struct {
	Conversations []messaging.Conversation `json:"conversations"`
}

type ConversationReply struct {
	Conversation messaging.Conversation `json:"conversation"`
}

// OpenReply is the opened conversation with its loaded history.
type OpenReply struct {
	Conversation messaging.Conversation `json:"conversation"`
	Messages     []messaging.Message    `json:"messages"`
}

type MessageReply struct {
	Message messaging.Message `json:"message"`
}

// SendRequest sends to the open conversation. Type defaults to text.
type SendRequest struct {
	Content string `json:"content"`
	Type    int    `json:"type,omitempty"`
}

// SearchRequest searches cached messages; ConversationID 0 means all.
type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchHit struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content"`
	Snippet        string    `json:"snippet"`
	SentAt         time.Time `json:"sent_at"`
}

type SearchReply struct {
	Results []SearchHit `json:"results"`
}

// EventFilter selects bus namespaces for WatchEvents; empty means all.
type EventFilter struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// Event is one bus event relayed by WatchEvents.
type Event struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}
