package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/socialchat/internal/wire"
)

// PlaceholderAvatar is shown until a counterpart's real avatar is known.
const PlaceholderAvatar = "https://img01.yzcdn.cn/vant/cat.jpeg"

// FallbackName is the display name used until a counterpart's profile is known.
func FallbackName(userID int64) string {
	return fmt.Sprintf("User %d", userID)
}

// Presence is the last known online state of a counterpart.
type Presence string

const (
	PresenceUnknown Presence = "unknown"
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

func presenceOf(online bool) Presence {
	if online {
		return PresenceOnline
	}
	return PresenceOffline
}

// Status is the delivery state of a message.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
	StatusUnread  Status = "unread"
)

// ContentType mirrors the server's messageType.
type ContentType int

const (
	ContentText  ContentType = wire.MessageText
	ContentImage ContentType = wire.MessageImage
)

// Conversation is a one-to-one thread as the client sees it.
type Conversation struct {
	ID                 int64     `json:"id"`
	CounterpartID      int64     `json:"counterpart_id"`
	CounterpartName    string    `json:"counterpart_name"`
	CounterpartAvatar  string    `json:"counterpart_avatar"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	Presence           Presence  `json:"presence"`
}

// Message is a chat message. Until the server confirms it, ID equals LocalID.
type Message struct {
	ID             string      `json:"id"`
	LocalID        string      `json:"local_id,omitempty"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	ReceiverID     int64       `json:"receiver_id"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	SentAt         time.Time   `json:"sent_at"`
	Status         Status      `json:"status"`
	SenderName     string      `json:"sender_name,omitempty"`
	SenderAvatar   string      `json:"sender_avatar,omitempty"`
}

// IsOwn reports whether userID sent the message.
func (m Message) IsOwn(userID int64) bool { return m.SenderID == userID }

// Pending reports whether the server has not yet assigned an id.
func (m Message) Pending() bool { return m.LocalID != "" && m.ID == m.LocalID }

// ChangeType says what happened to a message in the open conversation.
type ChangeType string

const (
	ChangeAppended ChangeType = "appended"
	ChangeUpdated  ChangeType = "updated"
)

// MessageChange is delivered to message observers.
type MessageChange struct {
	Type    ChangeType `json:"type"`
	Message Message    `json:"message"`
}

// PresenceChange is one entry of a presence batch.
type PresenceChange struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

// History is the payload published after a conversation's messages load.
type History struct {
	ConversationID int64     `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// Snapshot summarises the manager for status reporting.
type Snapshot struct {
	State                 string `json:"state"`
	Online                bool   `json:"online"`
	ReconnectAttempts     int    `json:"reconnect_attempts"`
	GaveUp                bool   `json:"gave_up"`
	CurrentConversationID int64  `json:"current_conversation_id"`
	Conversations         int    `json:"conversations"`
	UnreadTotal           int    `json:"unread_total"`
	LastError             string `json:"last_error,omitempty"`
}

func messageFromWire(w wire.ChatMessage) Message {
	status := StatusUnread
	if w.IsRead {
		status = StatusRead
	}
	kind := ContentType(w.MessageType)
	if kind == 0 {
		kind = ContentText
	}
	var id string
	if w.MessageID != 0 {
		id = w.MessageID.String()
	}
	return Message{
		ID:             id,
		ConversationID: int64(w.ConversationID),
		SenderID:       int64(w.SenderID),
		ReceiverID:     int64(w.ReceiverID),
		Content:        w.Content,
		Type:           kind,
		SentAt:         w.CreateTime.Time,
		Status:         status,
		SenderName:     w.DisplaySender(),
		SenderAvatar:   w.SenderAvatar,
	}
}

func conversationFromWire(w wire.Conversation, self int64) Conversation {
	c := Conversation{
		ID:                 int64(w.ConversationID),
		CounterpartID:      w.Counterpart(self),
		CounterpartName:    strings.TrimSpace(w.TargetUserNickname),
		CounterpartAvatar:  w.TargetUserAvatar,
		LastMessagePreview: w.LastMessage,
		LastMessageAt:      w.LastMessageTime.Time,
		UnreadCount:        w.UnreadCount,
		Presence:           PresenceUnknown,
	}
	c.fillDefaults()
	return c
}

func (c *Conversation) fillDefaults() {
	if c.CounterpartName == "" && c.CounterpartID != 0 {
		c.CounterpartName = FallbackName(c.CounterpartID)
	}
	if c.CounterpartAvatar == "" {
		c.CounterpartAvatar = PlaceholderAvatar
	}
	if c.Presence == "" {
		c.Presence = PresenceUnknown
	}
}

// needsProfile reports whether the counterpart's name or avatar is still a default.
func (c *Conversation) needsProfile() bool {
	if c.CounterpartID == 0 {
		return false
	}
	return c.CounterpartName == "" || c.CounterpartName == FallbackName(c.CounterpartID) ||
		c.CounterpartAvatar == "" || c.CounterpartAvatar == PlaceholderAvatar
}

func preview(m *Message) string {
	if m.Type == ContentImage {
		return "[Image]"
	}
	return m.Content
}
