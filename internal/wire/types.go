// Package wire holds the JSON shapes exchanged with the social backend,
// over both the REST API and the realtime socket.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message kinds carried in ChatMessage.MessageType.
const (
	MessageText  = 1
	MessageImage = 2
)

// ID is a backend identifier. The server emits numbers, but strings of
// digits are accepted as well since some payloads quote them.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	s := string(data)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
		if s == "" {
			*id = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = ID(v)
	return nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Timestamp accepts epoch milliseconds or ISO-8601 text and marshals as RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ChatMessage is a message as stored by the server.
type ChatMessage struct {
	MessageID        ID        `json:"messageId"`
	ConversationID   ID        `json:"conversationId"`
	SenderID         ID        `json:"senderId"`
	ReceiverID       ID        `json:"receiverId"`
	Content          string    `json:"content"`
	MessageType      int       `json:"messageType"`
	IsRead           bool      `json:"isRead"`
	CreateTime       Timestamp `json:"createTime"`
	SenderName       string    `json:"senderName,omitempty"`
	SenderNickname   string    `json:"senderNickname,omitempty"`
	SenderAvatar     string    `json:"senderAvatar,omitempty"`
	ReceiverNickname string    `json:"receiverNickname,omitempty"`
	ReceiverAvatar   string    `json:"receiverAvatar,omitempty"`
}

// DisplaySender returns the best available sender name.
func (m ChatMessage) DisplaySender() string {
	if m.SenderNickname != "" {
		return m.SenderNickname
	}
	return m.SenderName
}

// Conversation is a one-to-one thread as listed by the server.
type Conversation struct {
	ConversationID     ID        `json:"conversationId"`
	UserAID            ID        `json:"userAId"`
	UserBID            ID        `json:"userBId"`
	LastMessage        string    `json:"lastMessage"`
	LastMessageTime    Timestamp `json:"lastMessageTime"`
	UnreadCount        int       `json:"unreadCount"`
	TargetUserID       ID        `json:"targetUserId"`
	TargetUserNickname string    `json:"targetUserNickname"`
	TargetUserAvatar   string    `json:"targetUserAvatar"`
}

// Counterpart returns the participant that is not self.
func (c Conversation) Counterpart(self int64) int64 {
	if c.TargetUserID != 0 {
		return int64(c.TargetUserID)
	}
	switch {
	case int64(c.UserAID) == self:
		return int64(c.UserBID)
	case int64(c.UserBID) == self:
		return int64(c.UserAID)
	}
	return 0
}

// SendRequest is the body of the durable send call.
type SendRequest struct {
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	ReceiverID     int64     `json:"receiverId"`
	Content        string    `json:"content"`
	MessageType    int       `json:"messageType"`
	CreateTime     Timestamp `json:"createTime"`
}

// Profile is the extended user profile.
type Profile struct {
	UserID   ID     `json:"userId"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// User is the basic account record.
type User struct {
	UserID   ID     `json:"userId"`
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// Key returns whichever identifier field the server populated.
func (u User) Key() int64 {
	if u.UserID != 0 {
		return int64(u.UserID)
	}
	return int64(u.ID)
}
