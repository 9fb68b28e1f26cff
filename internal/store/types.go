package store

import (
	"fmt"
	"hash/fnv"
)

// Conversation is a cached conversation row. Times are Unix milliseconds.
type Conversation struct {
	ID                 int64
	CounterpartID      int64
	CounterpartName    string
	CounterpartAvatar  string
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
}

// Message is a cached message row.
type Message struct {
	ID             int64
	ConversationID int64
	ServerID       string
	LocalID        string
	SenderID       int64
	ReceiverID     int64
	SenderName     string
	Content        string
	ContentType    int
	Status         string
	SentAt         int64
}

// Key identifies the message within its conversation: the client id when
// one was assigned, otherwise the server id, otherwise a content digest.
func (m *Message) Key() string {
	switch {
	case m.LocalID != "":
		return m.LocalID
	case m.ServerID != "":
		return m.ServerID
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Content))
	return fmt.Sprintf("h:%d:%d:%x", m.SenderID, m.SentAt, h.Sum64())
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
