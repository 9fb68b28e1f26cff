package messaging

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/realtime"
	"github.com/matheus3301/socialchat/internal/wire"
)

func (m *Manager) handleMessage(gen uint64, data []byte) {
	if gen != m.generation {
		return
	}
	f, err := realtime.Decode(data)
	if err != nil {
		m.logger.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if f.HasError() {
		m.logger.Warn("dropping frame with error", zap.String("type", f.Type), zap.ByteString("error", f.Error))
		return
	}

	switch f.Type {
	case realtime.TypePong:
		m.attempts = 0
	case realtime.TypeChat:
		m.applyChat(f.Data)
	case realtime.TypeUserStatusResponse:
		m.applyPresence(f.StatusMap)
	case realtime.TypeSessionClosed:
		m.logger.Warn("server closed the session", zap.String("reason", f.Reason))
		m.disconnect()
		msg := "Signed in elsewhere; realtime updates stopped"
		if f.Reason != "" {
			msg = "Realtime session closed: " + f.Reason
		}
		m.notify(msg, notify.Warning)
	case realtime.TypeError:
		m.logger.Warn("server reported an error", zap.String("message", f.Message))
	case realtime.TypeConnect:
		m.logger.Debug("server acknowledged connection")
	default:
		m.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

// applyChat folds one pushed message into the conversation list and, when
// its conversation is open, into the message list.
func (m *Manager) applyChat(raw json.RawMessage) {
	var wm wire.ChatMessage
	if len(raw) == 0 {
		m.logger.Warn("dropping chat frame without data")
		return
	}
	if err := json.Unmarshal(raw, &wm); err != nil {
		m.logger.Warn("dropping malformed chat payload", zap.Error(err))
		return
	}
	if wm.ConversationID == 0 || wm.SenderID == 0 {
		m.logger.Warn("dropping chat payload without conversation or sender")
		return
	}

	self := m.session.Current().UserID
	msg := messageFromWire(wm)
	if msg.SentAt.IsZero() {
		msg.SentAt = m.clock.Now()
	}
	inbound := msg.SenderID != self
	conv := m.find(msg.ConversationID)
	if msg.ReceiverID == 0 {
		switch {
		case inbound:
			msg.ReceiverID = self
		case conv != nil:
			msg.ReceiverID = conv.CounterpartID
		case m.current() != nil:
			msg.ReceiverID = m.current().CounterpartID
		}
	}

	if conv == nil {
		c := Conversation{ID: msg.ConversationID, Presence: PresenceUnknown}
		if inbound {
			c.CounterpartID, c.CounterpartName, c.CounterpartAvatar = msg.SenderID, wm.DisplaySender(), wm.SenderAvatar
		} else {
			c.CounterpartID, c.CounterpartName, c.CounterpartAvatar = msg.ReceiverID, wm.ReceiverNickname, wm.ReceiverAvatar
		}
		c.fillDefaults()
		conv = m.upsertConversation(c)
		m.enrich(conv)
	}

	conv.LastMessagePreview = preview(&msg)
	conv.LastMessageAt = msg.SentAt
	open := m.currentID == conv.ID
	if inbound {
		if open {
			m.markReadAsync(conv.ID)
		} else if msg.Status == StatusUnread {
			conv.UnreadCount++
		}
	}
	m.moveToFront(conv.ID)
	m.emitConversation(conv)

	if open {
		msg = m.mergePushed(msg)
	} else if inbound {
		m.notify(fmt.Sprintf("New message from %s", conv.CounterpartName), notify.Message)
	}
	m.bus.Emit(EventMessage, msg)
}

// mergePushed adds msg to the open conversation unless it duplicates a
// message already there, in which case the existing one is confirmed.
// It returns the message as it now stands.
func (m *Manager) mergePushed(msg Message) Message {
	if dup := m.findDuplicate(&msg); dup != nil {
		if dup.Pending() {
			dup.ID = msg.ID
			dup.SentAt = msg.SentAt
		}
		if dup.Status == StatusSending || dup.Status == StatusFailed {
			dup.Status = StatusSent
		}
		m.messageObservers.Notify(MessageChange{Type: ChangeUpdated, Message: *dup})
		return *dup
	}
	stored := msg
	m.messages = append(m.messages, &stored)
	m.messageObservers.Notify(MessageChange{Type: ChangeAppended, Message: stored})
	return stored
}

func (m *Manager) findDuplicate(msg *Message) *Message {
	for _, e := range m.messages {
		if msg.ID != "" && (e.ID == msg.ID || e.LocalID == msg.ID) {
			return e
		}
		if e.SenderID == msg.SenderID && e.Content == msg.Content && e.SentAt.Equal(msg.SentAt) {
			return e
		}
	}
	// The echo of our own send can beat the REST response.
	for _, e := range m.messages {
		if e.Pending() && e.SenderID == msg.SenderID && e.Content == msg.Content && e.ConversationID == msg.ConversationID {
			return e
		}
	}
	return nil
}

// applyPresence records a presence response. Observers hear about it only
// when some counterpart's state actually changed.
func (m *Manager) applyPresence(statusMap map[string]bool) {
	var batch []PresenceChange
	changed := false
	for key, online := range statusMap {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		batch = append(batch, PresenceChange{UserID: id, Online: online})
		want := presenceOf(online)
		for _, c := range m.conversations {
			if c.CounterpartID == id && c.Presence != want {
				c.Presence = want
				changed = true
			}
		}
	}
	if changed {
		m.publishPresence(batch)
	}
}

func (m *Manager) markReadAsync(conversationID int64) {
	self := m.session.Current().UserID
	m.spawn(func() {
		err := m.backend.MarkRead(m.ctx, conversationID, self)
		m.post(func() { m.onMarkedRead(conversationID, err) })
	})
}

func (m *Manager) onMarkedRead(conversationID int64, err error) {
	if err != nil {
		m.logger.Warn("mark as read failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return
	}
	if m.currentID != conversationID {
		return
	}
	self := m.session.Current().UserID
	for _, msg := range m.messages {
		if msg.SenderID != self && msg.Status == StatusUnread {
			msg.Status = StatusRead
			m.messageObservers.Notify(MessageChange{Type: ChangeUpdated, Message: *msg})
			m.bus.Emit(EventMessage, *msg)
		}
	}
}

func (m *Manager) find(id int64) *Conversation {
	for _, c := range m.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Manager) current() *Conversation {
	if m.currentID == 0 {
		return nil
	}
	return m.find(m.currentID)
}

// upsertConversation stores c, replacing the entry with the same id and
// dropping any other entry for the same counterpart. New entries go first.
func (m *Manager) upsertConversation(c Conversation) *Conversation {
	if c.CounterpartID != 0 {
		m.conversations = slices.DeleteFunc(m.conversations, func(o *Conversation) bool {
			if o.ID != c.ID && o.CounterpartID == c.CounterpartID {
				m.bus.Emit(EventConversationRemoved, o.ID)
				return true
			}
			return false
		})
	}
	if existing := m.find(c.ID); existing != nil {
		*existing = c
		return existing
	}
	stored := c
	m.conversations = append([]*Conversation{&stored}, m.conversations...)
	return &stored
}

func (m *Manager) moveToFront(id int64) {
	i := slices.IndexFunc(m.conversations, func(c *Conversation) bool { return c.ID == id })
	if i <= 0 {
		return
	}
	c := m.conversations[i]
	copy(m.conversations[1:i+1], m.conversations[:i])
	m.conversations[0] = c
}

func (m *Manager) emitConversation(c *Conversation) {
	m.bus.Emit(EventConversation, *c)
}
