package messaging

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// FetchConversations reloads the conversation list from the server. Known
// presence and resolved counterpart profiles carry over.
func (m *Manager) FetchConversations(ctx context.Context) ([]Conversation, error) {
	list, err := m.backend.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	var out []Conversation
	err = m.call(ctx, func() error {
		self := m.session.Current().UserID
		prior := make(map[int64]*Conversation, len(m.conversations))
		for _, c := range m.conversations {
			prior[c.ID] = c
		}

		next := make([]*Conversation, 0, len(list))
		seenID := make(map[int64]bool)
		seenCounterpart := make(map[int64]bool)
		for _, w := range list {
			c := conversationFromWire(w, self)
			if c.ID == 0 || seenID[c.ID] {
				continue
			}
			if c.CounterpartID != 0 {
				if seenCounterpart[c.CounterpartID] {
					continue
				}
				seenCounterpart[c.CounterpartID] = true
			}
			seenID[c.ID] = true
			if old := prior[c.ID]; old != nil {
				c.Presence = old.Presence
				if c.needsProfile() && old.CounterpartID == c.CounterpartID {
					if c.CounterpartName == FallbackName(c.CounterpartID) {
						c.CounterpartName = old.CounterpartName
					}
					if c.CounterpartAvatar == PlaceholderAvatar {
						c.CounterpartAvatar = old.CounterpartAvatar
					}
				}
			}
			if c.ID == m.currentID {
				c.UnreadCount = 0
			}
			stored := c
			next = append(next, &stored)
		}
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].LastMessageAt.After(next[j].LastMessageAt)
		})

		m.conversations = next
		out = m.conversationsSnapshot()
		m.bus.Emit(EventConversationsLoaded, out)
		for _, c := range m.conversations {
			m.enrich(c)
		}
		m.requestPresence(nil)
		m.logger.Debug("conversations loaded", zap.Int("count", len(out)))
		return nil
	})
	return out, err
}

// Seed installs a conversation list, typically from the local cache, when
// nothing has been loaded yet.
func (m *Manager) Seed(convs []Conversation) {
	_ = m.call(context.Background(), func() error {
		if len(m.conversations) > 0 {
			return nil
		}
		for i := len(convs) - 1; i >= 0; i-- {
			c := convs[i]
			c.fillDefaults()
			m.upsertConversation(c)
		}
		return nil
	})
}

// OpenConversation makes id the current conversation and loads its history.
// Messages pushed while history loads are kept. If another conversation is
// opened before the load finishes, ErrSuperseded is returned.
func (m *Manager) OpenConversation(ctx context.Context, id int64) ([]Message, error) {
	var (
		seq   uint64
		known bool
	)
	if err := m.call(ctx, func() error {
		m.openSeq++
		seq = m.openSeq
		m.currentID = id
		m.messages = nil
		known = m.find(id) != nil
		return nil
	}); err != nil {
		return nil, err
	}

	if !known {
		w, err := m.backend.GetConversation(ctx, id)
		if err != nil {
			m.abandonOpen(seq)
			return nil, fmt.Errorf("open conversation %d: %w", id, err)
		}
		if err := m.call(ctx, func() error {
			c := conversationFromWire(*w, m.session.Current().UserID)
			c.ID = id
			conv := m.upsertConversation(c)
			m.emitConversation(conv)
			m.enrich(conv)
			m.requestPresence([]int64{conv.CounterpartID})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	history, err := m.backend.ListMessages(ctx, id)
	if err != nil {
		m.abandonOpen(seq)
		return nil, fmt.Errorf("load messages for conversation %d: %w", id, err)
	}

	var out []Message
	err = m.call(ctx, func() error {
		if m.openSeq != seq {
			return ErrSuperseded
		}
		loaded := make([]*Message, 0, len(history))
		ids := make(map[string]bool, len(history))
		for _, w := range history {
			msg := messageFromWire(w)
			if msg.ID != "" {
				if ids[msg.ID] {
					continue
				}
				ids[msg.ID] = true
			}
			loaded = append(loaded, &msg)
		}
		sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].SentAt.Before(loaded[j].SentAt) })
		for _, e := range m.messages {
			if ids[e.ID] {
				continue
			}
			loaded = append(loaded, e)
		}
		m.messages = loaded

		if conv := m.find(id); conv != nil && conv.UnreadCount > 0 {
			conv.UnreadCount = 0
			m.emitConversation(conv)
			m.markReadAsync(id)
		} else if m.hasUnreadInbound() {
			m.markReadAsync(id)
		}
		out = m.messagesSnapshot()
		m.bus.Emit(EventHistory, History{ConversationID: id, Messages: out})
		return nil
	})
	return out, err
}

// abandonOpen clears the selection made by a failed open, unless a later
// open has replaced it.
func (m *Manager) abandonOpen(seq uint64) {
	_ = m.call(context.Background(), func() error {
		if m.openSeq == seq {
			m.currentID = 0
			m.messages = nil
		}
		return nil
	})
}

func (m *Manager) hasUnreadInbound() bool {
	self := m.session.Current().UserID
	return slices.ContainsFunc(m.messages, func(msg *Message) bool {
		return msg.SenderID != self && msg.Status == StatusUnread
	})
}

// CloseConversation clears the open conversation.
func (m *Manager) CloseConversation() {
	_ = m.call(context.Background(), func() error {
		m.openSeq++
		m.currentID = 0
		m.messages = nil
		return nil
	})
}

// CreateOrGetConversation returns the conversation with counterpartID,
// creating it on the server when needed.
func (m *Manager) CreateOrGetConversation(ctx context.Context, counterpartID int64) (Conversation, error) {
	if counterpartID <= 0 {
		return Conversation{}, ErrInvalidCounterpart
	}
	w, err := m.backend.CreateConversation(ctx, counterpartID)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation with %d: %w", counterpartID, err)
	}
	var out Conversation
	err = m.call(ctx, func() error {
		c := conversationFromWire(*w, m.session.Current().UserID)
		if c.CounterpartID == 0 {
			c.CounterpartID = counterpartID
			c.fillDefaults()
		}
		if old := m.find(c.ID); old != nil {
			c.Presence = old.Presence
			if c.LastMessageAt.IsZero() {
				c.LastMessagePreview, c.LastMessageAt = old.LastMessagePreview, old.LastMessageAt
			}
			if c.needsProfile() && !old.needsProfile() {
				c.CounterpartName, c.CounterpartAvatar = old.CounterpartName, old.CounterpartAvatar
			}
		}
		conv := m.upsertConversation(c)
		m.emitConversation(conv)
		m.enrich(conv)
		m.requestPresence([]int64{conv.CounterpartID})
		out = *conv
		return nil
	})
	return out, err
}

// DeleteConversation removes a conversation on the server and locally. If it
// was open, nothing is open afterwards.
func (m *Manager) DeleteConversation(ctx context.Context, id int64) error {
	if err := m.backend.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}
	return m.call(ctx, func() error {
		m.conversations = slices.DeleteFunc(m.conversations, func(c *Conversation) bool { return c.ID == id })
		if m.currentID == id {
			m.openSeq++
			m.currentID = 0
			m.messages = nil
		}
		m.bus.Emit(EventConversationRemoved, id)
		return nil
	})
}

// ConversationDetails returns conversation id with its counterpart
// resolved, asking the server and, failing that, deriving the counterpart
// from the conversation's messages.
func (m *Manager) ConversationDetails(ctx context.Context, id int64) (Conversation, error) {
	var (
		out   Conversation
		found bool
		self  int64
	)
	if err := m.call(ctx, func() error {
		self = m.session.Current().UserID
		if c := m.find(id); c != nil && c.CounterpartID != 0 {
			out, found = *c, true
		}
		return nil
	}); err != nil {
		return Conversation{}, err
	}
	if found {
		return out, nil
	}

	var c Conversation
	w, err := m.backend.GetConversation(ctx, id)
	if err == nil {
		c = conversationFromWire(*w, self)
		c.ID = id
	}
	if c.CounterpartID == 0 {
		history, herr := m.backend.ListMessages(ctx, id)
		if herr != nil {
			if err == nil {
				err = herr
			}
			return Conversation{}, fmt.Errorf("conversation %d details: %w", id, err)
		}
		if len(history) == 0 {
			return Conversation{}, fmt.Errorf("conversation %d details: %w", id, ErrUnresolvableRecipient)
		}
		first := history[0]
		counterpart := int64(first.SenderID)
		if counterpart == self {
			counterpart = int64(first.ReceiverID)
		}
		if c.ID == 0 {
			c = Conversation{ID: id}
		}
		c.CounterpartID = counterpart
		c.CounterpartName = ""
		c.fillDefaults()
	}
	if c.CounterpartID == 0 {
		return Conversation{}, fmt.Errorf("conversation %d details: %w", id, ErrUnresolvableRecipient)
	}

	err = m.call(ctx, func() error {
		if old := m.find(id); old != nil {
			if old.CounterpartID == 0 {
				old.CounterpartID = c.CounterpartID
				if old.needsProfile() {
					old.CounterpartName = ""
					old.fillDefaults()
				}
				m.emitConversation(old)
				m.enrich(old)
			}
			out = *old
			return nil
		}
		out = c
		return nil
	})
	return out, err
}
