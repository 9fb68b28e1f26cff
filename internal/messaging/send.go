package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/notify"
	"github.com/matheus3301/socialchat/internal/wire"
)

// LocalIDPrefix marks ids the client assigned before the server confirmed a message.
const LocalIDPrefix = "temp-"

// SendMessage sends content to the open conversation. The message appears
// immediately with status sending and settles as sent or failed once the
// server answers. A failed message stays in the list and can be retried.
func (m *Manager) SendMessage(ctx context.Context, content string, kind ContentType) (Message, error) {
	content = strings.TrimSpace(content)
	if kind == 0 {
		kind = ContentText
	}

	var (
		pending    Message
		lookupID   int64
		needLookup bool
		needSender bool
	)
	err := m.call(ctx, func() error {
		conv := m.current()
		if conv == nil {
			return ErrNoActiveConversation
		}
		if content == "" {
			return ErrEmptyContent
		}
		lookupID = conv.ID
		needLookup = conv.CounterpartID == 0
		needSender = m.session.Current().UserID == 0
		if needLookup || needSender {
			return nil
		}
		pending = m.appendPending(conv, content, kind)
		return nil
	})
	if err != nil {
		m.notifySendError(err)
		return Message{}, err
	}

	if needLookup || needSender {
		if needSender {
			err = m.resolveSender(ctx)
		}
		var (
			details Conversation
			derr    error
		)
		if err == nil && needLookup {
			details, derr = m.ConversationDetails(ctx, lookupID)
		}
		if err == nil {
			err = m.call(ctx, func() error {
				conv := m.current()
				if conv == nil || conv.ID != lookupID {
					return ErrNoActiveConversation
				}
				if m.session.Current().UserID == 0 {
					return ErrNotAuthenticated
				}
				if conv.CounterpartID == 0 {
					if derr != nil {
						return fmt.Errorf("%w: %v", ErrUnresolvableRecipient, derr)
					}
					if details.CounterpartID == 0 {
						return ErrUnresolvableRecipient
					}
					conv.CounterpartID = details.CounterpartID
				}
				pending = m.appendPending(conv, content, kind)
				return nil
			})
		}
		if err != nil {
			m.notifySendError(err)
			return Message{}, err
		}
	}
	return m.deliver(ctx, pending)
}

// RetryMessage resends a failed message, identified by its local or server id.
func (m *Manager) RetryMessage(ctx context.Context, id string) (Message, error) {
	var pending Message
	err := m.call(ctx, func() error {
		msg := m.findMessage(id)
		if msg == nil {
			return ErrMessageNotFound
		}
		if msg.Status != StatusFailed {
			return ErrNotRetryable
		}
		msg.Status = StatusSending
		m.messageObservers.Notify(MessageChange{Type: ChangeUpdated, Message: *msg})
		m.bus.Emit(EventMessage, *msg)
		pending = *msg
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return m.deliver(ctx, pending)
}

// resolveSender asks the session for the signed-in user's id when it is not
// yet known.
func (m *Manager) resolveSender(ctx context.Context) error {
	id, err := m.session.ResolveUserID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	if id == 0 {
		return ErrNotAuthenticated
	}
	return nil
}

func (m *Manager) appendPending(conv *Conversation, content string, kind ContentType) Message {
	ident := m.session.Current()
	localID := LocalIDPrefix + uuid.NewString()
	msg := &Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conv.ID,
		SenderID:       ident.UserID,
		ReceiverID:     conv.CounterpartID,
		Content:        content,
		Type:           kind,
		SentAt:         m.clock.Now(),
		Status:         StatusSending,
		SenderName:     ident.DisplayName,
		SenderAvatar:   ident.AvatarRef,
	}
	m.messages = append(m.messages, msg)
	m.messageObservers.Notify(MessageChange{Type: ChangeAppended, Message: *msg})
	m.bus.Emit(EventMessage, *msg)
	return *msg
}

// deliver performs the durable send for p and settles its status. Runs on
// the caller's goroutine.
func (m *Manager) deliver(ctx context.Context, p Message) (Message, error) {
	resp, err := m.backend.SendMessage(ctx, wire.SendRequest{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		MessageType:    int(p.Type),
		CreateTime:     wire.Timestamp{Time: p.SentAt},
	})

	out := p
	if cerr := m.call(context.Background(), func() error {
		out = m.completeSend(p, resp, err)
		return nil
	}); cerr != nil && err == nil {
		return p, cerr
	}
	if err != nil {
		m.notify("Failed to send message", notify.Error)
		return out, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

func (m *Manager) completeSend(p Message, resp *wire.ChatMessage, err error) Message {
	msg := m.findMessage(p.LocalID)
	if msg == nil {
		// The conversation was closed meanwhile; settle a detached copy.
		cp := p
		msg = &cp
	}
	if err != nil {
		msg.Status = StatusFailed
		m.logger.Warn("send failed",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.String("local_id", msg.LocalID),
			zap.Error(err))
	} else {
		if resp != nil && resp.MessageID != 0 {
			msg.ID = resp.MessageID.String()
		}
		if resp != nil && !resp.CreateTime.IsZero() {
			msg.SentAt = resp.CreateTime.Time
		}
		if msg.Status == StatusSending || msg.Status == StatusFailed {
			msg.Status = StatusSent
		}
		if conv := m.find(msg.ConversationID); conv != nil {
			conv.LastMessagePreview = preview(msg)
			conv.LastMessageAt = msg.SentAt
			m.moveToFront(conv.ID)
			m.emitConversation(conv)
		}
	}
	m.messageObservers.Notify(MessageChange{Type: ChangeUpdated, Message: *msg})
	m.bus.Emit(EventMessage, *msg)
	return *msg
}

func (m *Manager) findMessage(id string) *Message {
	if id == "" {
		return nil
	}
	for _, msg := range m.messages {
		if msg.LocalID == id || msg.ID == id {
			return msg
		}
	}
	return nil
}

func (m *Manager) notifySendError(err error) {
	switch {
	case errors.Is(err, ErrNoActiveConversation):
		m.notify("Open a conversation first", notify.Warning)
	case errors.Is(err, ErrEmptyContent):
		m.notify("Message is empty", notify.Warning)
	case errors.Is(err, ErrUnresolvableRecipient):
		m.notify("Cannot determine who this message is for", notify.Error)
	case errors.Is(err, ErrNotAuthenticated):
		m.notify("Sign in again to send messages", notify.Error)
	}
}
