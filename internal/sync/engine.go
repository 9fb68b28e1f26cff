package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/store"
)

// Bus event kinds published after writes land in the cache.
const (
	KindMessageUpserted = "store.message_upserted"
	KindHistoryBatch    = "store.history_batch"
)

// previewLimit bounds the stored preview length in bytes.
const previewLimit = 100

// Engine mirrors the messaging session into the local cache. It subscribes
// to "chat." and "conn." events on the bus and applies them idempotently.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger.Named("sync"),
	}
}

// Reconciler exposes the checkpoint store.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Start subscribes to messaging events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	chat, unsubChat := e.bus.Subscribe("chat.", 256)
	conn, unsubConn := e.bus.Subscribe("conn.", 64)

	go func() {
		defer close(e.done)
		defer unsubChat()
		defer unsubConn()
		for {
			select {
			case evt, ok := <-chat:
				if !ok {
					return
				}
				e.handleEvent(evt)
			case evt, ok := <-conn:
				if !ok {
					return
				}
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event goroutine to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case messaging.EventMessage:
		msg, ok := evt.Payload.(messaging.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case messaging.EventHistory:
		h, ok := evt.Payload.(messaging.History)
		if !ok {
			return
		}
		if err := e.IngestHistoryBatch(h.Messages); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(h.Messages)))
		} else {
			e.logger.Debug("history batch ingested", zap.Int64("conversation_id", h.ConversationID), zap.Int("messages", len(h.Messages)))
		}
	case messaging.EventConversation:
		c, ok := evt.Payload.(messaging.Conversation)
		if !ok {
			return
		}
		sc := FromConversation(c)
		if err := e.db.UpsertConversation(&sc); err != nil {
			e.logger.Error("failed to upsert conversation", zap.Error(err), zap.Int64("conversation_id", c.ID))
		}
	case messaging.EventConversationsLoaded:
		list, ok := evt.Payload.([]messaging.Conversation)
		if !ok {
			return
		}
		if err := e.ReplaceConversations(list); err != nil {
			e.logger.Error("failed to replace conversations", zap.Error(err))
		}
	case messaging.EventConversationRemoved:
		id, ok := evt.Payload.(int64)
		if !ok {
			return
		}
		if err := e.db.DeleteConversation(id); err != nil {
			e.logger.Error("failed to delete conversation", zap.Error(err), zap.Int64("conversation_id", id))
		}
	case status.KindStateChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if ok && change.To == status.Open {
			e.reconciler.Mark(CheckpointLastConnected, evt.Timestamp)
		}
	}
}

// IngestMessage stores a single message (idempotent).
func (e *Engine) IngestMessage(msg messaging.Message) error {
	sm := FromMessage(msg)
	if err := e.db.UpsertMessage(&sm); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.bus.Emit(KindMessageUpserted, map[string]any{
		"conversation_id": sm.ConversationID,
		"msg_key":         sm.Key(),
	})
	return nil
}

// IngestHistoryBatch stores a loaded history in one transaction.
func (e *Engine) IngestHistoryBatch(msgs []messaging.Message) error {
	batch := make([]store.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = FromMessage(m)
	}
	n, err := e.db.IngestHistory(batch)
	if err != nil {
		return err
	}
	e.bus.Emit(KindHistoryBatch, map[string]int{"messages_count": n})
	return nil
}

// ReplaceConversations mirrors a freshly fetched list and stamps the fetch checkpoint.
func (e *Engine) ReplaceConversations(list []messaging.Conversation) error {
	rows := make([]store.Conversation, len(list))
	for i, c := range list {
		rows[i] = FromConversation(c)
	}
	if err := e.db.ReplaceConversations(rows); err != nil {
		return err
	}
	e.reconciler.Mark(CheckpointConversationFetch, time.Now())
	return nil
}

// CachedConversations loads the cached list for seeding the session.
func (e *Engine) CachedConversations(limit int) ([]messaging.Conversation, error) {
	rows, err := e.db.ListConversations(limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]messaging.Conversation, len(rows))
	for i, r := range rows {
		out[i] = ToConversation(r)
	}
	return out, nil
}

// FromConversation maps a session conversation to its cache row.
func FromConversation(c messaging.Conversation) store.Conversation {
	return store.Conversation{
		ID:                 c.ID,
		CounterpartID:      c.CounterpartID,
		CounterpartName:    c.CounterpartName,
		CounterpartAvatar:  c.CounterpartAvatar,
		LastMessagePreview: truncate(c.LastMessagePreview, previewLimit),
		LastMessageAt:      unixMilli(c.LastMessageAt),
		UnreadCount:        c.UnreadCount,
	}
}

// ToConversation maps a cache row back to a session conversation.
func ToConversation(r store.Conversation) messaging.Conversation {
	c := messaging.Conversation{
		ID:                 r.ID,
		CounterpartID:      r.CounterpartID,
		CounterpartName:    r.CounterpartName,
		CounterpartAvatar:  r.CounterpartAvatar,
		LastMessagePreview: r.LastMessagePreview,
		UnreadCount:        r.UnreadCount,
		Presence:           messaging.PresenceUnknown,
	}
	if r.LastMessageAt > 0 {
		c.LastMessageAt = time.UnixMilli(r.LastMessageAt)
	}
	return c
}

// FromMessage maps a session message to its cache row. Pending messages
// carry only a local id.
func FromMessage(m messaging.Message) store.Message {
	sm := store.Message{
		ConversationID: m.ConversationID,
		LocalID:        m.LocalID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		ContentType:    int(m.Type),
		Status:         string(m.Status),
		SentAt:         unixMilli(m.SentAt),
	}
	if !m.Pending() {
		sm.ServerID = m.ID
	}
	return sm
}

// ToMessage maps a cache row back to a session message.
func ToMessage(r store.Message) messaging.Message {
	id := r.ServerID
	if id == "" {
		id = r.LocalID
	}
	return messaging.Message{
		ID:             id,
		LocalID:        r.LocalID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		Type:           messaging.ContentType(r.ContentType),
		SentAt:         time.UnixMilli(r.SentAt),
		Status:         messaging.Status(r.Status),
		SenderName:     r.SenderName,
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
