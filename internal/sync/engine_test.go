package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/socialchat/internal/bus"
	"github.com/matheus3301/socialchat/internal/messaging"
	"github.com/matheus3301/socialchat/internal/status"
	"github.com/matheus3301/socialchat/internal/store"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func inbound(id string, conv int64, content string, at time.Duration) messaging.Message {
	return messaging.Message{
		ID: id, ConversationID: conv, SenderID: 2, ReceiverID: 1,
		Content: content, Type: messaging.ContentText,
		SentAt: epoch.Add(at), Status: messaging.StatusUnread,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	if err := e.IngestMessage(inbound("m1", 7, "hello", 0)); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(7, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].ServerID != "m1" {
		t.Fatalf("got %+v, want one message m1 with content=hello", msgs)
	}

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("event kind = %q, want %s", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for store.message_upserted event")
	}
}

func TestEngineIngestMessageIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msg := inbound("m1", 7, "hello", 0)
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Status = messaging.StatusRead
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(7, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Status != string(messaging.StatusRead) {
		t.Errorf("status = %q, want read (updated)", msgs[0].Status)
	}
}

func TestEnginePendingThenConfirmed(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	pending := messaging.Message{
		ID: "temp-1", LocalID: "temp-1", ConversationID: 7, SenderID: 1, ReceiverID: 2,
		Content: "hi", SentAt: epoch, Status: messaging.StatusSending,
	}
	if err := e.IngestMessage(pending); err != nil {
		t.Fatal(err)
	}
	confirmed := pending
	confirmed.ID = "900"
	confirmed.Status = messaging.StatusSent
	if err := e.IngestMessage(confirmed); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages(7, 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ServerID != "900" || msgs[0].LocalID != "temp-1" || msgs[0].Status != "sent" {
		t.Errorf("row = %+v, want server_id=900 local_id=temp-1 status=sent", msgs[0])
	}
	if got := ToMessage(msgs[0]); got.ID != "900" || got.Pending() {
		t.Errorf("ToMessage id = %q pending=%v", got.ID, got.Pending())
	}
}

func TestEngineIngestHistoryBatch(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)

	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()

	msgs := []messaging.Message{
		inbound("m1", 7, "one", 0),
		inbound("m2", 7, "two", time.Second),
		inbound("m3", 8, "three", 2*time.Second),
	}
	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}

	msgsA, _ := db.ListMessages(7, 0, 10)
	msgsB, _ := db.ListMessages(8, 0, 10)
	if len(msgsA) != 2 || len(msgsB) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(msgsA), len(msgsB))
	}

	select {
	case evt := <-ch:
		if evt.Kind != KindHistoryBatch {
			t.Errorf("event kind = %q, want %s", evt.Kind, KindHistoryBatch)
		}
		if got := evt.Payload.(map[string]int)["messages_count"]; got != 3 {
			t.Errorf("messages_count = %d, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for store.history_batch event")
	}
}

func TestEngineHistoryBatchIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	msgs := []messaging.Message{inbound("m1", 7, "hello", 0)}
	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestHistoryBatch(msgs); err != nil {
		t.Fatal(err)
	}

	stored, _ := db.ListMessages(7, 0, 10)
	if len(stored) != 1 {
		t.Errorf("got %d messages, want 1 (idempotent batch)", len(stored))
	}
}

func TestEngineReplaceConversations(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)

	if err := e.IngestMessage(inbound("m1", 9, "stale", 0)); err != nil {
		t.Fatal(err)
	}
	list := []messaging.Conversation{
		{ID: 7, CounterpartID: 2, CounterpartName: "Bob", LastMessagePreview: "hey", LastMessageAt: epoch.Add(time.Minute), UnreadCount: 1},
		{ID: 8, CounterpartID: 3, CounterpartName: "Carol", LastMessageAt: epoch},
	}
	if err := e.ReplaceConversations(list); err != nil {
		t.Fatal(err)
	}

	cached, err := e.CachedConversations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 || cached[0].ID != 7 || cached[1].ID != 8 {
		t.Fatalf("cached = %+v, want [7 8]", cached)
	}
	if cached[0].CounterpartName != "Bob" || cached[0].UnreadCount != 1 || !cached[0].LastMessageAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("cached[0] = %+v", cached[0])
	}
	if cached[0].Presence != messaging.PresenceUnknown {
		t.Errorf("presence = %q, want unknown", cached[0].Presence)
	}
	if stale, _ := db.ListMessages(9, 0, 10); len(stale) != 0 {
		t.Errorf("messages of pruned conversation survived: %d", len(stale))
	}

	at, err := e.Reconciler().CheckpointTime(CheckpointConversationFetch)
	if err != nil {
		t.Fatal(err)
	}
	if at.IsZero() {
		t.Error("conversation fetch checkpoint not recorded")
	}
}

func TestFromConversationTruncatesPreview(t *testing.T) {
	long := ""
	for range 60 {
		long += "é"
	}
	c := FromConversation(messaging.Conversation{ID: 1, LastMessagePreview: long})
	if len(c.LastMessagePreview) > previewLimit {
		t.Fatalf("preview length = %d, want <= %d", len(c.LastMessagePreview), previewLimit)
	}
	for _, r := range c.LastMessagePreview {
		if r == '\uFFFD' {
			t.Fatal("preview split a rune")
		}
	}
}

func TestReconcilerCheckpoints(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)

	v, err := r.GetCheckpoint("missing")
	if err != nil || v != "" {
		t.Fatalf("missing checkpoint = %q, %v", v, err)
	}
	if err := r.UpdateCheckpoint("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCheckpoint("k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.GetCheckpoint("k"); v != "2" {
		t.Errorf("checkpoint = %q, want 2", v)
	}
}

// TestEngineBusSubscription verifies the engine processes events from the bus.
func TestEngineBusSubscription(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	e := NewEngine(db, b, logger)

	e.Start(context.Background())
	defer e.Stop()

	b.Emit(messaging.EventConversation, messaging.Conversation{ID: 7, CounterpartID: 2, CounterpartName: "Bob", LastMessageAt: epoch})
	b.Emit(messaging.EventMessage, inbound("bm1", 7, "from bus", 0))
	b.Emit(messaging.EventHistory, messaging.History{
		ConversationID: 8,
		Messages: []messaging.Message{
			inbound("hm1", 8, "history", time.Second),
			inbound("hm2", 8, "history2", 2*time.Second),
		},
	})
	b.Emit(status.KindStateChanged, status.StatusChange{From: status.Connecting, To: status.Open})

	waitFor(t, func() bool {
		msgs, _ := db.ListMessages(8, 0, 10)
		return len(msgs) == 2
	})
	msgs, err := db.ListMessages(7, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "from bus" {
		t.Fatalf("got %+v, want one message 'from bus'", msgs)
	}
	c, err := db.GetConversation(7)
	if err != nil || c == nil || c.CounterpartName != "Bob" {
		t.Fatalf("conversation = %+v, %v", c, err)
	}
	waitFor(t, func() bool {
		v, _ := e.Reconciler().GetCheckpoint(CheckpointLastConnected)
		return v != ""
	})

	b.Emit(messaging.EventConversationRemoved, int64(7))
	waitFor(t, func() bool {
		c, _ := db.GetConversation(7)
		return c == nil
	})
}
