package store

import (
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if result.Dirty {
		t.Error("schema should not be dirty")
	}
}

func TestOpenMigrated(t *testing.T) {
	db, res, err := OpenMigrated(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if !res.Changed {
		t.Error("fresh database should report Changed=true")
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the columns the sync engine writes.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, counterpart_id, counterpart_name, counterpart_avatar, last_message_preview, last_message_at, unread_count) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{1, 2, "Bo", "a.png", "hi", 1000, 0}},
		{"insert message", "INSERT INTO messages (conversation_id, msg_key, server_id, local_id, sender_id, receiver_id, sender_name, content, content_type, status, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{1, "k", "9", "", 2, 1, "Bo", "hello", 1, "unread", 1000}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}
	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: 1, CounterpartID: 5, CounterpartName: "Eve", CounterpartAvatar: "e.png", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{ID: 2, CounterpartID: 6, LastMessageAt: 2000}); err != nil {
		t.Fatal(err)
	}

	// Empty counterpart fields keep what is known.
	if err := db.UpsertConversation(&Conversation{ID: 1, LastMessageAt: 3000, LastMessagePreview: "again", UnreadCount: 2}); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations, want 2", len(list))
	}
	if list[0].ID != 1 || list[1].ID != 2 {
		t.Errorf("order = [%d %d], want [1 2]", list[0].ID, list[1].ID)
	}
	got := list[0]
	if got.CounterpartName != "Eve" || got.CounterpartID != 5 || got.CounterpartAvatar != "e.png" {
		t.Errorf("counterpart overwritten: %+v", got)
	}
	if got.LastMessagePreview != "again" || got.UnreadCount != 2 {
		t.Errorf("activity not updated: %+v", got)
	}
}

func TestGetConversation(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: 7, CounterpartName: "A"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation(7)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.CounterpartName != "A" {
		t.Errorf("got %v, want A", c)
	}

	c, err = db.GetConversation(99)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing conversation")
	}
}

func TestReplaceConversationsPrunes(t *testing.T) {
	db := testDB(t)

	for _, id := range []int64{1, 2, 3} {
		if err := db.UpsertConversation(&Conversation{ID: id}); err != nil {
			t.Fatal(err)
		}
		if err := db.UpsertMessage(&Message{ConversationID: id, ServerID: "m", Content: "x", SentAt: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.ReplaceConversations([]Conversation{{ID: 2, LastMessageAt: 5}, {ID: 4}}); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != 2 || list[1].ID != 4 {
		t.Fatalf("got %+v, want conversations 2 and 4", list)
	}
	msgs, err := db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages of pruned conversation survived: %d", len(msgs))
	}

	if err := db.ReplaceConversations(nil); err != nil {
		t.Fatal(err)
	}
	list, _ = db.ListConversations(10, 0)
	if len(list) != 0 {
		t.Errorf("got %d conversations after empty replace, want 0", len(list))
	}
}

func TestDeleteConversation(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: 1, ServerID: "m1", Content: "x", SentAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteConversation(1); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.GetConversation(1); c != nil {
		t.Error("conversation still cached")
	}
	if msgs, _ := db.ListMessages(1, 0, 10); len(msgs) != 0 {
		t.Error("messages still cached")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ConversationID: 1, ServerID: "msg1", Content: "hello", ContentType: 1, SentAt: 1000, Status: "unread"}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Status = "read"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Status != "read" {
		t.Errorf("status = %q, want read", msgs[0].Status)
	}
}

// TestConfirmedSendReplacesOptimisticRow covers both orders in which the
// optimistic row and the server's copy can arrive.
func TestConfirmedSendReplacesOptimisticRow(t *testing.T) {
	db := testDB(t)

	pending := &Message{ConversationID: 1, LocalID: "temp-1", SenderID: 1, Content: "hi", SentAt: 1000, Status: "sending"}
	if err := db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}
	confirmed := *pending
	confirmed.ServerID, confirmed.Status, confirmed.SentAt = "77", "sent", 1005
	if err := db.UpsertMessage(&confirmed); err != nil {
		t.Fatal(err)
	}
	// The echo carries only the server id.
	echo := &Message{ConversationID: 1, ServerID: "77", SenderID: 1, Content: "hi", SentAt: 1005, Status: "sent"}
	if err := db.UpsertMessage(echo); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ServerID != "77" || msgs[0].LocalID != "temp-1" || msgs[0].Status != "sent" {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestIngestHistory(t *testing.T) {
	db := testDB(t)

	batch := []Message{
		{ConversationID: 3, ServerID: "1", Content: "a", SentAt: 100},
		{ConversationID: 3, ServerID: "2", Content: "b", SentAt: 200},
		{ConversationID: 3, ServerID: "1", Content: "a", SentAt: 100},
	}
	n, err := db.IngestHistory(batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("ingested = %d, want 3", n)
	}
	msgs, err := db.ListMessages(3, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ServerID != "2" {
		t.Errorf("newest first: got %q", msgs[0].ServerID)
	}

	older, err := db.ListMessages(3, 200, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 1 || older[0].ServerID != "1" {
		t.Errorf("keyset page = %+v", older)
	}
}

func TestMessageKeyWithoutIDs(t *testing.T) {
	a := Message{SenderID: 1, SentAt: 5, Content: "x"}
	b := Message{SenderID: 1, SentAt: 5, Content: "y"}
	if a.Key() == b.Key() {
		t.Error("different content should give different keys")
	}
	if !strings.HasPrefix(a.Key(), "h:1:5:") {
		t.Errorf("key = %q", a.Key())
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	for _, m := range []Message{
		{ConversationID: 1, ServerID: "m1", Content: "hello world", SentAt: 1000},
		{ConversationID: 1, ServerID: "m2", Content: "goodbye world", SentAt: 2000},
		{ConversationID: 2, ServerID: "m3", Content: "Hello again", SentAt: 3000},
		{ConversationID: 2, ServerID: "m4", Content: "100% sure", SentAt: 4000},
	} {
		m := m
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("hello", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Message.ServerID != "m3" {
		t.Errorf("newest first: got %q", results[0].Message.ServerID)
	}
	if results[0].Snippet != "<<Hello>> again" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages("world", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results in conversation 1, want 2", len(results))
	}

	results, err = db.SearchMessages("0%", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ServerID != "m4" {
		t.Errorf("literal %% search = %+v", results)
	}

	results, err = db.SearchMessages("   ", 0, 10)
	if err != nil || results != nil {
		t.Errorf("blank query = %v, %v", results, err)
	}
}

func TestSnippetTrimsLongContent(t *testing.T) {
	content := strings.Repeat("a", 50) + "needle" + strings.Repeat("b", 50)
	got := snippet(content, "needle")
	want := "..." + strings.Repeat("a", 32) + "<<needle>>" + strings.Repeat("b", 32) + "..."
	if got != want {
		t.Errorf("snippet = %q, want %q", got, want)
	}
}
