package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustUser(t *testing.T, db *DB, id, username, email string) {
	t.Helper()
	if _, err := db.CreateUser(context.Background(), id, username, email, "hash"); err != nil {
		t.Fatalf("CreateUser(%s): %v", id, err)
	}
}

func TestWALMode(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer db.Close()

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "memory" && journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'memory' or 'wal', got: %s", journalMode)
	}

	var busyTimeout int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}
}

func TestWALModeWithFile(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustUser(t, db, "u1", "alice", "Alice@Example.com")

	_, err := db.CreateUser(ctx, "u2", "alice2", "alice@example.com", "hash")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("CreateUser duplicate err = %v, want ErrEmailTaken", err)
	}

	user, hash, err := db.UserByEmail(ctx, " ALICE@example.com ")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if user.ID != "u1" || hash != "hash" {
		t.Fatalf("UserByEmail = %+v, %q", user, hash)
	}
}

func TestFindOrCreateChatIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")
	mustUser(t, db, "u2", "bob", "bob@example.com")

	first, created, err := db.FindOrCreateChat(ctx, "u1", "u2")
	if err != nil || !created {
		t.Fatalf("first FindOrCreateChat = %v, created=%v", err, created)
	}

	second, created, err := db.FindOrCreateChat(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("second FindOrCreateChat: %v", err)
	}
	if created {
		t.Fatal("expected existing chat to be reused")
	}
	if second.ID != first.ID {
		t.Fatalf("chat ids differ: %s vs %s", first.ID, second.ID)
	}
	if len(second.Participants) != 2 {
		t.Fatalf("participants = %v", second.Participants)
	}
}

func TestCreateMessageDeduplicatesClientID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")
	mustUser(t, db, "u2", "bob", "bob@example.com")
	chat, _, _ := db.FindOrCreateChat(ctx, "u1", "u2")

	in := NewMessage{ClientID: "temp-1", ChatID: chat.ID, SenderID: "u1", Content: "hi"}
	first, created, err := db.CreateMessage(ctx, in)
	if err != nil || !created {
		t.Fatalf("CreateMessage = %v, created=%v", err, created)
	}

	again, created, err := db.CreateMessage(ctx, in)
	if err != nil {
		t.Fatalf("CreateMessage retry: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("retry created=%v id=%s, want existing %s", created, again.ID, first.ID)
	}

	messages, err := db.MessagesForChat(ctx, chat.ID, 100)
	if err != nil {
		t.Fatalf("MessagesForChat: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].MessageType != "text" || messages[0].Status != "sent" {
		t.Fatalf("unexpected message %+v", messages[0])
	}
}

func TestMessagesForChatOrderAndLast(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")
	mustUser(t, db, "u2", "bob", "bob@example.com")
	chat, _, _ := db.FindOrCreateChat(ctx, "u1", "u2")

	for _, content := range []string{"one", "two", "three"} {
		if _, _, err := db.CreateMessage(ctx, NewMessage{ChatID: chat.ID, SenderID: "u1", Content: content}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	messages, err := db.MessagesForChat(ctx, chat.ID, 2)
	if err != nil {
		t.Fatalf("MessagesForChat: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "two" || messages[1].Content != "three" {
		t.Fatalf("unexpected window: %+v", messages)
	}

	last, err := db.LastMessage(ctx, chat.ID)
	if err != nil || last == nil || last.Content != "three" {
		t.Fatalf("LastMessage = %+v, %v", last, err)
	}
}

func TestMarkReadAndDeletePermissions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")
	mustUser(t, db, "u2", "bob", "bob@example.com")
	mustUser(t, db, "u3", "carol", "carol@example.com")
	chat, _, _ := db.FindOrCreateChat(ctx, "u1", "u2")
	msg, _, _ := db.CreateMessage(ctx, NewMessage{ChatID: chat.ID, SenderID: "u1", Content: "hi"})

	if _, err := db.MarkMessageRead(ctx, msg.ID, "u1", time.Now()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("sender marking own message err = %v, want ErrForbidden", err)
	}
	if _, err := db.MarkMessageRead(ctx, msg.ID, "u3", time.Now()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider marking message err = %v, want ErrForbidden", err)
	}

	read, err := db.MarkMessageRead(ctx, msg.ID, "u2", time.Now())
	if err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	if !read.IsRead || read.Status != "read" || read.ReadAt == nil {
		t.Fatalf("unexpected read message %+v", read)
	}

	if _, err := db.DeleteMessage(ctx, msg.ID, "u2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-sender delete err = %v, want ErrForbidden", err)
	}
	if _, err := db.DeleteMessage(ctx, msg.ID, "u1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := db.MessageByID(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MessageByID after delete err = %v, want ErrNotFound", err)
	}
}

func TestMarkChatRead(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")
	mustUser(t, db, "u2", "bob", "bob@example.com")
	chat, _, _ := db.FindOrCreateChat(ctx, "u1", "u2")

	db.CreateMessage(ctx, NewMessage{ChatID: chat.ID, SenderID: "u1", Content: "a"})
	db.CreateMessage(ctx, NewMessage{ChatID: chat.ID, SenderID: "u1", Content: "b"})
	db.CreateMessage(ctx, NewMessage{ChatID: chat.ID, SenderID: "u2", Content: "c"})

	marked, err := db.MarkChatRead(ctx, chat.ID, "u2", time.Now())
	if err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("marked %d messages, want 2", len(marked))
	}

	again, err := db.MarkChatRead(ctx, chat.ID, "u2", time.Now())
	if err != nil || len(again) != 0 {
		t.Fatalf("second MarkChatRead = %d, %v", len(again), err)
	}
}

func TestSetOnline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustUser(t, db, "u1", "alice", "alice@example.com")

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.SetOnline(ctx, "u1", true, seen); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	user, err := db.UserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if !user.IsOnline || !user.LastSeen.Equal(seen) {
		t.Fatalf("user presence = %v %v", user.IsOnline, user.LastSeen)
	}
}
