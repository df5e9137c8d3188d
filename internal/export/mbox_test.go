package export

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/chatmail/core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestChatToMboxWritesOneEntryPerMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	contactID, err := st.UpsertContact(ctx, store.Contact{Name: "Bob", Addr: "bob@example.com"})
	if err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	if _, err := st.DB().ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, to_id, timestamp, txt, subject)
		VALUES ('<m1@x>', 1, 0, ?, 1700000000, 'hello from me', 'hi')`, contactID); err != nil {
		t.Fatalf("seed self message: %v", err)
	}
	if _, err := st.DB().ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, to_id, timestamp, txt, subject)
		VALUES ('<m2@x>', 1, ?, 0, 1700000100, 'hello back', 're: hi')`, contactID); err != nil {
		t.Fatalf("seed contact message: %v", err)
	}

	var buf bytes.Buffer
	if err := ChatToMbox(ctx, st, "me@example.com", 1, &buf); err != nil {
		t.Fatalf("ChatToMbox: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "From: me@example.com") {
		t.Error("expected From header for self message")
	}
	if !strings.Contains(out, "From: bob@example.com") {
		t.Error("expected From header for contact message")
	}
	if !strings.Contains(out, "hello from me") || !strings.Contains(out, "hello back") {
		t.Error("expected both message bodies in output")
	}
	if !strings.Contains(out, "<m1@x>") || !strings.Contains(out, "<m2@x>") {
		t.Error("expected both Message-Id headers in output")
	}
}

func TestChatToMboxEmptyChatProducesEmptyStream(t *testing.T) {
	st := newTestStore(t)
	var buf bytes.Buffer
	if err := ChatToMbox(context.Background(), st, "me@example.com", 99, &buf); err != nil {
		t.Fatalf("ChatToMbox: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected empty output for chat with no messages, got %q", buf.String())
	}
}

func TestAllChatsToMboxCoversEveryChat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.DB().ExecContext(ctx, `INSERT INTO chats (id, type, name) VALUES (1, 100, 'a'), (2, 100, 'b')`); err != nil {
		t.Fatalf("seed chats: %v", err)
	}
	if _, err := st.DB().ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, to_id, timestamp, txt, subject)
		VALUES ('<a@x>', 1, 0, 0, 1, 'chat a', 's'), ('<b@x>', 2, 0, 0, 2, 'chat b', 's')`); err != nil {
		t.Fatalf("seed messages: %v", err)
	}

	var buf bytes.Buffer
	if err := AllChatsToMbox(ctx, st, "me@example.com", &buf); err != nil {
		t.Fatalf("AllChatsToMbox: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "chat a") || !strings.Contains(out, "chat b") {
		t.Errorf("expected both chats' messages in combined export, got %q", out)
	}
}
