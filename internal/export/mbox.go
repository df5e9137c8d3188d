// Package export writes a chat's message history to a standard mbox
// file, supplementing the database snapshot (internal/snapshot) with a
// human-portable, one-way archive format (no importer: export-backup is
// for humans, the snapshot codec is for multi-device transfer).
//
// Grounded on the teacher's pkgs/patchwork/amready.go, which builds a
// git-am-ready mbox from a patch series the same way: one
// mbox.Writer.CreateMessage call per item, writing RFC 5322 headers and
// a body into the returned io.Writer.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/chatmail/core/internal/store"
)

// ChatToMbox writes every message in chatID, oldest first, as one mbox
// entry each. A message whose FromID is 0 (this core's own messages; see
// store.InboundMessage.FromID) is rendered as selfAddr rather than looked
// up in the contacts table.
func ChatToMbox(ctx context.Context, st *store.Store, selfAddr string, chatID int64, w io.Writer) error {
	msgs, err := st.MessagesForChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("export: list messages for chat %d: %w", chatID, err)
	}

	mw := mbox.NewWriter(w)
	for _, m := range msgs {
		from := selfAddr
		if m.FromID != 0 {
			addr, err := st.ContactAddr(ctx, m.FromID)
			if err != nil {
				from = "unknown@unknown"
			} else {
				from = addr
			}
		}

		date := time.Unix(m.Timestamp, 0).UTC()
		msgWriter, err := mw.CreateMessage(from, date)
		if err != nil {
			return fmt.Errorf("export: create mbox entry for message %d: %w", m.ID, err)
		}

		if err := writeMessage(msgWriter, from, date, m); err != nil {
			return fmt.Errorf("export: write message %d: %w", m.ID, err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("export: close mbox writer: %w", err)
	}
	return nil
}

// AllChatsToMbox concatenates every known chat into a single mbox stream,
// for a full-account "export backup" run.
func AllChatsToMbox(ctx context.Context, st *store.Store, selfAddr string, w io.Writer) error {
	ids, err := st.ChatIDs(ctx)
	if err != nil {
		return fmt.Errorf("export: list chats: %w", err)
	}
	for _, id := range ids {
		if err := ChatToMbox(ctx, st, selfAddr, id, w); err != nil {
			return err
		}
	}
	return nil
}

func writeMessage(w io.Writer, from string, date time.Time, m store.ChatMessage) error {
	mid := m.RFC724MID
	if mid == "" {
		mid = fmt.Sprintf("export-%d@local", m.ID)
	}
	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	_, err := fmt.Fprintf(w, "From: %s\r\nDate: %s\r\nSubject: %s\r\nMessage-Id: <%s>\r\n\r\n%s\r\n",
		from, date.Format(time.RFC1123Z), subject, mid, m.Txt)
	return err
}
