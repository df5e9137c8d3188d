package store

import (
	"context"
	"fmt"
)

// ChatMessage is the subset of a msgs row the mbox exporter needs.
type ChatMessage struct {
	ID        int64
	RFC724MID string
	FromID    int64
	Timestamp int64
	Subject   string
	Txt       string
}

// MessagesForChat returns every message in chatID, oldest first, for the
// supplemented chat-history export feature (SPEC_FULL "Chat history
// export to mbox").
func (s *Store) MessagesForChat(ctx context.Context, chatID int64) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rfc724_mid, from_id, timestamp, subject, txt
		FROM msgs WHERE chat_id = ? ORDER BY timestamp ASC, id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.RFC724MID, &m.FromID, &m.Timestamp, &m.Subject, &m.Txt); err != nil {
			return nil, fmt.Errorf("store: scan message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChatIDs lists every known chat id, for exporting the full account.
func (s *Store) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chats ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
