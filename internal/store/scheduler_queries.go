package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- outbound queue (spec.md §4.3, component E) ---

// OutgoingQueued is one row of the smtp_queue table.
type OutgoingQueued struct {
	ID         int64
	MsgID      int64
	RFC724MID  string
	Recipients []string
	MimeData   []byte
}

// EnqueueOutgoing queues a composed message for the SMTP loop to send.
func (s *Store) EnqueueOutgoing(ctx context.Context, msgID int64, rfc724mid string, recipients []string, mimeData []byte) (int64, error) {
	raw, err := json.Marshal(recipients)
	if err != nil {
		return 0, fmt.Errorf("store: encode recipients: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO smtp_queue (msg_id, rfc724_mid, recipients, mime_data, created)
		VALUES (?, ?, ?, ?, ?)`,
		msgID, rfc724mid, string(raw), mimeData, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: enqueue outgoing: %w", err)
	}
	return res.LastInsertId()
}

// PendingOutgoing returns every message still waiting to be sent, oldest
// first.
func (s *Store) PendingOutgoing(ctx context.Context) ([]OutgoingQueued, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, msg_id, rfc724_mid, recipients, mime_data FROM smtp_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list outgoing queue: %w", err)
	}
	defer rows.Close()

	var out []OutgoingQueued
	for rows.Next() {
		var q OutgoingQueued
		var raw string
		if err := rows.Scan(&q.ID, &q.MsgID, &q.RFC724MID, &raw, &q.MimeData); err != nil {
			return nil, fmt.Errorf("store: scan outgoing queue row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &q.Recipients); err != nil {
			return nil, fmt.Errorf("store: decode recipients: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DequeueOutgoing removes a message from the outbound queue after a
// successful send.
func (s *Store) DequeueOutgoing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM smtp_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: dequeue outgoing %d: %w", id, err)
	}
	return nil
}

// --- ephemeral expiry (spec.md §4.4) ---

// NextEphemeralExpiry returns the soonest ephemeral_timestamp among
// messages that have one set, or ok=false if none do.
func (s *Store) NextEphemeralExpiry(ctx context.Context) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(ephemeral_timestamp) FROM msgs
		WHERE ephemeral_timestamp > 0`).Scan(&ts)
	if err == sql.ErrNoRows || ts == 0 {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: next ephemeral expiry: %w", err)
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// DeleteExpiredMessages removes every message whose ephemeral_timestamp has
// passed relative to now, returning how many rows were removed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM msgs WHERE ephemeral_timestamp > 0 AND ephemeral_timestamp <= ?`,
		now.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: delete expired messages: %w", err)
	}
	return res.RowsAffected()
}

// --- location streaming (spec.md §4.4) ---

// ChatsWithActiveLocationSharing returns the ids of chats currently
// streaming location (locations_send_until in the future).
func (s *Store) ChatsWithActiveLocationSharing(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM chats_locations WHERE locations_send_until > ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: list location-sharing chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan location-sharing chat: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetLocationSharing arms or disarms location streaming for a chat until
// the given time (a zero time disarms it).
func (s *Store) SetLocationSharing(ctx context.Context, chatID int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats_locations (chat_id, locations_send_until) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET locations_send_until = excluded.locations_send_until`,
		chatID, until.Unix())
	if err != nil {
		return fmt.Errorf("store: set location sharing for chat %d: %w", chatID, err)
	}
	return nil
}

// Location is one recorded or outgoing location fix.
type Location struct {
	ID          int64
	ChatID      int64
	ContactID   int64
	Latitude    float64
	Longitude   float64
	Accuracy    float64
	Timestamp   time.Time
	Independent bool
}

// InsertLocation records a location fix (inbound from a peer, or an
// outbound fix about to be sent).
func (s *Store) InsertLocation(ctx context.Context, loc Location) error {
	independent := 0
	if loc.Independent {
		independent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (chat_id, contact_id, latitude, longitude, accuracy, timestamp, independent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		loc.ChatID, loc.ContactID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.Timestamp.Unix(), independent)
	if err != nil {
		return fmt.Errorf("store: insert location: %w", err)
	}
	return nil
}

// PendingOutboundLocations returns the independent (self-originated, not
// yet mailed) location fixes recorded for a chat.
func (s *Store) PendingOutboundLocations(ctx context.Context, chatID int64) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, contact_id, latitude, longitude, accuracy, timestamp, independent
		FROM locations WHERE chat_id = ? AND independent = 1 AND sent = 0 ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: pending outbound locations for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		var ts int64
		var independent int
		if err := rows.Scan(&l.ID, &l.ChatID, &l.ContactID, &l.Latitude, &l.Longitude, &l.Accuracy, &ts, &independent); err != nil {
			return nil, fmt.Errorf("store: scan pending location: %w", err)
		}
		l.Timestamp = time.Unix(ts, 0).UTC()
		l.Independent = independent != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// MarkLocationsSent flags the given location rows as delivered, so the
// location loop's next tick doesn't resend them.
func (s *Store) MarkLocationsSent(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE locations SET sent = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: mark location %d sent: %w", id, err)
		}
	}
	return nil
}

// ContactAddr looks up a contact's email address by id.
func (s *Store) ContactAddr(ctx context.Context, contactID int64) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, `SELECT addr FROM contacts WHERE id = ?`, contactID).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("store: contact %d not found", contactID)
	}
	if err != nil {
		return "", fmt.Errorf("store: contact addr %d: %w", contactID, err)
	}
	return addr, nil
}

// --- message ingestion (folder loop, spec.md §4.2) ---

// InboundMessage is the subset of a fetched+parsed message the folder loop
// persists when a new UID lands.
type InboundMessage struct {
	RFC724MID    string
	FromID       int64
	ToID         int64
	Timestamp    time.Time
	Subject      string
	Text         string
	ServerFolder string
	ServerUID    uint32
}

// InsertInboundMessage stores a newly fetched message, returning its id.
// Idempotent on rfc724_mid + server_folder + server_uid: a duplicate fetch
// (e.g. after a reconnect re-synced modseq) is a no-op returning the
// existing row's id.
func (s *Store) InsertInboundMessage(ctx context.Context, m InboundMessage) (int64, error) {
	var existing int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM msgs WHERE rfc724_mid = ? AND server_folder = ? AND server_uid = ?`,
		m.RFC724MID, m.ServerFolder, m.ServerUID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: check existing message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, from_id, to_id, timestamp, txt, subject, server_folder, server_uid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RFC724MID, m.FromID, m.ToID, m.Timestamp.Unix(), m.Text, m.Subject, m.ServerFolder, m.ServerUID)
	if err != nil {
		return 0, fmt.Errorf("store: insert inbound message: %w", err)
	}
	return res.LastInsertId()
}

// MessageServerLocation returns the folder/UID a stored message was last
// fetched from, so the download queue (spec.md §9 download_msgs) knows
// which folder loop owns re-fetching its body.
func (s *Store) MessageServerLocation(ctx context.Context, msgID int64) (string, uint32, error) {
	var folder string
	var uid uint32
	err := s.db.QueryRowContext(ctx,
		`SELECT server_folder, server_uid FROM msgs WHERE id = ?`, msgID).Scan(&folder, &uid)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("store: message %d not found", msgID)
	}
	if err != nil {
		return "", 0, fmt.Errorf("store: message location %d: %w", msgID, err)
	}
	return folder, uid, nil
}

// UpdateMessageBody overwrites a message's stored text after a deferred
// full-body download completes.
func (s *Store) UpdateMessageBody(ctx context.Context, msgID int64, text string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE msgs SET txt = ? WHERE id = ?`, text, msgID)
	if err != nil {
		return fmt.Errorf("store: update message body %d: %w", msgID, err)
	}
	return nil
}

// MessagesInFolder returns the rfc724_mid/server_uid pairs this core
// already knows about for folder, keyed by server UID.
func (s *Store) MessagesInFolder(ctx context.Context, folder string) (map[uint32]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_uid, rfc724_mid FROM msgs WHERE server_folder = ?`, folder)
	if err != nil {
		return nil, fmt.Errorf("store: list messages in %s: %w", folder, err)
	}
	defer rows.Close()

	out := make(map[uint32]string)
	for rows.Next() {
		var uid uint32
		var mid string
		if err := rows.Scan(&uid, &mid); err != nil {
			return nil, fmt.Errorf("store: scan message row: %w", err)
		}
		out[uid] = mid
	}
	return out, rows.Err()
}
