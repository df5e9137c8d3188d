// Package store is the sqlite-backed persistence layer behind the config
// key-value table, the per-domain authres trust state, contacts, the
// one-shot download queue, and the chat/message tables the snapshot codec
// reads and writes.
//
// Grounded on bdobrica-Ruriko's internal/ruriko/{store,memory}.SQLiteLTM:
// database/sql over modernc.org/sqlite (pure Go, no cgo), sql.Open("sqlite",
// path), fmt.Errorf wrapping, context-threaded query methods.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a sqlite database handle with the queries this core needs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the forward schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	// The forward schema above is dbversion 99 (spec.md §6 "Persisted
	// state"); seed it once so a freshly opened store already carries the
	// config row the snapshot encoder is required to emit.
	if _, err := db.Exec(`INSERT OR IGNORE INTO config (keyname, value) VALUES ('dbversion', '99')`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seed dbversion: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that need a transaction
// spanning several store operations (the snapshot encoder/decoder).
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- config kv (spec.md DATA MODEL "_config") ---

// ConfigGet returns the value for keyname, or "" with ok=false if unset.
func (s *Store) ConfigGet(ctx context.Context, keyname string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE keyname = ?`, keyname).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: config get %s: %w", keyname, err)
	}
	return value, true, nil
}

// ConfigSet upserts a config key/value pair.
func (s *Store) ConfigSet(ctx context.Context, keyname, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (keyname, value) VALUES (?, ?)
		ON CONFLICT(keyname) DO UPDATE SET value = excluded.value`,
		keyname, value)
	if err != nil {
		return fmt.Errorf("store: config set %s: %w", keyname, err)
	}
	return nil
}

// SwapBool atomically reads a boolean config flag and clears it, returning
// the value it held before clearing. Grounded on
// original_source/src/scheduler.rs's Ordering::Relaxed swap-and-clear used
// for the quota-warning and resync flags (spec.md §4.2 steps 1-2,
// SPEC_FULL §C "real store-backed atomic flags").
func (s *Store) SwapBool(ctx context.Context, keyname string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: swap %s: begin: %w", keyname, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM config WHERE keyname = ?`, keyname).Scan(&raw)
	was := err == nil && raw == "1"
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("store: swap %s: read: %w", keyname, err)
	}

	if was {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config (keyname, value) VALUES (?, '0')
			ON CONFLICT(keyname) DO UPDATE SET value = '0'`, keyname); err != nil {
			return false, fmt.Errorf("store: swap %s: clear: %w", keyname, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: swap %s: commit: %w", keyname, err)
	}
	return was, nil
}

// SetBool sets a boolean config flag.
func (s *Store) SetBool(ctx context.Context, keyname string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.ConfigSet(ctx, keyname, v)
}

// --- sending_domains / authres gate state (spec.md §4.6, component H) ---

// authservidCandidatesKey is the config table key holding the single
// global candidate set (spec.md §6 "Persisted state": "authservid_candidates
// — space-separated AuthservId list"). Unlike dkim_works, which is tracked
// per sending domain, the candidate set is one value shared across every
// domain this core has ever seen mail from.
const authservidCandidatesKey = "authservid_candidates"

// AuthservIDCandidates satisfies authres.Store: reads the global candidate
// set out of the space-separated config value.
func (s *Store) AuthservIDCandidates(ctx context.Context) (map[string]struct{}, error) {
	raw, ok, err := s.ConfigGet(ctx, authservidCandidatesKey)
	if err != nil {
		return nil, fmt.Errorf("store: load authservid candidates: %w", err)
	}
	set := make(map[string]struct{})
	if !ok {
		return set, nil
	}
	for _, id := range strings.Fields(raw) {
		set[id] = struct{}{}
	}
	return set, nil
}

// SetAuthservIDCandidates satisfies authres.Store: persists the candidate
// set as a space-separated string, sorted for a deterministic on-disk
// value.
func (s *Store) SetAuthservIDCandidates(ctx context.Context, ids map[string]struct{}) error {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	if err := s.ConfigSet(ctx, authservidCandidatesKey, strings.Join(list, " ")); err != nil {
		return fmt.Errorf("store: save authservid candidates: %w", err)
	}
	return nil
}

// DkimWorks satisfies authres.Store.
func (s *Store) DkimWorks(ctx context.Context, domain string) (bool, error) {
	var works int
	err := s.db.QueryRowContext(ctx,
		`SELECT dkim_works FROM sending_domains WHERE domain = ?`, domain).Scan(&works)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load dkim_works for %s: %w", domain, err)
	}
	return works != 0, nil
}

// SetDkimWorks satisfies authres.Store.
func (s *Store) SetDkimWorks(ctx context.Context, domain string, works bool) error {
	v := 0
	if works {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sending_domains (domain, dkim_works)
		VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET dkim_works = excluded.dkim_works`,
		domain, v)
	if err != nil {
		return fmt.Errorf("store: save dkim_works for %s: %w", domain, err)
	}
	return nil
}

// ClearDkimWorks satisfies authres.Store: wipes the entire sending_domains
// table, matching original_source's clear_dkim_works (DELETE FROM
// sending_domains, no WHERE) and testable property 3 ("sending_domains is
// empty immediately after"). A candidate-set change invalidates every
// domain's sticky trust, not just the triggering one, since the reset means
// the receiving server's authserv-id itself changed.
func (s *Store) ClearDkimWorks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sending_domains`); err != nil {
		return fmt.Errorf("store: clear dkim_works: %w", err)
	}
	return nil
}

// --- download queue (spec.md §9 open question / SPEC_FULL §C) ---

// PendingDownloads returns every message id queued for a full download.
func (s *Store) PendingDownloads(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT msg_id FROM download`)
	if err != nil {
		return nil, fmt.Errorf("store: list download queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan download queue row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnqueueDownload marks a message for a later full download.
func (s *Store) EnqueueDownload(ctx context.Context, msgID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO download (msg_id) VALUES (?)`, msgID)
	if err != nil {
		return fmt.Errorf("store: enqueue download %d: %w", msgID, err)
	}
	return nil
}

// DequeueDownload removes a message from the download queue once its full
// body has been fetched.
func (s *Store) DequeueDownload(ctx context.Context, msgID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM download WHERE msg_id = ?`, msgID)
	if err != nil {
		return fmt.Errorf("store: dequeue download %d: %w", msgID, err)
	}
	return nil
}

// --- contacts ---

// Contact mirrors the subset of the contacts table the snapshot codec and
// vCard import need.
type Contact struct {
	ID       int64
	Name     string
	Addr     string
	Authname string
}

// ListContacts returns every known contact, ordered by id, for the RPC
// server's list_contacts command.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, addr, authname FROM contacts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Addr, &c.Authname); err != nil {
			return nil, fmt.Errorf("store: scan contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertContact inserts or updates a contact by address, returning its id.
func (s *Store) UpsertContact(ctx context.Context, c Contact) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (name, addr, authname) VALUES (?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			authname = CASE WHEN excluded.authname != '' THEN excluded.authname ELSE contacts.authname END`,
		c.Name, c.Addr, c.Authname)
	if err != nil {
		return 0, fmt.Errorf("store: upsert contact %s: %w", c.Addr, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM contacts WHERE addr = ?`, c.Addr).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: read back contact %s: %w", c.Addr, err)
	}
	return id, nil
}
