package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/chatmail/core/internal/store"
)

// sectionOrder is the canonical key order of spec.md §4.7, adopted here
// (and by the decoder) as the strict-ordered variant per DESIGN.md's Open
// Question decision: the source has two diverging drafts and this spec
// picks the one the encoder actually emits.
var sectionOrder = []string{
	"_config", "acpeerstates", "chats", "chats_contacts", "contacts",
	"dns_cache", "imap", "imap_sync", "keypairs", "leftgroups", "locations",
	"mdns", "messages", "msgs_status_updates", "multi_device_sync",
	"reactions", "sending_domains", "tokens",
}

// Encode writes a snapshot of st to w inside a read-only transaction, so
// the stream reflects one consistent point in time (spec.md §4.7: "run
// inside a read transaction"). Streaming: each section is written row by
// row from a cursor, never buffered in full.
//
// Grounded on original_source/src/sql/serialize.rs's Encoder; the source
// implements seven of these sections (config, contacts, chats,
// leftgroups, keypairs, messages, mdns) and leaves the rest as TODOs. This
// encoder emits every key spec.md §4.7 names for forward/backward
// compatibility; sections with no corresponding table in this schema
// version (acpeerstates, chats_contacts, dns_cache, imap, imap_sync,
// msgs_status_updates, multi_device_sync, reactions, tokens) are emitted
// as an empty list rather than skipped, so the decoder's strict key order
// never has to special-case an absent key.
func Encode(ctx context.Context, st *store.Store, w io.Writer) error {
	tx, err := st.DB().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("snapshot: begin read transaction: %w", err)
	}
	defer tx.Rollback()

	e := &encoder{ctx: ctx, tx: tx, w: NewWriter(w)}
	if err := e.encode(); err != nil {
		return err
	}
	if err := e.w.Err(); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return nil
}

type encoder struct {
	ctx context.Context
	tx  *sql.Tx
	w   *Writer
}

func (e *encoder) encode() error {
	e.w.BeginDict()

	for _, key := range sectionOrder {
		e.w.Str(key)
		var err error
		switch key {
		case "_config":
			err = e.encodeConfig()
		case "chats":
			err = e.encodeChats()
		case "contacts":
			err = e.encodeContacts()
		case "keypairs":
			err = e.encodeKeypairs()
		case "leftgroups":
			err = e.encodeLeftgroups()
		case "locations":
			err = e.encodeLocations()
		case "mdns":
			err = e.encodeMDNs()
		case "messages":
			err = e.encodeMessages()
		case "sending_domains":
			err = e.encodeSendingDomains()
		default:
			// acpeerstates, chats_contacts, dns_cache, imap, imap_sync,
			// msgs_status_updates, multi_device_sync, reactions, tokens:
			// no persisted data for this section in this schema version.
			e.w.BeginList()
			e.w.End()
		}
		if err != nil {
			return fmt.Errorf("snapshot: encode %s: %w", key, err)
		}
	}

	e.w.End()
	return nil
}

// encodeConfig serializes the config kv table as a flat dictionary.
// Grounded on serialize.rs's serialize_config.
func (e *encoder) encodeConfig() error {
	rows, err := e.tx.QueryContext(e.ctx, `SELECT keyname, value FROM config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginDict()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		e.w.Str(key)
		e.w.Str(value)
	}
	e.w.End()
	return rows.Err()
}

// encodeContacts serializes every contacts row in the field order
// serialize.rs's serialize_contacts uses.
func (e *encoder) encodeContacts() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT id, name, addr, origin, blocked, last_seen, param, authname,
		       selfavatar_sent, status
		FROM contacts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var (
			id                            int64
			name, addr, param, authname   string
			origin                        sql.NullInt64
			blocked                       sql.NullBool
			lastSeen, selfavatarSent      int64
			status                        sql.NullString
		)
		if err := rows.Scan(&id, &name, &addr, &origin, &blocked, &lastSeen,
			&param, &authname, &selfavatarSent, &status); err != nil {
			return err
		}

		e.w.BeginDict()
		e.w.Str("id")
		e.w.Int(id)
		e.w.Str("name")
		e.w.Str(name)
		e.w.Str("addr")
		e.w.Str(addr)
		if origin.Valid {
			e.w.Str("origin")
			e.w.Int(origin.Int64)
		}
		e.w.Str("blocked")
		e.w.Bool(blocked.Valid && blocked.Bool)
		e.w.Str("last_seen")
		e.w.Int(lastSeen)
		e.w.Str("param")
		e.w.Str(param)
		e.w.Str("authname")
		e.w.Str(authname)
		e.w.Str("selfavatar_sent")
		e.w.Int(selfavatarSent)
		if status.Valid && status.String != "" {
			e.w.Str("status")
			e.w.Str(status.String)
		}
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeChats serializes the chats table. Our schema carries a narrower
// column set than serialize.rs's serialize_chats (no per-chat location
// streaming or ephemeral-timer columns, tracked instead in
// chats_locations and msgs.ephemeral_timer); the fields present follow
// the source's spirit, in the source's relative order where they overlap.
func (e *encoder) encodeChats() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT id, type, name, grpid, blocked, param, archived, created_timestamp
		FROM chats`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var (
			id, typ, blocked, archived, created int64
			name, grpid, param                  string
		)
		if err := rows.Scan(&id, &typ, &name, &grpid, &blocked, &param, &archived, &created); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("id")
		e.w.Int(id)
		e.w.Str("type")
		e.w.Int(typ)
		e.w.Str("name")
		e.w.Str(name)
		e.w.Str("grpid")
		e.w.Str(grpid)
		e.w.Str("blocked")
		e.w.Bool(blocked != 0)
		e.w.Str("param")
		e.w.Str(param)
		e.w.Str("archived")
		e.w.Bool(archived != 0)
		e.w.Str("created_timestamp")
		e.w.Int(created)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeLeftgroups serializes leftgrps as a bare list of group ids, not a
// list of dictionaries (serialize.rs's serialize_leftgroups writes the
// grpid string directly with no wrapping "d"/"e").
func (e *encoder) encodeLeftgroups() error {
	rows, err := e.tx.QueryContext(e.ctx, `SELECT grpid FROM leftgrps`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var grpid string
		if err := rows.Scan(&grpid); err != nil {
			return err
		}
		e.w.Str(grpid)
	}
	e.w.End()
	return rows.Err()
}

// encodeKeypairs mirrors serialize.rs's serialize_keypairs field-for-field,
// including its "type" key holding the keypair's addr (a naming quirk
// inherited from the source, kept for fidelity since nothing else in this
// codec depends on the key's name).
func (e *encoder) encodeKeypairs() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT id, addr, is_default, private_key, public_key, created FROM keypairs`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var (
			id, isDefault, created int64
			addr                   string
			priv, pub              []byte
		)
		if err := rows.Scan(&id, &addr, &isDefault, &priv, &pub, &created); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("id")
		e.w.Int(id)
		e.w.Str("type")
		e.w.Str(addr)
		e.w.Str("is_default")
		e.w.Bool(isDefault != 0)
		e.w.Str("private_key")
		e.w.Bytes(priv)
		e.w.Str("public_key")
		e.w.Bytes(pub)
		e.w.Str("created")
		e.w.Int(created)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeLocations serializes the live-location table.
func (e *encoder) encodeLocations() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT id, chat_id, contact_id, latitude, longitude, accuracy,
		       timestamp, independent, sent
		FROM locations`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var (
			id, chatID, contactID, timestamp, independent, sent int64
			lat, lng, acc                                       float64
		)
		if err := rows.Scan(&id, &chatID, &contactID, &lat, &lng, &acc,
			&timestamp, &independent, &sent); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("id")
		e.w.Int(id)
		e.w.Str("chat_id")
		e.w.Int(chatID)
		e.w.Str("contact_id")
		e.w.Int(contactID)
		e.w.Str("latitude")
		e.w.Str(fmt.Sprintf("%f", lat)) // spec's dictionaries are byte-string-typed fields for non-integer values
		e.w.Str("longitude")
		e.w.Str(fmt.Sprintf("%f", lng))
		e.w.Str("accuracy")
		e.w.Str(fmt.Sprintf("%f", acc))
		e.w.Str("timestamp")
		e.w.Int(timestamp)
		e.w.Str("independent")
		e.w.Bool(independent != 0)
		e.w.Str("sent")
		e.w.Bool(sent != 0)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeMDNs mirrors serialize.rs's serialize_mdns exactly; our
// msgs_mdns table carries the same three columns.
func (e *encoder) encodeMDNs() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT msg_id, contact_id, timestamp_sent FROM msgs_mdns`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var msgID, contactID, sentAt int64
		if err := rows.Scan(&msgID, &contactID, &sentAt); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("msg_id")
		e.w.Int(msgID)
		e.w.Str("contact_id")
		e.w.Int(contactID)
		e.w.Str("timestamp_sent")
		e.w.Int(sentAt)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeMessages serializes msgs. Our schema's column set diverges from
// serialize.rs's serialize_messages (no separate txt_raw/mime_* columns;
// raw MIME lives in the downloaded body, subject and delivery bookkeeping
// are tracked instead) — the fields present follow the source's naming
// and relative order where they overlap.
func (e *encoder) encodeMessages() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT id, rfc724_mid, chat_id, from_id, to_id, timestamp, type,
		       state, txt, subject, param, starred, server_folder,
		       server_uid, ephemeral_timer, ephemeral_timestamp
		FROM msgs`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var (
			id, chatID, fromID, toID, timestamp                       int64
			typ, state, starred, serverUID, ephTimer, ephAt           int64
			rfc724mid, txt, subject, param, serverFolder              string
		)
		if err := rows.Scan(&id, &rfc724mid, &chatID, &fromID, &toID, &timestamp,
			&typ, &state, &txt, &subject, &param, &starred, &serverFolder,
			&serverUID, &ephTimer, &ephAt); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("id")
		e.w.Int(id)
		e.w.Str("rfc724_mid")
		e.w.Str(rfc724mid)
		e.w.Str("chat_id")
		e.w.Int(chatID)
		e.w.Str("from_id")
		e.w.Int(fromID)
		e.w.Str("to_id")
		e.w.Int(toID)
		e.w.Str("timestamp")
		e.w.Int(timestamp)
		e.w.Str("type")
		e.w.Int(typ)
		e.w.Str("state")
		e.w.Int(state)
		e.w.Str("txt")
		e.w.Str(txt)
		e.w.Str("subject")
		e.w.Str(subject)
		e.w.Str("param")
		e.w.Str(param)
		e.w.Str("starred")
		e.w.Bool(starred != 0)
		e.w.Str("server_folder")
		e.w.Str(serverFolder)
		e.w.Str("server_uid")
		e.w.Int(serverUID)
		e.w.Str("ephemeral_timer")
		e.w.Int(ephTimer)
		e.w.Str("ephemeral_timestamp")
		e.w.Int(ephAt)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}

// encodeSendingDomains serializes the authres gate's per-domain sticky
// dkim_works flags (spec.md §4.6, component H). The single global
// AuthservidCandidates value lives in `_config` and is emitted by
// encodeConfig instead — sending_domains carries only (domain, dkim_works).
func (e *encoder) encodeSendingDomains() error {
	rows, err := e.tx.QueryContext(e.ctx, `
		SELECT domain, dkim_works FROM sending_domains`)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.w.BeginList()
	for rows.Next() {
		var domain string
		var dkimWorks int64
		if err := rows.Scan(&domain, &dkimWorks); err != nil {
			return err
		}
		e.w.BeginDict()
		e.w.Str("domain")
		e.w.Str(domain)
		e.w.Str("dkim_works")
		e.w.Bool(dkimWorks != 0)
		e.w.End()
	}
	e.w.End()
	return rows.Err()
}
