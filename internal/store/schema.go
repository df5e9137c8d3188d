package store

// schema is the single forward DDL script backing this core's persisted
// state (SPEC_FULL §D: "a single forward schema.go DDL script (not a
// ladder)" — the migration ladder itself is an external collaborator,
// grounded on original_source/src/sql/migrations.rs, which this core does
// not attempt to reimplement).
const schema = `
CREATE TABLE IF NOT EXISTS config (
	keyname TEXT PRIMARY KEY,
	value   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sending_domains (
	domain     TEXT PRIMARY KEY,
	dkim_works INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS contacts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL DEFAULT '',
	addr            TEXT NOT NULL UNIQUE,
	origin          INTEGER,
	blocked         INTEGER,
	last_seen       INTEGER NOT NULL DEFAULT 0,
	param           TEXT NOT NULL DEFAULT '',
	authname        TEXT NOT NULL DEFAULT '',
	selfavatar_sent INTEGER NOT NULL DEFAULT 0,
	status          TEXT
);

CREATE TABLE IF NOT EXISTS chats (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	type     INTEGER NOT NULL,
	name     TEXT NOT NULL DEFAULT '',
	grpid    TEXT NOT NULL DEFAULT '',
	param    TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0,
	blocked  INTEGER NOT NULL DEFAULT 0,
	created_timestamp INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS leftgrps (
	grpid TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS keypairs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	addr        TEXT NOT NULL,
	is_default  INTEGER NOT NULL DEFAULT 0,
	private_key BLOB NOT NULL,
	public_key  BLOB NOT NULL,
	created     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS msgs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	rfc724_mid  TEXT NOT NULL DEFAULT '',
	chat_id     INTEGER NOT NULL DEFAULT 0,
	from_id     INTEGER NOT NULL DEFAULT 0,
	to_id       INTEGER NOT NULL DEFAULT 0,
	timestamp   INTEGER NOT NULL DEFAULT 0,
	type        INTEGER NOT NULL DEFAULT 0,
	state       INTEGER NOT NULL DEFAULT 0,
	txt         TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	param       TEXT NOT NULL DEFAULT '',
	starred     INTEGER NOT NULL DEFAULT 0,
	server_folder TEXT NOT NULL DEFAULT '',
	server_uid  INTEGER NOT NULL DEFAULT 0,
	ephemeral_timer INTEGER NOT NULL DEFAULT 0,
	ephemeral_timestamp INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS msgs_mdns (
	msg_id    INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	timestamp_sent INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS download (
	msg_id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS vcard_contacts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id      INTEGER NOT NULL,
	fn          TEXT NOT NULL DEFAULT '',
	addr        TEXT NOT NULL DEFAULT '',
	raw_vcard   TEXT NOT NULL DEFAULT ''
);

-- Outbound queue the SMTP loop (component E) drains. One row per
-- compose_and_send call; recipients is a JSON array of addresses.
CREATE TABLE IF NOT EXISTS smtp_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id      INTEGER NOT NULL DEFAULT 0,
	rfc724_mid  TEXT NOT NULL DEFAULT '',
	recipients  TEXT NOT NULL DEFAULT '[]',
	mime_data   BLOB NOT NULL,
	created     INTEGER NOT NULL DEFAULT 0
);

-- Location-streaming state (component F). locations_send_until is a unix
-- timestamp; a chat shares its location while locations_send_until > now.
CREATE TABLE IF NOT EXISTS chats_locations (
	chat_id             INTEGER PRIMARY KEY,
	locations_send_until INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS locations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL,
	contact_id INTEGER NOT NULL,
	latitude   REAL NOT NULL,
	longitude  REAL NOT NULL,
	accuracy   REAL NOT NULL DEFAULT 0,
	timestamp  INTEGER NOT NULL DEFAULT 0,
	independent INTEGER NOT NULL DEFAULT 0,
	sent       INTEGER NOT NULL DEFAULT 0
);
`
