package snapshot

import (
	"bytes"
	"context"
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

func TestTokenizerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.BeginDict()
	w.Str("id")
	w.Int(10)
	w.Str("name")
	w.Str("Ana")
	w.Str("blob")
	w.Bytes([]byte{0x01, 0x02, 0xff})
	w.Str("items")
	w.BeginList()
	w.Int(1)
	w.Int(2)
	w.End()
	w.End()
	if err := w.Err(); err != nil {
		t.Fatalf("write: %v", err)
	}

	tok := NewTokenizer(&buf)
	want := []Token{
		{Kind: TokenDictionary},
		{Kind: TokenByteString, Bytes: []byte("id")},
		{Kind: TokenInteger, Int: 10},
		{Kind: TokenByteString, Bytes: []byte("name")},
		{Kind: TokenByteString, Bytes: []byte("Ana")},
		{Kind: TokenByteString, Bytes: []byte("blob")},
		{Kind: TokenByteString, Bytes: []byte{0x01, 0x02, 0xff}},
		{Kind: TokenByteString, Bytes: []byte("items")},
		{Kind: TokenList},
		{Kind: TokenInteger, Int: 1},
		{Kind: TokenInteger, Int: 2},
		{Kind: TokenEnd},
		{Kind: TokenEnd},
	}
	for i, w := range want {
		got, err := tok.Next()
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if got.Kind != w.Kind || got.Int != w.Int || !bytes.Equal(got.Bytes, w.Bytes) {
			t.Fatalf("token %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestTokenizerPeekDoesNotConsume(t *testing.T) {
	tok := NewTokenizer(bytes.NewReader([]byte("i42e")))
	p1, err := tok.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	p2, err := tok.Peek()
	if err != nil {
		t.Fatalf("peek again: %v", err)
	}
	if p1.Int != 42 || p2.Int != 42 {
		t.Fatalf("peek mismatch: %+v, %+v", p1, p2)
	}
	n, err := tok.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n.Int != 42 {
		t.Fatalf("next = %+v, want 42", n)
	}
}

// TestEncodeDecodeContactsRoundTrip exercises scenario S6 (snapshot
// smoke): a store containing one contact round-trips through
// encode/decode unchanged, and the _config section carries dbversion=99.
func TestEncodeDecodeContactsRoundTrip(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	if _, err := src.DB().ExecContext(ctx, `
		INSERT INTO contacts (id, name, addr, origin, blocked, last_seen, param, authname, selfavatar_sent, status)
		VALUES (10, 'Ana', 'ana@x.y', 16, 0, 1700000000, '', '', 0, NULL)`); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	if err := src.ConfigSet(ctx, "addr", "self@example.com"); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(ctx, src, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("9:dbversion")) {
		t.Error("expected _config section to contain the dbversion key")
	}

	dst := newTestStore(t)
	if err := Decode(ctx, dst, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var (
		id                              int64
		name, addr, param, authname     string
		origin, lastSeen, selfavatarSnt int64
		blocked                         int64
	)
	row := dst.DB().QueryRowContext(ctx, `
		SELECT id, name, addr, origin, blocked, last_seen, param, authname, selfavatar_sent
		FROM contacts WHERE addr = 'ana@x.y'`)
	if err := row.Scan(&id, &name, &addr, &origin, &blocked, &lastSeen, &param, &authname, &selfavatarSnt); err != nil {
		t.Fatalf("read back contact: %v", err)
	}
	if id != 10 || name != "Ana" || addr != "ana@x.y" || origin != 16 || blocked != 0 ||
		lastSeen != 1700000000 || param != "" || authname != "" || selfavatarSnt != 0 {
		t.Errorf("round-tripped contact mismatch: id=%d name=%q addr=%q origin=%d blocked=%d last_seen=%d",
			id, name, addr, origin, blocked, lastSeen)
	}

	addrCfg, ok, err := dst.ConfigGet(ctx, "addr")
	if err != nil || !ok || addrCfg != "self@example.com" {
		t.Errorf("config round-trip: addr=%q ok=%v err=%v", addrCfg, ok, err)
	}
	dbversion, ok, err := dst.ConfigGet(ctx, "dbversion")
	if err != nil || !ok || dbversion != "99" {
		t.Errorf("config round-trip: dbversion=%q ok=%v err=%v", dbversion, ok, err)
	}
}

// TestDecodeRejectsBadDBVersion is testable property 7: a snapshot whose
// _config.dbversion isn't "99" is rejected and the store is left
// untouched.
func TestDecodeRejectsBadDBVersion(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.BeginDict()
	for _, key := range sectionOrder {
		w.Str(key)
		if key == "_config" {
			w.BeginDict()
			w.Str("dbversion")
			w.Str("1")
			w.End()
		} else if key == "contacts" {
			w.BeginList()
			w.End()
		} else {
			w.BeginList()
			w.End()
		}
	}
	w.End()
	if err := w.Err(); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := newTestStore(t)
	ctx := context.Background()

	before, _, _ := dst.ConfigGet(ctx, "dbversion")

	if err := Decode(ctx, dst, bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected Decode to reject dbversion != 99")
	}

	after, ok, err := dst.ConfigGet(ctx, "dbversion")
	if err != nil {
		t.Fatalf("ConfigGet: %v", err)
	}
	if !ok || after != before {
		t.Errorf("store mutated by rejected decode: before=%q after=%q ok=%v", before, after, ok)
	}
}

// TestDecodeRejectsWrongSectionOrder exercises the "strict ordered"
// decision of DESIGN.md's Open Question: a stream whose top-level keys
// are out of order is fatal, not silently accepted.
func TestDecodeRejectsWrongSectionOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.BeginDict()
	w.Str("contacts") // _config must come first
	w.BeginList()
	w.End()
	w.End()
	if err := w.Err(); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := newTestStore(t)
	if err := Decode(context.Background(), dst, bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected Decode to reject an out-of-order top-level key")
	}
}

func TestEncodeEmptyStoreProducesAllSectionKeys(t *testing.T) {
	src := newTestStore(t)
	var buf bytes.Buffer
	if err := Encode(context.Background(), src, &buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, key := range sectionOrder {
		needle := []byte(key)
		if key != "_config" {
			// Bare key match is enough; length-prefix varies by key length
			// but the key text itself always appears once as a string body.
		}
		if !bytes.Contains(buf.Bytes(), needle) {
			t.Errorf("expected section key %q to appear in output", key)
		}
	}
}
