package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.NewBus(t.TempDir())
	cfg := &config.Account{Addr: "me@example.com", DisplayName: "Me"}

	s, err := NewServer(cfg, st, bus, zerolog.Nop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

// runLines feeds lines (already-encoded JSON-RPC requests) through Run and
// returns every line written in response, including any interleaved "event"
// notifications. Run is given a short-lived context so the test doesn't
// wait for a signal that never arrives (spec.md's transport is stdio, with
// no natural EOF outside this test harness).
func runLines(t *testing.T, s *Server, lines ...string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := s.Run(ctx, in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var results []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line != "" {
			results = append(results, line)
		}
	}
	return results
}

func findResponse(t *testing.T, lines []string, wantID string) map[string]any {
	t.Helper()
	for _, line := range lines {
		var v map[string]any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		if v["method"] == "event" {
			continue
		}
		id, _ := v["id"].(string)
		if id == wantID {
			return v
		}
	}
	t.Fatalf("no response found for id %q in %v", wantID, lines)
	return nil
}

func TestDispatchGetInfoAndConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)

	lines := runLines(t, s,
		`{"jsonrpc":"2.0","id":"1","method":"get_info"}`,
		`{"jsonrpc":"2.0","id":"2","method":"set_config","params":{"key":"selfname","value":"Ana"}}`,
		`{"jsonrpc":"2.0","id":"3","method":"get_config","params":{"key":"selfname"}}`,
	)

	info := findResponse(t, lines, "1")
	result, _ := info["result"].(map[string]any)
	if result["addr"] != "me@example.com" {
		t.Errorf("get_info result = %+v", info)
	}

	setResp := findResponse(t, lines, "2")
	if setResp["error"] != nil {
		t.Errorf("set_config errored: %+v", setResp)
	}

	getResp := findResponse(t, lines, "3")
	getResult, _ := getResp["result"].(map[string]any)
	if getResult["value"] != "Ana" || getResult["ok"] != true {
		t.Errorf("get_config result = %+v", getResp)
	}
}

func TestDispatchUnknownMethodReturnsError(t *testing.T) {
	s := newTestServer(t)
	lines := runLines(t, s, `{"jsonrpc":"2.0","id":"1","method":"does_not_exist"}`)
	resp := findResponse(t, lines, "1")
	if resp["error"] == nil {
		t.Errorf("expected error for unknown method, got %+v", resp)
	}
}

func TestDispatchMalformedEnvelopeReturnsError(t *testing.T) {
	s := newTestServer(t)
	// No "method" key at all — fails the fixed envelope schema.
	lines := runLines(t, s, `{"jsonrpc":"2.0","id":"1"}`)
	resp := findResponse(t, lines, "1")
	if resp["error"] == nil {
		t.Errorf("expected error for envelope missing method, got %+v", resp)
	}
}

func TestDispatchSendMsgThenExportChatMbox(t *testing.T) {
	s := newTestServer(t)
	mboxPath := filepath.Join(t.TempDir(), "chat1.mbox")

	lines := runLines(t, s,
		`{"jsonrpc":"2.0","id":"1","method":"send_msg","params":{"chat_id":1,"to":["bob@example.com"],"subject":"hi","text":"hello there"}}`,
		`{"jsonrpc":"2.0","id":"2","method":"export_chat_mbox","params":{"chat_id":1,"path":"`+strings.ReplaceAll(mboxPath, `\`, `\\`)+`"}}`,
	)

	sendResp := findResponse(t, lines, "1")
	if sendResp["error"] != nil {
		t.Fatalf("send_msg errored: %+v", sendResp)
	}

	exportResp := findResponse(t, lines, "2")
	if exportResp["error"] != nil {
		t.Fatalf("export_chat_mbox errored: %+v", exportResp)
	}

	data, err := os.ReadFile(mboxPath)
	if err != nil {
		t.Fatalf("read exported mbox: %v", err)
	}
	if !strings.Contains(string(data), "hello there") {
		t.Errorf("expected message body in exported mbox, got %q", data)
	}
}

func TestDispatchListContactsEmpty(t *testing.T) {
	s := newTestServer(t)
	lines := runLines(t, s, `{"jsonrpc":"2.0","id":"1","method":"list_contacts"}`)
	resp := findResponse(t, lines, "1")
	if resp["error"] != nil {
		t.Fatalf("list_contacts errored: %+v", resp)
	}
	if resp["result"] != nil {
		if arr, ok := resp["result"].([]any); ok && len(arr) != 0 {
			t.Errorf("expected no contacts, got %+v", arr)
		}
	}
}
