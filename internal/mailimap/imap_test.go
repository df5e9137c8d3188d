package mailimap

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	testUser = "testuser"
	testPass = "testpass"
)

const testMailWithAuthres = "Authentication-Results: mx1.example.net; dkim=pass header.d=example.com\r\n" +
	"From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: hi\r\n" +
	"Message-Id: <abc@example.com>\r\n" +
	"\r\n" +
	"hello there\r\n"

func newTestServer(t *testing.T) string {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	user.Create("INBOX", nil)
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

func appendMail(t *testing.T, addr, mailbox, raw string) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	if err := c.Login(testUser, testPass).Wait(); err != nil {
		t.Fatal(err)
	}

	appendCmd := c.Append(mailbox, int64(len(raw)), nil)
	if _, err := appendCmd.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	if err := appendCmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		t.Fatal(err)
	}
	c.Close()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	host, port := splitHostPort(t, addr)
	c := New(Config{Host: host, Port: port, Username: testUser, Password: testPass})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectBadCredentials(t *testing.T) {
	addr := newTestServer(t)
	host, port := splitHostPort(t, addr)
	c := New(Config{Host: host, Port: port, Username: "wrong", Password: "wrong"})
	if err := c.Connect(); err == nil {
		c.Close()
		t.Fatal("expected auth error, got nil")
	}
}

func TestSearchUnseenEmpty(t *testing.T) {
	addr := newTestServer(t)
	c := newTestClient(t, addr)

	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	uids, err := c.SearchUnseen()
	if err != nil {
		t.Fatalf("SearchUnseen: %v", err)
	}
	if len(uids) != 0 {
		t.Errorf("expected no unseen messages, got %v", uids)
	}
}

func TestSearchUnseenAndFetchEnvelopes(t *testing.T) {
	addr := newTestServer(t)
	appendMail(t, addr, "INBOX", testMailWithAuthres)
	c := newTestClient(t, addr)

	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	uids, err := c.SearchUnseen()
	if err != nil {
		t.Fatalf("SearchUnseen: %v", err)
	}
	if len(uids) != 1 {
		t.Fatalf("expected 1 unseen message, got %v", uids)
	}

	msgs, err := c.FetchEnvelopes(uids)
	if err != nil {
		t.Fatalf("FetchEnvelopes: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "hi" {
		t.Fatalf("unexpected envelopes: %+v", msgs)
	}
}

func TestFetchAuthenticationResults(t *testing.T) {
	addr := newTestServer(t)
	appendMail(t, addr, "INBOX", testMailWithAuthres)
	c := newTestClient(t, addr)

	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	uids, err := c.SearchUnseen()
	if err != nil || len(uids) != 1 {
		t.Fatalf("SearchUnseen: uids=%v err=%v", uids, err)
	}

	headers, err := c.FetchAuthenticationResults(uids[0])
	if err != nil {
		t.Fatalf("FetchAuthenticationResults: %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("expected 1 authres header, got %v", headers)
	}
}

func TestStoreSeenThenSearchUnseenExcludesIt(t *testing.T) {
	addr := newTestServer(t)
	appendMail(t, addr, "INBOX", testMailWithAuthres)
	c := newTestClient(t, addr)

	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	uids, _ := c.SearchUnseen()
	if len(uids) != 1 {
		t.Fatalf("expected 1 unseen message, got %v", uids)
	}

	if err := c.StoreSeen(uids); err != nil {
		t.Fatalf("StoreSeen: %v", err)
	}

	remaining, err := c.SearchUnseen()
	if err != nil {
		t.Fatalf("SearchUnseen: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no unseen messages after StoreSeen, got %v", remaining)
	}
}

func TestDeleteExpunge(t *testing.T) {
	addr := newTestServer(t)
	appendMail(t, addr, "INBOX", testMailWithAuthres)
	c := newTestClient(t, addr)

	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	uids, _ := c.SearchUnseen()
	if len(uids) != 1 {
		t.Fatalf("expected 1 message, got %v", uids)
	}

	if err := c.DeleteExpunge(uids); err != nil {
		t.Fatalf("DeleteExpunge: %v", err)
	}

	data, err := c.Select("INBOX")
	if err != nil {
		t.Fatalf("re-select: %v", err)
	}
	if data.NumMessages != 0 {
		t.Errorf("expected mailbox empty after expunge, got %d messages", data.NumMessages)
	}
}

func TestIdleTimesOutWhenNothingHappens(t *testing.T) {
	addr := newTestServer(t)
	c := newTestClient(t, addr)
	if !c.SupportsIdle() {
		t.Skip("test server did not advertise IDLE")
	}
	if _, err := c.Select("INBOX"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	result, err := c.Idle(context.Background(), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Idle: %v", err)
	}
	if result != IdleTimeout {
		t.Errorf("expected IdleTimeout, got %v", result)
	}
}
