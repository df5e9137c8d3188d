package scheduler

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/store"
)

type smtpFakeMessage struct {
	From string
	To   []string
	Data []byte
}

type smtpFakeBackend struct {
	mu       sync.Mutex
	messages []*smtpFakeMessage
}

func (be *smtpFakeBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &smtpFakeSession{backend: be}, nil
}

func (be *smtpFakeBackend) Messages() []*smtpFakeMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpFakeMessage(nil), be.messages...)
}

type smtpFakeSession struct {
	backend *smtpFakeBackend
	msg     *smtpFakeMessage
}

func (s *smtpFakeSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.msg = &smtpFakeMessage{From: from}
	return nil
}

func (s *smtpFakeSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpFakeSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpFakeSession) Reset()        { s.msg = nil }
func (s *smtpFakeSession) Logout() error { return nil }

func newSMTPFakeServer(t *testing.T) (*smtpFakeBackend, string, int) {
	t.Helper()
	be := &smtpFakeBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Addr = ln.Addr().String()

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return be, host, port
}

func TestSMTPLoopRunIterationSendsQueuedMessage(t *testing.T) {
	be, host, port := newSMTPFakeServer(t)

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Account{
		Addr: "alice@example.com",
		SMTP: config.ProtocolSettings{Host: host, Port: port},
	}
	bus := eventbus.NewBus(t.TempDir())
	loop := newSMTPLoop(cfg, st, bus, zerolog.Nop())
	t.Cleanup(func() {
		if loop.client != nil {
			loop.client.Close()
		}
	})

	ctx := context.Background()
	if _, err := st.EnqueueOutgoing(ctx, 1, "<msg1@example.com>", []string{"bob@example.com"}, []byte("Subject: hi\r\n\r\nhello\r\n")); err != nil {
		t.Fatalf("EnqueueOutgoing: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		loop.runIteration(ctx)
		if len(be.Messages()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was never delivered")
		}
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	if msgs[0].From != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", msgs[0].From)
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "bob@example.com" {
		t.Errorf("To = %v, want [bob@example.com]", msgs[0].To)
	}

	pending, err := st.PendingOutgoing(ctx)
	if err != nil {
		t.Fatalf("PendingOutgoing: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected queue to be drained, got %d pending", len(pending))
	}
}

func TestSMTPLoopRunIterationIdlesWhenQueueEmpty(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Account{
		Addr: "alice@example.com",
		SMTP: config.ProtocolSettings{Host: "unused.invalid", Port: 25},
	}
	bus := eventbus.NewBus(t.TempDir())
	loop := newSMTPLoop(cfg, st, bus, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	loop.runIteration(ctx) // should wait up to fakeIdleTick, interrupted by ctx
}
