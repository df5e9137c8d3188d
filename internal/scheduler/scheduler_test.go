package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/store"
)

func testScheduler(t *testing.T, cfg *config.Account) *Scheduler {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.NewBus(t.TempDir())
	log := zerolog.Nop()
	return New(cfg, st, bus, log)
}

func TestFolderString(t *testing.T) {
	cases := map[Folder]string{
		FolderInbox:   "Inbox",
		FolderMvbox:   "Mvbox",
		FolderSent:    "Sent",
		FolderUnknown: "Unknown",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Folder(%d).String() = %q, want %q", f, got, want)
		}
	}
}

// An unconfigured account (no folders to watch, no Mvbox/Sentbox) still
// spawns a full fleet; every loop must reach "started" and, on Stop, exit
// promptly via its not-configured/fake-idle path rather than blocking on
// the minute-long poll tick.
func TestSchedulerStartStopUnconfigured(t *testing.T) {
	cfg := &config.Account{
		Addr: "alice@example.com",
		IMAP: config.ProtocolSettings{Host: "imap.example.com", Port: 993},
		SMTP: config.ProtocolSettings{Host: "smtp.example.com", Port: 465},
		// InboxFolder left empty: the inbox loop goes not-configured.
	}
	s := testScheduler(t, cfg)

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(startCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A second Stop must be a safe no-op (sync.Once).
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerMaybeNetworkDoesNotPanicBeforeStart(t *testing.T) {
	cfg := &config.Account{
		Addr: "bob@example.com",
		IMAP: config.ProtocolSettings{Host: "imap.example.com", Port: 993},
		SMTP: config.ProtocolSettings{Host: "smtp.example.com", Port: 465},
	}
	s := testScheduler(t, cfg)
	s.MaybeNetwork()
	s.MaybeNetworkLost()
}

func TestSchedulerWatchesMvboxAndSentboxWhenConfigured(t *testing.T) {
	cfg := &config.Account{
		Addr:          "carol@example.com",
		IMAP:          config.ProtocolSettings{Host: "imap.example.com", Port: 993},
		SMTP:          config.ProtocolSettings{Host: "smtp.example.com", Port: 465},
		MvboxFolder:   "Chats",
		SentboxFolder: "Sent",
		WatchMvbox:    true,
		WatchSentbox:  true,
	}
	s := testScheduler(t, cfg)
	if s.mvbox == nil {
		t.Error("expected mvbox loop to be configured")
	}
	if s.sentbox == nil {
		t.Error("expected sentbox loop to be configured")
	}
	// inbox, mvbox, sentbox, smtp, ephemeral, location, recently-seen.
	if len(s.runners) != 7 {
		t.Errorf("runners = %d, want 7", len(s.runners))
	}
}
