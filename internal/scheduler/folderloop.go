package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/emersion/go-imap/v2"

	"github.com/chatmail/core/internal/authres"
	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/connstate"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/mailimap"
	"github.com/chatmail/core/internal/mimeshim"
	"github.com/chatmail/core/internal/store"
)

// housekeepingInterval throttles the ephemeral-expiry sweep folderLoop runs
// as part of the Inbox loop's per-iteration housekeeping step.
const housekeepingInterval = 24 * time.Hour

// folderLoop is the per-folder worker of spec.md §4.2: one instance
// watches the Inbox and drives the Inbox-only side tasks (components
// C's steps 1-6), while Mvbox/Sentbox instances (component D) run the
// same fetch_idle kernel without them.
//
// Grounded on original_source/src/imap.rs's fetch_idle/fetch_move_delete
// and original_source/src/scheduler/connectivity.rs for the
// Starting/Working/Idling transitions; the connection plumbing itself
// reuses internal/mailimap, adapted from the teacher's pkgs/email/imap.go.
type folderLoop struct {
	folder     Folder
	folderName string
	isInbox    bool
	cfg        *config.Account
	st         *store.Store
	bus        *eventbus.Bus
	gate       *authres.Gate
	log        zerolog.Logger

	state  *connstate.State
	client *mailimap.Client
}

func newFolderLoop(folder Folder, folderName string, isInbox bool, cfg *config.Account, st *store.Store, bus *eventbus.Bus, gate *authres.Gate, log zerolog.Logger) *folderLoop {
	return &folderLoop{
		folder:     folder,
		folderName: folderName,
		isInbox:    isInbox,
		cfg:        cfg,
		st:         st,
		bus:        bus,
		gate:       gate,
		log:        log.With().Str("folder", folder.String()).Logger(),
		state:      connstate.New(),
	}
}

func (f *folderLoop) connState() *connstate.State { return f.state }

func (f *folderLoop) imapConfig() mailimap.Config {
	return mailimap.Config{
		Host:     f.cfg.IMAP.Host,
		Port:     f.cfg.IMAP.Port,
		Username: f.cfg.IMAP.Username,
		Password: f.cfg.IMAP.Password,
		SSL:      f.cfg.IMAP.SSL,
		StartTLS: f.cfg.IMAP.StartTLS,
	}
}

// run implements the runner interface: signal started once, then cycle
// fetch_idle until ctx is cancelled or Stop is called.
func (f *folderLoop) run(ctx context.Context, started chan<- error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.state.StopChan():
			cancel()
		case <-runCtx.Done():
		}
	}()

	f.state.Connectivity.SetConnecting()
	select {
	case started <- nil:
	default:
	}

	for runCtx.Err() == nil {
		f.runIteration(runCtx)
	}

	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
	f.state.AckStop()
}

// runIteration is one pass of spec.md §4.2's Inbox variant, steps 1-7; the
// Mvbox/Sentbox variant skips straight to step 7 (fetch_idle).
func (f *folderLoop) runIteration(ctx context.Context) {
	if f.isInbox {
		f.maybeQuotaRefresh(ctx)
		f.maybeResync(ctx)
		f.emitTimeWarnings(ctx)
		f.maybeHousekeeping(ctx)
		f.maybeSeedExisting(ctx)
		f.drainDownloadQueue(ctx)
	}
	f.fetchIdle(ctx)
}

// fetchIdle is the shared kernel every folder loop runs: connect, select,
// fetch new mail (flagging it seen on the server), on the Inbox scan the
// other folders, then idle (real IDLE if supported, fake-idle polling
// otherwise). No queue of locally set seen flags is flushed to the server.
func (f *folderLoop) fetchIdle(ctx context.Context) {
	if f.folderName == "" {
		f.state.Connectivity.SetNotConfigured()
		f.fakeIdle(ctx)
		return
	}

	if err := f.prepare(ctx); err != nil {
		f.log.Warn().Err(err).Msg("prepare failed")
		f.fakeIdle(ctx)
		return
	}

	if err := f.fetchMoveDelete(ctx, f.folderName); err != nil {
		f.log.Warn().Err(err).Msg("fetch_move_delete failed, reconnecting")
		f.triggerReconnect()
		return
	}

	if f.isInbox {
		moved, err := f.scanAllFolders(ctx)
		if err != nil {
			f.log.Warn().Err(err).Msg("folder scan failed")
		} else if moved {
			if err := f.fetchMoveDelete(ctx, f.folderName); err != nil {
				f.log.Warn().Err(err).Msg("fetch_move_delete after scan failed")
			}
		}
	}

	f.state.Connectivity.SetConnected()

	if f.client.SupportsIdle() {
		// Idle takes a plain wake-up channel; forward this loop's interrupt
		// slot into it for the duration of the IDLE command.
		wake := make(chan struct{})
		idleDone := make(chan struct{})
		go func() {
			select {
			case <-f.state.IdleChan():
				close(wake)
			case <-idleDone:
			}
		}()
		_, err := f.client.Idle(ctx, mailimap.MaxIdleDuration, wake)
		close(idleDone)
		if err != nil {
			f.log.Warn().Err(err).Msg("idle failed, reconnecting")
			f.triggerReconnect()
		}
		return
	}
	f.fakeIdle(ctx)
}

// fakeIdle polls once a minute when the server has no IDLE capability, or
// while folderName is unset, racing the tick against the interrupt channel
// and ctx (spec.md §4.2 fake_idle).
func (f *folderLoop) fakeIdle(ctx context.Context) {
	ticker := time.NewTicker(fakeIdleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.state.IdleChan():
			return
		case <-ticker.C:
		}

		if f.folderName == "" {
			continue
		}
		if err := f.prepare(ctx); err != nil {
			f.log.Debug().Err(err).Msg("fake-idle reconnect attempt failed")
			continue
		}
		if f.client.SupportsIdle() {
			return
		}
		newMsgs, err := f.client.SearchUnseen()
		if err == nil && len(newMsgs) > 0 {
			return
		}
	}
}

func (f *folderLoop) prepare(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.client == nil || !f.client.Connected() {
		f.state.Connectivity.SetConnecting()
		client := mailimap.New(f.imapConfig())
		if err := client.Connect(); err != nil {
			f.state.Connectivity.SetError(err)
			return fmt.Errorf("connect: %w", err)
		}
		f.client = client
	}
	if _, err := f.client.Select(f.folderName); err != nil {
		f.state.Connectivity.SetError(err)
		f.client.Close()
		f.client = nil
		return fmt.Errorf("select %s: %w", f.folderName, err)
	}
	f.state.Connectivity.SetWorking()
	return nil
}

func (f *folderLoop) triggerReconnect() {
	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
}

// fetchMoveDelete fetches every unseen message in folder, runs the authres
// gate and ingestion pipeline on each, flags them seen, and — for the
// Inbox, when a move-to-Mvbox rule is configured — relocates them (spec.md
// §4.2 fetch_move_delete / store_seen_flags_on_imap).
func (f *folderLoop) fetchMoveDelete(ctx context.Context, folder string) error {
	uids, err := f.client.SearchUnseen()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	msgs, err := f.client.FetchEnvelopes(uids)
	if err != nil {
		return fmt.Errorf("fetch envelopes: %w", err)
	}

	processed := make([]imap.UID, 0, len(msgs))
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if err := f.ingestMessage(ctx, folder, m); err != nil {
			f.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("ingest failed")
			continue
		}
		processed = append(processed, m.UID)
	}
	if len(processed) == 0 {
		return nil
	}

	if err := f.client.StoreSeen(processed); err != nil {
		return fmt.Errorf("store seen: %w", err)
	}

	if f.isInbox && f.cfg.WatchMvbox && f.cfg.MvboxFolder != "" && f.cfg.MvboxFolder != folder {
		if err := f.client.MoveTo(processed, f.cfg.MvboxFolder); err != nil {
			return fmt.Errorf("move to %s: %w", f.cfg.MvboxFolder, err)
		}
	} else if f.isInbox && f.cfg.DeleteServerAfter {
		if err := f.client.DeleteExpunge(processed); err != nil {
			return fmt.Errorf("delete processed messages: %w", err)
		}
	}
	return nil
}

// ingestMessage runs one fetched message through the authres trust gate
// (spec.md §4.6, already absorbing its own errors/warnings) before parsing
// and persisting it.
func (f *folderLoop) ingestMessage(ctx context.Context, folder string, m mailimap.FetchedMessage) error {
	fromAddr := ""
	if len(m.From) > 0 {
		fromAddr = m.From[0].Mailbox + "@" + m.From[0].Host
	}

	if headers, err := f.client.FetchAuthenticationResults(m.UID); err != nil {
		f.log.Warn().Err(err).Msg("fetch authentication-results failed")
	} else if fromAddr != "" {
		if _, err := f.gate.HandleAuthres(ctx, fromAddr, headers); err != nil {
			f.log.Warn().Err(err).Msg("authres gate failed")
		}
	}

	parsed := &mimeshim.ParsedBody{}
	if body, cleanup, err := f.client.FetchRawBody(m.UID); err != nil {
		f.log.Warn().Err(err).Msg("fetch body failed, storing stub")
	} else {
		p, perr := mimeshim.ParseBody(body)
		cleanup()
		if perr != nil {
			f.log.Warn().Err(perr).Msg("parse body failed, storing stub")
		} else {
			parsed = p
		}
	}

	var fromID int64
	var err error
	if fromAddr != "" {
		fromID, err = f.st.UpsertContact(ctx, store.Contact{Addr: fromAddr})
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
	}

	msgID, err := f.st.InsertInboundMessage(ctx, store.InboundMessage{
		RFC724MID:    m.MessageID,
		FromID:       fromID,
		Timestamp:    m.Date,
		Subject:      m.Subject,
		Text:         parsed.TextBody,
		ServerFolder: folder,
		ServerUID:    uint32(m.UID),
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	for _, vc := range parsed.VCards {
		contact, err := mimeshim.ParseVCard(vc.Raw)
		if err != nil {
			f.log.Debug().Err(err).Msg("shared vcard parse failed")
			continue
		}
		if _, err := f.st.UpsertContact(ctx, store.Contact{Name: contact.Name, Addr: contact.Email}); err != nil {
			f.log.Warn().Err(err).Msg("shared vcard contact upsert failed")
			continue
		}
		f.bus.Emit(ctx, eventbus.TypeContactsChanged, "core", map[string]string{"addr": contact.Email})
	}

	f.bus.Emit(ctx, eventbus.TypeIncomingMsg, "core", map[string]any{
		"msg_id": msgID, "from": fromAddr, "subject": m.Subject,
	})
	return nil
}

// drainDownloadQueue resolves spec.md §9's open "how is download_msgs
// driven" question: the Inbox loop drains entries whose recorded
// server_folder matches the folder it has currently selected. Entries are
// added with store.EnqueueDownload; message ingestion does not add any.
func (f *folderLoop) drainDownloadQueue(ctx context.Context) {
	ids, err := f.st.PendingDownloads(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("list download queue failed")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		folder, uid, err := f.st.MessageServerLocation(ctx, id)
		if err != nil {
			f.log.Warn().Err(err).Int64("msg_id", id).Msg("download queue: message location unknown")
			continue
		}
		if folder != f.folderName {
			continue
		}
		if err := f.prepare(ctx); err != nil {
			f.log.Warn().Err(err).Msg("download queue: prepare failed")
			return
		}
		body, cleanup, err := f.client.FetchRawBody(imap.UID(uid))
		if err != nil {
			f.log.Warn().Err(err).Int64("msg_id", id).Msg("download queue: fetch failed")
			continue
		}
		parsed, err := mimeshim.ParseBody(body)
		cleanup()
		if err != nil {
			f.log.Warn().Err(err).Int64("msg_id", id).Msg("download queue: parse failed")
			continue
		}
		if err := f.st.UpdateMessageBody(ctx, id, parsed.TextBody); err != nil {
			f.log.Warn().Err(err).Int64("msg_id", id).Msg("download queue: store failed")
			continue
		}
		if err := f.st.DequeueDownload(ctx, id); err != nil {
			f.log.Warn().Err(err).Int64("msg_id", id).Msg("download queue: dequeue failed")
			continue
		}
		f.bus.Emit(ctx, eventbus.TypeMsgsChanged, "core", map[string]int64{"msg_id": id})
	}
}

func (f *folderLoop) maybeQuotaRefresh(ctx context.Context) {
	due, err := f.st.SwapBool(ctx, "quota_needs_refresh")
	if err != nil {
		f.log.Warn().Err(err).Msg("quota flag read failed")
		return
	}
	if !due {
		return
	}
	if err := f.prepare(ctx); err != nil {
		f.log.Warn().Err(err).Msg("quota refresh: prepare failed")
		return
	}
	// IMAP QUOTA (RFC 2087) has no public accessor on the pinned
	// go-imap/v2 client; a round trip via NOOP stands in for "quota
	// checked" until a quota-capable client version is adopted.
	if err := f.client.Noop(); err != nil {
		f.log.Warn().Err(err).Msg("quota refresh failed")
	}
}

func (f *folderLoop) maybeResync(ctx context.Context) {
	due, err := f.st.SwapBool(ctx, "resync_folders")
	if err != nil {
		f.log.Warn().Err(err).Msg("resync flag read failed")
		return
	}
	if !due {
		return
	}
	if err := f.prepare(ctx); err != nil {
		f.log.Warn().Err(err).Msg("resync failed, flag re-armed")
		if serr := f.st.SetBool(ctx, "resync_folders", true); serr != nil {
			f.log.Warn().Err(serr).Msg("failed to re-arm resync flag")
		}
	}
}

// emitTimeWarnings is component C's step 3 hook. Autocrypt/OpenPGP key
// lifetime is the only warning original_source ties to this step, and
// key management is out of scope here (spec.md Non-goals: OpenPGP
// implementation), so there is nothing for this core to check.
func (f *folderLoop) emitTimeWarnings(ctx context.Context) {}

func (f *folderLoop) maybeHousekeeping(ctx context.Context) {
	last, ok, err := f.st.ConfigGet(ctx, "last_housekeeping")
	if err != nil {
		f.log.Warn().Err(err).Msg("housekeeping: read last run failed")
		return
	}
	var lastRun time.Time
	if ok {
		if secs, perr := strconv.ParseInt(last, 10, 64); perr == nil {
			lastRun = time.Unix(secs, 0)
		}
	}
	if time.Since(lastRun) < housekeepingInterval {
		return
	}
	if _, err := f.st.DeleteExpiredMessages(ctx, time.Now()); err != nil {
		f.log.Warn().Err(err).Msg("housekeeping: expire sweep failed")
		return
	}
	if err := f.st.ConfigSet(ctx, "last_housekeeping", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		f.log.Warn().Err(err).Msg("housekeeping: persist timestamp failed")
	}
}

func (f *folderLoop) maybeSeedExisting(ctx context.Context) {
	done, ok, err := f.st.ConfigGet(ctx, "fetched_existing_msgs")
	if err != nil {
		f.log.Warn().Err(err).Msg("seed flag read failed")
		return
	}
	if ok && done == "1" {
		return
	}
	// The once-only flag is persisted before the fetch completes: a crash
	// mid-seed must not re-seed duplicate messages on restart (spec.md
	// §4.2 step 5).
	if err := f.st.ConfigSet(ctx, "fetched_existing_msgs", "1"); err != nil {
		f.log.Warn().Err(err).Msg("seed flag persist failed")
		return
	}
	if err := f.prepare(ctx); err != nil {
		f.log.Warn().Err(err).Msg("seed existing messages: prepare failed")
		f.triggerReconnect()
		return
	}
	if err := f.fetchMoveDelete(ctx, f.folderName); err != nil {
		f.log.Warn().Err(err).Msg("seed existing messages failed")
		f.triggerReconnect()
	}
}

// scanAllFolders lists every mailbox the server advertises and checks the
// ones this core isn't already watching for unseen mail (spec.md §4.2
// step 6, "scan all known folders once"); a hit tells the caller to re-run
// fetch_move_delete on the watched folder so anything a scan turns up
// eventually surfaces through the normal ingestion path rather than being
// ingested twice from two different code paths.
func (f *folderLoop) scanAllFolders(ctx context.Context) (bool, error) {
	names, err := f.client.ListFolders()
	if err != nil {
		return false, fmt.Errorf("list folders: %w", err)
	}

	watched := map[string]bool{
		f.cfg.InboxFolder:   true,
		f.cfg.MvboxFolder:   true,
		f.cfg.SentboxFolder: true,
	}

	found := false
	for _, name := range names {
		if watched[name] || name == "" {
			continue
		}
		if _, err := f.client.Select(name); err != nil {
			f.log.Debug().Err(err).Str("scanned_folder", name).Msg("scan: select failed")
			continue
		}
		uids, err := f.client.SearchUnseen()
		if err != nil {
			f.log.Debug().Err(err).Str("scanned_folder", name).Msg("scan: search failed")
			continue
		}
		if len(uids) > 0 {
			found = true
		}
	}

	// Selecting other mailboxes moved the connection's cursor away from
	// the watched folder; re-select before the caller resumes.
	if _, err := f.client.Select(f.folderName); err != nil {
		return found, fmt.Errorf("reselect %s after scan: %w", f.folderName, err)
	}
	return found, nil
}
