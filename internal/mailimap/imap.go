// Package mailimap wraps emersion/go-imap/v2 into the small set of
// operations the folder loops (spec.md §4.2, components C/D) actually
// need: select, search-unseen, fetch, store-seen, move-or-delete, and IDLE
// with a bounded wait.
//
// Adapted from the teacher's pkgs/email/imap.go and pkgs/email/watch.go:
// the connection/select/fetch plumbing is the teacher's, generalized away
// from its one-shot CLI operations (ListFolders, FetchMessages for display)
// towards the scheduler's fetch_idle kernel, which needs UID-level
// search/fetch/store/move primitives it can call every iteration.
package mailimap

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config holds IMAP connection settings (SPEC_FULL's internal/config.Account.IMAP
// maps onto this one-to-one).
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool
}

// Client wraps a single IMAP connection. It is not safe for concurrent use
// by more than one goroutine; each folder loop owns its own Client, per
// spec.md's "no connection is ever shared between loops" invariant (§4.1).
type Client struct {
	cfg    Config
	client *imapclient.Client
}

// New constructs an unconnected Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect dials and authenticates.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var client *imapclient.Client
	var err error
	switch {
	case c.cfg.SSL:
		client, err = imapclient.DialTLS(addr, &imapclient.Options{})
	case c.cfg.StartTLS:
		client, err = imapclient.DialStartTLS(addr, &imapclient.Options{})
	default:
		client, err = imapclient.DialInsecure(addr, &imapclient.Options{})
	}
	if err != nil {
		return fmt.Errorf("mailimap: dial %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("mailimap: login: %w", err)
	}

	c.client = client
	return nil
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Connected reports whether Connect has succeeded and Close has not yet
// been called.
func (c *Client) Connected() bool {
	return c.client != nil
}

// Select opens a mailbox for subsequent commands.
func (c *Client) Select(folder string) (*imap.SelectData, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailimap: select %s: %w", folder, err)
	}
	return data, nil
}

// SupportsIdle reports whether the server advertises the IDLE capability
// (original_source/src/imap/idle.rs's can_idle).
func (c *Client) SupportsIdle() bool {
	caps, err := c.client.Capability().Wait()
	if err != nil {
		return false
	}
	return caps.Has("IDLE")
}

// SupportsMove reports whether the server advertises RFC 6851 MOVE.
func (c *Client) SupportsMove() bool {
	caps, err := c.client.Capability().Wait()
	if err != nil {
		return false
	}
	return caps.Has("MOVE")
}

// SearchUnseen returns the UIDs of every message without the \Seen flag in
// the currently selected mailbox.
func (c *Client) SearchUnseen() ([]imap.UID, error) {
	data, err := c.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("mailimap: search unseen: %w", err)
	}
	return data.AllUIDs(), nil
}

// FetchedMessage is the envelope/flags projection the scheduler needs to
// decide what to do with a message, without pulling the body.
type FetchedMessage struct {
	UID       imap.UID
	MessageID string
	Subject   string
	Date      time.Time
	From      []imap.Address
	To        []imap.Address
	Flags     []imap.Flag
}

// FetchEnvelopes fetches envelope + flags for the given UIDs in one round
// trip.
func (c *Client) FetchEnvelopes(uids []imap.UID) ([]FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	uidSet := imap.UIDSetNum(uids...)
	msgs, err := c.client.Fetch(uidSet, &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("mailimap: fetch envelopes: %w", err)
	}

	out := make([]FetchedMessage, 0, len(msgs))
	for _, buf := range msgs {
		fm := FetchedMessage{UID: buf.UID, Flags: buf.Flags}
		if env := buf.Envelope; env != nil {
			fm.MessageID = env.MessageID
			fm.Subject = env.Subject
			fm.Date = env.Date
			fm.From = env.From
			fm.To = env.To
		}
		out = append(out, fm)
	}
	return out, nil
}

// FetchAuthenticationResults fetches just the Authentication-Results
// header(s) of a message, feeding the authres gate without pulling the
// whole body (spec.md §4.6 runs before any body parsing).
func (c *Client) FetchAuthenticationResults(uid imap.UID) ([]string, error) {
	uidSet := imap.UIDSetNum(uid)
	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		HeaderFields: []string{"Authentication-Results"},
		Peek:        true,
	}
	msgs, err := c.client.Fetch(uidSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("mailimap: fetch authres header for UID %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	raw := msgs[0].FindBodySection(section)
	return splitHeaderValues(raw), nil
}

// FetchRawBody returns a streaming reader over a message's full RFC 5322
// body, backed directly by the IMAP literal (teacher's fetchRawEmailReader
// — bounded memory, no whole-message buffering).
func (c *Client) FetchRawBody(uid imap.UID) (io.Reader, func(), error) {
	uidSet := imap.UIDSetNum(uid)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		fetchCmd.Close()
		return nil, func() {}, fmt.Errorf("mailimap: no message for UID %d", uid)
	}

	var literal io.Reader
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if bs, ok := item.(imapclient.FetchItemDataBodySection); ok && bs.Literal != nil {
			literal = bs.Literal
			break
		}
	}
	if literal == nil {
		fetchCmd.Close()
		return nil, func() {}, fmt.Errorf("mailimap: no body section for UID %d", uid)
	}
	return literal, func() { fetchCmd.Close() }, nil
}

// StoreSeen adds the \Seen flag to the given UIDs (spec.md §4.2
// store_seen_flags_on_imap).
func (c *Client) StoreSeen(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSetNum(uids...)
	_, err := c.client.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("mailimap: store seen: %w", err)
	}
	return nil
}

// MoveTo moves the given UIDs to destFolder, using RFC 6851 MOVE when the
// server supports it and falling back to COPY + mark-deleted + EXPUNGE
// otherwise (spec.md §4.2 fetch_move_delete).
func (c *Client) MoveTo(uids []imap.UID, destFolder string) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSetNum(uids...)

	if c.SupportsMove() {
		if err := c.client.Move(uidSet, destFolder).Wait(); err != nil {
			return fmt.Errorf("mailimap: move to %s: %w", destFolder, err)
		}
		return nil
	}

	if err := c.client.Copy(uidSet, destFolder).Wait(); err != nil {
		return fmt.Errorf("mailimap: copy to %s: %w", destFolder, err)
	}
	return c.DeleteExpunge(uids)
}

// DeleteExpunge marks the given UIDs \Deleted and expunges them.
func (c *Client) DeleteExpunge(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSetNum(uids...)
	_, err := c.client.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("mailimap: mark deleted: %w", err)
	}
	if _, err := c.client.Expunge().Collect(); err != nil {
		return fmt.Errorf("mailimap: expunge: %w", err)
	}
	return nil
}

// ListFolders returns every mailbox name the server advertises (teacher's
// pkgs/email/imap.go ListFolders, generalized from its display-oriented
// Folder struct to a bare name list for the Inbox loop's folder scan).
func (c *Client) ListFolders() ([]string, error) {
	data, err := c.client.List("", "*", &imap.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("mailimap: list folders: %w", err)
	}
	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, d.Mailbox)
	}
	return names, nil
}

// Noop sends a NOOP, keeping the connection alive and collecting any
// pending untagged responses.
func (c *Client) Noop() error {
	if c.client == nil {
		return nil
	}
	return c.client.Noop().Wait()
}

// IdleResult reports why a bounded IDLE wait returned.
type IdleResult int

const (
	IdleNewData IdleResult = iota
	IdleTimeout
	IdleInterrupted
)

// MaxIdleDuration is the 23-minute IDLE timeout of original_source's
// idle.rs — comfortably inside the RFC 2177-recommended 29-minute
// server-side cap (spec.md §4.2).
const MaxIdleDuration = 23 * time.Minute

// Idle starts an IMAP IDLE command and waits until either new server data
// arrives, timeout elapses, or interruptCh fires, whichever is first.
// interruptCh being nil disables the interrupt race.
func (c *Client) Idle(ctx context.Context, timeout time.Duration, interruptCh <-chan struct{}) (IdleResult, error) {
	idleCmd, err := c.client.Idle()
	if err != nil {
		return 0, fmt.Errorf("mailimap: idle start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- idleCmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		idleCmd.Close()
		<-done
		return IdleInterrupted, ctx.Err()
	case <-interruptCh:
		idleCmd.Close()
		<-done
		return IdleInterrupted, nil
	case <-timer.C:
		idleCmd.Close()
		<-done
		return IdleTimeout, nil
	case err := <-done:
		idleCmd.Close()
		if err != nil {
			return 0, fmt.Errorf("mailimap: idle: %w", err)
		}
		return IdleNewData, nil
	}
}

func splitHeaderValues(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	// Header-fields fetch returns each requested header verbatim, including
	// its "Name: " prefix and trailing CRLF; multiple occurrences are
	// concatenated. Split on the field name so every occurrence becomes its
	// own entry for authres.ParseHeadersForDomain.
	return splitRFC5322HeaderOccurrences(string(raw), "Authentication-Results")
}
