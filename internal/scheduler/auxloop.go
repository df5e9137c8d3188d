package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/connstate"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/mailsmtp"
	"github.com/chatmail/core/internal/store"
)

// auxLoop runs two of the three background loops of spec.md §4.4
// (ephemeral, location; recently-seen is recentlySeenLoop), all of which "hold no persistent resources that
// require graceful shutdown" and so stop via unconditional context
// cancellation rather than the IMAP/SMTP workers' stop/stopAck handshake.
type auxLoop struct {
	name string
	log  zerolog.Logger

	state  *connstate.State
	work   func(ctx context.Context)
	cancel context.CancelFunc
	done   chan struct{}
}

func newAuxLoop(name string, log zerolog.Logger, work func(ctx context.Context)) *auxLoop {
	return &auxLoop{
		name:  name,
		log:   log.With().Str("loop", name).Logger(),
		state: connstate.New(),
		work:  work,
		done:  make(chan struct{}),
	}
}

func (a *auxLoop) connState() *connstate.State { return a.state }

func (a *auxLoop) run(ctx context.Context, started chan<- error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.state.Connectivity.SetConnected()
	select {
	case started <- nil:
	default:
	}

	a.work(runCtx)
	close(a.done)
}

// abort cancels the loop's context and waits for its work func to return;
// it never times out, matching spec.md §4.5 step 3 ("abort ... tasks
// unconditionally").
func (a *auxLoop) abort() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

const locationPollInterval = time.Minute

// newEphemeralLoop sleeps until the soonest expiring message, deletes
// expired rows on wake, and recomputes (spec.md §4.4 "Ephemeral").
//
// Grounded on original_source/src/ephemeral.rs's wait-for-next-expiry loop.
func newEphemeralLoop(st *store.Store, bus *eventbus.Bus, log zerolog.Logger) *auxLoop {
	return newAuxLoop("ephemeral", log, func(ctx context.Context) {
		for {
			wait := fakeIdleTick
			next, ok, err := st.NextEphemeralExpiry(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("ephemeral: next expiry lookup failed")
			} else if ok {
				if d := time.Until(next); d > 0 {
					wait = d
				} else {
					wait = 0
				}
			}

			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			} else if ctx.Err() != nil {
				return
			}

			n, err := st.DeleteExpiredMessages(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("ephemeral: expire sweep failed")
				continue
			}
			if n > 0 {
				bus.Emit(ctx, eventbus.TypeMsgsChanged, "core", map[string]int64{"deleted": n})
			}
		}
	})
}

// newLocationLoop mails out queued self-originated location fixes for
// every chat currently streaming location, once a minute (spec.md §4.4
// "Location").
//
// Grounded on original_source/src/location.rs's send_locations_to_chat;
// the MIME send path reuses internal/mailsmtp, adapted from the teacher's
// pkgs/email/smtp.go.
func newLocationLoop(cfg *config.Account, st *store.Store, bus *eventbus.Bus, log zerolog.Logger) *auxLoop {
	return newAuxLoop("location", log, func(ctx context.Context) {
		ticker := time.NewTicker(locationPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sendPendingLocations(ctx, cfg, st, bus, log)
		}
	})
}

func sendPendingLocations(ctx context.Context, cfg *config.Account, st *store.Store, bus *eventbus.Bus, log zerolog.Logger) {
	chats, err := st.ChatsWithActiveLocationSharing(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("location: list active chats failed")
		return
	}

	for _, chatID := range chats {
		pending, err := st.PendingOutboundLocations(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("location: list pending fixes failed")
			continue
		}
		if len(pending) == 0 {
			continue
		}

		seen := make(map[int64]bool)
		var to []string
		for _, l := range pending {
			if l.ContactID == 0 || seen[l.ContactID] {
				continue
			}
			seen[l.ContactID] = true
			addr, err := st.ContactAddr(ctx, l.ContactID)
			if err != nil {
				log.Debug().Err(err).Int64("contact_id", l.ContactID).Msg("location: recipient lookup failed")
				continue
			}
			to = append(to, addr)
		}
		if len(to) == 0 {
			continue
		}

		mid := mailsmtp.GenerateMessageID(cfg.Addr)
		body := encodeLocationsXML(pending)
		if _, err := st.EnqueueOutgoing(ctx, 0, mid, to, body); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("location: enqueue failed")
			continue
		}

		ids := make([]int64, 0, len(pending))
		for _, l := range pending {
			ids = append(ids, l.ID)
		}
		if err := st.MarkLocationsSent(ctx, ids); err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("location: mark sent failed")
		}
		bus.Emit(ctx, eventbus.TypeLocationChanged, "core", map[string]int64{"chat_id": chatID})
	}
}

// encodeLocationsXML renders the supplemented location-sharing feature's
// wire format: a minimal <locations> element carrying one <item> per fix,
// the shape original_source/src/location.rs attaches as location.kml.
func encodeLocationsXML(fixes []store.Location) []byte {
	var b strings.Builder
	b.WriteString("<locations>\n")
	for _, f := range fixes {
		fmt.Fprintf(&b, "  <item lat=\"%f\" lng=\"%f\" acc=\"%f\" ts=\"%d\"/>\n",
			f.Latitude, f.Longitude, f.Accuracy, f.Timestamp.Unix())
	}
	b.WriteString("</locations>\n")
	return []byte(b.String())
}

// recentlySeenEntry is one contact's outstanding TTL window.
type recentlySeenEntry struct {
	contactID int64
	expiresAt time.Time
}

// recentlySeenTTL is "a few minutes" per spec.md §4.4.
const recentlySeenTTL = 5 * time.Minute

// recentlySeenLoop is a fixed-duration TTL queue keyed by contact id: Seen
// refreshes a contact's window, and an internal ticker expires entries
// whose window has elapsed, emitting an event for each (spec.md §4.4
// "Recently-seen").
type recentlySeenLoop struct {
	bus *eventbus.Bus
	log zerolog.Logger

	ttl  time.Duration
	tick time.Duration

	state  *connstate.State
	seenCh chan int64
	cancel context.CancelFunc
	done   chan struct{}
}

func newRecentlySeenLoop(bus *eventbus.Bus, log zerolog.Logger) *recentlySeenLoop {
	return newRecentlySeenLoopWithTiming(bus, log, recentlySeenTTL, time.Second)
}

// newRecentlySeenLoopWithTiming allows tests to shrink the TTL/sweep
// interval without waiting out the production 5-minute window.
func newRecentlySeenLoopWithTiming(bus *eventbus.Bus, log zerolog.Logger, ttl, tick time.Duration) *recentlySeenLoop {
	return &recentlySeenLoop{
		bus:    bus,
		log:    log.With().Str("loop", "recently-seen").Logger(),
		ttl:    ttl,
		tick:   tick,
		state:  connstate.New(),
		seenCh: make(chan int64, 64),
		done:   make(chan struct{}),
	}
}

func (r *recentlySeenLoop) connState() *connstate.State { return r.state }

// Seen records that contactID was just active, (re)starting its TTL
// window. Safe to call from any goroutine; drops the signal rather than
// blocking if the internal queue is momentarily full.
func (r *recentlySeenLoop) Seen(contactID int64) {
	select {
	case r.seenCh <- contactID:
	default:
	}
}

func (r *recentlySeenLoop) run(ctx context.Context, started chan<- error) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.state.Connectivity.SetConnected()
	select {
	case started <- nil:
	default:
	}

	entries := make(map[int64]time.Time)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			close(r.done)
			return
		case contactID := <-r.seenCh:
			entries[contactID] = time.Now().Add(r.ttl)
		case now := <-ticker.C:
			for contactID, expiresAt := range entries {
				if now.After(expiresAt) {
					delete(entries, contactID)
					r.bus.Emit(ctx, eventbus.TypeContactExpired, "core", map[string]int64{"contact_id": contactID})
				}
			}
		}
	}
}

func (r *recentlySeenLoop) abort() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}
