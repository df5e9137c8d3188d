package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/connstate"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/mailsmtp"
	"github.com/chatmail/core/internal/ratelimit"
	"github.com/chatmail/core/internal/store"
)

// smtpBackoffBase/Cap fix the exponential retry schedule of spec.md §4.3 /
// §8 property 10: 30s, tripling, capped so a prolonged outage settles at a
// fixed ceiling instead of diverging.
const (
	smtpBackoffBase = 30 * time.Second
	smtpBackoffCap  = 30 * time.Minute
)

// smtpLoop is component E: drain the outbound queue, consulting a
// token-bucket ratelimit before each send and backing off exponentially on
// consecutive failures.
//
// Grounded on original_source/src/scheduler/connectivity.rs's SMTP state
// machine and original_source/src/smtp/mod.rs's send loop; connection
// handling reuses internal/mailsmtp, adapted from the teacher's
// pkgs/email/smtp.go.
type smtpLoop struct {
	cfg *config.Account
	st  *store.Store
	bus *eventbus.Bus
	log zerolog.Logger

	state   *connstate.State
	client  *mailsmtp.Client
	bucket  *ratelimit.Bucket
	backoff *ratelimit.Backoff
}

func newSMTPLoop(cfg *config.Account, st *store.Store, bus *eventbus.Bus, log zerolog.Logger) *smtpLoop {
	return &smtpLoop{
		cfg:     cfg,
		st:      st,
		bus:     bus,
		log:     log.With().Str("loop", "smtp").Logger(),
		state:   connstate.New(),
		bucket:  newRatelimitBucket(),
		backoff: ratelimit.NewBackoff(smtpBackoffBase, smtpBackoffCap),
	}
}

func (l *smtpLoop) connState() *connstate.State { return l.state }

func (l *smtpLoop) smtpConfig() mailsmtp.Config {
	return mailsmtp.Config{
		Host:     l.cfg.SMTP.Host,
		Port:     l.cfg.SMTP.Port,
		Username: l.cfg.SMTP.Username,
		Password: l.cfg.SMTP.Password,
		SSL:      l.cfg.SMTP.SSL,
		StartTLS: l.cfg.SMTP.StartTLS,
	}
}

func (l *smtpLoop) run(ctx context.Context, started chan<- error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.state.StopChan():
			cancel()
		case <-runCtx.Done():
		}
	}()

	l.state.Connectivity.SetConnecting()
	select {
	case started <- nil:
	default:
	}

	for runCtx.Err() == nil {
		l.runIteration(runCtx)
	}

	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
	l.state.AckStop()
}

func (l *smtpLoop) runIteration(ctx context.Context) {
	queued, err := l.st.PendingOutgoing(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("list outbound queue failed")
		l.waitInterruptible(ctx, smtpBackoffBase)
		return
	}
	if len(queued) == 0 {
		l.waitInterruptible(ctx, fakeIdleTick)
		return
	}

	if wait := l.bucket.TimeUntilReady(); wait > 0 {
		l.waitInterruptible(ctx, wait)
		return
	}
	l.bucket.Allow()

	msg := queued[0]
	if err := l.sendOne(ctx, msg); err != nil {
		l.log.Warn().Err(err).Str("rfc724_mid", msg.RFC724MID).Msg("send failed")
		l.state.Connectivity.SetError(err)
		l.waitInterruptible(ctx, l.backoff.Fail())
		return
	}

	l.backoff.Reset()
	l.state.Connectivity.SetConnected()
	if err := l.st.DequeueOutgoing(ctx, msg.ID); err != nil {
		l.log.Warn().Err(err).Int64("id", msg.ID).Msg("dequeue after send failed")
	}
	l.bus.Emit(ctx, eventbus.TypeSmtpMessageSent, "core", map[string]any{
		"msg_id": msg.MsgID, "rfc724_mid": msg.RFC724MID,
	})
}

func (l *smtpLoop) sendOne(ctx context.Context, msg store.OutgoingQueued) error {
	if l.client == nil || !l.client.Connected() {
		l.state.Connectivity.SetConnecting()
		client := mailsmtp.New(l.smtpConfig())
		if err := client.Connect(); err != nil {
			return err
		}
		l.client = client
	}
	if err := l.client.SendRaw(l.cfg.Addr, msg.Recipients, msg.MimeData); err != nil {
		l.client.Close()
		l.client = nil
		return err
	}
	return nil
}

// waitInterruptible sleeps up to d, waking early on an interrupt signal or
// ctx cancellation — the same race every idle wait in this scheduler uses.
func (l *smtpLoop) waitInterruptible(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.state.IdleChan():
	case <-timer.C:
	}
}
