// Package interrupt implements the single-slot, non-blocking interrupt
// signal used to wake a loop out of IMAP IDLE, fake-idle or an SMTP
// retry sleep (spec.md §3 "Interrupt signal", §4.1).
package interrupt

// Info carries the payload of an interrupt signal: "something changed,
// re-evaluate; if ProbeNetwork, assume connectivity state has flipped."
type Info struct {
	ProbeNetwork bool
}

// New returns an Info with the given ProbeNetwork value.
func New(probeNetwork bool) Info {
	return Info{ProbeNetwork: probeNetwork}
}

// Chan is a single-slot interrupt channel. Sends never block: if the slot
// already holds a pending signal, the new one is dropped rather than
// queued, satisfying the "edge-triggered with one pending bit" semantics
// of spec.md §4.1 — a worker about to wait observes the one pending
// interrupt (the first sent since its last receive), not a backlog.
type Chan chan Info

// NewChan allocates a ready-to-use interrupt channel.
func NewChan() Chan {
	return make(Chan, 1)
}

// Send delivers sig without blocking. If the slot is full, the signal is
// dropped; the pending one already carries the same "re-evaluate" meaning.
func (c Chan) Send(sig Info) {
	select {
	case c <- sig:
	default:
	}
}

// Recv blocks until a signal arrives or done fires, returning the zero
// Info and ok=false in the latter case.
func (c Chan) Recv(done <-chan struct{}) (Info, bool) {
	select {
	case sig := <-c:
		return sig, true
	case <-done:
		return Info{}, false
	}
}
