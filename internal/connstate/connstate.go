// Package connstate implements the per-worker connection state described
// in spec.md §3 "Connection state" and §4.1: a stop channel, an interrupt
// channel, and a shared, externally-observable connectivity handle.
package connstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatmail/core/internal/interrupt"
)

// Status is the connectivity enum of spec.md §4.1.
type Status int

const (
	NotConfigured Status = iota
	Connecting
	Working
	Connected
	ErrorWithMessage
)

func (s Status) String() string {
	switch s {
	case NotConfigured:
		return "not-configured"
	case Connecting:
		return "connecting"
	case Working:
		return "working"
	case Connected:
		return "connected"
	case ErrorWithMessage:
		return "error"
	default:
		return "unknown"
	}
}

// Connectivity is the mutex-guarded, externally-observed connectivity
// handle shared between a worker and readers of the API surface.
type Connectivity struct {
	mu      sync.Mutex
	status  Status
	message string
}

// Get returns a linearizable snapshot of the current status and, if the
// status is ErrorWithMessage, the associated message.
func (c *Connectivity) Get() (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.message
}

func (c *Connectivity) set(s Status, msg string) {
	c.mu.Lock()
	c.status = s
	c.message = msg
	c.mu.Unlock()
}

func (c *Connectivity) SetNotConfigured() { c.set(NotConfigured, "") }
func (c *Connectivity) SetConnecting()    { c.set(Connecting, "") }
func (c *Connectivity) SetWorking()       { c.set(Working, "") }
func (c *Connectivity) SetConnected()     { c.set(Connected, "") }
func (c *Connectivity) SetError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.set(ErrorWithMessage, msg)
}

// State is a single IMAP or SMTP worker's connection state. The supervisor
// owns the State value; the worker owns the receiving ends of its
// channels (spec.md §3 "Connection state" ownership rule).
type State struct {
	stop         chan struct{}
	stopAck      chan struct{}
	idleInt      interrupt.Chan
	Connectivity *Connectivity
}

// New constructs a connection state with fresh channels.
func New() *State {
	return &State{
		stop:         make(chan struct{}),
		stopAck:      make(chan struct{}),
		idleInt:      interrupt.NewChan(),
		Connectivity: &Connectivity{},
	}
}

// Interrupt delivers an interrupt signal without blocking (spec.md §4.1).
func (s *State) Interrupt(info interrupt.Info) {
	s.idleInt.Send(info)
}

// IdleChan returns the receiving end of the interrupt channel for the
// worker to select on.
func (s *State) IdleChan() interrupt.Chan {
	return s.idleInt
}

// StopChan returns the channel the worker should select on to notice a
// stop request.
func (s *State) StopChan() <-chan struct{} {
	return s.stop
}

// AckStop must be called exactly once by the worker after it has observed
// StopChan and is about to return, so Stop can unblock its waiters.
func (s *State) AckStop() {
	close(s.stopAck)
}

// Stop signals the worker to shut down and blocks until the worker calls
// AckStop, the context is cancelled, or 30 seconds elapse (spec.md §3
// "joined with a 30-second timeout"). It returns nil once the worker has
// acknowledged, ctx.Err() if the context ends first, and an error if the
// 30 seconds elapse; the caller logs such an error rather than propagating
// it (spec.md §7, "stop is infallible").
func (s *State) Stop(ctx context.Context) error {
	select {
	case <-s.stop:
		// Already stopped; avoid double-close panics on repeated calls.
	default:
		close(s.stop)
	}

	timeout := 30 * time.Second
	select {
	case <-s.stopAck:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("connstate: worker did not stop within %s", timeout)
	}
}
