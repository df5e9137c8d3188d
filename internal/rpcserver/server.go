// Package rpcserver is the JSON-RPC stdio collaborator of spec.md §6: a
// line-delimited transport where every inbound line is an independent JSON
// object, dispatched to its own goroutine, with a single "event"
// notification channel fed by internal/eventbus and a single operation
// surface (the command API) fronting internal/store, internal/scheduler,
// internal/snapshot, and internal/export. The scheduler lives behind this
// surface but is never itself a method name.
//
// Grounded on the teacher's cmd/cli and cmd/event entrypoints for the
// overall shape (a thin main() wiring flags/env into a long-lived loop,
// errors written to stderr) generalized from the teacher's one-shot CLI
// subcommands into a persistent per-line dispatcher, since the teacher has
// no RPC transport of its own to adapt directly.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/scheduler"
	"github.com/chatmail/core/internal/store"
)

// rpcEventChannel is the eventbus channel this server's marker consumes;
// every domain event (scheduler loops, send_msg) is emitted to the
// "core" channel by the producers and mirrored here under its own marker
// so a restart resumes forwarding from where it left off.
const rpcEventChannel = "core"

// eventPollInterval is how often forwardEvents checks the bus for new
// entries. The eventbus is a polled, file-based mechanism (no blocking
// subscribe call), so this is the notification channel's latency floor.
const eventPollInterval = 200 * time.Millisecond

// Server holds everything one account's RPC surface needs. One Server
// serves exactly one account, matching the one-process-per-account model
// DC_ACCOUNTS_PATH implies.
type Server struct {
	cfg         *config.Account
	st          *store.Store
	bus         *eventbus.Bus
	log         zerolog.Logger
	accountsDir string

	envelopeSchema *jsonschema.Schema

	mu    sync.Mutex
	sched *scheduler.Scheduler

	out   io.Writer
	outMu sync.Mutex
}

// NewServer builds a Server ready to Run. The scheduler is not started
// here; a client must send start_io (spec.md §6: "the scheduler lives
// behind this API").
func NewServer(cfg *config.Account, st *store.Store, bus *eventbus.Bus, log zerolog.Logger, accountsDir string) (*Server, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, fmt.Errorf("rpcserver: compile envelope schema: %w", err)
	}
	return &Server{
		cfg:            cfg,
		st:             st,
		bus:            bus,
		log:            log,
		accountsDir:    accountsDir,
		envelopeSchema: schema,
	}, nil
}

// Run reads newline-delimited JSON-RPC requests from r and writes
// responses and "event" notifications to w. It returns once r is exhausted,
// every dispatched line is handled, and ctx is cancelled: the event
// forwarder runs until ctx ends, and ctx does not interrupt a read blocked
// on r. Each inbound line is dispatched in its own goroutine (spec.md
// §6: "server spawns a new task per inbound line"), so a slow handler
// never blocks the next request's turnaround.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	notifyDone := make(chan struct{})
	go s.forwardEvents(ctx, notifyDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, line)
		}()
	}
	wg.Wait()
	<-notifyDone

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpcserver: read input: %w", err)
	}
	return nil
}

// StopScheduler shuts down a running scheduler, if any. Exposed for
// main() to call on process shutdown in addition to the stop_io method.
func (s *Server) StopScheduler(ctx context.Context) {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()
	if sched != nil {
		_ = sched.Stop(ctx)
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	idField := gjson.GetBytes(line, "id")
	var id json.RawMessage
	if idField.Exists() {
		id = json.RawMessage(idField.Raw)
	}

	var generic any
	if err := json.Unmarshal(line, &generic); err != nil {
		s.writeError(id, fmt.Errorf("parse error: %w", err))
		return
	}
	if err := s.envelopeSchema.Validate(generic); err != nil {
		s.writeError(id, fmt.Errorf("invalid request envelope: %w", err))
		return
	}

	method := gjson.GetBytes(line, "method").String()
	handler, ok := methods[method]
	if !ok {
		s.writeError(id, fmt.Errorf("unknown method %q", method))
		return
	}

	params := []byte(gjson.GetBytes(line, "params").Raw)
	result, err := handler(ctx, s, params)
	if err != nil {
		s.writeError(id, err)
		return
	}
	s.writeResult(id, result)
}

func (s *Server) forwardEvents(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := s.bus.List(ctx, rpcEventChannel, 0)
			if err != nil {
				s.log.Debug().Err(err).Msg("rpc: event forward poll failed")
				continue
			}
			if len(entries) == 0 {
				continue
			}
			for _, e := range entries {
				s.writeLine(notification{JSONRPC: "2.0", Method: "event", Params: e})
			}
			last := entries[len(entries)-1]
			if err := s.bus.Mark(ctx, rpcEventChannel, eventbus.Position{File: last.File, Offset: last.Offset}); err != nil {
				s.log.Debug().Err(err).Msg("rpc: mark event position failed")
			}
		}
	}
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.writeLine(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, err error) {
	s.log.Warn().Err(err).Msg("rpc: request failed")
	s.writeLine(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Message: err.Error()}})
}

func (s *Server) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("rpc: marshal response failed")
		return
	}
	data = append(data, '\n')

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.log.Error().Err(err).Msg("rpc: write response failed")
	}
}
