package rpcserver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/export"
	"github.com/chatmail/core/internal/mailsmtp"
	"github.com/chatmail/core/internal/scheduler"
	"github.com/chatmail/core/internal/snapshot"
)

// handlerFunc is the shape of one command. Params are read with gjson
// rather than unmarshalled into a per-command struct (DESIGN.md: gjson's
// read-only traversal replaces a schema-generated struct per command),
// since the command surface is small and every field here is a scalar or
// a flat array of scalars.
type handlerFunc func(ctx context.Context, s *Server, params []byte) (any, error)

var methods = map[string]handlerFunc{
	"get_info":         handleGetInfo,
	"start_io":         handleStartIO,
	"stop_io":          handleStopIO,
	"get_config":       handleGetConfig,
	"set_config":       handleSetConfig,
	"list_contacts":    handleListContacts,
	"send_msg":         handleSendMsg,
	"export_backup":    handleExportBackup,
	"import_backup":    handleImportBackup,
	"export_chat_mbox": handleExportChatMbox,
	"export_all_mbox":  handleExportAllMbox,
}

func handleGetInfo(_ context.Context, s *Server, _ []byte) (any, error) {
	s.mu.Lock()
	running := s.sched != nil
	s.mu.Unlock()
	return map[string]any{
		"addr":         s.cfg.Addr,
		"accounts_dir": s.accountsDir,
		"io_running":   running,
	}, nil
}

// handleStartIO spawns the scheduler's loop fleet, matching spec.md §4.5's
// Start contract: it either fully succeeds or leaves nothing running.
func handleStartIO(ctx context.Context, s *Server, _ []byte) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched != nil {
		return nil, fmt.Errorf("start_io: already running")
	}
	sched := scheduler.New(s.cfg, s.st, s.bus, s.log)
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	s.sched = sched
	return map[string]any{"started": true}, nil
}

func handleStopIO(ctx context.Context, s *Server, _ []byte) (any, error) {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()

	if sched == nil {
		return map[string]any{"stopped": false}, nil
	}
	if err := sched.Stop(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"stopped": true}, nil
}

func handleGetConfig(ctx context.Context, s *Server, params []byte) (any, error) {
	key := gjson.GetBytes(params, "key").String()
	if key == "" {
		return nil, fmt.Errorf("get_config: key is required")
	}
	value, ok, err := s.st.ConfigGet(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value, "ok": ok}, nil
}

func handleSetConfig(ctx context.Context, s *Server, params []byte) (any, error) {
	key := gjson.GetBytes(params, "key").String()
	value := gjson.GetBytes(params, "value").String()
	if key == "" {
		return nil, fmt.Errorf("set_config: key is required")
	}
	if err := s.st.ConfigSet(ctx, key, value); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleListContacts(ctx context.Context, s *Server, _ []byte) (any, error) {
	contacts, err := s.st.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// handleSendMsg composes an RFC 5322 message via mailsmtp.BuildMessage
// (the composer mailsmtp.Client.Send also uses), stores it as a msgs row, and
// queues it on the outbox for the SMTP loop to pick up — independent of
// whether io is currently running, matching how auxloop's location sender
// queues without holding an open connection.
func handleSendMsg(ctx context.Context, s *Server, params []byte) (any, error) {
	chatID := gjson.GetBytes(params, "chat_id").Int()
	subject := gjson.GetBytes(params, "subject").String()
	text := gjson.GetBytes(params, "text").String()

	var to []mailsmtp.Address
	var recipients []string
	for _, r := range gjson.GetBytes(params, "to").Array() {
		addr := r.String()
		if addr == "" {
			continue
		}
		to = append(to, mailsmtp.Address{Email: addr})
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("send_msg: to is required")
	}
	if text == "" {
		return nil, fmt.Errorf("send_msg: text is required")
	}

	mid := mailsmtp.GenerateMessageID(s.cfg.Addr)
	buf, err := mailsmtp.BuildMessage(mailsmtp.OutgoingMessage{
		From:     mailsmtp.Address{Name: s.cfg.DisplayName, Email: s.cfg.Addr},
		To:       to,
		Subject:  subject,
		TextBody: text,
	})
	if err != nil {
		return nil, fmt.Errorf("send_msg: build message: %w", err)
	}

	res, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO msgs (rfc724_mid, chat_id, from_id, to_id, timestamp, txt, subject)
		VALUES (?, ?, 0, 0, ?, ?, ?)`, mid, chatID, time.Now().Unix(), text, subject)
	if err != nil {
		return nil, fmt.Errorf("send_msg: insert message row: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("send_msg: read inserted id: %w", err)
	}

	if _, err := s.st.EnqueueOutgoing(ctx, msgID, mid, recipients, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("send_msg: enqueue: %w", err)
	}

	if _, err := s.bus.Emit(ctx, eventbus.TypeMsgsChanged, rpcEventChannel, map[string]int64{"chat_id": chatID, "msg_id": msgID}); err != nil {
		s.log.Warn().Err(err).Msg("send_msg: event emit failed")
	}

	return map[string]any{"msg_id": msgID, "rfc724_mid": mid}, nil
}

func handleExportBackup(ctx context.Context, s *Server, params []byte) (any, error) {
	path := gjson.GetBytes(params, "path").String()
	if path == "" {
		return nil, fmt.Errorf("export_backup: path is required")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export_backup: %w", err)
	}
	defer f.Close()

	if err := snapshot.Encode(ctx, s.st, f); err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}

func handleImportBackup(ctx context.Context, s *Server, params []byte) (any, error) {
	path := gjson.GetBytes(params, "path").String()
	if path == "" {
		return nil, fmt.Errorf("import_backup: path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("import_backup: %w", err)
	}
	defer f.Close()

	if err := snapshot.Decode(ctx, s.st, f); err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}

func handleExportChatMbox(ctx context.Context, s *Server, params []byte) (any, error) {
	chatID := gjson.GetBytes(params, "chat_id").Int()
	path := gjson.GetBytes(params, "path").String()
	if path == "" {
		return nil, fmt.Errorf("export_chat_mbox: path is required")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export_chat_mbox: %w", err)
	}
	defer f.Close()

	if err := export.ChatToMbox(ctx, s.st, s.cfg.Addr, chatID, f); err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}

func handleExportAllMbox(ctx context.Context, s *Server, params []byte) (any, error) {
	path := gjson.GetBytes(params, "path").String()
	if path == "" {
		return nil, fmt.Errorf("export_all_mbox: path is required")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("export_all_mbox: %w", err)
	}
	defer f.Close()

	if err := export.AllChatsToMbox(ctx, s.st, s.cfg.Addr, f); err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}
