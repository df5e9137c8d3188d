// Command chatmail-rpc-server is the JSON-RPC stdio collaborator of
// spec.md §6: it owns one account's store, event bus, and scheduler, and
// exposes them over a line-delimited JSON-RPC transport on stdin/stdout.
//
// Grounded on the teacher's cmd/cli and cmd/event main()s for the overall
// entrypoint shape (parse argv by hand, errors to stderr, os.Exit(1) on
// failure) — generalized here from a one-shot subcommand dispatcher into a
// single persistent server loop, since spec.md's CLI surface is just
// --version plus "run the server."
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/chatmail/core/internal/config"
	"github.com/chatmail/core/internal/eventbus"
	"github.com/chatmail/core/internal/rpcserver"
	"github.com/chatmail/core/internal/store"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]

	if len(args) == 1 && (args[0] == "--version" || args[0] == "-version") {
		fmt.Fprintf(os.Stderr, "chatmail-rpc-server v%s\n", version)
		os.Exit(0)
	}
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "chatmail-rpc-server: unrecognized argument %q\n", args[0])
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()

	accountsDir := config.AccountsDir()
	if err := os.MkdirAll(accountsDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", accountsDir).Msg("create accounts directory")
	}

	acc, err := loadAccount(accountsDir)
	if err != nil {
		log.Fatal().Err(err).Str("accounts_dir", accountsDir).
			Msg("load account config (expected account.json or account.yaml)")
	}

	st, err := store.Open(filepath.Join(accountsDir, "db.sqlite"))
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.ForAccount(accountsDir)
	if err := bus.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("init event bus")
	}

	srv, err := rpcserver.NewServer(acc, st, bus, log, accountsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("build rpc server")
	}

	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("rpc server exited with error")
	}
	srv.StopScheduler(context.Background())
}

// loadAccount loads <accountsDir>/account.json or account.yaml — whichever
// exists — matching the teacher's loadAccount pattern of fatal'ing with a
// clear message rather than synthesizing a config the scheduler can't
// actually use (IMAP/SMTP credentials have no RPC setter; spec.md's
// settable persisted-state keys are all scheduler bookkeeping, not
// connection credentials).
func loadAccount(accountsDir string) (*config.Account, error) {
	for _, name := range []string{"account.json", "account.yaml", "account.yml"} {
		path := filepath.Join(accountsDir, name)
		if _, err := os.Stat(path); err == nil {
			return config.LoadAccountFile(path)
		}
	}
	return nil, fmt.Errorf("no account.json or account.yaml found under %s", accountsDir)
}
