// Package config loads the single-account configuration this core needs:
// server settings for IMAP/SMTP and the folder names the scheduler watches.
//
// It generalizes the multi-account JSON schema the teacher CLI used
// (pkgs/config.Config) down to the one account a chat core binds to, and
// adds a YAML loader since DC_ACCOUNTS_PATH points at a directory of
// per-account state where either format is a reasonable on-disk choice.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvAccountsPath is the environment variable naming the directory of
// account data. Defaults to "accounts" when unset (spec.md §6).
const EnvAccountsPath = "DC_ACCOUNTS_PATH"

// ProtocolSettings holds connection settings common to IMAP and SMTP.
type ProtocolSettings struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// SSL enables implicit TLS (connect directly over TLS).
	SSL bool `json:"ssl" yaml:"ssl"`
	// StartTLS enables opportunistic TLS upgrade after connecting in plaintext.
	StartTLS bool `json:"starttls" yaml:"starttls"`
}

// Account holds everything the scheduler needs to run one chat identity.
type Account struct {
	Addr        string `json:"addr" yaml:"addr"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	IMAP ProtocolSettings `json:"imap" yaml:"imap"`
	SMTP ProtocolSettings `json:"smtp" yaml:"smtp"`

	// Watched folders. Empty means "not configured" (scheduler loop goes
	// not-configured and fake-idles, per spec.md §4.2).
	InboxFolder   string `json:"inbox_folder" yaml:"inbox_folder"`
	MvboxFolder   string `json:"mvbox_folder,omitempty" yaml:"mvbox_folder,omitempty"`
	SentboxFolder string `json:"sentbox_folder,omitempty" yaml:"sentbox_folder,omitempty"`

	WatchMvbox   bool `json:"watch_mvbox,omitempty" yaml:"watch_mvbox,omitempty"`
	WatchSentbox bool `json:"watch_sentbox,omitempty" yaml:"watch_sentbox,omitempty"`

	// DeleteServerAfter deletes a message from the server (mark \Deleted +
	// EXPUNGE) once it has been fetched and stored, instead of moving it to
	// MvboxFolder (spec.md §4.2 step 6's "delete" rule). Mutually exclusive
	// with the move-to-Mvbox rule; move wins if both are configured.
	DeleteServerAfter bool `json:"delete_server_after,omitempty" yaml:"delete_server_after,omitempty"`
}

// Domain returns the domain part of the account address, or "localhost" if
// none can be extracted.
func (a *Account) Domain() string {
	if idx := strings.Index(a.Addr, "@"); idx >= 0 {
		return a.Addr[idx+1:]
	}
	return "localhost"
}

// Validate checks that the minimum fields required to run a scheduler are
// present.
func (a *Account) Validate() error {
	if a.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if a.IMAP.Host == "" {
		return fmt.Errorf("config: imap.host is required")
	}
	if a.SMTP.Host == "" {
		return fmt.Errorf("config: smtp.host is required")
	}
	return nil
}

// AccountsDir returns the directory named by DC_ACCOUNTS_PATH, defaulting
// to "accounts".
func AccountsDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvAccountsPath)); dir != "" {
		return dir
	}
	return "accounts"
}

// LoadAccountFile loads an Account from a JSON or YAML file, chosen by
// extension (".yaml"/".yml" selects the YAML loader).
func LoadAccountFile(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var acc Account
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &acc); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &acc); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}

	if err := acc.Validate(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// SaveAccountFile persists an Account as indented JSON.
func SaveAccountFile(path string, acc *Account) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
