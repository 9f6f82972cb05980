// Package config handles mailsync configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mailsync/internal/session"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultDataDir         = "./data"
	DefaultPort            = 8025
	DefaultTopicPrefix     = "mailsync"
	DefaultPollIntervalSec = 300
	DefaultMaxTagLength    = 20
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailsync/config.yaml, /etc/mailsync/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailsync", "config.yaml"))
	}

	paths = append(paths, "/etc/mailsync/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mailsync configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sync      SyncConfig      `yaml:"sync"`
	Accounts  []AccountConfig `yaml:"accounts"`
}

// ListenConfig defines the API server settings. Port 0 disables the
// server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the optional pass-status publisher. It is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// SyncConfig holds settings shared by every account.
type SyncConfig struct {
	// MaxTagLength caps derived tag length in runes.
	MaxTagLength int `yaml:"max_tag_length"`
}

// AccountConfig is one IMAP account and the mailboxes to sync on it.
type AccountConfig struct {
	Name string         `yaml:"name"`
	IMAP session.Config `yaml:"imap"`

	// CredentialKey names the keyring entry holding the IMAP password
	// when imap.password is empty.
	CredentialKey string `yaml:"credential_key"`

	// GmailLabels overrides label extension detection: auto, on, off.
	GmailLabels string `yaml:"gmail_labels"`

	PollIntervalSec   int             `yaml:"poll_interval_sec"`
	MaxIngestAttempts int             `yaml:"max_ingest_attempts"`
	Mailboxes         []MailboxConfig `yaml:"mailboxes"`
}

// MailboxConfig selects one mailbox of an account.
type MailboxConfig struct {
	Name string `yaml:"name"`
	Sync bool   `yaml:"sync"`
}

// SyncedMailboxes returns the names of mailboxes with sync enabled, in
// configuration order.
func (a AccountConfig) SyncedMailboxes() []string {
	var out []string
	for _, m := range a.Mailboxes {
		if m.Sync {
			out = append(out, m.Name)
		}
	}
	return out
}

// Account returns the named account.
func (c *Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.Sync.MaxTagLength == 0 {
		c.Sync.MaxTagLength = DefaultMaxTagLength
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.GmailLabels == "" {
			a.GmailLabels = session.LabelsAuto
		}
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = DefaultPollIntervalSec
		}
		a.IMAP.GmailLabels = strings.ToLower(a.GmailLabels)
		a.IMAP.MaxTagLength = c.Sync.MaxTagLength
		a.IMAP.ApplyDefaults()
	}
}

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range (0-65535)", c.Listen.Port))
	}
	if c.Sync.MaxTagLength < 1 {
		errs = append(errs, fmt.Errorf("sync.max_tag_length must be positive"))
	}
	if len(c.Accounts) == 0 {
		errs = append(errs, fmt.Errorf("at least one account is required"))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else {
			prefix = fmt.Sprintf("account %q", a.Name)
			if seen[a.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", prefix))
			}
			seen[a.Name] = true
		}
		if err := a.IMAP.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if a.PollIntervalSec < 0 {
			errs = append(errs, fmt.Errorf("%s: poll_interval_sec must not be negative", prefix))
		}
		if a.MaxIngestAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s: max_ingest_attempts must not be negative", prefix))
		}
		if len(a.SyncedMailboxes()) == 0 {
			errs = append(errs, fmt.Errorf("%s: no mailbox has sync enabled", prefix))
		}
	}

	return errors.Join(errs...)
}

// ResolveSecrets fills empty IMAP passwords from get, keyed by each
// account's credential_key. Accounts with a password or without a key
// are left alone.
func (c *Config) ResolveSecrets(get func(key string) (string, error)) error {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.IMAP.Password != "" || a.CredentialKey == "" {
			continue
		}
		pw, err := get(a.CredentialKey)
		if err != nil {
			return fmt.Errorf("account %q: %w", a.Name, err)
		}
		a.IMAP.Password = pw
	}
	return nil
}
