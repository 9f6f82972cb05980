package session

import (
	"fmt"
	"strings"
	"time"
)

// Label support modes for Config.GmailLabels.
const (
	LabelsAuto = "auto"
	LabelsOn   = "on"
	LabelsOff  = "off"
)

// DefaultCommandTimeout bounds every IMAP command when Config does
// not set one.
const DefaultCommandTimeout = 60 * time.Second

// Config holds IMAP server connection parameters.
type Config struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use implicit TLS. Default: true unless
	// the port is 143.
	TLS bool `yaml:"tls"`

	// InsecureSkipVerify disables certificate verification. Only for
	// self-signed test servers.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CommandTimeoutSec bounds each IMAP command. Default: 60.
	CommandTimeoutSec int `yaml:"command_timeout_sec"`

	// GmailLabels overrides X-GM-EXT-1 detection: "auto", "on" or
	// "off". Set from the account config.
	GmailLabels string `yaml:"-"`

	// MaxTagLength is passed to the label mapper. Set from the sync
	// config.
	MaxTagLength int `yaml:"-"`
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 993
	}
	// TLS stays off only on the plaintext convention port.
	if !c.TLS && c.Port != 143 {
		c.TLS = true
	}
	if c.CommandTimeoutSec == 0 {
		c.CommandTimeoutSec = int(DefaultCommandTimeout / time.Second)
	}
	if c.GmailLabels == "" {
		c.GmailLabels = LabelsAuto
	}
}

// Validate reports the first missing or out-of-range field.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range (1-65535)", c.Port)
	}
	if c.CommandTimeoutSec < 0 {
		return fmt.Errorf("imap.command_timeout_sec must not be negative")
	}
	switch strings.ToLower(c.GmailLabels) {
	case "", LabelsAuto, LabelsOn, LabelsOff:
	default:
		return fmt.Errorf("gmail_labels %q must be one of auto, on, off", c.GmailLabels)
	}
	return nil
}

func (c Config) commandTimeout() time.Duration {
	if c.CommandTimeoutSec <= 0 {
		return DefaultCommandTimeout
	}
	return time.Duration(c.CommandTimeoutSec) * time.Second
}
