// Package session wraps one authenticated IMAP connection for the
// sync engine.
//
// A Session is built by [Dial], which logs in, reads the server's
// capabilities and mailbox list, and derives two values that stay
// fixed for the session's lifetime: the [Variant] (whether the server
// speaks Gmail's X-GM-LABELS extension) and the label/tag [labels.Map].
// IMAP sessions are stateful (SELECT changes what every later command
// refers to), so all methods serialize on one mutex.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/nugget/mailsync/internal/labels"
)

// GmailCapability is advertised by servers supporting X-GM-LABELS.
const GmailCapability = "X-GM-EXT-1"

// Variant describes what the connected server supports. It is
// computed once at connect time and never changes.
type Variant struct {
	// GmailLabels is true when labels can be fetched and stored.
	GmailLabels bool `json:"gmail_labels"`

	// Capabilities is the sorted capability list seen after login.
	Capabilities []string `json:"capabilities"`
}

// MailboxInfo is one entry of the server's mailbox list.
type MailboxInfo struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// Session is one logged-in IMAP connection. All public methods are
// goroutine-safe, but commands are executed one at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	variant   Variant
	mailboxes []MailboxInfo
	labels    *labels.Map

	mu       sync.Mutex
	client   *client.Client
	selected string
	readOnly bool
}

// Dial connects, authenticates, and reads the capability and mailbox
// lists. Every failure is a *ConnectionError.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, connErr("dial", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.commandTimeout()}

	logger.Debug("connecting to IMAP server", "host", cfg.Host, "port", cfg.Port, "tls", cfg.TLS)

	var c *client.Client
	var err error
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test servers
		})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, connErr("dial", fmt.Errorf("dial IMAP %s: %w", addr, err))
	}
	c.Timeout = cfg.commandTimeout()
	c.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, connErr("login", fmt.Errorf("login as %s: %w", cfg.Username, err))
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Logout()
		return nil, connErr("capability", err)
	}

	mailboxes, err := listMailboxes(c)
	if err != nil {
		_ = c.Logout()
		return nil, connErr("list", err)
	}

	variant := newVariant(caps, cfg.GmailLabels)
	names := make([]string, len(mailboxes))
	for i, mb := range mailboxes {
		names[i] = mb.Name
		if variant.GmailLabels {
			names[i] = labels.SystemLabel(mb.Name, mb.Attributes)
		}
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		variant:   variant,
		mailboxes: mailboxes,
		labels:    labels.Mapper{MaxTagLength: cfg.MaxTagLength}.Extract(names),
		client:    c,
	}

	logger.Info("IMAP connected",
		"host", cfg.Host,
		"user", cfg.Username,
		"gmail_labels", s.variant.GmailLabels,
		"mailboxes", len(mailboxes),
		"labels", s.labels.Len(),
	)
	return s, nil
}

func newVariant(caps map[string]bool, mode string) Variant {
	list := make([]string, 0, len(caps))
	for name, ok := range caps {
		if ok {
			list = append(list, strings.ToUpper(name))
		}
	}
	sort.Strings(list)

	var gmail bool
	switch strings.ToLower(mode) {
	case LabelsOn:
		gmail = true
	case LabelsOff:
		gmail = false
	default:
		for _, name := range list {
			if name == GmailCapability {
				gmail = true
				break
			}
		}
	}
	return Variant{GmailLabels: gmail, Capabilities: list}
}

func listMailboxes(c *client.Client) ([]MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", ch)
	}()

	var out []MailboxInfo
	for mb := range ch {
		out = append(out, MailboxInfo{
			Name:       mb.Name,
			Delimiter:  mb.Delimiter,
			Attributes: mb.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return out, nil
}

// Variant returns the capability summary computed at connect time.
func (s *Session) Variant() Variant {
	return s.variant
}

// Labels returns the session's label/tag map.
func (s *Session) Labels() *labels.Map {
	return s.labels
}

// Mailboxes returns the mailbox list read at connect time.
func (s *Session) Mailboxes() []MailboxInfo {
	return s.mailboxes
}

// Close logs out. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	err := s.client.Logout()
	s.client = nil
	s.selected = ""
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
	}
	if err != nil {
		return connErr("logout", err)
	}
	s.logger.Debug("IMAP logged out", "host", s.cfg.Host)
	return nil
}

// clientLocked returns the live client. Caller must hold s.mu.
func (s *Session) clientLocked(ctx context.Context, op string) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, connErr(op, err)
	}
	if s.client == nil {
		return nil, connErr(op, ErrClosed)
	}
	return s.client, nil
}
