package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-imap"
)

// ConnectionError is an authentication or transport failure. It is
// fatal to the current sync pass; the next pass starts over from the
// last committed watermark.
type ConnectionError struct {
	// Op is the IMAP operation that failed (dial, login, select, ...).
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("session closed")

// ErrLabelsUnsupported is returned when a label store is attempted on
// a server without the label extension.
var ErrLabelsUnsupported = errors.New("server does not support X-GM-LABELS")

func connErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Op: op, Err: err}
}

// stater is the part of the client commandErr needs.
type stater interface {
	State() imap.ConnState
}

// commandErr classifies a failed command. A NO or BAD reply leaves the
// connection logged in and is returned as a plain error, so callers
// can carry on with other mailboxes. Anything that took the
// connection down is a *ConnectionError.
func commandErr(c stater, op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransportError(err) || c.State()&imap.AuthenticatedState == 0 {
		return connErr(op, err)
	}
	return fmt.Errorf("imap %s: %w", op, err)
}

func isTransportError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	// go-imap reports a connection dropped mid-command with a plain
	// error string.
	return strings.Contains(err.Error(), "connection closed")
}
