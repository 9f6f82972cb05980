// Package mailbox defines the identifiers and records shared by the
// sync engine and its stores: the per-mailbox sync state and the
// stable key that ties a remote message to its local copy.
package mailbox

import (
	"fmt"
	"strings"
	"time"
)

// Inbox is the one mailbox name IMAP servers must treat
// case-insensitively.
const Inbox = "INBOX"

// IsInbox reports whether name refers to the INBOX.
func IsInbox(name string) bool {
	return strings.EqualFold(name, Inbox)
}

// Key identifies one remote message. A UID is only meaningful
// together with the UIDVALIDITY it was issued under, so the pair is
// carried everywhere as a unit.
type Key struct {
	Account     string `json:"account" db:"account"`
	Mailbox     string `json:"mailbox" db:"mailbox"`
	UIDValidity uint32 `json:"uid_validity" db:"uid_validity"`
	UID         uint32 `json:"uid" db:"uid"`
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", k.Account, k.Mailbox, k.UIDValidity, k.UID)
}

// State is the persisted sync position of one mailbox.
type State struct {
	Account     string `json:"account"`
	Name        string `json:"mailbox"`
	UIDValidity uint32 `json:"uid_validity"`
	LastSeenUID uint32 `json:"last_seen_uid"`

	// StuckUID is the UID that blocked the watermark on the most
	// recent pass, and StuckAttempts how many consecutive passes it
	// has failed. Both are zero when the last pass was clean.
	StuckUID      uint32 `json:"stuck_uid,omitempty"`
	StuckAttempts int    `json:"stuck_attempts,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Message is the local handle for an ingested remote message.
type Message struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	Key       Key    `json:"key"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject,omitempty"`

	// Root is true for the first message of its thread. Only root
	// messages carry thread tags to and from the server.
	Root bool `json:"root"`

	// NeedsSync marks a root message whose thread was edited locally
	// and has not been pushed back yet.
	NeedsSync bool `json:"needs_sync"`

	// SyncGen counts local edits. A push clears NeedsSync only if the
	// generation it read is still current.
	SyncGen int64 `json:"-"`
}
