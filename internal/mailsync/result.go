package mailsync

import (
	"encoding/json"
	"time"
)

// State is a step of the per-pass state machine. A pass moves through
// the states in order and reports the last one it completed.
type State int

const (
	StateIdle State = iota
	StateValidityChecked
	StateOldRefreshed
	StateNewIngested
	StateWatermarkCommitted
	StateReversePushed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateValidityChecked:    "validity_checked",
	StateOldRefreshed:       "old_refreshed",
	StateNewIngested:        "new_ingested",
	StateWatermarkCommitted: "watermark_committed",
	StateReversePushed:      "reverse_pushed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Failure is one message that could not be ingested during a pass.
type Failure struct {
	UID uint32
	Err error
}

// MarshalJSON renders the error as a string.
func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		UID   uint32 `json:"uid"`
		Error string `json:"error"`
	}{f.UID, msg})
}

// Result summarizes one pass over one mailbox.
type Result struct {
	Account string `json:"account"`
	Mailbox string `json:"mailbox"`

	// State is the last state the pass completed. It is
	// StateReversePushed for a pass that ran to the end.
	State State `json:"state"`

	Resync      bool   `json:"resync,omitempty"`
	FirstSync   bool   `json:"first_sync,omitempty"`
	UIDValidity uint32 `json:"uid_validity"`
	LastSeenUID uint32 `json:"last_seen_uid"`

	// Refreshed counts root messages whose tags were reconciled from
	// the old range.
	Refreshed int `json:"refreshed"`
	// Ingested counts new messages ingested successfully.
	Ingested int `json:"ingested"`
	// Pushed counts threads whose local edits were written back.
	Pushed int `json:"pushed"`
	// StoreCommands counts UID STORE commands issued.
	StoreCommands int `json:"store_commands"`

	Failures []Failure `json:"failures,omitempty"`
	Skipped  []uint32  `json:"skipped,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Complete reports whether the pass ran through every state.
func (r *Result) Complete() bool {
	return r != nil && r.State == StateReversePushed
}
