// Package uidwindow decides which remote messages a sync pass treats
// as already seen and which as new, and folds per-message results
// into the mailbox watermark.
//
// UIDs are only comparable within one UIDVALIDITY epoch. When the
// server reports a different UIDVALIDITY than the one stored, every
// message is new again regardless of the stored watermark.
package uidwindow

import (
	"fmt"
	"sort"
)

// Range is an inclusive UID range. Stop == 0 means "*" (no upper
// bound). The zero Range means every message in the mailbox.
type Range struct {
	Start uint32
	Stop  uint32
}

// All reports whether r is unrestricted.
func (r Range) All() bool {
	return r.Start == 0 && r.Stop == 0
}

// String renders r in IMAP sequence-set syntax, or "ALL".
func (r Range) String() string {
	switch {
	case r.All():
		return "ALL"
	case r.Stop == 0:
		return fmt.Sprintf("%d:*", r.Start)
	default:
		return fmt.Sprintf("%d:%d", r.Start, r.Stop)
	}
}

// Window is the classification of one pass.
type Window struct {
	// Resync is true when a previously stored UIDVALIDITY no longer
	// matches the server's. The stored watermark has been discarded.
	Resync bool

	// FirstSync is true when the mailbox has never been synced.
	FirstSync bool

	// LastSeen is the watermark the pass starts from. It is zero
	// after a resync.
	LastSeen uint32

	// HasOld reports whether Old should be searched at all.
	HasOld bool
	Old    Range

	// New is always searched.
	New Range
}

// Classify compares the stored and current UIDVALIDITY and derives
// the old and new search ranges from the stored watermark.
func Classify(storedValidity, currentValidity, lastSeen uint32) Window {
	var w Window

	if storedValidity != currentValidity {
		if storedValidity == 0 {
			w.FirstSync = true
		} else {
			w.Resync = true
		}
		lastSeen = 0
	}
	w.LastSeen = lastSeen

	if lastSeen == 0 {
		w.New = Range{}
		return w
	}

	w.HasOld = true
	w.Old = Range{Start: 1, Stop: lastSeen}
	w.New = Range{Start: lastSeen + 1}
	return w
}

// FilterNew returns the UIDs above lastSeen in ascending order.
//
// Searching "UID n:*" always matches the mailbox's highest UID even
// when it is below n, so the raw search result cannot be trusted to
// respect the lower bound.
func FilterNew(uids []uint32, lastSeen uint32) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > lastSeen {
			out = append(out, uid)
		}
	}
	sortUIDs(out)
	return dedupSorted(out)
}

// FilterOld returns the UIDs in [1, lastSeen] in ascending order.
func FilterOld(uids []uint32, lastSeen uint32) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > 0 && uid <= lastSeen {
			out = append(out, uid)
		}
	}
	sortUIDs(out)
	return dedupSorted(out)
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

func dedupSorted(uids []uint32) []uint32 {
	if len(uids) < 2 {
		return uids
	}
	out := uids[:1]
	for _, uid := range uids[1:] {
		if uid != out[len(out)-1] {
			out = append(out, uid)
		}
	}
	return out
}
