// Package events is the in-process event bus for sync activity. The
// sync engine and the runner publish pass lifecycle events; the API's
// websocket stream and the MQTT bridge subscribe. A nil *Bus accepts
// Publish and Emit as no-ops, so engines built without a bus need no
// guards.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceSync identifies events from a single mailbox pass.
	SourceSync = "sync"
	// SourceRunner identifies events from the per-account scheduler.
	SourceRunner = "runner"
	// SourceAPI identifies events caused by local edits over HTTP.
	SourceAPI = "api"
)

// Kinds. Every sync event carries account and mailbox in Data.
const (
	// KindPassStart signals a pass has begun.
	KindPassStart = "pass_start"
	// KindPassComplete signals a pass reached its final state.
	// Data: refreshed, ingested, failed, pushed, last_seen_uid, elapsed_ms.
	KindPassComplete = "pass_complete"
	// KindPassFailed signals a pass aborted on a connection error.
	// Data: state, error.
	KindPassFailed = "pass_failed"
	// KindResync signals that UIDVALIDITY changed and every message
	// is being treated as new. Data: stored, current.
	KindResync = "resync"
	// KindIngestFailed signals one message could not be ingested.
	// Data: uid, error.
	KindIngestFailed = "ingest_failed"
	// KindPoisonSkipped signals the watermark stepped over a message
	// that kept failing. Data: uid, attempts.
	KindPoisonSkipped = "poison_skipped"
	// KindPushed signals local edits were written to the server.
	// Data: uid, commands.
	KindPushed = "pushed"

	// KindConnectFailed signals the runner could not open a session.
	// Data: error, retry_in_ms.
	KindConnectFailed = "connect_failed"

	// KindThreadUpdated signals a local tag or archive edit.
	// Data: thread_id.
	KindThreadUpdated = "thread_updated"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with room for
// bufSize pending events. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
