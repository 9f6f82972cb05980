package mailsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/mailsync/internal/ingest"
	"github.com/nugget/mailsync/internal/labels"
	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/session"
	"github.com/nugget/mailsync/internal/threads"
	"github.com/nugget/mailsync/internal/uidwindow"
)

type fakeMessage struct {
	flags   []string
	labels  []string
	content []byte
}

type storeCall struct {
	UID    uint32
	Item   session.Item
	Op     session.Op
	Values []string
}

func (c storeCall) String() string {
	return fmt.Sprintf("%d %s%s %v", c.UID, c.Op, c.Item, c.Values)
}

// fakeSession is an in-memory mailbox speaking the Session interface.
type fakeSession struct {
	variant  session.Variant
	labelMap *labels.Map
	validity uint32
	msgs     map[uint32]*fakeMessage

	selectErr   error
	selectRWErr error
	fetchErr    error
	// rwValidity, when set, is reported by read-write selects only.
	rwValidity uint32

	selected string
	readOnly bool
	selects  []bool
	stores   []storeCall
}

func newFakeSession(gmail bool, labelMap *labels.Map) *fakeSession {
	return &fakeSession{
		variant:  session.Variant{GmailLabels: gmail},
		labelMap: labelMap,
		validity: 1,
		msgs:     make(map[uint32]*fakeMessage),
	}
}

func (f *fakeSession) add(uid uint32, messageID string, flags, labels []string) {
	f.msgs[uid] = &fakeMessage{
		flags:   flags,
		labels:  labels,
		content: rawMail(messageID),
	}
}

func rawMail(messageID string) []byte {
	return []byte("Subject: " + messageID + "\r\nMessage-ID: <" + messageID + "@example.com>\r\n\r\nbody\r\n")
}

func (f *fakeSession) Variant() session.Variant { return f.variant }
func (f *fakeSession) Labels() *labels.Map      { return f.labelMap }

func (f *fakeSession) Select(_ context.Context, name string, readOnly bool) (session.SelectData, error) {
	if f.selectErr != nil {
		return session.SelectData{}, f.selectErr
	}
	if !readOnly && f.selectRWErr != nil {
		return session.SelectData{}, f.selectRWErr
	}
	f.selected = name
	f.readOnly = readOnly
	f.selects = append(f.selects, readOnly)
	validity := f.validity
	if !readOnly && f.rwValidity != 0 {
		validity = f.rwValidity
	}
	return session.SelectData{Name: name, UIDValidity: validity, ReadOnly: readOnly}, nil
}

func (f *fakeSession) uids() []uint32 {
	out := make([]uint32, 0, len(f.msgs))
	for uid := range f.msgs {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// Search mimics a real server, including "n:*" matching the highest
// UID when nothing is at or above n.
func (f *fakeSession) Search(_ context.Context, r uidwindow.Range) ([]uint32, error) {
	all := f.uids()
	if r.All() {
		return all, nil
	}
	var out []uint32
	for _, uid := range all {
		if uid >= r.Start && (r.Stop == 0 || uid <= r.Stop) {
			out = append(out, uid)
		}
	}
	if r.Stop == 0 && len(out) == 0 && len(all) > 0 {
		out = append(out, all[len(all)-1])
	}
	return out, nil
}

func (f *fakeSession) Fetch(_ context.Context, uids []uint32, fields session.Fields) ([]session.Descriptor, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []session.Descriptor
	// Servers answer in their own order.
	for i := len(uids) - 1; i >= 0; i-- {
		m, ok := f.msgs[uids[i]]
		if !ok {
			continue
		}
		d := session.Descriptor{UID: uids[i], Flags: slices.Clone(m.flags)}
		if f.variant.GmailLabels {
			d.Labels = slices.Clone(m.labels)
		}
		if fields.Content {
			d.Content = m.content
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeSession) Store(_ context.Context, uid uint32, item session.Item, op session.Op, values []string) error {
	if f.readOnly {
		return errors.New("store on read-only selection")
	}
	if item == session.ItemLabels && !f.variant.GmailLabels {
		return session.ErrLabelsUnsupported
	}
	f.stores = append(f.stores, storeCall{uid, item, op, slices.Clone(values)})

	m := f.msgs[uid]
	target := &m.flags
	if item == session.ItemLabels {
		target = &m.labels
	}
	for _, v := range values {
		idx := slices.Index(*target, v)
		switch {
		case op == session.OpAdd && idx < 0:
			*target = append(*target, v)
		case op == session.OpRemove && idx >= 0:
			*target = slices.Delete(*target, idx, idx+1)
		}
	}
	return nil
}

// memState is an in-memory MailboxStore.
type memState struct {
	mu     sync.Mutex
	states map[string]mailbox.State
	saves  int
}

func newMemState() *memState {
	return &memState{states: make(map[string]mailbox.State)}
}

func (m *memState) LoadMailbox(_ context.Context, account, name string) (mailbox.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[account+"/"+name]; ok {
		return st, nil
	}
	return mailbox.State{Account: account, Name: name}, nil
}

func (m *memState) SaveMailbox(_ context.Context, st mailbox.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Account+"/"+st.Name] = st
	m.saves++
	return nil
}

// flakyIngester fails for the listed UIDs.
type flakyIngester struct {
	next Ingester
	fail map[uint32]bool
}

func (f *flakyIngester) Ingest(ctx context.Context, raw []byte, key mailbox.Key) (mailbox.Message, error) {
	if f.fail[key.UID] {
		return mailbox.Message{}, &ingest.ProcessingError{Key: key, Err: errors.New("parser exploded")}
	}
	return f.next.Ingest(ctx, raw, key)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testThreads(t *testing.T) *threads.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := threads.NewStore(db)
	if err != nil {
		t.Fatalf("threads.NewStore() error: %v", err)
	}
	return s
}

// harness wires an Engine to a fake session and real thread store.
type harness struct {
	sess    *fakeSession
	threads *threads.Store
	state   *memState
	flaky   *flakyIngester
	engine  *Engine
}

func newHarness(t *testing.T, sess *fakeSession, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		sess:    sess,
		threads: testThreads(t),
		state:   newMemState(),
	}
	h.flaky = &flakyIngester{
		next: ingest.New(h.threads, testLogger()),
		fail: make(map[uint32]bool),
	}
	h.engine = New(Options{
		Account:           "personal",
		MaxIngestAttempts: maxAttempts,
		Ingester:          h.flaky,
		Threads:           h.threads,
		State:             h.state,
		Logger:            testLogger(),
	})
	return h
}

func (h *harness) run(t *testing.T, name string) *Result {
	t.Helper()
	res, err := h.engine.Run(context.Background(), h.sess, name)
	if err != nil {
		t.Fatalf("Run(%s) error: %v", name, err)
	}
	return res
}

// thread returns the thread holding the message at uid.
func (h *harness) thread(t *testing.T, name string, uid uint32) threads.Thread {
	t.Helper()
	ctx := context.Background()
	key := mailbox.Key{Account: "personal", Mailbox: name, UIDValidity: h.sess.validity, UID: uid}
	msg, ok, err := h.threads.MessageByKey(ctx, key)
	if err != nil || !ok {
		t.Fatalf("MessageByKey(%s) = %v, %v", key, ok, err)
	}
	th, err := h.threads.Thread(ctx, msg.ThreadID)
	if err != nil {
		t.Fatalf("Thread() error: %v", err)
	}
	return th
}

func storesString(calls []storeCall) string {
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = c.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
