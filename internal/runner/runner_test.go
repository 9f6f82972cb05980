package runner

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	_ "modernc.org/sqlite"

	"github.com/nugget/mailsync/internal/connwatch"
	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/ingest"
	"github.com/nugget/mailsync/internal/mailsync"
	"github.com/nugget/mailsync/internal/opstate"
	"github.com/nugget/mailsync/internal/session"
	"github.com/nugget/mailsync/internal/threads"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startIMAP(t *testing.T) session.Config {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	s.ErrorLog = log.New(io.Discard, "", 0)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	return session.Config{
		Host:              "127.0.0.1",
		Port:              l.Addr().(*net.TCPAddr).Port,
		Username:          "username",
		Password:          "password",
		CommandTimeoutSec: 5,
		GmailLabels:       session.LabelsAuto,
	}
}

func testEngine(t *testing.T, account string) *mailsync.Engine {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := threads.NewStore(db)
	if err != nil {
		t.Fatalf("threads.NewStore() error: %v", err)
	}

	state, err := opstate.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opstate.NewStore() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	return mailsync.New(mailsync.Options{
		Account:  account,
		Ingester: ingest.New(store, testLogger()),
		Threads:  store,
		State:    state,
		Logger:   testLogger(),
	})
}

// countingDial dials cfg and counts attempts. The first failFirst
// attempts return an error without dialing.
func countingDial(cfg session.Config, failFirst int32, calls *atomic.Int32) DialFunc {
	return func(ctx context.Context) (Session, error) {
		n := calls.Add(1)
		if n <= failFirst {
			return nil, errors.New("connection refused")
		}
		return session.Dial(ctx, cfg, testLogger())
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSyncOnce(t *testing.T) {
	cfg := startIMAP(t)
	var calls atomic.Int32

	var published atomic.Int32
	r := New(Options{
		Accounts: []Account{
			{Name: "b", Mailboxes: []string{"INBOX"}, Engine: testEngine(t, "b"), Dial: countingDial(cfg, 0, &calls)},
			{Name: "a", Mailboxes: []string{"INBOX"}, Engine: testEngine(t, "a"), Dial: countingDial(cfg, 0, &calls)},
		},
		OnResult: func(*mailsync.Result) { published.Add(1) },
		Logger:   testLogger(),
	})

	results, err := r.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error: %v", err)
	}
	if len(results) != 2 || results[0].Account != "a" || results[1].Account != "b" {
		t.Fatalf("results = %+v, want one per account sorted", results)
	}
	for _, res := range results {
		if !res.Complete() || res.Ingested != 1 {
			t.Errorf("%s: result = %+v", res.Account, res)
		}
	}
	if published.Load() != 2 {
		t.Errorf("OnResult called %d times, want 2", published.Load())
	}

	status := r.Status()
	if len(status) != 2 || status[0].Name != "b" {
		t.Fatalf("Status() = %+v, want configuration order", status)
	}
	for _, s := range status {
		if s.LastError != "" || s.Running || len(s.Passes) != 1 || s.LastCycle.IsZero() {
			t.Errorf("status %s = %+v", s.Name, s)
		}
	}
}

func TestSyncOnce_DialFailure(t *testing.T) {
	var calls atomic.Int32
	r := New(Options{
		Accounts: []Account{{
			Name:      "broken",
			Mailboxes: []string{"INBOX"},
			Engine:    testEngine(t, "broken"),
			Dial:      countingDial(session.Config{}, 1, &calls),
		}},
		Logger: testLogger(),
	})

	results, err := r.SyncOnce(context.Background())
	if err == nil {
		t.Fatal("SyncOnce() succeeded with a failing dial")
	}
	if !session.IsConnectionError(err) {
		t.Errorf("error = %v, want ConnectionError", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
	if s := r.Status()[0]; !strings.Contains(s.LastError, "connection refused") {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestSyncAccount(t *testing.T) {
	cfg := startIMAP(t)
	var calls atomic.Int32
	r := New(Options{
		Accounts: []Account{{
			Name:      "personal",
			Mailboxes: []string{"INBOX", "Missing"},
			Engine:    testEngine(t, "personal"),
			Dial:      countingDial(cfg, 0, &calls),
		}},
		Logger: testLogger(),
	})

	if _, err := r.SyncAccount(context.Background(), "nobody"); err == nil {
		t.Error("SyncAccount(unknown) succeeded")
	}

	results, err := r.SyncAccount(context.Background(), "personal")
	if err == nil {
		t.Fatal("SyncAccount() succeeded with a missing mailbox")
	}
	if len(results) != 2 || !results[0].Complete() || results[1].Complete() {
		t.Errorf("results = %+v, want INBOX complete and Missing aborted", results)
	}
	if calls.Load() != 1 {
		t.Errorf("dialed %d times, want one session per cycle", calls.Load())
	}
}

func TestSyncAccount_MissingMailboxDoesNotAbandonCycle(t *testing.T) {
	cfg := startIMAP(t)
	var calls atomic.Int32
	r := New(Options{
		Accounts: []Account{{
			Name:      "personal",
			Mailboxes: []string{"Missing", "INBOX"},
			Engine:    testEngine(t, "personal"),
			Dial:      countingDial(cfg, 0, &calls),
		}},
		Logger: testLogger(),
	})

	results, err := r.SyncAccount(context.Background(), "personal")
	if err == nil {
		t.Fatal("SyncAccount() succeeded with a missing mailbox")
	}
	if session.IsConnectionError(err) {
		t.Errorf("error = %v, want a mailbox error, not a connection error", err)
	}
	if len(results) != 2 || results[0].Complete() || !results[1].Complete() {
		t.Fatalf("results = %+v, want Missing aborted and INBOX complete", results)
	}
	if calls.Load() != 1 {
		t.Errorf("dialed %d times, want one session per cycle", calls.Load())
	}
}

func TestRun_RetriesAfterConnectFailure(t *testing.T) {
	cfg := startIMAP(t)
	var calls atomic.Int32
	bus := events.New()
	ch := bus.Subscribe(16)

	r := New(Options{
		Accounts: []Account{{
			Name:         "personal",
			Mailboxes:    []string{"INBOX"},
			PollInterval: time.Hour,
			Engine:       testEngine(t, "personal"),
			Dial:         countingDial(cfg, 2, &calls),
		}},
		Backoff: connwatch.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Bus:     bus,
		Logger:  testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	eventually(t, func() bool {
		s := r.Status()[0]
		return len(s.Passes) == 1 && s.Passes[0].Complete()
	}, "pass after retries")
	if calls.Load() != 3 {
		t.Errorf("dialed %d times, want 3", calls.Load())
	}

	var failed int
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindConnectFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("connect_failed events = %d, want 2", failed)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRun_Kick(t *testing.T) {
	cfg := startIMAP(t)
	var calls atomic.Int32
	r := New(Options{
		Accounts: []Account{{
			Name:         "personal",
			Mailboxes:    []string{"INBOX"},
			PollInterval: time.Hour,
			Engine:       testEngine(t, "personal"),
			Dial:         countingDial(cfg, 0, &calls),
		}},
		Logger: testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	eventually(t, func() bool { return calls.Load() == 1 && !r.Status()[0].LastCycle.IsZero() }, "first cycle")
	r.Kick("personal")
	r.Kick("nobody")
	eventually(t, func() bool { return calls.Load() == 2 }, "kicked cycle")
}

func TestRun_SkipsUnreachableEndpoint(t *testing.T) {
	// A listener that is closed immediately leaves a port nobody
	// answers on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	mgr := connwatch.NewManager(testLogger())
	t.Cleanup(mgr.Stop)

	var calls atomic.Int32
	r := New(Options{
		Accounts: []Account{{
			Name:         "personal",
			Mailboxes:    []string{"INBOX"},
			PollInterval: 20 * time.Millisecond,
			Addr:         addr,
			Engine:       testEngine(t, "personal"),
			Dial:         countingDial(session.Config{}, 1000, &calls),
		}},
		Conn:    mgr,
		Backoff: connwatch.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Logger:  testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	eventually(t, func() bool {
		st, ok := mgr.Status()["imap:personal"]
		return ok && st.Failures >= 2
	}, "watcher probing")
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("dialed %d times while the endpoint was down", n)
	}
}
