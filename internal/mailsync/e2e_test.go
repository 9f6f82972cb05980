package mailsync

import (
	"context"
	"io"
	"log"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"

	"github.com/nugget/mailsync/internal/ingest"
	"github.com/nugget/mailsync/internal/opstate"
	"github.com/nugget/mailsync/internal/session"
)

// startIMAP serves the go-imap memory backend: one user with a single
// \Seen message at INBOX UID 6.
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

func TestEngine_AgainstIMAPServer(t *testing.T) {
	cfg := startIMAP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sess, err := session.Dial(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	state, err := opstate.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opstate.NewStore() error: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	store := testThreads(t)
	engine := New(Options{
		Account:  "test",
		Ingester: ingest.New(store, testLogger()),
		Threads:  store,
		State:    state,
		Logger:   testLogger(),
	})

	res, err := engine.Run(ctx, sess, "INBOX")
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if !res.FirstSync || res.Ingested != 1 || res.LastSeenUID != 6 || res.UIDValidity != 1 {
		t.Fatalf("first pass = %+v", res)
	}

	list, err := store.ListThreads(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListThreads() = %v, %v; want one thread", list, err)
	}
	th := list[0]
	if !reflect.DeepEqual(th.Tags, []string{"seen"}) || th.Archived {
		t.Errorf("thread = %+v, want tags [seen] in inbox", th)
	}

	st, err := state.LoadMailbox(ctx, "test", "INBOX")
	if err != nil {
		t.Fatalf("LoadMailbox() error: %v", err)
	}
	if st.UIDValidity != 1 || st.LastSeenUID != 6 {
		t.Errorf("stored state = %+v", st)
	}

	res, err = engine.Run(ctx, sess, "INBOX")
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if res.Ingested != 0 || res.Refreshed != 1 || res.StoreCommands != 0 {
		t.Errorf("second pass = %+v, want a refresh and no writes", res)
	}

	// Mark the thread unread locally and let the next pass push it.
	if _, err := store.UpdateLocal(ctx, th.ID, []string{}, nil); err != nil {
		t.Fatalf("UpdateLocal() error: %v", err)
	}
	res, err = engine.Run(ctx, sess, "INBOX")
	if err != nil {
		t.Fatalf("push Run() error: %v", err)
	}
	if res.Pushed != 1 || res.StoreCommands != 1 {
		t.Errorf("push pass = %+v, want one -\\Seen store", res)
	}

	descs, err := sess.Fetch(ctx, []uint32{6}, session.Fields{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(descs) != 1 || descs[0].HasFlag(`\Seen`) {
		t.Errorf("server flags after push = %+v, want unseen", descs)
	}

	// The server and the thread now agree.
	res, err = engine.Run(ctx, sess, "INBOX")
	if err != nil {
		t.Fatalf("final Run() error: %v", err)
	}
	if res.StoreCommands != 0 {
		t.Errorf("final pass issued %d stores", res.StoreCommands)
	}
	tags, _ := store.Tags(ctx, th.ID)
	if len(tags) != 0 {
		t.Errorf("tags after round trip = %v, want none", tags)
	}
}
