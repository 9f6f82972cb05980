package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if cfg.InitialDelay != 2*time.Second || cfg.MaxDelay != 60*time.Second ||
		cfg.Multiplier != 2.0 || cfg.PollInterval != 60*time.Second || cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("DefaultBackoffConfig() = %+v", cfg)
	}
	if got := (BackoffConfig{}).withDefaults(); got != cfg {
		t.Errorf("zero config withDefaults() = %+v, want %+v", got, cfg)
	}
}

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2})

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestDialProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if err := DialProbe(addr)(context.Background()); err != nil {
		t.Errorf("DialProbe(open) error: %v", err)
	}

	l.Close()
	if err := DialProbe(addr)(context.Background()); err == nil {
		t.Error("DialProbe(closed) succeeded")
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32
	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "imap:personal",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	// Further healthy polls do not repeat OnReady.
	time.Sleep(30 * time.Millisecond)
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "imap:flaky",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	eventually(t, "ready after retries", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("probe attempts = %d, want at least 4", n)
	}
	if s := w.Status(); s.Failures != 0 {
		t.Errorf("Status().Failures = %d after recovery, want 0", s.Failures)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	var downCalled, readyCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(error) { downCalled.Add(1) },
	})

	eventually(t, "initial ready", w.IsReady)

	failing.Store(true)
	eventually(t, "down", func() bool { return !w.IsReady() })
	eventually(t, "OnDown", func() bool { return downCalled.Load() >= 1 })
	if w.Status().LastError == "" {
		t.Error("Status().LastError empty while down")
	}

	failing.Store(false)
	eventually(t, "recovered", w.IsReady)
	eventually(t, "second OnReady", func() bool { return readyCalled.Load() >= 2 })
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name: "imap:slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})

	eventually(t, "timeout error", func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Error("IsReady() = true for a probe that always times out")
	}
}

func TestWatcher_StopAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(testLogger())
	w1 := m.Watch(ctx, WatcherConfig{
		Name:    "a",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	w2 := m.Watch(context.Background(), WatcherConfig{
		Name:    "b",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	cancel()
	done := make(chan struct{})
	go func() {
		w1.Wait()
		w2.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchers did not stop")
	}
}

func TestManager_StatusAndReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testLogger())
	m.Watch(ctx, WatcherConfig{
		Name:    "healthy",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(ctx, WatcherConfig{
		Name:    "down",
		Probe:   func(context.Context) error { return errors.New("unreachable") },
		Backoff: testBackoff(),
	})

	eventually(t, "healthy ready", func() bool { return m.Ready("healthy") })
	eventually(t, "down probed", func() bool { return m.Status()["down"].LastError != "" })

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["healthy"].Ready || status["healthy"].LastError != "" {
		t.Errorf("healthy = %+v", status["healthy"])
	}
	if status["down"].Ready || status["down"].Failures == 0 {
		t.Errorf("down = %+v", status["down"])
	}

	if m.Ready("down") {
		t.Error("Ready(down) = true")
	}
	if !m.Ready("unwatched") {
		t.Error("Ready(unwatched) = false, want true")
	}
	var nilManager *Manager
	if !nilManager.Ready("x") {
		t.Error("nil Manager Ready() = false, want true")
	}
}

func TestManager_WatchReplaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testLogger())
	first := m.Watch(ctx, WatcherConfig{
		Name:    "imap:personal",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(ctx, WatcherConfig{
		Name:    "imap:personal",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	done := make(chan struct{})
	go func() {
		first.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("Status() has %d entries, want 1", n)
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	m := NewManager(nil)
	for name, cfg := range map[string]WatcherConfig{
		"empty name": {Probe: func(context.Context) error { return nil }},
		"nil probe":  {Name: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			m.Watch(context.Background(), cfg)
		})
	}
}
