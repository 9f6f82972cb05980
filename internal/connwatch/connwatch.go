// Package connwatch tracks whether the remote endpoints the daemon
// depends on are reachable: every account's IMAP server and the MQTT
// broker. A Watcher probes one endpoint on a schedule, backing off
// exponentially while it is down, and reports transitions through
// callbacks. The runner uses those transitions to skip passes while a
// server is unreachable and to start one as soon as it comes back.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks an endpoint. A nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failure.
	InitialDelay time.Duration
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
	// Multiplier grows the delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the delay between probes while reachable.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... 60s and polls a
// healthy endpoint once a minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Backoff yields growing retry delays. It is not safe for concurrent
// use.
type Backoff struct {
	cfg      BackoffConfig
	attempts int
	next     time.Duration
}

// NewBackoff returns a Backoff starting at cfg.InitialDelay.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay before the next attempt and grows the
// following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.attempts++
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	return d
}

// Attempts returns how many delays have been handed out since the
// last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset starts over at InitialDelay.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.next = b.cfg.InitialDelay
}

// DialProbe returns a probe that opens and closes a TCP connection to
// addr.
func DialProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn.Close()
	}
}

// WatcherConfig configures one endpoint watcher.
type WatcherConfig struct {
	// Name identifies the endpoint in logs and status, e.g. "imap:personal".
	Name string
	// Probe checks the endpoint. Required.
	Probe ProbeFunc
	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig
	// OnReady runs in its own goroutine on each down→up transition,
	// including the first successful probe.
	OnReady func()
	// OnDown runs in its own goroutine on each up→down transition.
	OnDown func(err error)
	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// EndpointStatus is a watcher's state for the health endpoint.
type EndpointStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher probes one endpoint until stopped.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the last probe error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the watcher.
func (w *Watcher) Status() EndpointStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := EndpointStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("endpoint", w.config.Name)
	backoff := NewBackoff(cfg)

	for {
		err := w.probe(ctx)
		failures := w.record(err)
		wasReady := w.ready.Load()

		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			logger.Info("endpoint reachable", "after_failures", backoff.Attempts())
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Warn("endpoint unreachable", "error", err)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case err != nil:
			logger.Debug("endpoint still unreachable", "failures", failures, "error", err)
		}

		wait := cfg.PollInterval
		if err == nil {
			backoff.Reset()
		} else {
			wait = backoff.Next()
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores the probe outcome and returns the consecutive failure
// count.
func (w *Watcher) record(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is done. It reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is done or Stop is
// called. A watcher already registered under the same name is stopped
// and replaced.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Ready reports whether the named endpoint is reachable. Unknown
// names report true so that unwatched endpoints never block work.
func (m *Manager) Ready(name string) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return !ok || w.IsReady()
}

// Status returns every watcher's state keyed by name.
func (m *Manager) Status() map[string]EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]EndpointStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
