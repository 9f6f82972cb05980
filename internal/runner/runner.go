// Package runner schedules sync passes. Each account gets its own
// loop that opens one IMAP session per cycle and runs the configured
// mailboxes one after another on it. Accounts run in parallel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mailsync/internal/connwatch"
	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/mailsync"
	"github.com/nugget/mailsync/internal/session"
)

// DefaultPollInterval is used for accounts without one.
const DefaultPollInterval = 5 * time.Minute

// Session is an open IMAP session a cycle runs passes on.
type Session interface {
	mailsync.Session
	Close() error
}

// DialFunc opens a session for one account.
type DialFunc func(ctx context.Context) (Session, error)

// Account is one account's schedule.
type Account struct {
	Name      string
	Mailboxes []string
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Addr is the IMAP host:port probed by the connection watcher.
	// Empty disables probing for the account.
	Addr   string
	Engine *mailsync.Engine
	Dial   DialFunc
}

// Options configures a Runner.
type Options struct {
	Accounts []Account
	// Conn watches IMAP endpoints when set. Passes are skipped while an
	// account's endpoint is unreachable, and a pass starts as soon as
	// it comes back.
	Conn *connwatch.Manager
	// Backoff paces retries after a failed connect.
	Backoff connwatch.BackoffConfig
	Bus     *events.Bus
	// OnResult, if set, is called after every pass that produced a
	// result, including aborted ones.
	OnResult func(res *mailsync.Result)
	Logger   *slog.Logger
}

// AccountStatus is the runner's view of one account.
type AccountStatus struct {
	Name      string             `json:"name"`
	Running   bool               `json:"running"`
	LastCycle time.Time          `json:"last_cycle,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	NextCycle time.Time          `json:"next_cycle,omitempty"`
	Passes    []*mailsync.Result `json:"passes"`
}

type accountState struct {
	Account
	kick chan struct{}

	mu     sync.Mutex
	status AccountStatus
	passes map[string]*mailsync.Result
}

// Runner drives sync cycles for every account.
type Runner struct {
	accounts []*accountState
	byName   map[string]*accountState
	conn     *connwatch.Manager
	backoff  connwatch.BackoffConfig
	bus      *events.Bus
	onResult func(*mailsync.Result)
	logger   *slog.Logger
}

// New returns a Runner. It panics on duplicate account names.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runner{
		byName:   make(map[string]*accountState, len(opts.Accounts)),
		conn:     opts.Conn,
		backoff:  opts.Backoff,
		bus:      opts.Bus,
		onResult: opts.OnResult,
		logger:   opts.Logger,
	}
	for _, a := range opts.Accounts {
		if _, dup := r.byName[a.Name]; dup {
			panic(fmt.Sprintf("runner: duplicate account %q", a.Name))
		}
		if a.PollInterval <= 0 {
			a.PollInterval = DefaultPollInterval
		}
		st := &accountState{
			Account: a,
			kick:    make(chan struct{}, 1),
			status:  AccountStatus{Name: a.Name},
			passes:  make(map[string]*mailsync.Result),
		}
		r.accounts = append(r.accounts, st)
		r.byName[a.Name] = st
	}
	return r
}

// SyncOnce runs one cycle for every account in parallel and returns
// all pass results. The error joins every account's failure.
func (r *Runner) SyncOnce(ctx context.Context) ([]*mailsync.Result, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*mailsync.Result
		errs    []error
	)
	for _, st := range r.accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.cycle(ctx, st)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res...)
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Account < results[j].Account })
	return results, errors.Join(errs...)
}

// SyncAccount runs one cycle for the named account.
func (r *Runner) SyncAccount(ctx context.Context, name string) ([]*mailsync.Result, error) {
	st, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return r.cycle(ctx, st)
}

// Kick asks the named account's loop to start a cycle now. It does
// nothing for unknown accounts or when a kick is already pending.
func (r *Runner) Kick(name string) {
	st, ok := r.byName[name]
	if !ok {
		return
	}
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

// Run loops every account until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.conn != nil {
		for _, st := range r.accounts {
			if st.Addr == "" {
				continue
			}
			name := st.Name
			r.conn.Watch(ctx, connwatch.WatcherConfig{
				Name:    watchName(name),
				Probe:   connwatch.DialProbe(st.Addr),
				Backoff: r.backoff,
				OnReady: func() { r.Kick(name) },
				Logger:  r.logger,
			})
		}
	}

	var wg sync.WaitGroup
	for _, st := range r.accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, st)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func watchName(account string) string {
	return "imap:" + account
}

func (r *Runner) loop(ctx context.Context, st *accountState) {
	logger := r.logger.With("account", st.Name)
	backoff := connwatch.NewBackoff(r.backoff)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-st.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := st.PollInterval
		switch {
		case !r.conn.Ready(watchName(st.Name)):
			logger.Debug("IMAP endpoint unreachable, skipping cycle")
		default:
			_, err := r.cycle(ctx, st)
			if ctx.Err() != nil {
				return
			}
			if session.IsConnectionError(err) {
				wait = backoff.Next()
				logger.Warn("sync cycle hit a connection error, retrying",
					"retry_in", wait.String(),
					"attempt", backoff.Attempts(),
				)
				r.bus.Emit(events.SourceRunner, events.KindConnectFailed, map[string]any{
					"account":     st.Name,
					"error":       err.Error(),
					"retry_in_ms": wait.Milliseconds(),
				})
			} else {
				backoff.Reset()
			}
		}

		st.mu.Lock()
		st.status.NextCycle = time.Now().Add(wait)
		st.mu.Unlock()
		timer.Reset(wait)
	}
}

// cycle opens a session and runs every mailbox of the account on it.
// A connection error ends the cycle early; other pass errors are
// collected and the next mailbox still runs.
func (r *Runner) cycle(ctx context.Context, st *accountState) ([]*mailsync.Result, error) {
	logger := r.logger.With("account", st.Name)

	st.mu.Lock()
	st.status.Running = true
	st.mu.Unlock()

	results, err := r.runMailboxes(ctx, st, logger)

	st.mu.Lock()
	st.status.Running = false
	st.status.LastCycle = time.Now()
	st.status.LastError = ""
	if err != nil {
		st.status.LastError = err.Error()
	}
	st.mu.Unlock()

	return results, err
}

func (r *Runner) runMailboxes(ctx context.Context, st *accountState, logger *slog.Logger) ([]*mailsync.Result, error) {
	sess, err := st.Dial(ctx)
	if err != nil {
		logger.Error("IMAP connect failed", "error", err)
		if !session.IsConnectionError(err) {
			err = &session.ConnectionError{Op: "dial", Err: err}
		}
		return nil, fmt.Errorf("account %s: %w", st.Name, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("IMAP logout failed", "error", err)
		}
	}()

	var (
		results []*mailsync.Result
		errs    []error
	)
	for _, name := range st.Mailboxes {
		res, err := st.Engine.Run(ctx, sess, name)
		if res != nil {
			results = append(results, res)
			st.mu.Lock()
			st.passes[name] = res
			st.mu.Unlock()
			if r.onResult != nil {
				r.onResult(res)
			}
		}
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if session.IsConnectionError(err) || ctx.Err() != nil {
			logger.Warn("abandoning remaining mailboxes for this cycle", "after", name)
			break
		}
	}
	return results, errors.Join(errs...)
}

// Status returns a snapshot of every account, in configuration order.
func (r *Runner) Status() []AccountStatus {
	out := make([]AccountStatus, 0, len(r.accounts))
	for _, st := range r.accounts {
		st.mu.Lock()
		s := st.status
		s.Passes = make([]*mailsync.Result, 0, len(st.Mailboxes))
		for _, name := range st.Mailboxes {
			if res, ok := st.passes[name]; ok {
				s.Passes = append(s.Passes, res)
			}
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	return out
}
