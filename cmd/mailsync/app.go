package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/mailsync/internal/api"
	"github.com/nugget/mailsync/internal/config"
	"github.com/nugget/mailsync/internal/connwatch"
	"github.com/nugget/mailsync/internal/credential"
	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/ingest"
	"github.com/nugget/mailsync/internal/mailsync"
	"github.com/nugget/mailsync/internal/mqtt"
	"github.com/nugget/mailsync/internal/opstate"
	"github.com/nugget/mailsync/internal/runner"
	"github.com/nugget/mailsync/internal/session"
	"github.com/nugget/mailsync/internal/threads"
)

// sqliteParams makes concurrent account passes wait on each other's
// write locks instead of failing with SQLITE_BUSY.
const sqliteParams = "?_busy_timeout=5000&_journal_mode=WAL"

// app is the wired object graph shared by the sync and serve commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	state     *opstate.Store
	threadsDB *sql.DB
	threads   *threads.Store

	bus       *events.Bus
	conn      *connwatch.Manager
	runner    *runner.Runner
	publisher *mqtt.Publisher
}

// newApp resolves keyring passwords, opens both databases and builds
// one engine per account.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	state, err := openState(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "threads.db")+sqliteParams)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("open thread database: %w", err)
	}
	store, err := threads.NewStore(db)
	if err != nil {
		db.Close()
		state.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		state:     state,
		threadsDB: db,
		threads:   store,
		bus:       events.New(),
		conn:      connwatch.NewManager(logger.With("component", "connwatch")),
	}

	ing := ingest.New(store, logger.With("component", "ingest"))
	accounts := make([]runner.Account, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		imapCfg := ac.IMAP
		accountLogger := logger.With("component", "imap", "account", ac.Name)
		accounts = append(accounts, runner.Account{
			Name:         ac.Name,
			Mailboxes:    ac.SyncedMailboxes(),
			PollInterval: time.Duration(ac.PollIntervalSec) * time.Second,
			Addr:         net.JoinHostPort(imapCfg.Host, strconv.Itoa(imapCfg.Port)),
			Engine: mailsync.New(mailsync.Options{
				Account:           ac.Name,
				MaxIngestAttempts: ac.MaxIngestAttempts,
				MaxTagLength:      cfg.Sync.MaxTagLength,
				Ingester:          ing,
				Threads:           store,
				State:             state,
				Bus:               a.bus,
				Logger:            logger.With("component", "sync"),
			}),
			Dial: func(ctx context.Context) (runner.Session, error) {
				s, err := session.Dial(ctx, imapCfg, accountLogger)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
		})
	}

	a.runner = runner.New(runner.Options{
		Accounts: accounts,
		Conn:     a.conn,
		Backoff:  connwatch.DefaultBackoffConfig(),
		Bus:      a.bus,
		OnResult: a.publishResult,
		Logger:   logger.With("component", "runner"),
	})
	return a, nil
}

// Close stops the connection watchers and closes both databases.
func (a *app) Close() error {
	a.conn.Stop()
	return errors.Join(a.threadsDB.Close(), a.state.Close())
}

// serve runs the runner, the optional API server and the optional
// MQTT publisher until ctx is done, then shuts them down.
func (a *app) serve(ctx context.Context) error {
	var wg sync.WaitGroup

	if a.cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		a.publisher = mqtt.New(a.cfg.MQTT, instanceID, a.logger.With("component", "mqtt"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.publisher.Start(ctx, a.bus); err != nil {
				a.logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if a.cfg.Listen.Port > 0 {
		server = api.NewServer(api.Options{
			Address:      a.cfg.Listen.Address,
			Port:         a.cfg.Listen.Port,
			Threads:      a.threads,
			Mailboxes:    a.state,
			Runner:       a.runner,
			Health:       a.conn,
			Bus:          a.bus,
			Kick:         a.runner.Kick,
			MaxTagLength: a.cfg.Sync.MaxTagLength,
			Logger:       a.logger.With("component", "api"),
		})
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		a.logger.Info("API server disabled (listen.port is 0)")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = a.runner.Run(runCtx)
	}()

	var failure error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		failure = fmt.Errorf("server failed: %w", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	<-runnerDone
	if a.publisher != nil {
		if err := a.publisher.Stop(shutdownCtx); err != nil {
			a.logger.Debug("mqtt disconnect failed", "error", err)
		}
	}
	wg.Wait()
	return failure
}

func (a *app) publishResult(res *mailsync.Result) {
	if a.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.publisher.PublishResult(ctx, res)
}

// openState opens the sync position database, creating the data
// directory if needed.
func openState(dataDir string) (*opstate.Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	state, err := opstate.NewStore(filepath.Join(dataDir, "state.db") + sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return state, nil
}

// resolveSecrets fills keyring passwords. The keyring is only opened
// when some account needs it.
func resolveSecrets(cfg *config.Config) error {
	need := false
	for _, ac := range cfg.Accounts {
		if ac.IMAP.Password == "" && ac.CredentialKey != "" {
			need = true
		}
	}
	if !need {
		return nil
	}
	store, err := credential.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	return cfg.ResolveSecrets(store.Get)
}
