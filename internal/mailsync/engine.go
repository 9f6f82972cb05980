// Package mailsync runs synchronization passes between one IMAP
// mailbox and the local thread store.
//
// A pass checks UIDVALIDITY, refreshes the tags of messages it has
// already seen, ingests messages it has not, commits the new
// watermark, and finally pushes local tag and archive edits back to
// the server. Server state always replaces local tags wholesale; local
// edits reach the server as minimal add/remove commands.
package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/mailsync/internal/events"
	"github.com/nugget/mailsync/internal/labels"
	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/session"
	"github.com/nugget/mailsync/internal/uidwindow"
)

// DefaultMaxIngestAttempts is how many consecutive passes a message
// may block the watermark before it is skipped.
const DefaultMaxIngestAttempts = 5

// Session is the IMAP command surface a pass uses.
type Session interface {
	Variant() session.Variant
	Labels() *labels.Map
	Select(ctx context.Context, name string, readOnly bool) (session.SelectData, error)
	Search(ctx context.Context, r uidwindow.Range) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32, fields session.Fields) ([]session.Descriptor, error)
	Store(ctx context.Context, uid uint32, item session.Item, op session.Op, values []string) error
}

// Ingester turns raw message content into a local message.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, key mailbox.Key) (mailbox.Message, error)
}

// ThreadStore holds thread tags and archive state.
type ThreadStore interface {
	MessageByKey(ctx context.Context, key mailbox.Key) (mailbox.Message, bool, error)
	Tags(ctx context.Context, threadID string) ([]string, error)
	SetTags(ctx context.Context, threadID string, tags []string) error
	IsArchived(ctx context.Context, threadID string) (bool, error)
	Archive(ctx context.Context, threadID string) error
	MoveToInbox(ctx context.Context, threadID string) error
	PendingOutbound(ctx context.Context, account, mailboxName string, uidValidity uint32) ([]mailbox.Message, error)
	ClearOutbound(ctx context.Context, messageID, gen int64) (bool, error)
}

// MailboxStore persists per-mailbox sync positions.
type MailboxStore interface {
	LoadMailbox(ctx context.Context, account, name string) (mailbox.State, error)
	SaveMailbox(ctx context.Context, st mailbox.State) error
}

// Options configures an Engine.
type Options struct {
	// Account names the account every key is scoped to.
	Account string
	// MaxIngestAttempts defaults to DefaultMaxIngestAttempts.
	MaxIngestAttempts int
	// MaxTagLength caps derived tag length in runes.
	MaxTagLength int

	Ingester Ingester
	Threads  ThreadStore
	State    MailboxStore
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Engine runs passes for one account. It holds no per-pass state and
// may run passes for different mailboxes one after another on the
// same session.
type Engine struct {
	account     string
	maxAttempts int
	mapper      labels.Mapper

	ingester Ingester
	threads  ThreadStore
	state    MailboxStore
	bus      *events.Bus
	logger   *slog.Logger
}

// New returns an Engine.
func New(opts Options) *Engine {
	if opts.MaxIngestAttempts <= 0 {
		opts.MaxIngestAttempts = DefaultMaxIngestAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		account:     opts.Account,
		maxAttempts: opts.MaxIngestAttempts,
		mapper:      labels.Mapper{MaxTagLength: opts.MaxTagLength},
		ingester:    opts.Ingester,
		threads:     opts.Threads,
		state:       opts.State,
		bus:         opts.Bus,
		logger:      opts.Logger.With("account", opts.Account),
	}
}

// pass carries what one Run needs across its steps.
type pass struct {
	sess     Session
	name     string
	validity uint32
	variant  session.Variant
	logger   *slog.Logger
	res      *Result
}

func (p *pass) key(uid uint32) mailbox.Key {
	return mailbox.Key{Account: p.res.Account, Mailbox: p.name, UIDValidity: p.validity, UID: uid}
}

// Run performs one pass over the named mailbox. A non-nil error means
// the pass aborted; the returned Result still reports how far it got,
// and any watermark committed before the error stays committed.
// Per-message ingestion failures do not abort the pass and are listed
// in Result.Failures.
func (e *Engine) Run(ctx context.Context, sess Session, name string) (*Result, error) {
	p := &pass{
		sess:    sess,
		name:    name,
		variant: sess.Variant(),
		logger:  e.logger.With("mailbox", name),
		res: &Result{
			Account:   e.account,
			Mailbox:   name,
			State:     StateIdle,
			StartedAt: time.Now(),
		},
	}

	e.emit(events.KindPassStart, p, nil)

	if err := e.run(ctx, p); err != nil {
		p.res.Duration = time.Since(p.res.StartedAt)
		p.logger.Error("mailbox pass aborted",
			"state", p.res.State.String(),
			"error", err,
		)
		e.emit(events.KindPassFailed, p, map[string]any{
			"state": p.res.State.String(),
			"error": err.Error(),
		})
		return p.res, fmt.Errorf("sync %s/%s after %s: %w", e.account, name, p.res.State, err)
	}

	p.res.Duration = time.Since(p.res.StartedAt)
	p.logger.Info("mailbox pass complete",
		"uid_validity", p.res.UIDValidity,
		"last_seen_uid", p.res.LastSeenUID,
		"refreshed", p.res.Refreshed,
		"ingested", p.res.Ingested,
		"failed", len(p.res.Failures),
		"pushed", p.res.Pushed,
		"store_commands", p.res.StoreCommands,
		"elapsed", p.res.Duration.Round(time.Millisecond).String(),
	)
	e.emit(events.KindPassComplete, p, map[string]any{
		"refreshed":     p.res.Refreshed,
		"ingested":      p.res.Ingested,
		"failed":        len(p.res.Failures),
		"pushed":        p.res.Pushed,
		"last_seen_uid": p.res.LastSeenUID,
		"elapsed_ms":    p.res.Duration.Milliseconds(),
	})
	return p.res, nil
}

func (e *Engine) run(ctx context.Context, p *pass) error {
	// ValidityChecked
	stored, err := e.state.LoadMailbox(ctx, e.account, p.name)
	if err != nil {
		return err
	}
	sel, err := p.sess.Select(ctx, p.name, true)
	if err != nil {
		return err
	}
	p.validity = sel.UIDValidity
	p.res.UIDValidity = sel.UIDValidity

	win := uidwindow.Classify(stored.UIDValidity, sel.UIDValidity, stored.LastSeenUID)
	p.res.Resync = win.Resync
	p.res.FirstSync = win.FirstSync
	switch {
	case win.Resync:
		p.logger.Warn("UIDVALIDITY changed, resyncing mailbox from scratch",
			"stored", stored.UIDValidity,
			"current", sel.UIDValidity,
			"discarded_last_seen_uid", stored.LastSeenUID,
		)
		e.emit(events.KindResync, p, map[string]any{
			"stored":  stored.UIDValidity,
			"current": sel.UIDValidity,
		})
	case win.FirstSync:
		p.logger.Info("first sync of mailbox", "uid_validity", sel.UIDValidity)
	}

	var oldUIDs []uint32
	if win.HasOld {
		raw, err := p.sess.Search(ctx, win.Old)
		if err != nil {
			return err
		}
		oldUIDs = uidwindow.FilterOld(raw, win.LastSeen)
	}
	raw, err := p.sess.Search(ctx, win.New)
	if err != nil {
		return err
	}
	newUIDs := uidwindow.FilterNew(raw, win.LastSeen)
	p.res.State = StateValidityChecked

	p.logger.Debug("mailbox classified",
		"last_seen_uid", win.LastSeen,
		"old", len(oldUIDs),
		"new", len(newUIDs),
	)

	// OldRefreshed
	if err := e.refreshOld(ctx, p, oldUIDs); err != nil {
		return err
	}
	p.res.State = StateOldRefreshed

	// NewIngested
	stuckUID, stuckAttempts := stored.StuckUID, stored.StuckAttempts
	if win.Resync || win.FirstSync {
		stuckUID, stuckAttempts = 0, 0
	}
	wm, err := e.ingestNew(ctx, p, newUIDs, win.LastSeen, stuckUID, stuckAttempts)
	if err != nil {
		return err
	}
	p.res.State = StateNewIngested

	// WatermarkCommitted
	next := mailbox.State{
		Account:     e.account,
		Name:        p.name,
		UIDValidity: sel.UIDValidity,
		LastSeenUID: wm.Value(),
	}
	if blocked, ok := wm.Blocked(); ok {
		next.StuckUID = blocked
		next.StuckAttempts = 1
		if blocked == stuckUID {
			next.StuckAttempts = stuckAttempts + 1
		}
	}
	if err := e.state.SaveMailbox(ctx, next); err != nil {
		return err
	}
	p.res.LastSeenUID = next.LastSeenUID

	rw, err := p.sess.Select(ctx, p.name, false)
	if err != nil {
		return err
	}
	// Pending edits are keyed by the validity checked above; pushing
	// them into a renumbered mailbox would hit the wrong messages.
	if rw.UIDValidity != p.validity {
		return fmt.Errorf("UIDVALIDITY changed from %d to %d during pass", p.validity, rw.UIDValidity)
	}
	p.res.State = StateWatermarkCommitted

	// ReversePushed
	if err := e.pushPending(ctx, p); err != nil {
		return err
	}
	p.res.State = StateReversePushed
	return nil
}

// refreshOld reconciles tags for root messages already ingested.
// Messages with unpushed local edits are left alone until the push
// step has written them to the server.
func (e *Engine) refreshOld(ctx context.Context, p *pass, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	descs, err := p.sess.Fetch(ctx, uids, session.Fields{})
	if err != nil {
		return err
	}

	for _, d := range descs {
		msg, ok, err := e.threads.MessageByKey(ctx, p.key(d.UID))
		if err != nil {
			return err
		}
		if !ok || !msg.Root || msg.NeedsSync {
			continue
		}
		if err := e.reconcile(ctx, p, msg, d); err != nil {
			return err
		}
		p.res.Refreshed++
	}
	return nil
}

// ingestNew ingests every new UID in ascending order and folds the
// results into a watermark starting at lastSeen.
func (e *Engine) ingestNew(ctx context.Context, p *pass, uids []uint32, lastSeen, stuckUID uint32, stuckAttempts int) (*uidwindow.Watermark, error) {
	wm := uidwindow.NewWatermark(lastSeen)
	if len(uids) == 0 {
		return wm, nil
	}

	descs, err := p.sess.Fetch(ctx, uids, session.Fields{Content: true})
	if err != nil {
		return nil, err
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].UID < descs[j].UID })

	for _, d := range descs {
		err := e.ingestOne(ctx, p, d)
		if err == nil {
			wm.Record(d.UID, true)
			p.res.Ingested++
			continue
		}

		_, blocked := wm.Blocked()
		if !blocked && d.UID == stuckUID && stuckAttempts+1 >= e.maxAttempts {
			wm.SkipPoisoned(d.UID)
			p.res.Skipped = append(p.res.Skipped, d.UID)
			p.logger.Error("skipping message that keeps failing to ingest",
				"uid", d.UID,
				"attempts", stuckAttempts+1,
				"error", err,
			)
			e.emit(events.KindPoisonSkipped, p, map[string]any{
				"uid":      d.UID,
				"attempts": stuckAttempts + 1,
			})
			continue
		}

		wm.Record(d.UID, false)
		p.res.Failures = append(p.res.Failures, Failure{UID: d.UID, Err: err})
		p.logger.Warn("message ingestion failed", "uid", d.UID, "error", err)
		e.emit(events.KindIngestFailed, p, map[string]any{
			"uid":   d.UID,
			"error": err.Error(),
		})
	}
	return wm, nil
}

// ingestOne ingests one descriptor and reconciles its thread when this
// key owns the resulting message.
func (e *Engine) ingestOne(ctx context.Context, p *pass, d session.Descriptor) error {
	msg, err := e.ingester.Ingest(ctx, d.Content, p.key(d.UID))
	if err != nil {
		return err
	}
	if msg.Key != p.key(d.UID) || !msg.Root || msg.NeedsSync {
		return nil
	}
	if err := e.reconcile(ctx, p, msg, d); err != nil {
		return fmt.Errorf("reconcile thread %s: %w", msg.ThreadID, err)
	}
	return nil
}

func (e *Engine) emit(kind string, p *pass, data map[string]any) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["account"] = e.account
	data["mailbox"] = p.name
	e.bus.Emit(events.SourceSync, kind, data)
}
