// Package ingest turns raw message bytes fetched from a mailbox into
// local threads. Ingestion is idempotent: a message already known by
// its remote key, or by its Message-ID within the same account, is
// returned as-is and nothing new is created.
package ingest

import (
	"context"
	"log/slog"

	"github.com/nugget/mailsync/internal/mailbox"
	"github.com/nugget/mailsync/internal/threads"
)

// Store is the subset of the thread store ingestion needs.
type Store interface {
	MessageByKey(ctx context.Context, key mailbox.Key) (mailbox.Message, bool, error)
	MessageByMessageID(ctx context.Context, account, messageID string) (mailbox.Message, bool, error)
	Rekey(ctx context.Context, messageID int64, key mailbox.Key) error
	ThreadForMessageIDs(ctx context.Context, account string, ids []string) (string, bool, error)
	CreateThread(ctx context.Context, account, subject string) (string, error)
	AddMessage(ctx context.Context, threadID string, m threads.NewMessage, root bool) (mailbox.Message, error)
}

// Ingester creates threads from raw messages.
type Ingester struct {
	store  Store
	logger *slog.Logger
}

// New returns an Ingester writing to store.
func New(store Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: store, logger: logger}
}

// Ingest stores raw under key and returns the local message handle.
// Every failure is a *ProcessingError.
func (i *Ingester) Ingest(ctx context.Context, raw []byte, key mailbox.Key) (mailbox.Message, error) {
	fail := func(err error) (mailbox.Message, error) {
		return mailbox.Message{}, &ProcessingError{Key: key, Err: err}
	}

	if len(raw) == 0 {
		return fail(errEmptyContent)
	}

	if existing, ok, err := i.store.MessageByKey(ctx, key); err != nil {
		return fail(err)
	} else if ok {
		return existing, nil
	}

	p, err := parseMessage(raw, i.logger)
	if err != nil {
		return fail(err)
	}

	existing, ok, err := i.store.MessageByMessageID(ctx, key.Account, p.MessageID)
	if err != nil {
		return fail(err)
	}
	if ok {
		return i.redelivered(ctx, existing, key)
	}

	threadID, found, err := i.store.ThreadForMessageIDs(ctx, key.Account, p.refs())
	if err != nil {
		return fail(err)
	}
	root := !found
	if root {
		if threadID, err = i.store.CreateThread(ctx, key.Account, p.Subject); err != nil {
			return fail(err)
		}
	}

	msg, err := i.store.AddMessage(ctx, threadID, threads.NewMessage{
		Key:       key,
		MessageID: p.MessageID,
		Subject:   p.Subject,
		From:      p.From,
		Date:      p.Date,
		Body:      p.Body,
	}, root)
	if err != nil {
		return fail(err)
	}

	i.logger.Debug("message ingested",
		"key", key.String(),
		"thread_id", threadID,
		"root", root,
		"message_id", p.MessageID,
	)
	return msg, nil
}

// redelivered handles a message whose Message-ID is already stored.
// Seen again in the same mailbox under a new UIDVALIDITY it was
// renumbered, so the stored copy takes the new key. A second copy in
// the same epoch, or a copy in another mailbox, leaves the stored
// owner alone.
func (i *Ingester) redelivered(ctx context.Context, existing mailbox.Message, key mailbox.Key) (mailbox.Message, error) {
	if existing.Key.Mailbox != key.Mailbox {
		i.logger.Debug("message already ingested from another mailbox",
			"key", key.String(),
			"owner", existing.Key.String(),
		)
		return existing, nil
	}
	if existing.Key.UIDValidity == key.UIDValidity {
		i.logger.Debug("duplicate copy of an ingested message",
			"key", key.String(),
			"owner", existing.Key.String(),
		)
		return existing, nil
	}

	if err := i.store.Rekey(ctx, existing.ID, key); err != nil {
		return mailbox.Message{}, &ProcessingError{Key: key, Err: err}
	}
	i.logger.Debug("message rekeyed",
		"from", existing.Key.String(),
		"to", key.String(),
	)
	existing.Key = key
	return existing, nil
}
