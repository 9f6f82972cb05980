// Package threads stores local discussion threads, the messages that
// belong to them, and each thread's tag set and archive status.
//
// A thread's first message is its root. The root carries the remote
// key the sync engine uses to push tag and archive edits back to the
// server, and its needs_sync flag records that such an edit is pending.
package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nugget/mailsync/internal/mailbox"
)

// ErrNotFound is returned when a thread does not exist.
var ErrNotFound = errors.New("thread not found")

// Thread is a local discussion thread.
type Thread struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Subject   string    `json:"subject"`
	Archived  bool      `json:"archived"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMessage is the parsed content stored for an ingested message.
type NewMessage struct {
	Key       mailbox.Key
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Body      string
}

type threadRow struct {
	ID        string `db:"id"`
	Account   string `db:"account"`
	Subject   string `db:"subject"`
	Archived  bool   `db:"archived"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r threadRow) thread() Thread {
	t := Thread{
		ID:       r.ID,
		Account:  r.Account,
		Subject:  r.Subject,
		Archived: r.Archived,
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, r.CreatedAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, r.UpdatedAt)
	return t
}

type messageRow struct {
	ID          int64  `db:"id"`
	ThreadID    string `db:"thread_id"`
	Account     string `db:"account"`
	Mailbox     string `db:"mailbox"`
	UIDValidity uint32 `db:"uid_validity"`
	UID         uint32 `db:"uid"`
	MessageID   string `db:"message_id"`
	Subject     string `db:"subject"`
	IsRoot      bool   `db:"is_root"`
	NeedsSync   bool   `db:"needs_sync"`
	SyncGen     int64  `db:"sync_gen"`
}

func (r messageRow) message() mailbox.Message {
	return mailbox.Message{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		Key: mailbox.Key{
			Account:     r.Account,
			Mailbox:     r.Mailbox,
			UIDValidity: r.UIDValidity,
			UID:         r.UID,
		},
		MessageID: r.MessageID,
		Subject:   r.Subject,
		Root:      r.IsRoot,
		NeedsSync: r.NeedsSync,
		SyncGen:   r.SyncGen,
	}
}

const messageColumns = `id, thread_id, account, mailbox, uid_validity, uid, message_id, subject, is_root, needs_sync, sync_gen`

// Store persists threads in SQLite. The caller owns the *sql.DB and
// chooses the driver.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps db and runs migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: sqlx.NewDb(db, "sqlite3")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate threads: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			account    TEXT NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			archived   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id    TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			account      TEXT NOT NULL,
			mailbox      TEXT NOT NULL,
			uid_validity INTEGER NOT NULL,
			uid          INTEGER NOT NULL,
			message_id   TEXT NOT NULL,
			subject      TEXT NOT NULL DEFAULT '',
			from_addr    TEXT NOT NULL DEFAULT '',
			sent_at      TEXT NOT NULL DEFAULT '',
			body         TEXT NOT NULL DEFAULT '',
			is_root      INTEGER NOT NULL DEFAULT 0,
			needs_sync   INTEGER NOT NULL DEFAULT 0,
			sync_gen     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			UNIQUE (account, mailbox, uid_validity, uid)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(account, message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

		CREATE TABLE IF NOT EXISTS thread_tags (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			tag       TEXT NOT NULL,
			PRIMARY KEY (thread_id, tag)
		);
	`)
	if err != nil {
		return err
	}

	// Databases created before sync_gen existed.
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name = 'sync_gen'`); err != nil {
		return fmt.Errorf("inspect messages table: %w", err)
	}
	if n == 0 {
		if _, err := s.db.Exec(`ALTER TABLE messages ADD COLUMN sync_gen INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add sync_gen column: %w", err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateThread inserts an empty thread and returns its ID.
func (s *Store) CreateThread(ctx context.Context, account, subject string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate thread id: %w", err)
	}
	ts := now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, account, subject, archived, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id.String(), account, subject, ts, ts,
	); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return id.String(), nil
}

// AddMessage stores m in threadID. root marks the thread's first
// message.
func (s *Store) AddMessage(ctx context.Context, threadID string, m NewMessage, root bool) (mailbox.Message, error) {
	sentAt := ""
	if !m.Date.IsZero() {
		sentAt = m.Date.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		   (thread_id, account, mailbox, uid_validity, uid, message_id, subject, from_addr, sent_at, body, is_root, needs_sync, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		threadID, m.Key.Account, m.Key.Mailbox, m.Key.UIDValidity, m.Key.UID,
		m.MessageID, m.Subject, m.From, sentAt, m.Body, root, now(),
	)
	if err != nil {
		return mailbox.Message{}, fmt.Errorf("add message %s: %w", m.Key, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return mailbox.Message{}, fmt.Errorf("add message %s: %w", m.Key, err)
	}
	return mailbox.Message{
		ID:        id,
		ThreadID:  threadID,
		Key:       m.Key,
		MessageID: m.MessageID,
		Subject:   m.Subject,
		Root:      root,
	}, nil
}

// MessageByKey looks a message up by its remote key.
func (s *Store) MessageByKey(ctx context.Context, key mailbox.Key) (mailbox.Message, bool, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages
		 WHERE account = ? AND mailbox = ? AND uid_validity = ? AND uid = ?`,
		key.Account, key.Mailbox, key.UIDValidity, key.UID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.Message{}, false, nil
	}
	if err != nil {
		return mailbox.Message{}, false, fmt.Errorf("message by key %s: %w", key, err)
	}
	return row.message(), true, nil
}

// MessageByMessageID looks a message up by its Message-ID header
// within one account. The oldest match wins.
func (s *Store) MessageByMessageID(ctx context.Context, account, messageID string) (mailbox.Message, bool, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages
		 WHERE account = ? AND message_id = ? ORDER BY id LIMIT 1`,
		account, messageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.Message{}, false, nil
	}
	if err != nil {
		return mailbox.Message{}, false, fmt.Errorf("message by message-id %s: %w", messageID, err)
	}
	return row.message(), true, nil
}

// ThreadForMessageIDs returns the thread of the oldest stored message
// whose Message-ID is in ids.
func (s *Store) ThreadForMessageIDs(ctx context.Context, account string, ids []string) (string, bool, error) {
	if len(ids) == 0 {
		return "", false, nil
	}
	query, args, err := sqlx.In(
		`SELECT thread_id FROM messages WHERE account = ? AND message_id IN (?) ORDER BY id LIMIT 1`,
		account, ids,
	)
	if err != nil {
		return "", false, fmt.Errorf("build thread lookup: %w", err)
	}

	var threadID string
	err = s.db.GetContext(ctx, &threadID, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("thread for message ids: %w", err)
	}
	return threadID, true, nil
}

// Rekey moves a stored message to a new remote key, used when the
// server renumbered the mailbox.
func (s *Store) Rekey(ctx context.Context, messageID int64, key mailbox.Key) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET account = ?, mailbox = ?, uid_validity = ?, uid = ? WHERE id = ?`,
		key.Account, key.Mailbox, key.UIDValidity, key.UID, messageID,
	)
	if err != nil {
		return fmt.Errorf("rekey message %d to %s: %w", messageID, key, err)
	}
	return nil
}

// Tags returns the thread's tags, sorted.
func (s *Store) Tags(ctx context.Context, threadID string) ([]string, error) {
	tags := []string{}
	if err := s.db.SelectContext(ctx, &tags,
		`SELECT tag FROM thread_tags WHERE thread_id = ? ORDER BY tag`, threadID,
	); err != nil {
		return nil, fmt.Errorf("tags for thread %s: %w", threadID, err)
	}
	return tags, nil
}

// SetTags replaces the thread's whole tag set.
func (s *Store) SetTags(ctx context.Context, threadID string, tags []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set tags: %w", err)
	}
	defer tx.Rollback()

	if err := setTagsTx(ctx, tx, threadID, tags); err != nil {
		return err
	}
	return tx.Commit()
}

func setTagsTx(ctx context.Context, tx *sqlx.Tx, threadID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_tags WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear tags for thread %s: %w", threadID, err)
	}
	for _, tag := range NormalizeTags(tags) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thread_tags (thread_id, tag) VALUES (?, ?)`, threadID, tag,
		); err != nil {
			return fmt.Errorf("insert tag %q for thread %s: %w", tag, threadID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now(), threadID); err != nil {
		return fmt.Errorf("touch thread %s: %w", threadID, err)
	}
	return nil
}

// NormalizeTags trims, de-duplicates and sorts tags, dropping blanks.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// IsArchived reports whether the thread is archived.
func (s *Store) IsArchived(ctx context.Context, threadID string) (bool, error) {
	var archived bool
	err := s.db.GetContext(ctx, &archived, `SELECT archived FROM threads WHERE id = ?`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("archived state of thread %s: %w", threadID, err)
	}
	return archived, nil
}

// Archive moves the thread out of the inbox.
func (s *Store) Archive(ctx context.Context, threadID string) error {
	return s.setArchived(ctx, threadID, true)
}

// MoveToInbox moves the thread back into the inbox.
func (s *Store) MoveToInbox(ctx context.Context, threadID string) error {
	return s.setArchived(ctx, threadID, false)
}

func (s *Store) setArchived(ctx context.Context, threadID string, archived bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, now(), threadID,
	)
	if err != nil {
		return fmt.Errorf("set archived=%v on thread %s: %w", archived, threadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingOutbound returns root messages with unpushed local edits
// whose key belongs to the given mailbox epoch.
func (s *Store) PendingOutbound(ctx context.Context, account, mailboxName string, uidValidity uint32) ([]mailbox.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages
		 WHERE account = ? AND mailbox = ? AND uid_validity = ? AND is_root = 1 AND needs_sync = 1
		 ORDER BY uid`,
		account, mailboxName, uidValidity,
	); err != nil {
		return nil, fmt.Errorf("pending outbound for %s/%s: %w", account, mailboxName, err)
	}

	out := make([]mailbox.Message, len(rows))
	for i, r := range rows {
		out[i] = r.message()
	}
	return out, nil
}

// ClearOutbound marks a message's local edits as pushed, provided no
// newer edit arrived since PendingOutbound returned generation gen.
// It reports whether the flag was cleared; false means the message
// stays pending for the next pass.
func (s *Store) ClearOutbound(ctx context.Context, messageID, gen int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET needs_sync = 0 WHERE id = ? AND sync_gen = ?`, messageID, gen,
	)
	if err != nil {
		return false, fmt.Errorf("clear outbound for message %d: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateLocal applies a local edit to a thread: tags are replaced when
// non-nil, the archive state is changed when non-nil, and the thread's
// root message is flagged for outbound sync.
func (s *Store) UpdateLocal(ctx context.Context, threadID string, tags []string, archived *bool) (Thread, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("begin local update: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM threads WHERE id = ?`, threadID); err != nil {
		return Thread{}, fmt.Errorf("lookup thread %s: %w", threadID, err)
	}
	if exists == 0 {
		return Thread{}, ErrNotFound
	}

	if tags != nil {
		if err := setTagsTx(ctx, tx, threadID, tags); err != nil {
			return Thread{}, err
		}
	}
	if archived != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET archived = ?, updated_at = ? WHERE id = ?`, *archived, now(), threadID,
		); err != nil {
			return Thread{}, fmt.Errorf("set archived on thread %s: %w", threadID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET needs_sync = 1, sync_gen = sync_gen + 1 WHERE thread_id = ? AND is_root = 1`, threadID,
	); err != nil {
		return Thread{}, fmt.Errorf("flag thread %s for sync: %w", threadID, err)
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("commit local update: %w", err)
	}
	return s.Thread(ctx, threadID)
}

// Thread returns one thread with its tags.
func (s *Store) Thread(ctx context.Context, id string) (Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, account, subject, archived, created_at, updated_at FROM threads WHERE id = ?`, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread %s: %w", id, err)
	}

	t := row.thread()
	if t.Tags, err = s.Tags(ctx, id); err != nil {
		return Thread{}, err
	}
	return t, nil
}

// ListThreads returns the most recently updated threads, newest first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, account, subject, archived, created_at, updated_at FROM threads
		 ORDER BY updated_at DESC, id DESC LIMIT ?`, limit,
	); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	out := make([]Thread, 0, len(rows))
	for _, r := range rows {
		t := r.thread()
		tags, err := s.Tags(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Tags = tags
		out = append(out, t)
	}
	return out, nil
}

// Messages returns the messages of a thread, root first.
func (s *Store) Messages(ctx context.Context, threadID string) ([]mailbox.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY is_root DESC, id`, threadID,
	); err != nil {
		return nil, fmt.Errorf("messages for thread %s: %w", threadID, err)
	}
	out := make([]mailbox.Message, len(rows))
	for i, r := range rows {
		out[i] = r.message()
	}
	return out, nil
}
