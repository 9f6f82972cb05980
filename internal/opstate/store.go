// Package opstate persists per-mailbox sync positions: the
// UIDVALIDITY a mailbox was last synced under, the watermark within
// that epoch, and the poison-message counter. It is deliberately
// separate from the thread store so the watermark can be inspected or
// reset without touching message data.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mailsync/internal/mailbox"
)

// Store is a mailbox state store backed by SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the state database at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailbox_state (
		account        TEXT    NOT NULL,
		mailbox        TEXT    NOT NULL,
		uid_validity   INTEGER NOT NULL DEFAULT 0,
		last_seen_uid  INTEGER NOT NULL DEFAULT 0,
		stuck_uid      INTEGER NOT NULL DEFAULT 0,
		stuck_attempts INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT    NOT NULL,
		PRIMARY KEY (account, mailbox)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadMailbox returns the stored state for a mailbox. A mailbox that
// has never been saved yields a zero state with Account and Name set.
func (s *Store) LoadMailbox(ctx context.Context, account, name string) (mailbox.State, error) {
	st := mailbox.State{Account: account, Name: name}

	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid_validity, last_seen_uid, stuck_uid, stuck_attempts, updated_at
		 FROM mailbox_state WHERE account = ? AND mailbox = ?`,
		account, name,
	).Scan(&st.UIDValidity, &st.LastSeenUID, &st.StuckUID, &st.StuckAttempts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load mailbox %s/%s: %w", account, name, err)
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return st, nil
}

// SaveMailbox upserts st in one statement, so the validity token and
// the watermark are always committed together.
func (s *Store) SaveMailbox(ctx context.Context, st mailbox.State) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox_state
		   (account, mailbox, uid_validity, last_seen_uid, stuck_uid, stuck_attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account, mailbox) DO UPDATE
		 SET uid_validity = excluded.uid_validity,
		     last_seen_uid = excluded.last_seen_uid,
		     stuck_uid = excluded.stuck_uid,
		     stuck_attempts = excluded.stuck_attempts,
		     updated_at = excluded.updated_at`,
		st.Account, st.Name, st.UIDValidity, st.LastSeenUID, st.StuckUID, st.StuckAttempts,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save mailbox %s/%s: %w", st.Account, st.Name, err)
	}
	return nil
}

// ResetMailbox forgets the stored state so the next pass starts from
// scratch. No error is returned if the mailbox was never saved.
func (s *Store) ResetMailbox(ctx context.Context, account, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mailbox_state WHERE account = ? AND mailbox = ?`,
		account, name,
	)
	if err != nil {
		return fmt.Errorf("reset mailbox %s/%s: %w", account, name, err)
	}
	return nil
}

// ListMailboxes returns every stored state ordered by account and
// mailbox. Returns an empty (non-nil) slice if nothing is stored.
func (s *Store) ListMailboxes(ctx context.Context) ([]mailbox.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, mailbox, uid_validity, last_seen_uid, stuck_uid, stuck_attempts, updated_at
		 FROM mailbox_state ORDER BY account, mailbox`,
	)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	result := []mailbox.State{}
	for rows.Next() {
		var st mailbox.State
		var updated string
		if err := rows.Scan(&st.Account, &st.Name, &st.UIDValidity, &st.LastSeenUID,
			&st.StuckUID, &st.StuckAttempts, &updated); err != nil {
			return nil, fmt.Errorf("scan mailbox state: %w", err)
		}
		st.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		result = append(result, st)
	}
	return result, rows.Err()
}
