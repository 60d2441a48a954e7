// Package history caches confirmed history pages in a local SQLite database
// so a conversation can render before the first network fetch completes.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a chat has no cached history.
var ErrNotFound = errors.New("history not found")

// Store is a SQLite-backed cache of confirmed messages keyed by
// (chat_code, message_id). Saving a page that is already cached replaces
// the stored copies.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePage upserts a page of history records for chatCode. Records without
// an id cannot be deduplicated and are skipped.
func (s *Store) SavePage(ctx context.Context, chatCode string, page []normalize.HistoryRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatCode = strings.TrimSpace(chatCode)
	if chatCode == "" {
		return errors.New("missing chat_code")
	}
	if len(page) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO history_messages (
  chat_code, message_id, sort_key, sender_type, message_text, record_json, stored_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_code, message_id) DO UPDATE SET
  sort_key = excluded.sort_key,
  sender_type = excluded.sender_type,
  message_text = excluded.message_text,
  record_json = excluded.record_json,
  stored_at_unix_ms = excluded.stored_at_unix_ms
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	storedAt := s.now().UnixMilli()
	for _, rec := range page {
		id := strings.TrimSpace(string(rec.ID))
		if id == "" {
			continue
		}
		rec.ChatCode = chatCode
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx,
			chatCode,
			id,
			message.SortKey(rec.CreateDate),
			strings.TrimSpace(rec.SenderType),
			rec.MessageText,
			string(raw),
			storedAt,
		); err != nil {
			return fmt.Errorf("save record %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Load returns the cached records of chatCode in chronological order.
func (s *Store) Load(ctx context.Context, chatCode string) ([]normalize.HistoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chatCode = strings.TrimSpace(chatCode)
	if chatCode == "" {
		return nil, errors.New("missing chat_code")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, record_json
FROM history_messages
WHERE chat_code = ?
ORDER BY sort_key ASC, id ASC
`, chatCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []normalize.HistoryRecord
	for rows.Next() {
		var id string
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var rec normalize.HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every cached record of chatCode.
func (s *Store) Delete(ctx context.Context, chatCode string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM history_messages WHERE chat_code = ?`, strings.TrimSpace(chatCode))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes records created before cutoff. Records without a usable
// timestamp are judged by when they were stored.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM history_messages
WHERE (sort_key > 0 AND sort_key < ?)
   OR (sort_key <= 0 AND stored_at_unix_ms < ?)
`, message.SortKeyFromTime(cutoff), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ChatCodes lists chats with cached history.
func (s *Store) ChatCodes(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_code FROM history_messages ORDER BY chat_code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS history_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  chat_code TEXT NOT NULL,
  message_id TEXT NOT NULL,
  sort_key INTEGER NOT NULL DEFAULT 0,
  sender_type TEXT NOT NULL DEFAULT '',
  message_text TEXT NOT NULL DEFAULT '',
  record_json TEXT NOT NULL,
  stored_at_unix_ms INTEGER NOT NULL,
  UNIQUE(chat_code, message_id)
);
CREATE INDEX IF NOT EXISTS idx_history_messages_chat_sort ON history_messages(chat_code, sort_key ASC, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
