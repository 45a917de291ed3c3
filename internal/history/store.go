// Package history provides the durable conversation log. One row per
// completed exchange (user query plus final assistant reply, with the
// last tool payload if any). The log is the authoritative record that
// volatile memory is rebuilt from after a cold start.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/maxvaega/serverless-AIR-coach/internal/memory"
)

// Entry is one exchange as written to the log.
type Entry struct {
	ID        string
	UserID    string
	Human     string
	Assistant string
	Tool      *memory.ToolRecord
	Timestamp time.Time
}

// ErrDuplicateID is returned when an insert collides on the primary
// key. The caller may retry with a fresh ID.
var ErrDuplicateID = errors.New("history: duplicate entry id")

// Store is an append-only SQLite log of conversation exchanges. All
// public methods are safe for concurrent use (SQLite serializes
// writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation log at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_log (
		id        TEXT PRIMARY KEY,
		user_id   TEXT NOT NULL,
		human     TEXT NOT NULL,
		assistant TEXT NOT NULL,
		tool_name TEXT,
		tool_data TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_user_time ON conversation_log(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert writes one exchange. Returns ErrDuplicateID when the primary
// key already exists; any other failure is returned as-is.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	var toolName string
	var toolData []byte
	if e.Tool != nil {
		toolName = e.Tool.ToolName
		toolData = e.Tool.Data
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_log
			(id, user_id, human, assistant, tool_name, tool_data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.UserID,
		e.Human,
		e.Assistant,
		toolName,
		nullableText(toolData),
		// Unix milliseconds: integers compare chronologically, where
		// textual timestamps mis-sort when the fraction is omitted.
		e.Timestamp.UnixMilli(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit most-recent exchanges for the user,
// ordered oldest first so callers can replay them in conversation
// order.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]memory.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT human, assistant, tool_name, tool_data, timestamp
		 FROM conversation_log
		 WHERE user_id = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []memory.LogEntry
	for rows.Next() {
		var human, assistant string
		var ts int64
		var toolName, toolData sql.NullString
		if err := rows.Scan(&human, &assistant, &toolName, &toolData, &ts); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}

		e := memory.LogEntry{
			Human:     human,
			Assistant: assistant,
			Timestamp: time.UnixMilli(ts).UTC(),
		}
		if toolName.Valid && toolName.String != "" && toolData.Valid {
			e.Tool = &memory.ToolRecord{
				ToolName: toolName.String,
				Data:     json.RawMessage(toolData.String),
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Newest-first from the query, oldest-first for the caller.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// CountForUser returns the number of logged exchanges for a user.
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_log WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
