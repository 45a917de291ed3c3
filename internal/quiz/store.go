// Package quiz provides the theory exam question corpus and the
// domanda_teoria tool that serves questions to the agent.
package quiz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ChapterNames maps chapter numbers to the official syllabus titles.
var ChapterNames = map[int]string{
	1:  "Meteorologia applicata al paracadutismo",
	2:  "Aerodinamica applicata al corpo in caduta libera",
	3:  "Tecnologia degli equipaggiamenti e strumenti in uso",
	4:  "Tecnica di direzione di lancio",
	5:  "Tecnica di utilizzo dei paracadute plananti",
	6:  "Elementi e procedure generali di sicurezza",
	7:  "Elementi e procedure di sicurezza nel lavoro relativo in caduta libera",
	8:  "Elementi e procedure di sicurezza nel volo in formazione con paracadute planante",
	9:  "Procedure in situazioni di emergenza",
	10: "Normativa aeronautica attinente il paracadutismo",
}

// Chapter number bounds for the syllabus.
const (
	MinChapter = 1
	MaxChapter = 10
)

// Option is one answer choice.
type Option struct {
	ID    string `json:"id"`
	Testo string `json:"testo"`
}

// Question is one exam question as served to the agent.
type Question struct {
	Capitolo     int      `json:"capitolo"`
	CapitoloNome string   `json:"capitolo_nome"`
	Numero       int      `json:"numero"`
	Testo        string   `json:"testo"`
	Opzioni      []Option `json:"opzioni"`
	Risposta     string   `json:"risposta_corretta"`
}

// Store is a SQLite-backed question corpus. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the question corpus at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open quiz database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quiz schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		chapter INTEGER NOT NULL,
		number  INTEGER NOT NULL,
		text    TEXT NOT NULL,
		options TEXT NOT NULL,
		answer  TEXT NOT NULL,
		PRIMARY KEY (chapter, number)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_chapter ON questions(chapter);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds or replaces one question.
func (s *Store) Insert(ctx context.Context, q Question) error {
	opts, err := json.Marshal(q.Opzioni)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO questions (chapter, number, text, options, answer)
		 VALUES (?, ?, ?, ?, ?)`,
		q.Capitolo, q.Numero, q.Testo, string(opts), q.Risposta)
	if err != nil {
		return fmt.Errorf("insert question %d.%d: %w", q.Capitolo, q.Numero, err)
	}
	return nil
}

// Random returns one random question from the whole corpus, or nil
// when the corpus is empty.
func (s *Store) Random(ctx context.Context) (*Question, error) {
	return s.one(ctx,
		`SELECT chapter, number, text, options, answer FROM questions
		 ORDER BY RANDOM() LIMIT 1`)
}

// RandomByChapter returns one random question from a chapter, or nil
// when the chapter has none.
func (s *Store) RandomByChapter(ctx context.Context, chapter int) (*Question, error) {
	return s.one(ctx,
		`SELECT chapter, number, text, options, answer FROM questions
		 WHERE chapter = ? ORDER BY RANDOM() LIMIT 1`, chapter)
}

// ByChapterAndNumber returns one specific question, or nil when it
// does not exist.
func (s *Store) ByChapterAndNumber(ctx context.Context, chapter, number int) (*Question, error) {
	return s.one(ctx,
		`SELECT chapter, number, text, options, answer FROM questions
		 WHERE chapter = ? AND number = ?`, chapter, number)
}

// SearchText returns the first question whose text contains the given
// fragment, case-insensitively, or nil when nothing matches.
func (s *Store) SearchText(ctx context.Context, text string) (*Question, error) {
	return s.one(ctx,
		`SELECT chapter, number, text, options, answer FROM questions
		 WHERE text LIKE '%' || ? || '%' COLLATE NOCASE
		 ORDER BY chapter, number LIMIT 1`, text)
}

// Count returns the corpus size.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (s *Store) one(ctx context.Context, query string, args ...any) (*Question, error) {
	var q Question
	var opts string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&q.Capitolo, &q.Numero, &q.Testo, &opts, &q.Risposta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query question: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &q.Opzioni); err != nil {
		return nil, fmt.Errorf("unmarshal options for %d.%d: %w", q.Capitolo, q.Numero, err)
	}
	q.CapitoloNome = ChapterNames[q.Capitolo]
	return &q, nil
}
