// Package store is the durable session metadata store. It persists the
// shared buffer and language tag across process restarts; the in-memory
// relay state stays authoritative while the process lives.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/codesphere/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DefaultLanguage mirrors the relay default for records created through
// the merge-write path.
const DefaultLanguage = "javascript"

// SessionRecord is a persisted session.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds store configuration.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store wraps the sqlite database holding session records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the session database.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			code       TEXT NOT NULL DEFAULT '',
			language   TEXT NOT NULL DEFAULT 'javascript',
			created_at TEXT NOT NULL
		)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Load fetches a session record by ID. A missing record is not an
// error; it reports found=false.
func (s *Store) Load(ctx context.Context, sessionID string) (*SessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, code, language, created_at FROM sessions WHERE session_id = ?", sessionID)

	var record SessionRecord
	var createdAt string
	if err := row.Scan(&record.SessionID, &record.Code, &record.Language, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Unparseable created_at, zeroing")
	}
	record.CreatedAt = ts

	return &record, true, nil
}

// Create inserts a new session record. An existing record with the same
// ID is left untouched.
func (s *Store) Create(ctx context.Context, record SessionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Language == "" {
		record.Language = DefaultLanguage
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, code, language, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		record.SessionID, record.Code, record.Language, record.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Upsert merge-writes a subset of session fields, creating the record
// with defaults if it does not exist. Recognized fields are "code" and
// "language"; anything else is ignored. Last write wins per field.
func (s *Store) Upsert(ctx context.Context, sessionID string, fields map[string]interface{}) error {
	code, hasCode := stringField(fields, "code")
	language, hasLanguage := stringField(fields, "language")
	if !hasCode && !hasLanguage {
		return nil
	}

	insertCode := ""
	if hasCode {
		insertCode = code
	}
	insertLanguage := DefaultLanguage
	if hasLanguage {
		insertLanguage = language
	}

	var set []string
	if hasCode {
		set = append(set, "code = excluded.code")
	}
	if hasLanguage {
		set = append(set, "language = excluded.language")
	}

	query := fmt.Sprintf(
		`INSERT INTO sessions (session_id, code, language, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET %s`, strings.Join(set, ", "))

	_, err := s.db.ExecContext(ctx, query,
		sessionID, insertCode, insertLanguage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func stringField(fields map[string]interface{}, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}
