package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

const (
	StatusActive    = "active"
	StatusFinalized = "finalized"
	StatusAbandoned = "abandoned"
)

type Session struct {
	ID            string     `json:"id"`
	Epoch         uint64     `json:"epoch"`
	StartedAt     time.Time  `json:"started_at"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
	Status        string     `json:"status"`
	SummaryStatus string     `json:"summary_status"`
	ArchivePath   string     `json:"archive_path"`
	AudioFile     string     `json:"audio_file"`
}

type Question struct {
	ID          int64     `json:"id"`
	AskedAt     time.Time `json:"asked_at"`
	Transcript  string    `json:"transcript"`
	Response    string    `json:"response"`
	AudioFile   string    `json:"audio_file"`
	WithContext bool      `json:"with_context"`
}

// SQLiteStore is the durable ledger of lecture sessions and answered
// questions. Artifacts themselves live in the staging areas.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "milo.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			epoch INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finalized_at TEXT,
			status TEXT NOT NULL,
			summary_status TEXT NOT NULL DEFAULT 'pending',
			archive_path TEXT NOT NULL DEFAULT '',
			audio_file TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_claims (
			session_id TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id)
		);
	`); err != nil {
		return fmt.Errorf("create summary_claims table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asked_at TEXT NOT NULL,
			transcript TEXT NOT NULL,
			response TEXT NOT NULL,
			audio_file TEXT NOT NULL DEFAULT '',
			with_context INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		return fmt.Errorf("create questions table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_questions_asked_at ON questions(asked_at)"); err != nil {
		return fmt.Errorf("create questions index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateSession(ctx context.Context, id string, epoch uint64, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, epoch, started_at, status, summary_status) VALUES(?, ?, ?, ?, ?)`,
		id,
		epoch,
		startedAt.UTC().Format(time.RFC3339Nano),
		StatusActive,
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// AbandonActive marks every session that never finalized as abandoned. It
// runs when a new lecture replaces an open one.
func (s *SQLiteStore) AbandonActive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ?`,
		StatusAbandoned,
		StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("abandon active sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon rows affected: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) FinalizeSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id,
		`UPDATE sessions SET finalized_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusFinalized,
		id,
	)
}

// ClaimSummary records that the session's summary is being produced. Only
// the first claim for a session returns true.
func (s *SQLiteStore) ClaimSummary(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO summary_claims(session_id) VALUES(?)`,
		sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

// ReleaseSummary drops the session's summary claim after a failed attempt.
func (s *SQLiteStore) ReleaseSummary(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_claims WHERE session_id = ?`,
		sessionID,
	); err != nil {
		return fmt.Errorf("release summary for session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateSummary sets the summary status. An empty audioFile keeps the
// stored value.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, sessionID, status, audioFile string) error {
	return s.updateSession(ctx, sessionID,
		`UPDATE sessions SET summary_status = ?, audio_file = CASE WHEN ? = '' THEN audio_file ELSE ? END WHERE id = ?`,
		status,
		audioFile,
		audioFile,
		sessionID,
	)
}

func (s *SQLiteStore) RecordArchive(ctx context.Context, sessionID, archivePath string) error {
	return s.updateSession(ctx, sessionID,
		`UPDATE sessions SET archive_path = ? WHERE id = ?`,
		archivePath,
		sessionID,
	)
}

func (s *SQLiteStore) updateSession(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, epoch, started_at, finalized_at, status, summary_status, archive_path, audio_file
		 FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionsByDate(ctx context.Context, date string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, epoch, started_at, finalized_at, status, summary_status, archive_path, audio_file
		 FROM sessions
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}

func (s *SQLiteStore) GetDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) RecordQuestion(ctx context.Context, q Question) error {
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions(asked_at, transcript, response, audio_file, with_context) VALUES(?, ?, ?, ?, ?)`,
		q.AskedAt.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(q.Transcript),
		q.Response,
		q.AudioFile,
		q.WithContext,
	)
	if err != nil {
		return fmt.Errorf("record question: %w", err)
	}
	return nil
}

// ListQuestions returns the most recent questions first.
func (s *SQLiteStore) ListQuestions(ctx context.Context, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asked_at, transcript, response, audio_file, with_context
		 FROM questions
		 ORDER BY asked_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	questions := make([]Question, 0, limit)
	for rows.Next() {
		var q Question
		var askedAt string
		if err := rows.Scan(&q.ID, &askedAt, &q.Transcript, &q.Response, &q.AudioFile, &q.WithContext); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, askedAt)
		if err != nil {
			return nil, fmt.Errorf("parse asked_at: %w", err)
		}
		q.AskedAt = parsed
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question rows: %w", err)
	}

	return questions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var startedAt string
	var finalizedAt sql.NullString
	if err := row.Scan(&sess.ID, &sess.Epoch, &startedAt, &finalizedAt, &sess.Status, &sess.SummaryStatus, &sess.ArchivePath, &sess.AudioFile); err != nil {
		return Session{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if finalizedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, finalizedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse finalized_at: %w", err)
		}
		sess.FinalizedAt = &parsedEnd
	}

	return sess, nil
}
