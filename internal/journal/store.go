package journal

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

	"github.com/g960059/infersession/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Session is one client session as recorded in the journal.
type Session struct {
	SessionID string     `json:"session_id"`
	ClientID  string     `json:"client_id"`
	Endpoint  string     `json:"endpoint"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type TransitionRecord struct {
	SessionID string                `json:"session_id"`
	Seq       uint64                `json:"seq"`
	From      model.ConnectionState `json:"from"`
	To        model.ConnectionState `json:"to"`
	Reason    string                `json:"reason"`
	Attempt   int                   `json:"attempt"`
	RetryIn   time.Duration         `json:"retry_in,omitempty"`
	At        time.Time             `json:"at"`
}

type HealthSample struct {
	SessionID   string             `json:"session_id"`
	Status      model.HealthStatus `json:"status"`
	Mode        model.EngineMode   `json:"mode"`
	Model       string             `json:"model"`
	MemoryBytes *uint64            `json:"memory_bytes,omitempty"`
	Synthetic   bool               `json:"synthetic"`
	ObservedAt  time.Time          `json:"observed_at"`
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod journal path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the journal at path and brings its schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginSession records a new session. Recording the same session twice is
// not an error.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	sess.SessionID = strings.TrimSpace(sess.SessionID)
	if sess.SessionID == "" {
		return errors.New("session_id is required")
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, client_id, endpoint, started_at, ended_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING
`, sess.SessionID, sess.ClientID, sess.Endpoint, ts(sess.StartedAt), nullableTS(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET ended_at = ?
WHERE session_id = ? AND ended_at IS NULL
`, ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, client_id, endpoint, started_at, ended_at
FROM sessions WHERE session_id = ?
`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sess, err
}

func (s *Store) InsertTransition(ctx context.Context, tr TransitionRecord) error {
	if !tr.To.Valid() {
		return fmt.Errorf("invalid to_state %q", tr.To)
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transitions(session_id, seq, from_state, to_state, reason, attempt, retry_in_ms, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, tr.SessionID, int64(tr.Seq), string(tr.From), string(tr.To), tr.Reason, tr.Attempt, tr.RetryIn.Milliseconds(), ts(tr.At))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("transition %s/%d: %w", tr.SessionID, tr.Seq, ErrDuplicate)
		}
		if isForeignKeyErr(err) {
			return fmt.Errorf("transition for session %s: %w", tr.SessionID, ErrNotFound)
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) InsertHealthSample(ctx context.Context, h HealthSample) error {
	if _, ok := model.ParseHealthStatus(string(h.Status)); !ok {
		return fmt.Errorf("invalid health status %q", h.Status)
	}
	if h.ObservedAt.IsZero() {
		h.ObservedAt = time.Now().UTC()
	}
	var mem any
	if h.MemoryBytes != nil {
		mem = int64(*h.MemoryBytes)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO health_samples(session_id, status, mode, model, memory_bytes, synthetic, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, h.SessionID, string(h.Status), string(h.Mode), h.Model, mem, boolToInt(h.Synthetic), ts(h.ObservedAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("health sample for session %s: %w", h.SessionID, ErrNotFound)
		}
		return fmt.Errorf("insert health sample: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions first. limit <= 0 returns
// every session.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := `
SELECT session_id, client_id, endpoint, started_at, ended_at
FROM sessions
ORDER BY started_at DESC, session_id ASC`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

func (s *Store) ListTransitions(ctx context.Context, sessionID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, seq, from_state, to_state, reason, attempt, retry_in_ms, at
FROM transitions
WHERE session_id = ?
ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := make([]TransitionRecord, 0)
	for rows.Next() {
		var (
			tr      TransitionRecord
			seq     int64
			from    string
			to      string
			retryMS int64
			at      string
		)
		if err := rows.Scan(&tr.SessionID, &seq, &from, &to, &tr.Reason, &tr.Attempt, &retryMS, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Seq = uint64(seq)
		tr.From = model.ConnectionState(from)
		tr.To = model.ConnectionState(to)
		tr.RetryIn = time.Duration(retryMS) * time.Millisecond
		if tr.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse transition at: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter transitions: %w", err)
	}
	return out, nil
}

func (s *Store) ListHealth(ctx context.Context, sessionID string) ([]HealthSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, status, mode, model, memory_bytes, synthetic, observed_at
FROM health_samples
WHERE session_id = ?
ORDER BY observed_at ASC, sample_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list health samples: %w", err)
	}
	defer rows.Close()

	out := make([]HealthSample, 0)
	for rows.Next() {
		var (
			h         HealthSample
			status    string
			mode      string
			mem       sql.NullInt64
			synthetic int
			observed  string
		)
		if err := rows.Scan(&h.SessionID, &status, &mode, &h.Model, &mem, &synthetic, &observed); err != nil {
			return nil, fmt.Errorf("scan health sample: %w", err)
		}
		h.Status = model.HealthStatus(status)
		h.Mode = model.EngineMode(mode)
		if mem.Valid {
			v := uint64(mem.Int64)
			h.MemoryBytes = &v
		}
		h.Synthetic = synthetic != 0
		if h.ObservedAt, err = parseTS(observed); err != nil {
			return nil, fmt.Errorf("parse observed_at: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter health samples: %w", err)
	}
	return out, nil
}

// Prune deletes transitions and health samples older than before, and ended
// sessions that ended before it. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := ts(before)
	var total int64
	for _, stmt := range []string{
		`DELETE FROM transitions WHERE at < ?`,
		`DELETE FROM health_samples WHERE observed_at < ?`,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune rows: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "sessions", "transitions", "health_samples":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	if err := scanner.Scan(&sess.SessionID, &sess.ClientID, &sess.Endpoint, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	var err error
	if sess.StartedAt, err = parseTS(started); err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if ended.Valid {
		at, err := parseTS(ended.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &at
	}
	return sess, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

// Fixed width so that text order matches time order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	return err != nil && containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
		"PRIMARY KEY",
	)
}

func isForeignKeyErr(err error) bool {
	return err != nil && containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
