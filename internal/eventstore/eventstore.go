// Package eventstore persists event log entries to SQLite and answers
// history queries over past runs.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	scenario   TEXT    NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id  INTEGER NOT NULL,
	run_id    INTEGER REFERENCES runs(id),
	ts        INTEGER NOT NULL,
	severity  TEXT    NOT NULL,
	message   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_run ON events(run_id);
`

// Run is one scenario playback.
type Run struct {
	ID        int64      `json:"id"`
	Scenario  string     `json:"scenario"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Events    int        `json:"events"`
}

// Record is a stored entry.
type Record struct {
	eventlog.Entry
	// RunID is zero for entries logged outside a scenario run.
	RunID int64 `json:"run_id,omitempty"`
}

// Query filters History. Zero fields match everything.
type Query struct {
	RunID    int64
	Severity *eventlog.Severity
	Limit    int
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used for write failures.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is an eventlog.Sink backed by SQLite. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	mu      sync.Mutex
	current int64
	failed  int
}

var _ eventlog.Sink = (*Store)(nil)

// Open opens or creates the database at path. MemoryPath gives a throwaway
// database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create event store directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize event store schema: %w", err)
	}

	s := &Store{db: db, logger: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun opens a run and makes it current. Entries recorded until it ends
// or another run begins are attached to it.
func (s *Store) BeginRun(ctx context.Context, scenario string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (scenario, started_at) VALUES (?, ?)`,
		scenario, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return id, nil
}

// EndRun closes run id. Entries recorded afterwards are attached to it only
// if id was not the current run.
func (s *Store) EndRun(ctx context.Context, id int64) error {
	s.mu.Lock()
	if s.current == id {
		s.current = 0
	}
	s.mu.Unlock()
	if id == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("end run %d: %w", id, err)
	}
	return nil
}

// Record stores e. Write failures are logged and counted, never returned.
func (s *Store) Record(e eventlog.Entry) {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	var runID any
	if run != 0 {
		runID = run
	}
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO events (entry_id, run_id, ts, severity, message) VALUES (?, ?, ?, ?, ?)`,
		e.ID, runID, e.Timestamp.UnixMilli(), e.Severity.String(), e.Message)
	if err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		s.logger.Warn(context.Background(), "event not persisted",
			logging.Any("entry_id", e.ID),
			logging.Err(err),
		)
	}
}

// Failed reports how many entries could not be written.
func (s *Store) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// History returns stored entries matching q, oldest first. With a Limit the
// most recent matches are returned.
func (s *Store) History(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Severity != nil {
		where = append(where, "severity = ?")
		args = append(args, q.Severity.String())
	}
	query := `SELECT entry_id, COALESCE(run_id, 0), ts, severity, message FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			ts       int64
			severity string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &ts, &severity, &r.Message); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		if r.Severity, err = eventlog.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.scenario, r.started_at, r.ended_at, COUNT(e.seq)
		FROM runs r LEFT JOIN events e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Scenario, &started, &ended, &r.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return out, nil
}

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.scenario, r.started_at, r.ended_at,
			(SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		FROM runs r WHERE r.id = ?`, id).Scan(&r.ID, &r.Scenario, &started, &ended, &r.Events)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	r.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		r.EndedAt = &t
	}
	return r, nil
}
