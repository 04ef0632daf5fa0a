// Package accessstats persists per-context access histograms backing the
// ADAPTIVE auto-tiering policy (spec.md does not mandate a format for
// this; SPEC_FULL.md's Open Question resolution picks a sqlite-backed
// store, grounded on the teacher's own sqlite bootstrap in
// internal/context/memory/memory.go).
package accessstats

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sirupsen/logrus"

	"github.com/snapllm/snapllm/internal/logging"
	"github.com/snapllm/snapllm/internal/snaperr"
)

// Sample is one recorded access event for a context.
type Sample struct {
	ContextID  string
	AccessedAt time.Time
}

// Histogram summarizes a context's recent access pattern, the input the
// ADAPTIVE tiering policy scores against.
type Histogram struct {
	ContextID      string
	AccessCount    int64
	LastAccessed   time.Time
	FirstAccessed  time.Time
	AccessesInLast time.Duration // populated by RecentAccessCount's caller context
}

// Store is a sqlite-backed append log of access events plus a
// materialized per-context summary table, kept in lockstep inside one
// transaction per RecordAccess call.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	upsertStmt *sql.Stmt

	mu  sync.Mutex
	log *logrus.Entry
}

// Open creates (if needed) and opens the sqlite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, snaperr.Wrap(snaperr.IOError, "accessstats_open", "create directory", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, snaperr.Wrap(snaperr.IOError, "accessstats_open", "open sqlite database", err)
	}
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO access_events (context_id, accessed_at) VALUES (?, ?)`)
	if err != nil {
		db.Close()
		return nil, snaperr.Wrap(snaperr.IOError, "accessstats_open", "prepare insert", err)
	}
	upsertStmt, err := db.Prepare(`
		INSERT INTO context_summary (context_id, access_count, first_accessed, last_accessed)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			access_count = access_count + 1,
			last_accessed = excluded.last_accessed
	`)
	if err != nil {
		insertStmt.Close()
		db.Close()
		return nil, snaperr.Wrap(snaperr.IOError, "accessstats_open", "prepare upsert", err)
	}

	return &Store{db: db, insertStmt: insertStmt, upsertStmt: upsertStmt, log: logging.For("access_stats")}, nil
}

func bootstrap(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`CREATE TABLE IF NOT EXISTS access_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			accessed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_context_time
			ON access_events(context_id, accessed_at);`,
		`CREATE TABLE IF NOT EXISTS context_summary (
			context_id TEXT PRIMARY KEY,
			access_count INTEGER NOT NULL DEFAULT 0,
			first_accessed INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return snaperr.Wrap(snaperr.IOError, "accessstats_bootstrap", "apply schema", err)
		}
	}
	return nil
}

// RecordAccess appends an access event and updates the context's rolling
// summary (spec §3 invariant 6: access_count/last_accessed are advisory
// bookkeeping the query path updates).
func (s *Store) RecordAccess(contextID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_record", "begin transaction", err)
	}
	defer tx.Rollback()

	ts := at.Unix()
	if _, err := tx.Stmt(s.insertStmt).Exec(contextID, ts); err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_record", "insert event", err)
	}
	if _, err := tx.Stmt(s.upsertStmt).Exec(contextID, ts, ts); err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_record", "upsert summary", err)
	}
	return tx.Commit()
}

// Get returns the current summary for contextID, or ok=false if no access
// has ever been recorded for it.
func (s *Store) Get(contextID string) (Histogram, bool, error) {
	row := s.db.QueryRow(`SELECT context_id, access_count, first_accessed, last_accessed
		FROM context_summary WHERE context_id = ?`, contextID)

	var h Histogram
	var first, last int64
	switch err := row.Scan(&h.ContextID, &h.AccessCount, &first, &last); err {
	case nil:
		h.FirstAccessed = time.Unix(first, 0)
		h.LastAccessed = time.Unix(last, 0)
		return h, true, nil
	case sql.ErrNoRows:
		return Histogram{}, false, nil
	default:
		return Histogram{}, false, snaperr.Wrap(snaperr.IOError, "accessstats_get", "query summary", err)
	}
}

// RecentAccessCount counts access events for contextID within the last
// window, the input the ADAPTIVE policy needs for "access frequency over
// a recency-weighted window" scoring.
func (s *Store) RecentAccessCount(contextID string, window time.Duration) (int64, error) {
	since := time.Now().Add(-window).Unix()
	row := s.db.QueryRow(`SELECT COUNT(*) FROM access_events WHERE context_id = ? AND accessed_at >= ?`, contextID, since)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, snaperr.Wrap(snaperr.IOError, "accessstats_recent_count", "query events", err)
	}
	return count, nil
}

// Forget removes every recorded event and the summary row for contextID,
// called when a context is deleted so stale stats never resurrect it.
func (s *Store) Forget(contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_forget", "begin transaction", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM access_events WHERE context_id = ?`, contextID); err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_forget", "delete events", err)
	}
	if _, err := tx.Exec(`DELETE FROM context_summary WHERE context_id = ?`, contextID); err != nil {
		return snaperr.Wrap(snaperr.IOError, "accessstats_forget", "delete summary", err)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.insertStmt.Close()
	s.upsertStmt.Close()
	return s.db.Close()
}
