package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sushant-115/gojolock/core/deadlock"
)

const journalSchemaVersion = 1

const journalSchema = `
CREATE TABLE IF NOT EXISTS resolution_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	scan_id     TEXT NOT NULL,
	cycle       TEXT NOT NULL DEFAULT '[]',
	victim      TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resolution_events_scan ON resolution_events(scan_id);
CREATE INDEX IF NOT EXISTS idx_resolution_events_kind ON resolution_events(kind);
`

// SQLiteJournal persists events in a local SQLite database so operators can
// audit past resolutions.
type SQLiteJournal struct {
	db *sql.DB
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	ScanID string
	Kind   deadlock.EventKind
	Victim string
	Limit  int
}

// OpenSQLiteJournal opens or creates the journal at path.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	// One writer; the scan loop is the only producer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %q: %w", p, err)
		}
	}

	j := &SQLiteJournal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	var version int
	if err := j.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= journalSchemaVersion {
		return nil
	}
	if _, err := j.db.Exec(journalSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := j.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", journalSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Log(ctx context.Context, ev deadlock.Event) error {
	cycle, err := json.Marshal(ev.Cycle)
	if err != nil {
		return err
	}
	if ev.Cycle == nil {
		cycle = []byte("[]")
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO resolution_events (kind, scan_id, cycle, victim, resource_id, error, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.ScanID, string(cycle), ev.Victim, ev.ResourceID, ev.Error, ev.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Query returns matching events in insertion order.
func (j *SQLiteJournal) Query(ctx context.Context, f Filter) ([]deadlock.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.ScanID != "" {
		where = append(where, "scan_id = ?")
		args = append(args, f.ScanID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Victim != "" {
		where = append(where, "victim = ?")
		args = append(args, f.Victim)
	}
	q := "SELECT kind, scan_id, cycle, victim, resource_id, error, ts FROM resolution_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []deadlock.Event
	for rows.Next() {
		var (
			ev    deadlock.Event
			kind  string
			cycle string
			ts    int64
		)
		if err := rows.Scan(&kind, &ev.ScanID, &cycle, &ev.Victim, &ev.ResourceID, &ev.Error, &ts); err != nil {
			return nil, err
		}
		ev.Kind = deadlock.EventKind(kind)
		if err := json.Unmarshal([]byte(cycle), &ev.Cycle); err != nil {
			return nil, fmt.Errorf("decode cycle: %w", err)
		}
		if len(ev.Cycle) == 0 {
			ev.Cycle = nil
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
