// Package statusstore journals MCP server status events in SQLite so
// connection history survives restarts. It keeps every event in an
// append-only table and the most recent event per server in a second
// table for cheap "last known state" lookups.
package statusstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcphub/internal/mcp"
)

// DefaultEventLimit bounds Events when the caller passes no limit.
const DefaultEventLimit = 50

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the status journal. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a journal at dbPath.
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
	CREATE TABLE IF NOT EXISTS status_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		server      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		connected   INTEGER NOT NULL,
		tools_count INTEGER NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_events_server ON status_events (server, id);

	CREATE TABLE IF NOT EXISTS server_status (
		server      TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		connected   INTEGER NOT NULL,
		tools_count INTEGER NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		at          TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordStatus appends ev to the journal and makes it the server's
// latest status. It implements [mcp.StatusRecorder].
func (s *Store) RecordStatus(ctx context.Context, ev mcp.StatusEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	at := ev.At.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.Server, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO status_events (server, kind, session_id, connected, tools_count, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Server, string(ev.Kind), ev.SessionID, ev.Connected, ev.ToolsCount, ev.Error, at,
	); err != nil {
		return fmt.Errorf("record %s: %w", ev.Server, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO server_status (server, kind, session_id, connected, tools_count, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (server) DO UPDATE
		 SET kind = excluded.kind, session_id = excluded.session_id,
		     connected = excluded.connected, tools_count = excluded.tools_count,
		     error = excluded.error, at = excluded.at`,
		ev.Server, string(ev.Kind), ev.SessionID, ev.Connected, ev.ToolsCount, ev.Error, at,
	); err != nil {
		return fmt.Errorf("update %s: %w", ev.Server, err)
	}

	return tx.Commit()
}

// Latest returns the most recent event for server. The boolean is
// false if nothing was ever recorded for it.
func (s *Store) Latest(ctx context.Context, server string) (mcp.StatusEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server, kind, session_id, connected, tools_count, error, at
		 FROM server_status WHERE server = ?`,
		server,
	)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return mcp.StatusEvent{}, false, nil
	}
	if err != nil {
		return mcp.StatusEvent{}, false, fmt.Errorf("latest %s: %w", server, err)
	}
	return ev, true, nil
}

// LatestAll returns the most recent event of every server, ordered by
// server name.
func (s *Store) LatestAll(ctx context.Context) ([]mcp.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, kind, session_id, connected, tools_count, error, at
		 FROM server_status ORDER BY server`,
	)
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	defer rows.Close()

	var out []mcp.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan latest: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Events returns up to limit events for server, newest first. A limit
// of zero or less means DefaultEventLimit.
func (s *Store) Events(ctx context.Context, server string, limit int) ([]mcp.StatusEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT server, kind, session_id, connected, tools_count, error, at
		 FROM status_events WHERE server = ? ORDER BY id DESC LIMIT ?`,
		server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events %s: %w", server, err)
	}
	defer rows.Close()

	out := []mcp.StatusEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", server, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes journal events older than before and returns how many
// were removed. Latest status rows are kept.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM status_events WHERE at < ?`,
		before.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (mcp.StatusEvent, error) {
	var (
		ev   mcp.StatusEvent
		kind string
		at   string
	)
	if err := row.Scan(&ev.Server, &kind, &ev.SessionID, &ev.Connected, &ev.ToolsCount, &ev.Error, &at); err != nil {
		return mcp.StatusEvent{}, err
	}
	ev.Kind = mcp.EventKind(kind)

	t, err := time.Parse(timeFormat, at)
	if err != nil {
		return mcp.StatusEvent{}, fmt.Errorf("parse timestamp %q: %w", at, err)
	}
	ev.At = t
	return ev, nil
}
