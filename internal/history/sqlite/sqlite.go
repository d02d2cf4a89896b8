// Package sqlite is the default history sink. Besides recording lifecycle
// events it keeps the payout ledger readable through Payouts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/hashvisor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daemon_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			run_id TEXT NOT NULL,
			daemon TEXT NOT NULL,
			pid INTEGER NOT NULL,
			uptime_s INTEGER NOT NULL,
			exit_status TEXT,
			pool TEXT,
			amount_xmr REAL NOT NULL,
			block INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_daemon_history_event ON daemon_history(event);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_history(occurred_at, event, run_id, daemon, pid, uptime_s, exit_status, pool, amount_xmr, block)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.RunID, e.Daemon, e.PID, int64(e.Uptime/time.Second),
		nullString(e.ExitStatus), nullString(e.Pool), e.AmountXMR, int64(e.Block))
	return err
}

// Payouts returns the newest payouts first. limit <= 0 returns all of them.
func (s *Sink) Payouts(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, run_id, daemon, amount_xmr, block
		FROM daemon_history WHERE event = ?
		ORDER BY occurred_at DESC LIMIT ?;`, string(history.EventPayout), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		e := history.Event{Type: history.EventPayout}
		var block int64
		if err := rows.Scan(&e.OccurredAt, &e.RunID, &e.Daemon, &e.AmountXMR, &block); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
