// Package sqlite records the pool's session lifecycle audit log using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	cmdi "github.com/willie666687/hackersir-cmdi"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no
// logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cmdi.EventSink backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cmdi.EventSink = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the audit table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	return nil
}

// Record appends one lifecycle event.
func (s *Store) Record(ctx context.Context, ev cmdi.Event) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (identity, kind, detail, port, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Identity), ev.Kind, ev.Detail, ev.Port, ev.At.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: record event: %w", err)
	}
	s.logger.Debug("sqlite: event recorded",
		"kind", ev.Kind, "identity", string(ev.Identity), "took", time.Since(start))
	return nil
}

// Recent returns the newest limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]cmdi.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, kind, detail, port, created_at
		 FROM session_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent events: %w", err)
	}
	defer rows.Close()

	var events []cmdi.Event
	for rows.Next() {
		var ev cmdi.Event
		var identity string
		var createdAt int64
		if err := rows.Scan(&identity, &ev.Kind, &ev.Detail, &ev.Port, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.Identity = cmdi.Identity(identity)
		ev.At = time.Unix(createdAt, 0)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
