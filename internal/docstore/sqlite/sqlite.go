// Package sqlite implements docstore.Store on top of SQLite.
//
// WHY SQLITE FOR A DOCUMENT STORE?
// Every document is a row holding its fields as JSON. SQLite's JSON functions
// (json_extract) let the query layer filter and sort on any field, so the
// schema never changes when a collection grows a new field. One file, no
// server to run, and ":memory:" gives tests a fresh store each time.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so there is no CGo
// and no C toolchain needed to build or cross-compile.
//
// CONCURRENCY:
// The pool is capped at ONE connection. Every write runs in a transaction on
// that connection, which makes the read-modify-write in Update (increments,
// merges) atomic without any client-side locking. It is also what makes
// ":memory:" work at all: each new connection to ":memory:" would otherwise
// open a different, empty database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/homework-helper/internal/docstore"
)

// Store is a docstore.Store backed by a SQLite database.
type Store struct {
	conn     *sql.DB
	feed     docstore.ChangeFeed
	ownsFeed bool
	hub      *docstore.Hub
	logger   *slog.Logger
	now      func() time.Time
}

// compile-time check that *Store implements docstore.Store
var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithFeed sets the change feed used to wake subscriptions. Use a shared
// feed (e.g. redisfeed) when several processes write to the same database.
// The caller keeps ownership of a feed passed here.
func WithFeed(feed docstore.ChangeFeed) Option {
	return func(s *Store) { s.feed = feed }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces the clock used for ServerTimestamp. Tests use it to pin time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/homework.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = docstore.NewLocalFeed()
		s.ownsFeed = true
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers of a file database proceed while a write commits.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	s.conn = conn
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	s.hub = docstore.NewHub(s.feed, s.logger)
	return s, nil
}

// Close releases open subscriptions, then closes the connection pool.
func (s *Store) Close() error {
	s.hub.Close()
	if s.ownsFeed {
		s.feed.Close()
	}
	return s.conn.Close()
}

// OpenSubscriptions returns the number of subscriptions not yet released.
func (s *Store) OpenSubscriptions() int {
	return s.hub.Open()
}

// migrate creates the documents table. CREATE ... IF NOT EXISTS keeps it
// idempotent across restarts.
//
// The expression indexes cover the foreign-key lookups the forum runs on
// every cascade delete and class delete guard.
func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL CHECK (json_valid(data)),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_question
			ON documents(collection, json_extract(data, '$.questionId'));
		CREATE INDEX IF NOT EXISTS idx_documents_class
			ON documents(collection, json_extract(data, '$.classId'));
	`)
	if err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	return nil
}

// publish announces a committed change. The write already succeeded, so a
// feed failure only delays other subscribers until the next change; it is
// logged and not returned.
func (s *Store) publish(ctx context.Context, collection, id string, kind docstore.ChangeKind) {
	c := docstore.Change{Collection: collection, ID: id, Kind: kind}
	if err := s.feed.Publish(ctx, c); err != nil {
		s.logger.Warn("publishing change failed",
			slog.String("collection", collection),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}
