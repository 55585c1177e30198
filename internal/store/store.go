// Package store is the agent's local SQLite state: the execution journal,
// the audit fallback sink, adapter pauses and inbox dedupe. It lives in
// STATE_DIR and is never synchronized.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// JournalFile is the database file name inside STATE_DIR.
const JournalFile = "journal.db"

// Applied by the driver to every pooled connection, not only the first.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// Store is the journal database. Methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	mu     sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// Open opens the journal inside dir, creating dir with owner-only access.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir %s: %w", dir, err)
	}
	return New(filepath.Join(dir, JournalFile), logger)
}

// New opens the journal at path and brings its schema up to date.
func New(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	s := &Store{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal %s: migrate: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Msg("journal open")
	return s, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Ping reports whether the journal still answers. Used by readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
