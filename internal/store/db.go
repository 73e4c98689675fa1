// Package store is the forge core's durable layer: the content-addressed
// artifact store (§4.1) and the relational ledger (§4.2), both backed by
// SQLite. The ledger is the only persistent concurrent point; every
// multi-row mutation is bracketed in a transaction.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"forge/internal/logging"
)

// Ledger wraps a *sql.DB with the per-proposal write serialization the
// spec's concurrency model requires (§5: single-writer per proposal).
type Ledger struct {
	db *sql.DB

	proposalLocksMu sync.Mutex
	proposalLocks   map[string]*sync.Mutex
}

// Open opens (creating if absent) the ledger database at path and runs
// any pending migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY under the write-serialization
	// model; reads and writes alike go through the same mutex-guarded pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	l := &Ledger{db: db, proposalLocks: make(map[string]*sync.Mutex)}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	logging.Get(logging.CategoryLedger).Info("ledger opened at %s", path)
	return l, nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// lockProposal returns (and lazily creates) the mutex serializing writes
// for one proposal id.
func (l *Ledger) lockProposal(proposalID string) func() {
	l.proposalLocksMu.Lock()
	m, ok := l.proposalLocks[proposalID]
	if !ok {
		m = &sync.Mutex{}
		l.proposalLocks[proposalID] = m
	}
	l.proposalLocksMu.Unlock()

	m.Lock()
	return m.Unlock
}
