// Package store provides local SQLite-backed persistence for the sync
// core: the echo-fingerprint table, durable client flags, and a best-effort
// per-doc send-vector cache. None of this is the CRDT's own persistence
// (that belongs to the engine, out of scope here) — it only holds state the
// transport/session layer needs to survive a process restart.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// echoWindow bounds how long a fingerprint is remembered before it is
// eligible for pruning. Generous enough to cover a burst of reconnects.
const echoWindow = 10 * time.Minute

// RecordEcho remembers that content with this fingerprint was broadcast for
// path, so a server echo of the same content can be recognized via IsEcho.
// Nothing in this module calls it; it is storage for an embedding caller.
func (s *Store) RecordEcho(path, fingerprint string) error {
	_, err := s.db.Exec(
		`INSERT INTO echo_fingerprints (path, fingerprint) VALUES (?, ?)
		 ON CONFLICT (path, fingerprint) DO UPDATE SET created_at = CURRENT_TIMESTAMP`,
		path, fingerprint)
	return err
}

// IsEcho reports whether fingerprint was recently recorded for path.
func (s *Store) IsEcho(path, fingerprint string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM echo_fingerprints WHERE path = ? AND fingerprint = ?`,
		path, fingerprint).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check echo: %w", err)
	}
	return count > 0, nil
}

// PruneEchoes deletes fingerprints older than the echo window. Nothing in
// this module calls it, so the table is pruned only when an embedding caller
// does; it is never required for correctness, only to keep the table small.
func (s *Store) PruneEchoes() error {
	cutoff := time.Now().UTC().Add(-echoWindow)
	_, err := s.db.Exec(`DELETE FROM echo_fingerprints WHERE created_at < ?`, cutoff)
	return err
}

// GetDurableFlag reads a durable client flag (e.g. "diaryx-p2p-enabled").
// Returns ok=false if the key has never been set.
func (s *Store) GetDurableFlag(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM durable_flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get durable flag %s: %w", key, err)
	}
	return value, true, nil
}

// SetDurableFlag persists a durable client flag across restarts.
func (s *Store) SetDurableFlag(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO durable_flags (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// GetLastSentSV returns the cached last-sent state vector for a doc name, if any.
// This is a throughput optimization only: callers must still treat the engine's
// GetSyncState as authoritative and never skip a broadcast solely because the
// cache matches — see internal/doctransport's sendLocalChanges.
func (s *Store) GetLastSentSV(docName string) ([]byte, bool, error) {
	var sv []byte
	err := s.db.QueryRow(`SELECT last_sent_sv FROM session_cache WHERE doc_name = ?`, docName).Scan(&sv)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get last sent sv for %s: %w", docName, err)
	}
	return sv, true, nil
}

// SetLastSentSV caches the last state vector sent for a doc name.
func (s *Store) SetLastSentSV(docName string, sv []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO session_cache (doc_name, last_sent_sv, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (doc_name) DO UPDATE SET last_sent_sv = excluded.last_sent_sv, updated_at = CURRENT_TIMESTAMP`,
		docName, sv)
	return err
}

// ClearSessionCache drops the cached vector for a doc name, called when a
// session is released so a future resubscribe starts clean.
func (s *Store) ClearSessionCache(docName string) error {
	_, err := s.db.Exec(`DELETE FROM session_cache WHERE doc_name = ?`, docName)
	return err
}
