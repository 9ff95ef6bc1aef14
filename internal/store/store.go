// Package store provides the single-writer, hierarchically-keyed
// persistence layer every controller and agent in ignitiond depends on.
//
// Keys address a single value ("tenant/collection[/namespace]/name") and
// are serialised as JSON. Every write that targets a namespaced key under
// a non-core tenant updates a tracking record so the set of namespaces in
// use by a tenant is computable without scanning the whole keyspace.
//
// Storage is a single pure-Go SQLite file in WAL mode, the same embedding
// aegisd uses for its registry (internal/registry/db.go upstream) — here
// repurposed from one table per resource kind into a single generic
// key/value table, since the store's contract (spec.md §4.1) is a flat
// keyed blob store, not a relational schema.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/lttle-cloud/ignitiond/internal/ignerr"

	_ "modernc.org/sqlite"
)

// CoreTenant holds cross-tenant metadata — notably tracked-namespace
// records — and is never subject to namespace tracking itself.
const CoreTenant = "__core__"

// Store is a single-writer/many-reader key-value store.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, ignerr.Wrap(ignerr.IO, err, "create store directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "open store %s", path)
	}
	// A single writer is all the store contract promises; cap the pool so
	// modernc's sqlite driver never interleaves concurrent writers itself.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, ignerr.Wrap(ignerr.IO, err, "set WAL mode")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return ignerr.Wrap(ignerr.IO, err, "migrate store schema")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put writes value at key, durably, then — for namespaced keys under a
// non-core tenant — updates the tenant's tracked-namespace record.
func Put[V any](s *Store, key Key, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return ignerr.Wrap(ignerr.Internal, err, "encode value for %s", key)
	}

	if err := s.rawPut(key.String(), raw); err != nil {
		return err
	}

	if key.IsNamespaced() && key.Tenant() != CoreTenant {
		if err := s.trackNamespace(key.Tenant(), key.Namespace()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rawPut(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return ignerr.Wrap(ignerr.IO, err, "put %s", key)
	}
	return nil
}

// Get reads the value at key. The bool is false when the key is absent.
func Get[V any](s *Store, key Key) (V, bool, error) {
	var zero V
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok, err := s.rawGet(key.String())
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, ignerr.Wrap(ignerr.Internal, err, "decode value at %s", key)
	}
	return v, true, nil
}

func (s *Store) rawGet(key string) ([]byte, bool, error) {
	row := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key)
	var raw []byte
	switch err := row.Scan(&raw); err {
	case nil:
		return raw, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, ignerr.Wrap(ignerr.IO, err, "get %s", key)
	}
}

// Delete removes the value at key. Deleting an absent key is a no-op.
func Delete(s *Store, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key.String())
	if err != nil {
		return ignerr.Wrap(ignerr.IO, err, "delete %s", key)
	}
	return nil
}

// List returns every value whose key starts with the given prefix.
func List[V any](s *Store, prefix PartialKey) ([]V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.scanPrefix(prefix.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []V
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, ignerr.Wrap(ignerr.IO, err, "scan list %s", prefix)
		}
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, ignerr.Wrap(ignerr.Internal, err, "decode listed value under %s", prefix)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListKeys returns every key string starting with the given prefix.
func (s *Store) ListKeys(prefix PartialKey) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	upper := upperBound(prefix.String())
	rows, err := s.db.Query(`SELECT key FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix.String(), upper)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "list keys %s", prefix)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, ignerr.Wrap(ignerr.IO, err, "scan key under %s", prefix)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) scanPrefix(prefix string) (*sql.Rows, error) {
	upper := upperBound(prefix)
	rows, err := s.db.Query(`SELECT value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, upper)
	if err != nil {
		return nil, ignerr.Wrap(ignerr.IO, err, "scan prefix %s", prefix)
	}
	return rows, nil
}

// upperBound returns the exclusive upper bound of a byte-prefix range scan
// by incrementing the last byte — valid for the plain ASCII key alphabet
// ('/', alnum, '-', '_') this store's keys are built from.
func upperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
