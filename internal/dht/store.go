package dht

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// recordTTL is how long a stored record survives without being
// republished.
const recordTTL = 24 * time.Hour

// Record is one stored key/value pair with its publication time.
type Record struct {
	Key         Key
	Value       []byte
	PublishedAt time.Time
}

// RecordStore holds this node's share of the DHT's records in SQLite.
// The default DSN is ":memory:": the store is a cache rebuilt by the
// overlay's republish traffic, not durable state. Records are indexed by
// the hex of their raw key bytes, which unlike the display form of a Key is
// injective.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens (or creates) the store at the given path; pass
// ":memory:" for a purely in-memory store.
func NewRecordStore(path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	// A single pooled connection keeps ":memory:" databases from being
	// silently re-created per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping record store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key_hex TEXT PRIMARY KEY,
		key BLOB NOT NULL,
		value BLOB NOT NULL,
		published_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	return &RecordStore{db: db}, nil
}

// Put stores a value under the key stamped with the current time. A prior
// entry is overwritten only when the new timestamp is equal or newer, so
// publication timestamps are monotonic per key.
func (s *RecordStore) Put(key Key, value []byte) error {
	return s.putAt(key, value, time.Now())
}

// putAt is Put with an explicit publication time; tests use it to age
// records.
func (s *RecordStore) putAt(key Key, value []byte, publishedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO records (key_hex, key, value, published_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_hex) DO UPDATE SET value = excluded.value, published_at = excluded.published_at
		 WHERE excluded.published_at >= records.published_at`,
		key.storageKey(), []byte(key), value, publishedAt.UnixMilli(),
	)
	return err
}

// Get returns the value stored under the key, or (nil, false) when absent.
// A record past its TTL is treated as absent and cleaned up on read, so
// expiry holds even between maintenance sweeps.
func (s *RecordStore) Get(key Key) ([]byte, bool) {
	var value []byte
	var publishedAt int64
	err := s.db.QueryRow(
		`SELECT value, published_at FROM records WHERE key_hex = ?`, key.storageKey(),
	).Scan(&value, &publishedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(time.UnixMilli(publishedAt)) > recordTTL {
		s.Delete(key)
		return nil, false
	}
	return value, true
}

// Delete removes the entry for the key and reports whether one existed.
func (s *RecordStore) Delete(key Key) bool {
	res, err := s.db.Exec(`DELETE FROM records WHERE key_hex = ?`, key.storageKey())
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// Entries returns a snapshot of every stored record. Republish iterates
// this snapshot so replication never re-enters the store mid-walk.
func (s *RecordStore) Entries() ([]Record, error) {
	rows, err := s.db.Query(`SELECT key, value, published_at FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var key, value []byte
		var publishedAt int64
		if err := rows.Scan(&key, &value, &publishedAt); err != nil {
			return nil, err
		}
		records = append(records, Record{
			Key:         Key(key),
			Value:       value,
			PublishedAt: time.UnixMilli(publishedAt),
		})
	}
	return records, rows.Err()
}

// ExpireBefore removes every record published before the cutoff and
// returns the count removed.
func (s *RecordStore) ExpireBefore(cutoff time.Time) int {
	res, err := s.db.Exec(`DELETE FROM records WHERE published_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
