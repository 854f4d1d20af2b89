// Package storage persists the audit ledger: one append-only record per
// executed state transition, retained for a configurable window so
// containment decisions can be replayed after the fact.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// LedgerEntry is one audit record. Entries are keyed by a monotonic
// sequence number and carry their own timestamp for pruning.
type LedgerEntry struct {
	Seq             uint64    `json:"seq"`
	Time            time.Time `json:"time"`
	PID             uint32    `json:"pid"`
	StartTime       uint64    `json:"start_time"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Score           float64   `json:"score"`
	Cost            int       `json:"cost"`
	BudgetRemaining float64   `json:"budget_remaining"`
	Reason          string    `json:"reason"`
	NodeID          string    `json:"node_id"`
}

// DB wraps the BoltDB audit ledger.
type DB struct {
	db        *bolt.DB
	retention time.Duration
}

// Open opens (creating if needed) the ledger at path.
func Open(path string, retentionDays int) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: mkdir %q: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &DB{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour}, nil
}

// Append writes one ledger entry. The sequence number is assigned here.
func (d *DB) Append(e LedgerEntry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("storage: next sequence: %w", err)
		}
		e.Seq = seq
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		val, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshal entry: %w", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], val)
	})
}

// Recent returns up to n most recent entries, newest first.
func (d *DB) Recent(n int) ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue // skip corrupt entry, keep reading
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Prune deletes entries older than the retention window and returns the
// number removed. Called at startup.
func (d *DB) Prune() (int, error) {
	cutoff := time.Now().Add(-d.retention)
	deleted := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil || e.Time.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

func (d *DB) Close() error {
	return d.db.Close()
}
