// Package boltstore persists queue snapshots in a single bbolt file.
//
// bbolt fits the default backend because it is pure Go, ACID, and a single
// file inside the data directory. Queue names key the snapshot bucket, so a
// save replaces the queue's previous capture atomically.
package boltstore

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/prioq/internal/store"
)

var bucketSnapshots = []byte("snapshots")

// Store is a bbolt-backed snapshot store.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the snapshot
// bucket exists.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts the snapshot under its queue name.
func (s *Store) Save(snap store.Snapshot) error {
	val, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.Queue), val)
	})
}

// Load retrieves the snapshot for queue.
func (s *Store) Load(queue string) (store.Snapshot, error) {
	var snap store.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSnapshots).Get([]byte(queue))
		if val == nil {
			return store.ErrNotFound
		}
		var err error
		snap, err = store.DecodeSnapshot(val)
		return err
	})

	return snap, err
}

// Delete removes the snapshot for queue. Absent snapshots are ignored.
func (s *Store) Delete(queue string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(queue))
	})
}

// ForEach iterates over every stored snapshot.
func (s *Store) ForEach(fn func(queue string, snap store.Snapshot) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			snap, err := store.DecodeSnapshot(v)
			if err != nil {
				return fmt.Errorf("snapshot %q: %w", string(k), err)
			}
			return fn(string(k), snap)
		})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
