// Package pebblestore persists queue snapshots in a pebble database.
//
// Pebble is the alternative to the default bbolt backend for deployments
// that already operate LSM storage or snapshot far more often than they
// restore. Keys are "snap/<queue>", writes are synced, and iteration walks
// the key prefix.
package pebblestore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/snehjoshi/prioq/internal/store"
)

const keyPrefix = "snap/"

// keyUpperBound is the first key past the prefix range ('0' follows '/').
const keyUpperBound = "snap0"

// Store is a pebble-backed snapshot store.
type Store struct {
	db *pebble.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the pebble database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func snapKey(queue string) []byte {
	return []byte(keyPrefix + queue)
}

// Save upserts the snapshot under its queue key with a synced write.
func (s *Store) Save(snap store.Snapshot) error {
	val, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.db.Set(snapKey(snap.Queue), val, pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: set %q: %w", snap.Queue, err)
	}
	return nil
}

// Load retrieves the snapshot for queue.
func (s *Store) Load(queue string) (store.Snapshot, error) {
	val, closer, err := s.db.Get(snapKey(queue))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return store.Snapshot{}, store.ErrNotFound
		}
		return store.Snapshot{}, fmt.Errorf("pebblestore: get %q: %w", queue, err)
	}

	snap, derr := store.DecodeSnapshot(val)
	if cerr := closer.Close(); derr == nil && cerr != nil {
		return store.Snapshot{}, fmt.Errorf("pebblestore: release value: %w", cerr)
	}
	return snap, derr
}

// Delete removes the snapshot for queue. Absent snapshots are ignored.
func (s *Store) Delete(queue string) error {
	if err := s.db.Delete(snapKey(queue), pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: delete %q: %w", queue, err)
	}
	return nil
}

// ForEach iterates over every stored snapshot in key order.
func (s *Store) ForEach(fn func(queue string, snap store.Snapshot) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyUpperBound),
	})
	if err != nil {
		return fmt.Errorf("pebblestore: iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		queue := string(iter.Key()[len(keyPrefix):])
		snap, err := store.DecodeSnapshot(iter.Value())
		if err != nil {
			return fmt.Errorf("snapshot %q: %w", queue, err)
		}
		if err := fn(queue, snap); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
