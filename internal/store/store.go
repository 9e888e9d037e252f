// Package store defines the snapshot persistence abstraction for the engine.
//
// The engine (and every layer above it) interacts with persistence only
// through the Store interface. Backends are swappable without touching queue
// logic; two ship with the module:
//   - boltstore   — single-file bbolt database
//   - pebblestore — pebble LSM directory
//
// A snapshot is a point-in-time capture of one queue. Records are stored in
// backing order, which restore does not depend on; every record is simply
// re-enqueued.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrNotFound is returned when a queue has no persisted snapshot.
var ErrNotFound = errors.New("store: snapshot not found")

// ErrCorrupted is returned when a stored snapshot fails its checksum or
// cannot be decoded.
var ErrCorrupted = errors.New("store: snapshot corrupted")

// Record is one persisted queue entry.
type Record struct {
	Value    string `json:"value"`
	Priority int64  `json:"priority"`
}

// Snapshot is a point-in-time capture of one queue's contents.
type Snapshot struct {
	// ID is the ULID assigned when the snapshot was taken.
	ID string `json:"id"`

	// Queue is the name of the captured queue; it is also the storage key,
	// so saving a queue again replaces its previous snapshot.
	Queue string `json:"queue"`

	// TakenAt is the capture time in UTC milliseconds.
	TakenAt int64 `json:"taken_at"`

	// Records holds the entries in backing order.
	Records []Record `json:"records"`
}

// Store is the single abstraction through which snapshots are persisted.
// All methods must be safe for concurrent use.
type Store interface {
	// Save persists snap, replacing any previous snapshot of the same queue.
	Save(snap Snapshot) error

	// Load retrieves the snapshot for queue.
	// Returns ErrNotFound if the queue was never saved.
	// Returns ErrCorrupted if the stored record fails its checksum.
	Load(queue string) (Snapshot, error)

	// Delete removes the snapshot for queue. Deleting an absent snapshot is
	// not an error.
	Delete(queue string) error

	// ForEach iterates over every stored snapshot in an unspecified order,
	// calling fn for each one. Iteration stops if fn returns a non-nil error.
	// Used by the engine to rebuild its queues on startup.
	ForEach(fn func(queue string, snap Snapshot) error) error

	// Close flushes pending writes and releases the backing database.
	Close() error
}

// ─── record framing ──────────────────────────────────────────────────────────
// Every stored value carries a version byte and a CRC over the JSON payload:
//
//	[version : 1 byte            ]
//	[checksum: 4 bytes, IEEE CRC ]
//	[payload : JSON snapshot     ]
//
// The checksum catches torn or bit-rotted records at load time instead of
// letting them surface as silently wrong queue contents.

const snapFormatV1 = 0x01

const frameHeaderSize = 1 + 4

// EncodeSnapshot frames snap for storage.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("store: marshal snapshot %q: %w", snap.Queue, err)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = snapFormatV1
	binary.BigEndian.PutUint32(buf[1:], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// DecodeSnapshot verifies and unmarshals a framed record.
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	if len(buf) < frameHeaderSize {
		return Snapshot{}, fmt.Errorf("%w: record too short (%d bytes)", ErrCorrupted, len(buf))
	}
	if buf[0] != snapFormatV1 {
		return Snapshot{}, fmt.Errorf("%w: unknown format version 0x%02x", ErrCorrupted, buf[0])
	}
	payload := buf[frameHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(buf[1:]) {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode payload: %v", ErrCorrupted, err)
	}
	return snap, nil
}
