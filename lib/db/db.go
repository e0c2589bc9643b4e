package db

import "errors"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemory Implementation = "memory"
	ImplPebble Implementation = "pebble"
)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeaturePersist Feature = 1 << iota // Data survives Close and reopening the same path
	FeatureCompact                     // Compact reclaims space of overwritten and deleted entries
	FeatureSync                        // Sync makes all writes durable
)

func (f Feature) String() string {
	switch f {
	case FeaturePersist:
		return "Persist"
	case FeatureCompact:
		return "Compact"
	case FeatureSync:
		return "Sync"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int64          `json:"size_bytes"`
	Entries           int64          `json:"entries"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
}

var (
	ErrClosed = errors.New("db: closed")
	ErrNilKey = errors.New("db: nil key")
)

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// Factory opens the engine of one shard. The path is a directory reserved for the shard,
// engines that keep their data in memory may ignore it.
type Factory func(path string) (ShardDB, error)

// ShardDB is the ordered key-value engine backing a single shard.
// Keys are compared bytewise. Implementations must be safe for concurrent use.
type ShardDB interface {

	// --------------------------------------------------------------------------
	// Point Operations
	// --------------------------------------------------------------------------

	// Get returns a copy of the value stored for key.
	Get(key []byte) (value []byte, loaded bool, err error)

	// Set inserts or overwrites the value for key.
	Set(key, value []byte) (err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) (err error)

	// --------------------------------------------------------------------------
	// Iteration
	// --------------------------------------------------------------------------

	// NewCursor freezes the current content and returns a cursor positioned at the smallest key.
	// Later writes are not visible through the cursor.
	NewCursor() (cursor Cursor, err error)

	// --------------------------------------------------------------------------
	// Maintenance
	// --------------------------------------------------------------------------

	// Compact rewrites the engine to drop overwritten and deleted data.
	Compact() (err error)

	// Sync makes all previous writes durable.
	Sync() (err error)

	// SupportsFeature checks if the engine supports the specified feature(s).
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns (possibly estimated) information about the engine.
	GetInfo() (info DatabaseInfo)

	// Close releases all resources. Open cursors must be closed first.
	Close() (err error)
}

// Cursor iterates over a frozen view of a ShardDB in ascending key order.
// Key and Value are only valid until the next call to Next or Close.
//
// Thread-safety: A cursor must not be used by multiple goroutines at once.
type Cursor interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}
