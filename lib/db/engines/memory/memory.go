package memory

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultDegree = 32 // B-tree degree
)

// --------------------------------------------------------------------------
// Core memory engine structure
// --------------------------------------------------------------------------

// item is a single key-value pair in the tree
type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memoryImpl keeps all entries of a shard in a copy-on-write B-tree
type memoryImpl struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	bytes  int64
	closed atomic.Bool
}

// Options configures the memory engine
type Options struct {
	Degree int // B-tree degree (0 = use default)
}

// DefaultOptions returns the default memory engine options
func DefaultOptions() *Options {
	return &Options{
		Degree: defaultDegree,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMemoryDB creates a new in-memory engine with the specified options (optional)
func NewMemoryDB(opts *Options) db.ShardDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Degree < 2 {
		opts.Degree = defaultDegree
	}
	return &memoryImpl{
		tree: btree.NewG[item](opts.Degree, lessItem),
	}
}

// Factory returns a db.Factory that ignores the shard path
func Factory(opts *Options) db.Factory {
	return func(string) (db.ShardDB, error) {
		return NewMemoryDB(opts), nil
	}
}

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value for key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *memoryImpl) Get(key []byte) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, db.ErrClosed
	}
	if key == nil {
		return nil, false, db.ErrNilKey
	}

	m.mu.RLock()
	found, ok := m.tree.Get(item{key: key})
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(found.value), true, nil
}

// Set stores copies of key and value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *memoryImpl) Set(key, value []byte) error {
	if m.closed.Load() {
		return db.ErrClosed
	}
	if key == nil {
		return db.ErrNilKey
	}

	it := item{key: bytes.Clone(key), value: bytes.Clone(value)}
	if it.value == nil {
		it.value = []byte{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, replaced := m.tree.ReplaceOrInsert(it); replaced {
		m.bytes -= int64(len(old.key) + len(old.value))
	}
	m.bytes += int64(len(it.key) + len(it.value))
	return nil
}

// Delete removes key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *memoryImpl) Delete(key []byte) error {
	if m.closed.Load() {
		return db.ErrClosed
	}
	if key == nil {
		return db.ErrNilKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, removed := m.tree.Delete(item{key: key}); removed {
		m.bytes -= int64(len(old.key) + len(old.value))
	}
	return nil
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// NewCursor clones the tree lazily, the clone shares all nodes until either tree is written.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *memoryImpl) NewCursor() (db.Cursor, error) {
	if m.closed.Load() {
		return nil, db.ErrClosed
	}

	// Clone must not run concurrently with writes to the original
	m.mu.Lock()
	frozen := m.tree.Clone()
	m.mu.Unlock()

	c := &cursor{tree: frozen}
	frozen.Ascend(func(it item) bool {
		c.cur, c.valid = it, true
		return false
	})
	return c, nil
}

// cursor walks a frozen clone of the tree
type cursor struct {
	tree  *btree.BTreeG[item]
	cur   item
	valid bool
}

func (c *cursor) Valid() bool { return c.valid }

func (c *cursor) Next() {
	if !c.valid {
		return
	}
	prev := c.cur
	c.valid = false
	c.tree.AscendGreaterOrEqual(prev, func(it item) bool {
		if bytes.Equal(it.key, prev.key) {
			return true
		}
		c.cur, c.valid = it, true
		return false
	})
}

func (c *cursor) Key() []byte   { return c.cur.key }
func (c *cursor) Value() []byte { return c.cur.value }
func (c *cursor) Err() error    { return nil }

func (c *cursor) Close() error {
	c.tree, c.valid = nil, false
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Compact is a no-op, the tree holds no stale data
func (m *memoryImpl) Compact() error {
	if m.closed.Load() {
		return db.ErrClosed
	}
	return nil
}

// Sync is a no-op, nothing is durable
func (m *memoryImpl) Sync() error {
	if m.closed.Load() {
		return db.ErrClosed
	}
	return nil
}

func (m *memoryImpl) SupportsFeature(feature db.Feature) bool {
	return feature&^db.FeatureCompact == 0
}

func (m *memoryImpl) GetInfo() db.DatabaseInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return db.DatabaseInfo{
		SizeBytes:         m.bytes,
		Entries:           int64(m.tree.Len()),
		DbType:            db.ImplMemory,
		SupportedFeatures: []db.Feature{db.FeatureCompact},
	}
}

// Close drops the tree. Open cursors keep their own clone.
func (m *memoryImpl) Close() error {
	if m.closed.Swap(true) {
		return db.ErrClosed
	}
	m.mu.Lock()
	m.tree.Clear(false)
	m.bytes = 0
	m.mu.Unlock()
	return nil
}
