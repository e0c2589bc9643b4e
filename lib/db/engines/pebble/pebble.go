package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Config holds the engine settings. Build it through Option functions.
type Config struct {
	SyncWrites   bool
	CacheSize    int64
	MemTableSize uint64
	FS           vfs.FS
	Logger       logger.ILogger
}

// DefaultConfig returns a config suited for small shards
func DefaultConfig() *Config {
	return &Config{
		SyncWrites:   false,
		CacheSize:    8 << 20,
		MemTableSize: 4 << 20,
	}
}

type Option func(*Config)

// WithSyncWrites makes every Set and Delete durable before it returns
func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithCacheSize sets the block cache size in bytes
func WithCacheSize(size int64) Option {
	return func(c *Config) { c.CacheSize = size }
}

// WithMemTableSize sets the memtable size in bytes
func WithMemTableSize(size uint64) Option {
	return func(c *Config) { c.MemTableSize = size }
}

// WithFS replaces the filesystem, vfs.NewMem() keeps everything in memory
func WithFS(fs vfs.FS) Option {
	return func(c *Config) { c.FS = fs }
}

// WithLogger routes pebble's own log output to the given logger
func WithLogger(l logger.ILogger) Option {
	return func(c *Config) { c.Logger = l }
}

// --------------------------------------------------------------------------
// Core pebble engine structure
// --------------------------------------------------------------------------

type pebbleImpl struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	closed    atomic.Bool
}

// Open creates or opens a pebble engine at path.
func Open(path string, opts ...Option) (db.ShardDB, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger("pebble")
	}

	cache := pebble.NewCache(cfg.CacheSize)
	defer cache.Unref()

	pOpts := &pebble.Options{
		Cache:        cache,
		MemTableSize: cfg.MemTableSize,
		Logger:       pebbleLogger{cfg.Logger},
	}
	if cfg.FS != nil {
		pOpts.FS = cfg.FS
	}

	pdb, err := pebble.Open(path, pOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble: failed to open %s: %w", path, err)
	}

	writeOpts := pebble.NoSync
	if cfg.SyncWrites {
		writeOpts = pebble.Sync
	}

	return &pebbleImpl{
		db:        pdb,
		path:      path,
		writeOpts: writeOpts,
	}, nil
}

// Factory returns a db.Factory opening one pebble instance per shard directory
func Factory(opts ...Option) db.Factory {
	return func(path string) (db.ShardDB, error) {
		return Open(path, opts...)
	}
}

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

func (p *pebbleImpl) Get(key []byte) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, db.ErrClosed
	}
	if key == nil {
		return nil, false, db.ErrNilKey
	}

	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pebble: get failed: %w", err)
	}
	defer closer.Close()

	// the returned slice is only valid until closer.Close()
	return bytes.Clone(val), true, nil
}

func (p *pebbleImpl) Set(key, value []byte) error {
	if p.closed.Load() {
		return db.ErrClosed
	}
	if key == nil {
		return db.ErrNilKey
	}
	if err := p.db.Set(key, value, p.writeOpts); err != nil {
		return fmt.Errorf("pebble: set failed: %w", err)
	}
	return nil
}

func (p *pebbleImpl) Delete(key []byte) error {
	if p.closed.Load() {
		return db.ErrClosed
	}
	if key == nil {
		return db.ErrNilKey
	}
	if err := p.db.Delete(key, p.writeOpts); err != nil {
		return fmt.Errorf("pebble: delete failed: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// NewCursor opens a pebble snapshot and iterates it.
func (p *pebbleImpl) NewCursor() (db.Cursor, error) {
	if p.closed.Load() {
		return nil, db.ErrClosed
	}

	snap := p.db.NewSnapshot()
	iter, err := snap.NewIter(&pebble.IterOptions{})
	if err != nil {
		_ = snap.Close()
		return nil, fmt.Errorf("pebble: failed to create iterator: %w", err)
	}
	iter.First()
	return &cursor{snap: snap, iter: iter}, nil
}

type cursor struct {
	snap *pebble.Snapshot
	iter *pebble.Iterator
}

func (c *cursor) Valid() bool   { return c.iter != nil && c.iter.Valid() }
func (c *cursor) Next()         { c.iter.Next() }
func (c *cursor) Key() []byte   { return c.iter.Key() }
func (c *cursor) Value() []byte { return c.iter.Value() }

func (c *cursor) Err() error {
	if c.iter == nil {
		return nil
	}
	return c.iter.Error()
}

func (c *cursor) Close() error {
	if c.iter == nil {
		return nil
	}
	err := errors.Join(c.iter.Close(), c.snap.Close())
	c.iter, c.snap = nil, nil
	return err
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Compact compacts the full key range of the engine
func (p *pebbleImpl) Compact() error {
	if p.closed.Load() {
		return db.ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("pebble: failed to create iterator: %w", err)
	}
	if !iter.First() {
		return iter.Close()
	}
	start := bytes.Clone(iter.Key())
	iter.Last()
	end := append(bytes.Clone(iter.Key()), 0x00)
	if err := iter.Close(); err != nil {
		return err
	}

	if err := p.db.Compact(start, end, true); err != nil {
		return fmt.Errorf("pebble: compaction failed: %w", err)
	}
	return nil
}

// Sync forces the write ahead log to stable storage
func (p *pebbleImpl) Sync() error {
	if p.closed.Load() {
		return db.ErrClosed
	}
	return p.db.LogData(nil, pebble.Sync)
}

func (p *pebbleImpl) SupportsFeature(feature db.Feature) bool {
	return feature&^(db.FeaturePersist|db.FeatureCompact|db.FeatureSync) == 0
}

func (p *pebbleImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		Entries:           -1,
		DbType:            db.ImplPebble,
		SupportedFeatures: []db.Feature{db.FeaturePersist, db.FeatureCompact, db.FeatureSync},
	}
	if !p.closed.Load() {
		info.SizeBytes = int64(p.db.Metrics().DiskSpaceUsage())
	}
	return info
}

func (p *pebbleImpl) Close() error {
	if p.closed.Swap(true) {
		return db.ErrClosed
	}
	return p.db.Close()
}

// --------------------------------------------------------------------------
// Logger adapter
// --------------------------------------------------------------------------

// pebbleLogger forwards pebble's log output, info messages are demoted to debug
type pebbleLogger struct {
	l logger.ILogger
}

func (p pebbleLogger) Infof(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p pebbleLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
func (p pebbleLogger) Fatalf(format string, args ...interface{}) { p.l.Panicf(format, args...) }
