package disk

import (
	"time"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/ValentinKolb/hyperkv/lib/db/engines/memory"
	"github.com/lni/dragonboat/v4/logger"
)

// Config holds the settings of a disk. Build it through Option functions.
type Config struct {
	// Engine opens the storage engine of a shard
	Engine db.Factory
	// MaxEntries is the number of slots of a shard
	MaxEntries int64
	// MaxBytes is the data capacity of a shard
	MaxBytes int64
	// CleanThreshold is the stale fraction from which a full shard is cleaned instead of split
	CleanThreshold float64
	// MaxLogRecords bounds the number of unflushed log records (0 = unbounded)
	MaxLogRecords int
	// SyncWrites fsyncs the log on every append
	SyncWrites bool
	// MaintenanceInterval enables the background flusher (0 = disabled)
	MaintenanceInterval time.Duration
	// Logger receives all diagnostics of the disk
	Logger logger.ILogger
}

// DefaultConfig returns the default disk settings
func DefaultConfig() *Config {
	return &Config{
		Engine:         memory.Factory(nil),
		MaxEntries:     1 << 16,
		MaxBytes:       64 << 20,
		CleanThreshold: 0.25,
		MaxLogRecords:  1 << 14,
	}
}

type Option func(*Config)

func WithEngine(factory db.Factory) Option {
	return func(c *Config) { c.Engine = factory }
}

// WithShardCapacity sets the slot and byte capacity of every shard
func WithShardCapacity(maxEntries, maxBytes int64) Option {
	return func(c *Config) {
		c.MaxEntries = maxEntries
		c.MaxBytes = maxBytes
	}
}

func WithCleanThreshold(fraction float64) Option {
	return func(c *Config) { c.CleanThreshold = fraction }
}

func WithMaxLogRecords(n int) Option {
	return func(c *Config) { c.MaxLogRecords = n }
}

func WithSyncWrites(sync bool) Option {
	return func(c *Config) { c.SyncWrites = sync }
}

// WithMaintenance starts a goroutine that flushes the log and performs mandatory I/O
// every interval and whenever the log fills up.
func WithMaintenance(interval time.Duration) Option {
	return func(c *Config) { c.MaintenanceInterval = interval }
}

func WithLogger(l logger.ILogger) Option {
	return func(c *Config) { c.Logger = l }
}
