// Package pebble implements db.ShardDB on top of github.com/cockroachdb/pebble.
//
// Every shard of a disk gets its own pebble instance in its shard directory, so
// dropping or splitting a shard never touches the data of its neighbours.
// Cursors are pebble snapshots, Compact runs a manual compaction over the whole
// key range and Sync forces pebble's write ahead log to stable storage.
package pebble
