// Package db provides the storage engine interface a disk shard is built on.
//
// A ShardDB is an ordered, bytewise compared key-value engine that can freeze
// its content into a Cursor. The disk layer stores every object of a shard
// under a key that starts with its placement point, so a cursor visits the objects
// of a shard in point order.
//
// Key Components:
//
//   - ShardDB Interface: point operations (Get, Set, Delete), frozen cursors
//     (NewCursor), and maintenance (Compact, Sync, Close).
//
//   - Feature Flags: engines advertise persistence, compaction and durable sync
//     through SupportsFeature, tests skip what an engine does not support.
//
//   - Factory: opens the engine for one shard directory.
//
// Related Packages:
//
// The engines/memory package provides an in-memory engine on top of a copy-on-write
// B-tree (github.com/google/btree). Cursors are cheap lazy clones of the tree.
//
// The engines/pebble package provides a persistent engine on top of
// github.com/cockroachdb/pebble. Cursors are pebble snapshots.
//
// The testing package (github.com/ValentinKolb/hyperkv/lib/db/testing) provides
// a standardized test suite and benchmarks for ShardDB implementations.
//   - RunShardDBTests: Runs the test suite to validate implementations
//   - RunShardDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
