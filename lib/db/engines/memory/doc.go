// Package memory implements db.ShardDB entirely in memory on top of a
// copy-on-write B-tree (github.com/google/btree).
//
// Cursors are lazy clones of the tree: creating one is O(1) and writes to the
// live tree copy only the nodes they touch, so a frozen cursor never sees later
// writes. Nothing survives Close, the engine is meant for tests, ephemeral disks,
// and benchmarks against the persistent pebble engine.
package memory
