// Package testing provides a standardized test suite and benchmarks for db.ShardDB
// implementations.
//
// Usage:
//
//	func Test(t *testing.T) {
//	    dbtesting.RunShardDBTests(t, "MyEngine", myFactory)
//	}
//
// Tests that need an optional feature (persistence, compaction, sync) are skipped
// for engines that do not advertise it.
package testing
