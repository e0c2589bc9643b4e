package pebble

import (
	"testing"

	"github.com/ValentinKolb/hyperkv/lib/db"
	dbtesting "github.com/ValentinKolb/hyperkv/lib/db/testing"
	"github.com/cockroachdb/pebble/vfs"
)

func Test(t *testing.T) {
	dbtesting.RunShardDBTests(t, "PebbleDB", Factory())
}

func TestInMemoryFS(t *testing.T) {
	fs := vfs.NewMem()
	dbtesting.RunShardDBTests(t, "PebbleDB(memfs)", func(path string) (db.ShardDB, error) {
		return Open(path, WithFS(fs), WithSyncWrites(true))
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunShardDBBenchmarks(b, "PebbleDB", Factory())
}
