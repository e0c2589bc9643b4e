package memory

import (
	"testing"

	"github.com/ValentinKolb/hyperkv/lib/db"
	dbtesting "github.com/ValentinKolb/hyperkv/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunShardDBTests(t, "MemoryDB", func(string) (db.ShardDB, error) {
		return NewMemoryDB(nil), nil
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunShardDBBenchmarks(b, "MemoryDB", func(string) (db.ShardDB, error) {
		return NewMemoryDB(nil), nil
	})
}
