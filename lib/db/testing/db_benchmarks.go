package testing

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hyperkv/lib/db"
)

// RunShardDBBenchmarks runs all benchmarks for a shard engine implementation
func RunShardDBBenchmarks(b *testing.B, name string, factory db.Factory) {

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, open(b, factory))
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, open(b, factory))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, open(b, factory))
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, open(b, factory))
	})

	b.Run("CursorScan", func(b *testing.B) {
		benchmarkCursorScan(b, open(b, factory))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// benchKey builds an 8 byte big endian key like the disk layer does
func benchKey(i uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], i)
	return k[:]
}

// Benchmark for Set operation
func benchmarkSet(b *testing.B, database db.ShardDB) {
	b.Cleanup(func() {
		database.Close()
	})

	value := make([]byte, 64)
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = database.Set(benchKey(counter.Add(1)), value)
		}
	})
}

// Benchmark for overwriting a small set of keys
func benchmarkSetExisting(b *testing.B, database db.ShardDB) {
	b.Cleanup(func() {
		database.Close()
	})

	value := make([]byte, 64)
	for i := uint64(0); i < 1000; i++ {
		_ = database.Set(benchKey(i), value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_ = database.Set(benchKey(uint64(r.Intn(1000))), value)
		}
	})
}

// Benchmark for Get operation
func benchmarkGet(b *testing.B, database db.ShardDB) {
	b.Cleanup(func() {
		database.Close()
	})

	value := make([]byte, 64)
	for i := uint64(0); i < 10000; i++ {
		_ = database.Set(benchKey(i), value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _, _ = database.Get(benchKey(uint64(r.Intn(10000))))
		}
	})
}

// Benchmark for Delete operation
func benchmarkDelete(b *testing.B, database db.ShardDB) {
	b.Cleanup(func() {
		database.Close()
	})

	value := make([]byte, 64)
	for i := 0; i < b.N; i++ {
		_ = database.Set(benchKey(uint64(i)), value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = database.Delete(benchKey(uint64(i)))
	}
}

// Benchmark for a full scan through a frozen cursor
func benchmarkCursorScan(b *testing.B, database db.ShardDB) {
	b.Cleanup(func() {
		database.Close()
	})

	value := make([]byte, 64)
	for i := uint64(0); i < 10000; i++ {
		_ = database.Set(benchKey(i), value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cursor, err := database.NewCursor()
		if err != nil {
			b.Fatal(err)
		}
		for ; cursor.Valid(); cursor.Next() {
		}
		_ = cursor.Close()
	}
}
