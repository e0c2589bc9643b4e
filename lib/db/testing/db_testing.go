package testing

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hyperkv/lib/db"
)

// RunShardDBTests runs a comprehensive test suite for a ShardDB implementation.
// The factory receives a fresh directory for every engine it has to open.
func RunShardDBTests(t *testing.T, name string, factory db.Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, open(t, factory))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, factory))
		})

		t.Run("CursorOrder", func(t *testing.T) {
			testCursorOrder(t, open(t, factory))
		})

		t.Run("CursorIsolation", func(t *testing.T) {
			testCursorIsolation(t, open(t, factory))
		})

		t.Run("Compact", func(t *testing.T) {
			testCompact(t, open(t, factory))
		})

		t.Run("Persist", func(t *testing.T) {
			testPersist(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, open(t, factory))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, open(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// open creates an engine in a temporary directory
func open(t testing.TB, factory db.Factory) db.ShardDB {
	database, err := factory(filepath.Join(t.TempDir(), "shard"))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	return database
}

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.ShardDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustSet(t testing.TB, database db.ShardDB, key, value string) {
	if err := database.Set([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Set(%s) failed: %v", key, err)
	}
}

func collect(t testing.TB, cursor db.Cursor) []string {
	var keys []string
	for ; cursor.Valid(); cursor.Next() {
		keys = append(keys, string(cursor.Key()))
	}
	if err := cursor.Err(); err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	return keys
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.ShardDB) {
	defer database.Close()

	mustSet(t, database, "test-key", "test-value1")

	result, exists, err := database.Get([]byte("test-key"))
	if err != nil || !exists {
		t.Fatalf("Expected key to exist after Set, err=%v", err)
	}
	if !bytes.Equal(result, []byte("test-value1")) {
		t.Errorf("Expected value test-value1, got %s", result)
	}

	mustSet(t, database, "test-key", "test-value2")

	result, _, _ = database.Get([]byte("test-key"))
	if !bytes.Equal(result, []byte("test-value2")) {
		t.Errorf("Expected value test-value2, got %s", result)
	}

	if _, exists, _ = database.Get([]byte("nonexistent-key")); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// the returned value must be a copy
	result[0] = 'X'
	result, _, _ = database.Get([]byte("test-key"))
	if result[0] == 'X' {
		t.Errorf("Modifying a returned value changed the stored value")
	}
}

func testDelete(t *testing.T, database db.ShardDB) {
	defer database.Close()

	mustSet(t, database, "a", "1")
	mustSet(t, database, "b", "2")

	if err := database.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, exists, _ := database.Get([]byte("a")); exists {
		t.Errorf("Expected key a to be deleted")
	}
	if _, exists, _ := database.Get([]byte("b")); !exists {
		t.Errorf("Expected key b to survive the delete of a")
	}

	// deleting a missing key is not an error
	if err := database.Delete([]byte("missing")); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func testCursorOrder(t *testing.T, database db.ShardDB) {
	defer database.Close()

	for _, k := range []string{"d", "a", "c", "e", "b"} {
		mustSet(t, database, k, "v-"+k)
	}

	cursor, err := database.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer cursor.Close()

	keys := collect(t, cursor)
	expected := []string{"a", "b", "c", "d", "e"}
	if fmt.Sprint(keys) != fmt.Sprint(expected) {
		t.Errorf("Expected keys %v, got %v", expected, keys)
	}

	// an exhausted cursor stays exhausted
	cursor.Next()
	if cursor.Valid() {
		t.Errorf("Expected exhausted cursor to stay invalid")
	}
}

func testCursorIsolation(t *testing.T, database db.ShardDB) {
	defer database.Close()

	mustSet(t, database, "a", "old")
	mustSet(t, database, "b", "old")

	cursor, err := database.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}

	// mutate the live engine while the cursor is open
	mustSet(t, database, "a", "new")
	mustSet(t, database, "c", "new")
	if err := database.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	seen := map[string]string{}
	for ; cursor.Valid(); cursor.Next() {
		seen[string(cursor.Key())] = string(cursor.Value())
	}
	if err := cursor.Close(); err != nil {
		t.Errorf("Cursor close failed: %v", err)
	}

	if len(seen) != 2 || seen["a"] != "old" || seen["b"] != "old" {
		t.Errorf("Cursor observed writes made after it was created: %v", seen)
	}

	if v, _, _ := database.Get([]byte("a")); string(v) != "new" {
		t.Errorf("Expected live value new, got %s", v)
	}
}

func testCompact(t *testing.T, database db.ShardDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCompact)

	for i := 0; i < 100; i++ {
		mustSet(t, database, fmt.Sprintf("key-%03d", i), "value")
	}
	for i := 0; i < 100; i += 2 {
		_ = database.Delete([]byte(fmt.Sprintf("key-%03d", i)))
	}

	if err := database.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	cursor, err := database.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer cursor.Close()
	if n := len(collect(t, cursor)); n != 50 {
		t.Errorf("Expected 50 keys after compaction, got %d", n)
	}
}

func testPersist(t *testing.T, factory db.Factory) {
	path := filepath.Join(t.TempDir(), "shard")

	database, err := factory(path)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	requireFeature(t, database, db.FeaturePersist)

	mustSet(t, database, "persist", "me")
	if database.SupportsFeature(db.FeatureSync) {
		if err := database.Sync(); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := factory(path)
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer reopened.Close()

	if v, ok, _ := reopened.Get([]byte("persist")); !ok || string(v) != "me" {
		t.Errorf("Expected value to survive reopening, got %q (found=%v)", v, ok)
	}
}

func testEdgeCases(t *testing.T, database db.ShardDB) {
	// empty values are stored as such
	if err := database.Set([]byte("empty"), nil); err != nil {
		t.Fatalf("Set with empty value failed: %v", err)
	}
	if v, ok, _ := database.Get([]byte("empty")); !ok || len(v) != 0 {
		t.Errorf("Expected empty value, got %q (found=%v)", v, ok)
	}

	if err := database.Set(nil, []byte("x")); !errors.Is(err, db.ErrNilKey) {
		t.Errorf("Expected ErrNilKey, got %v", err)
	}

	if info := database.GetInfo(); info.DbType == "" {
		t.Errorf("Expected engine type in info")
	}

	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := database.Set([]byte("a"), []byte("b")); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if _, err := database.NewCursor(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed for cursor after Close, got %v", err)
	}
}

func testConcurrent(t *testing.T, database db.ShardDB) {
	defer database.Close()

	const (
		workers = 8
		perWork = 200
	)

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				if err := database.Set(key, key); err != nil {
					failures.Add(1)
				}
				if v, ok, err := database.Get(key); err != nil || !ok || !bytes.Equal(v, key) {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d concurrent operations failed", n)
	}

	cursor, err := database.NewCursor()
	if err != nil {
		t.Fatalf("NewCursor failed: %v", err)
	}
	defer cursor.Close()
	if n := len(collect(t, cursor)); n != workers*perWork {
		t.Errorf("Expected %d keys, got %d", workers*perWork, n)
	}
}
