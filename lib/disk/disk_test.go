package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	pebbledb "github.com/ValentinKolb/hyperkv/lib/db/engines/pebble"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wholeRegion is the region of a disk that serves the complete space
var wholeRegion = hyperspace.RegionID{Space: 1}

func cols(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func openMemoryDisk(t *testing.T, hasher hyperspace.Hasher, opts ...Option) *Disk {
	t.Helper()
	d, err := Open("", wholeRegion, hasher, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// settle flushes the log and performs mandatory I/O until the log is empty
func settle(t *testing.T, d *Disk) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		rc, err := d.Flush(0, false)
		require.NoError(t, err)
		if !rc.Full() {
			return
		}
		_, err = d.DoMandatoryIO()
		require.NoError(t, err)
	}
	t.Fatal("disk did not settle")
}

// contents reads a snapshot into key -> first value column
func contents(t *testing.T, snap *Snapshot) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for ; snap.Valid(); snap.Next() {
		_, dup := out[string(snap.Key())]
		require.False(t, dup, "key %q seen twice", snap.Key())
		out[string(snap.Key())] = string(snap.Value()[0])
	}
	require.NoError(t, snap.Err())
	return out
}

func TestDiskPutGetDel(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(3, 1))

	require.NoError(t, d.Put([]byte("a"), cols("x", "y"), 1))

	// served from the log before the first flush
	value, version, err := d.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, cols("x", "y"), value)
	assert.EqualValues(t, 1, version)

	rc, err := d.Flush(0, true)
	require.NoError(t, err)
	assert.Equal(t, Success, rc)

	value, _, err = d.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, cols("x", "y"), value)

	require.NoError(t, d.Del([]byte("a")))
	_, _, err = d.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	settle(t, d)
	_, _, err = d.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing key does not touch the log
	require.NoError(t, d.Del([]byte("missing")))
	rc, err = d.Flush(0, false)
	require.NoError(t, err)
	assert.Equal(t, DidNothing, rc)

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, 0, info.Keys)
}

func TestDiskRejectsBadWrites(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(3, 1), WithShardCapacity(16, 64))

	assert.ErrorIs(t, d.Put([]byte("k"), cols("only one"), 1), ErrWrongArity)
	assert.ErrorIs(t, d.Put([]byte("k"), cols("a", string(make([]byte, 100))), 1), ErrTooLarge)
}

func TestDiskLogFull(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0), WithMaxLogRecords(2))

	require.NoError(t, d.Put([]byte("a"), cols("1"), 1))
	require.NoError(t, d.Put([]byte("b"), cols("2"), 1))
	assert.ErrorIs(t, d.Put([]byte("c"), cols("3"), 1), ErrLogFull)

	settle(t, d)
	require.NoError(t, d.Put([]byte("c"), cols("3"), 1))
}

func TestDiskOlderVersionIgnored(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0))

	require.NoError(t, d.Put([]byte("k"), cols("new"), 5))
	settle(t, d)
	require.NoError(t, d.Put([]byte("k"), cols("old"), 3))
	settle(t, d)

	value, version, err := d.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, cols("new"), value)
	assert.EqualValues(t, 5, version)
}

func TestDiskSplit(t *testing.T) {
	hasher := hyperspace.NewHasher(3, 1)
	d := openMemoryDisk(t, hasher, WithShardCapacity(8, 1<<20))

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprintf("key-%03d", i)), cols(fmt.Sprintf("v%d", i), "z"), 1))
	}
	settle(t, d)

	info, err := d.Info()
	require.NoError(t, err)
	assert.Greater(t, len(info.Shards), 1)
	assert.Equal(t, n, info.Keys)
	require.NoError(t, d.checkCoverage())

	var total int64
	for _, s := range info.Shards {
		assert.LessOrEqual(t, s.Slots, int64(8))
		total += s.Entries
	}
	assert.EqualValues(t, n, total)

	snap, err := d.MakeSnapshot()
	require.NoError(t, err)
	defer snap.Release()
	seen := 0
	for ; snap.Valid(); snap.Next() {
		assert.Equal(t, hasher.Point(snap.Key(), snap.Value()), snap.Point())
		seen++
	}
	assert.Equal(t, n, seen)

	for i := 0; i < n; i++ {
		value, _, err := d.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(value[0]))
	}
}

func TestDiskClean(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0), WithShardCapacity(4, 1<<20))

	for v := uint64(1); v <= 4; v++ {
		require.NoError(t, d.Put([]byte("k"), cols(fmt.Sprint(v)), v))
		rc, err := d.Flush(0, false)
		require.NoError(t, err)
		require.Equal(t, Success, rc)
	}

	require.NoError(t, d.Put([]byte("k"), cols("5"), 5))
	rc, err := d.Flush(0, false)
	require.NoError(t, err)
	require.Equal(t, SearchFull, rc)

	rc, err = d.DoMandatoryIO()
	require.NoError(t, err)
	assert.Equal(t, Success, rc)

	info, err := d.Info()
	require.NoError(t, err)
	require.Len(t, info.Shards, 1, "a stale shard is cleaned, not split")
	assert.EqualValues(t, 1, info.Shards[0].Slots)

	rc, err = d.Flush(0, false)
	require.NoError(t, err)
	assert.Equal(t, Success, rc)

	value, _, err := d.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, cols("5"), value)

	rc, err = d.DoMandatoryIO()
	require.NoError(t, err)
	assert.Equal(t, DidNothing, rc)
}

func TestDiskMigration(t *testing.T) {
	hasher := hyperspace.NewHasher(2, 1)
	d := openMemoryDisk(t, hasher, WithShardCapacity(4, 1<<20))

	// enough keys to spread over several shards
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols(fmt.Sprint("a", i)), 1))
	}
	settle(t, d)

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols(fmt.Sprint("b", i)), 2))
	}
	settle(t, d)

	snap, err := d.MakeSnapshot()
	require.NoError(t, err)
	got := contents(t, snap)
	require.NoError(t, snap.Release())

	require.Len(t, got, 20)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprint("b", i), got[fmt.Sprint(i)])
	}
}

func TestDiskSnapshotIsolation(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 1), WithShardCapacity(4, 1<<20))

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols("before"), 1))
	}
	settle(t, d)

	snap, err := d.MakeSnapshot()
	require.NoError(t, err)

	// forces splits of the frozen shard
	for i := 0; i < 30; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols("after"), 2))
	}
	require.NoError(t, d.Del([]byte("0")))
	settle(t, d)

	got := contents(t, snap)
	require.NoError(t, snap.Release())
	assert.Equal(t, map[string]string{"0": "before", "1": "before", "2": "before", "3": "before"}, got)

	_, _, err = d.Get([]byte("0"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskRollingSnapshot(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0))

	require.NoError(t, d.Put([]byte("a"), cols("1"), 1))
	require.NoError(t, d.Put([]byte("b"), cols("2"), 1))
	settle(t, d)

	rs, err := d.MakeRollingSnapshot()
	require.NoError(t, err)
	defer rs.Release()

	require.NoError(t, d.Put([]byte("c"), cols("3"), 1))
	require.NoError(t, d.Del([]byte("a")))

	type entry struct {
		key      string
		hasValue bool
	}
	var seen []entry
	for ; rs.Valid(); rs.Next() {
		seen = append(seen, entry{string(rs.Key()), rs.HasValue()})
	}
	require.NoError(t, rs.Err())
	require.Len(t, seen, 4)
	assert.ElementsMatch(t, []entry{{"a", true}, {"b", true}}, seen[:2])
	assert.Equal(t, []entry{{"c", true}, {"a", false}}, seen[2:])

	// flushing does not change what the rolling snapshot still has to deliver
	settle(t, d)
	assert.False(t, rs.Valid())

	require.NoError(t, d.Put([]byte("d"), cols("4"), 1))
	require.True(t, rs.Valid())
	assert.Equal(t, "d", string(rs.Key()))
	assert.Equal(t, d.Hasher().Coordinate([]byte("d"), cols("4")), rs.Coordinate())
}

func TestDiskMaintenance(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 1),
		WithShardCapacity(8, 1<<20),
		WithMaxLogRecords(4),
		WithMaintenance(5*time.Millisecond),
	)

	for i := 0; i < 50; i++ {
		for {
			err := d.Put([]byte(fmt.Sprint(i)), cols(fmt.Sprint(i)), 1)
			if errors.Is(err, ErrLogFull) {
				time.Sleep(time.Millisecond)
				continue
			}
			require.NoError(t, err)
			break
		}
	}

	require.Eventually(t, func() bool {
		info, err := d.Info()
		return err == nil && info.LogRecords == 0 && info.PendingIO == 0
	}, 5*time.Second, 5*time.Millisecond)

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, 50, info.Keys)
	assert.Greater(t, len(info.Shards), 1)
}

func TestDiskRecovery(t *testing.T) {
	dir := t.TempDir()
	hasher := hyperspace.NewHasher(3, 1)
	opts := []Option{
		WithEngine(pebbledb.Factory()),
		WithShardCapacity(16, 1<<20),
	}

	d, err := Open(dir, wholeRegion, hasher, opts...)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols(fmt.Sprint(i), "x"), 1))
	}
	settle(t, d)
	// these stay in the log
	for i := 60; i < 70; i++ {
		require.NoError(t, d.Put([]byte(fmt.Sprint(i)), cols(fmt.Sprint(i), "x"), 1))
	}
	require.NoError(t, d.Del([]byte("0")))

	before, err := d.Info()
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), ErrClosed)

	// left behind by a split that never made it into the manifest
	orphan := filepath.Join(dir, shardsDir, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	d, err = Open(dir, wholeRegion, hasher, opts...)
	require.NoError(t, err)
	defer d.Close()

	assert.NoDirExists(t, orphan)
	after, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, len(before.Shards), len(after.Shards))
	assert.EqualValues(t, 11, after.LogRecords)

	_, _, err = d.Get([]byte("0"))
	assert.ErrorIs(t, err, ErrNotFound)
	for i := 1; i < 70; i++ {
		value, _, err := d.Get([]byte(fmt.Sprint(i)))
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, fmt.Sprint(i), string(value[0]))
	}

	settle(t, d)
	after, err = d.Info()
	require.NoError(t, err)
	assert.Equal(t, 69, after.Keys)
}

func TestDiskRecoveryDetectsGaps(t *testing.T) {
	dir := t.TempDir()
	low, _, _ := wholeRegion.Split()
	require.NoError(t, writeManifest(dir, []hyperspace.RegionID{low}))

	_, err := Open(dir, wholeRegion, hyperspace.NewHasher(2, 0), WithEngine(pebbledb.Factory()))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDiskDrop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "disk")
	d, err := Open(dir, wholeRegion, hyperspace.NewHasher(2, 0), WithEngine(pebbledb.Factory()))
	require.NoError(t, err)

	require.NoError(t, d.Put([]byte("k"), cols("v"), 1))
	settle(t, d)

	snap, err := d.MakeSnapshot()
	require.NoError(t, err)
	require.NoError(t, d.Drop())

	// the snapshot keeps its shard readable until released
	assert.Equal(t, map[string]string{"k": "v"}, contents(t, snap))
	require.NoError(t, snap.Release())

	assert.NoFileExists(t, filepath.Join(dir, manifestName))
	assert.NoFileExists(t, filepath.Join(dir, logName))
	entries, err := os.ReadDir(filepath.Join(dir, shardsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, _, err = d.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDiskSplitFailsAtFullPrefix(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0))
	leaf := hyperspace.RegionID{Space: 1, Prefix: 64, Mask: 42}

	s, err := openShard(d.cfg.Engine, "", leaf, 1, 1<<10)
	require.NoError(t, err)
	defer s.release()

	rc, err := d.splitShard(s)
	assert.Equal(t, SplitFailed, rc)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, SplitFailed, derr.Code)
}

func TestBalance(t *testing.T) {
	even := newBalance([]float64{10, 10, 10})
	assert.InDelta(t, 1.0, even.Quality, 1e-9)
	assert.InDelta(t, 0.0, even.StdDeviation, 1e-9)

	skewed := newBalance([]float64{0, 30})
	assert.Less(t, skewed.Quality, even.Quality)
	assert.Equal(t, Balance{}, newBalance(nil))
}

// keysAround returns a key hashing into region and one hashing outside of it
func keysAround(t *testing.T, hasher hyperspace.Hasher, region hyperspace.RegionID, value [][]byte) (inside, outside []byte) {
	t.Helper()
	for i := 0; i < 1000 && (inside == nil || outside == nil); i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		if region.Contains(hasher.Point(key, value)) {
			inside = key
		} else {
			outside = key
		}
	}
	require.NotNil(t, inside)
	require.NotNil(t, outside)
	return inside, outside
}

func TestDiskRejectsPointsOutsideRegion(t *testing.T) {
	hasher := hyperspace.NewHasher(2, 0)
	lowHalf := hyperspace.RegionID{Space: 1, Prefix: 1}
	d, err := Open("", lowHalf, hasher)
	require.NoError(t, err)
	defer d.Close()

	inside, outside := keysAround(t, hasher, lowHalf, cols("x"))

	assert.ErrorIs(t, d.Put(outside, cols("x"), 1), ErrWrongRegion)
	require.NoError(t, d.Put(inside, cols("x"), 1))
	require.NoError(t, d.Del(outside))

	rc, err := d.Flush(0, false)
	require.NoError(t, err)
	assert.Equal(t, Success, rc)

	_, _, err = d.Get(outside)
	assert.ErrorIs(t, err, ErrNotFound)
	value, _, err := d.Get(inside)
	require.NoError(t, err)
	assert.Equal(t, cols("x"), value)
}

func TestDiskDropsReplayedRecordsOutsideRegion(t *testing.T) {
	dir := t.TempDir()
	hasher := hyperspace.NewHasher(2, 0)
	lowHalf := hyperspace.RegionID{Space: 1, Prefix: 1}
	inside, outside := keysAround(t, hasher, lowHalf, cols("x"))

	w, err := openWAL(filepath.Join(dir, logName), 0, false, logger.GetLogger("test"))
	require.NoError(t, err)
	for _, key := range [][]byte{outside, inside} {
		require.NoError(t, w.append(&logRecord{op: opPut, version: 1, point: hasher.Point(key, cols("x")), key: key, value: cols("x")}))
	}
	require.NoError(t, w.close())

	d, err := Open(dir, lowHalf, hasher)
	require.NoError(t, err)
	defer d.Close()

	rc, err := d.Flush(0, false)
	require.NoError(t, err)
	assert.Equal(t, Success, rc)

	_, _, err = d.Get(outside)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = d.Get(inside)
	assert.NoError(t, err)
}

func TestDiskShardLifecycle(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 0))
	low, high, ok := wholeRegion.Split()
	require.True(t, ok)

	_, err := d.createShard(low)
	assert.Error(t, err, "overlaps the initial shard")

	d.needsIO.add(wholeRegion)
	assert.True(t, d.dropShard(wholeRegion))
	assert.False(t, d.needsIO.contains(wholeRegion))
	assert.False(t, d.dropShard(wholeRegion))

	_, err = d.createShard(low)
	require.NoError(t, err)
	_, err = d.createShard(high)
	require.NoError(t, err)
	require.NoError(t, d.checkCoverage())

	quarter, _, ok := low.Split()
	require.True(t, ok)
	_, err = d.createShard(quarter)
	assert.Error(t, err)
	assert.Len(t, d.shardList(), 2)

	// shards outside of the disk region are refused
	half, err := Open("", low, hyperspace.NewHasher(2, 0))
	require.NoError(t, err)
	defer half.Close()
	_, err = half.createShard(high)
	assert.Error(t, err)
}

func TestDiskGetDuringMigration(t *testing.T) {
	d := openMemoryDisk(t, hyperspace.NewHasher(2, 1))
	require.NoError(t, d.Put([]byte("k"), cols("v0"), 1))
	settle(t, d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 500; i++ {
			// every new column value moves the object to another point
			if err := d.Put([]byte("k"), cols(fmt.Sprintf("v%d", i)), uint64(i+1)); err != nil {
				t.Error(err)
				return
			}
			if _, err := d.Flush(0, false); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		if _, _, err := d.Get([]byte("k")); !assert.NoError(t, err) {
			<-done
			return
		}
	}
}
