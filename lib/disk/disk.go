package disk

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Disk
// --------------------------------------------------------------------------

// location is where the stored version of a key lives
type location struct {
	point   uint64
	version uint64
}

// Disk stores the objects of one region. The region is tiled by shards, each
// shard covering a prefix of the point space. Writes go to the log first and are
// folded into the shards by Flush.
//
// Locking:
//   - mu guards the shard map. Point operations take the read side, changing the
//     map takes the write side for the swap only, never across engine I/O.
//   - flushMu serializes every operation that mutates shard contents (Flush,
//     DoMandatoryIO) and the creation of snapshots.
//
// Thread-safety: All exported methods are safe for concurrent use.
type Disk struct {
	dir    string
	region hyperspace.RegionID
	hasher hyperspace.Hasher
	cfg    *Config
	log    logger.ILogger

	mu     sync.RWMutex
	shards *btree.BTreeG[*shard] // ordered by the lower bound of the shard region

	flushMu sync.Mutex
	wal     *wal
	index   *xsync.MapOf[string, location]
	needsIO *ioQueue

	maint  *maintainer
	closed atomic.Bool
}

func lessShard(a, b *shard) bool {
	return a.region.Lower() < b.region.Lower()
}

// probe builds a btree pivot for the shard that starts at point
func probe(point uint64) *shard {
	return &shard{region: hyperspace.RegionID{Prefix: 64, Mask: point}}
}

// Open opens the disk stored in dir, or creates it. An empty dir creates an
// ephemeral disk without log file.
func Open(dir string, region hyperspace.RegionID, hasher hyperspace.Hasher, opts ...Option) (*Disk, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger("disk")
	}
	if cfg.MaxEntries < 1 || cfg.MaxBytes < 1 {
		return nil, fmt.Errorf("disk: shard capacity must be positive (entries=%d, bytes=%d)", cfg.MaxEntries, cfg.MaxBytes)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("disk: no storage engine configured")
	}

	d := &Disk{
		dir:     dir,
		region:  region,
		hasher:  hasher,
		cfg:     cfg,
		log:     cfg.Logger,
		shards:  btree.NewG[*shard](16, lessShard),
		index:   xsync.NewMapOf[string, location](),
		needsIO: newIOQueue(),
	}

	if err := d.recover(); err != nil {
		return nil, err
	}

	logPath := ""
	if dir != "" {
		logPath = filepath.Join(dir, logName)
	}
	w, err := openWAL(logPath, cfg.MaxLogRecords, cfg.SyncWrites, d.log)
	if err != nil {
		d.releaseAll(false)
		return nil, err
	}
	d.wal = w

	if cfg.MaintenanceInterval > 0 {
		d.maint = startMaintenance(d, cfg.MaintenanceInterval)
	}

	d.log.Infof("opened disk for %s with %d shard(s), %d key(s), %d pending log record(s)",
		region, d.shards.Len(), d.index.Size(), w.length.Load())
	return d, nil
}

// shardDir returns the directory holding the shard directories ("" for ephemeral disks)
func (d *Disk) shardDir() string {
	if d.dir == "" {
		return ""
	}
	return filepath.Join(d.dir, shardsDir)
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// recover opens all shards listed in the manifest, rebuilds the key index and
// checks that the shards tile the region.
func (d *Disk) recover() error {
	var regions []hyperspace.RegionID
	if d.dir != "" {
		if err := os.MkdirAll(d.shardDir(), 0o755); err != nil {
			return ioError(err, "create disk directory %s", d.dir)
		}
		listed, err := readManifest(d.dir, d.region)
		if err != nil {
			return err
		}
		regions = listed

		removed, err := removeOrphans(d.dir, regions)
		if err != nil {
			return err
		}
		for _, name := range removed {
			d.log.Warningf("removed shard directory %s left behind by an interrupted split", name)
		}
	}

	if len(regions) == 0 {
		if _, err := d.createShard(d.region); err != nil {
			return err
		}
		if d.dir != "" {
			if err := writeManifest(d.dir, []hyperspace.RegionID{d.region}); err != nil {
				d.releaseAll(false)
				return err
			}
		}
		return nil
	}

	var (
		dupMu      sync.Mutex
		duplicates []location
		dupKeys    [][]byte
	)
	opened := make([]*shard, len(regions))

	var g errgroup.Group
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			s, err := openShard(d.cfg.Engine, d.shardDir(), r, d.cfg.MaxEntries, d.cfg.MaxBytes)
			if err != nil {
				return err
			}
			opened[i] = s
			return s.recount(func(point uint64, key []byte, version uint64) {
				d.index.Compute(string(key), func(old location, loaded bool) (location, bool) {
					found := location{point: point, version: version}
					if !loaded {
						return found, false
					}
					// a migration was interrupted, the older copy goes
					stale, keep := found, old
					if found.version > old.version {
						stale, keep = old, found
					}
					dupMu.Lock()
					duplicates = append(duplicates, stale)
					dupKeys = append(dupKeys, bytes.Clone(key))
					dupMu.Unlock()
					return keep, false
				})
			})
		})
	}
	err := g.Wait()
	for _, s := range opened {
		if s != nil {
			d.shards.ReplaceOrInsert(s)
		}
	}
	if err != nil {
		d.releaseAll(false)
		return err
	}

	if err := d.checkCoverage(); err != nil {
		d.releaseAll(false)
		return err
	}

	for i, stale := range duplicates {
		if _, err := d.shardFor(stale.point).del(stale.point, dupKeys[i]); err != nil {
			d.releaseAll(false)
			return err
		}
		d.log.Warningf("removed stale copy of key %q at point %#x", dupKeys[i], stale.point)
	}
	return nil
}

// checkCoverage verifies that the shards tile the region without gaps or overlaps
func (d *Disk) checkCoverage() error {
	next := d.region.Lower()
	done := false
	var err error
	d.shards.Ascend(func(s *shard) bool {
		if done || s.region.Lower() != next || !d.region.Contains(s.region.Lower()) {
			err = fmt.Errorf("%w: shard %s does not continue the shard map of %s at %#x", ErrCorrupt, s.region, d.region, next)
			return false
		}
		if s.region.Upper() == d.region.Upper() {
			done = true
		}
		next = s.region.Upper() + 1
		return true
	})
	if err == nil && !done {
		err = fmt.Errorf("%w: shards of %s end before %#x", ErrCorrupt, d.region, d.region.Upper())
	}
	return err
}

// --------------------------------------------------------------------------
// Routing
// --------------------------------------------------------------------------

// shardFor returns the shard covering point. Callers hold mu (either side) or flushMu.
// A point without shard breaks the coverage invariant and is fatal.
func (d *Disk) shardFor(point uint64) *shard {
	var found *shard
	d.shards.DescendLessOrEqual(probe(point), func(s *shard) bool {
		found = s
		return false
	})
	if found == nil || !found.region.Contains(point) {
		msg := fmt.Sprintf("no shard of %s covers point %#x", d.region, point)
		d.log.Panicf("%s", msg)
		panic(msg)
	}
	return found
}

// lookupShard returns the shard serving exactly region, if any. Callers hold mu.
func (d *Disk) lookupShard(region hyperspace.RegionID) *shard {
	s, ok := d.shards.Get(probe(region.Lower()))
	if !ok || s.region != region {
		return nil
	}
	return s
}

// --------------------------------------------------------------------------
// Point operations
// --------------------------------------------------------------------------

// Get returns the latest value and version of key, including writes that are
// still in the log.
func (d *Disk) Get(key []byte) ([][]byte, uint64, error) {
	if d.closed.Load() {
		return nil, 0, ErrClosed
	}

	if rec, ok := d.wal.lookup(key); ok {
		if rec.op == opDel {
			return nil, 0, ErrNotFound
		}
		return copyColumns(rec.value), rec.version, nil
	}

	// a concurrent flush may move the key between reading the index and the shard,
	// the lookup is repeated as long as the index keeps changing
	for {
		loc, ok := d.index.Load(string(key))
		if !ok {
			return nil, 0, ErrNotFound
		}

		d.mu.RLock()
		version, value, found, err := d.shardFor(loc.point).get(loc.point, key)
		d.mu.RUnlock()

		if err != nil {
			return nil, 0, err
		}
		if found {
			return value, version, nil
		}
		if now, ok := d.index.Load(string(key)); !ok || now.point == loc.point {
			return nil, 0, ErrNotFound
		}
	}
}

// Put writes key with the given value columns and version to the log.
// It fails with ErrLogFull when the log is at its bound, the caller has to flush and retry,
// and with ErrWrongRegion when the object hashes to a point the disk does not serve.
func (d *Disk) Put(key []byte, value [][]byte, version uint64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(value)+1 != d.hasher.Dimensions() {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongArity, len(value), d.hasher.Dimensions()-1)
	}
	if entrySize(key, value) > d.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, entrySize(key, value))
	}

	point := d.hasher.Point(key, value)
	if !d.region.Contains(point) {
		return fmt.Errorf("%w: point %#x of key %q is not in %s", ErrWrongRegion, point, key, d.region)
	}

	return d.appendRecord(&logRecord{
		op:      opPut,
		version: version,
		point:   point,
		key:     bytes.Clone(key),
		value:   copyColumns(value),
	})
}

// Del removes key. Removing a key that does not exist does nothing.
func (d *Disk) Del(key []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}

	point, exists := d.locate(key)
	if !exists {
		return nil
	}
	return d.appendRecord(&logRecord{
		op:    opDel,
		point: point,
		key:   bytes.Clone(key),
	})
}

// locate returns the point of the latest version of key
func (d *Disk) locate(key []byte) (uint64, bool) {
	if rec, ok := d.wal.lookup(key); ok {
		return rec.point, rec.op == opPut
	}
	loc, ok := d.index.Load(string(key))
	return loc.point, ok
}

func (d *Disk) appendRecord(rec *logRecord) error {
	err := d.wal.append(rec)
	if errors.Is(err, ErrLogFull) {
		logFullTotal.Inc()
		d.kick()
		return err
	}
	if err != nil {
		d.log.Errorf("failed to append to the log of %s: %v", d.region, err)
		return err
	}
	if d.wal.max > 0 && d.wal.length.Load() > d.wal.max/2 {
		d.kick()
	}
	return nil
}

// --------------------------------------------------------------------------
// Flushing
// --------------------------------------------------------------------------

// Flush folds up to maxRecords log records (all if maxRecords <= 0) into the shards.
//
// It returns DidNothing if the log is empty and DataFull or SearchFull if a shard
// ran out of space, in which case the shard is queued for DoMandatoryIO. With sync
// set, all shards and the log are synced afterwards.
func (d *Disk) Flush(maxRecords int, sync bool) (ReturnCode, error) {
	if d.closed.Load() {
		return IOError, ErrClosed
	}

	d.flushMu.Lock()
	start := time.Now()
	rc, n, err := d.flushLocked(maxRecords)
	d.flushMu.Unlock()
	flushDuration.UpdateDuration(start)
	flushedRecords.Add(n)

	switch {
	case err != nil:
		flushError.Inc()
		d.log.Errorf("flush of %s failed after %d record(s): %v", d.region, n, err)
		return IOError, err
	case rc.Full():
		flushFull.Inc()
		d.log.Debugf("flush of %s stopped after %d record(s): %s", d.region, n, rc)
		return rc, nil
	case rc == Success:
		flushSuccess.Inc()
	}

	if sync && rc == Success {
		if err := d.Sync(); err != nil {
			return IOError, err
		}
	}
	return rc, nil
}

func (d *Disk) flushLocked(maxRecords int) (ReturnCode, int, error) {
	rec := d.wal.oldest()
	if rec == nil {
		return DidNothing, 0, nil
	}

	d.mu.RLock()
	n := 0
	for ; rec != nil && (maxRecords <= 0 || n < maxRecords); rec = rec.next.Load() {
		rc, full, err := d.apply(rec)
		if err != nil {
			d.mu.RUnlock()
			return IOError, n, err
		}
		if rc.Full() {
			d.mu.RUnlock()
			d.needsIO.add(full.region)
			d.kick()
			return rc, n, nil
		}
		d.wal.retire(rec)
		n++
	}
	d.mu.RUnlock()

	if err := d.wal.drained(); err != nil {
		return IOError, n, err
	}
	return Success, n, nil
}

// apply folds one record into the shards. If a shard is full it is returned with the code.
func (d *Disk) apply(rec *logRecord) (ReturnCode, *shard, error) {
	k := string(rec.key)
	loc, had := d.index.Load(k)

	if rec.op == opDel {
		if !had {
			return Success, nil, nil
		}
		s := d.shardFor(loc.point)
		rc, err := s.del(loc.point, rec.key)
		if err != nil || rc.Full() {
			return rc, s, err
		}
		d.index.Delete(k)
		return Success, s, nil
	}

	// replaying a record that is older than the stored version
	if had && loc.version > rec.version {
		return Success, nil, nil
	}
	// a record outside the region has no shard, it is dropped instead of breaking the map
	if !d.region.Contains(rec.point) {
		d.log.Errorf("dropping log record for key %q, point %#x is not in %s", rec.key, rec.point, d.region)
		return Success, nil, nil
	}

	target := d.shardFor(rec.point)
	coord := d.hasher.Coordinate(rec.key, rec.value).Point

	if had && loc.point != rec.point {
		// the hashed value columns changed, move the object
		old := d.shardFor(loc.point)
		size := entrySize(rec.key, rec.value)
		if old == target {
			if rc := target.room(2, size); rc != Success {
				return rc, target, nil
			}
		} else {
			if rc := target.room(1, size); rc != Success {
				return rc, target, nil
			}
			if rc := old.room(1, 0); rc != Success {
				return rc, old, nil
			}
		}

		rc, err := target.put(rec.point, rec.key, rec.value, rec.version, coord)
		if err != nil || rc.Full() {
			return rc, target, err
		}
		// readers follow the index, it has to point at the new copy before the old one goes
		d.index.Store(k, location{point: rec.point, version: rec.version})
		if _, err := old.del(loc.point, rec.key); err != nil {
			return IOError, old, err
		}
		migrationsTotal.Inc()
		return Success, target, nil
	}

	rc, err := target.put(rec.point, rec.key, rec.value, rec.version, coord)
	if err != nil || rc.Full() {
		return rc, target, err
	}
	if rc == Success {
		d.index.Store(k, location{point: rec.point, version: rec.version})
	}
	return Success, target, nil
}

// --------------------------------------------------------------------------
// Mandatory I/O
// --------------------------------------------------------------------------

// DoMandatoryIO performs the housekeeping for the shard that reported being full
// first: a shard with a stale fraction of at least CleanThreshold is cleaned,
// any other shard is split. It returns DidNothing if no shard is waiting.
func (d *Disk) DoMandatoryIO() (ReturnCode, error) {
	if d.closed.Load() {
		return IOError, ErrClosed
	}

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	for {
		region, ok := d.needsIO.pop()
		if !ok {
			return DidNothing, nil
		}

		d.mu.RLock()
		s := d.lookupShard(region)
		d.mu.RUnlock()
		if s == nil {
			continue
		}

		if s.staleFraction() >= d.cfg.CleanThreshold {
			return d.cleanShard(s)
		}
		return d.splitShard(s)
	}
}

// cleanShard compacts a shard in place. The shard range does not change so the map stays untouched.
func (d *Disk) cleanShard(s *shard) (ReturnCode, error) {
	before := s.info()
	if err := s.clean(); err != nil {
		d.log.Errorf("cleaning %s failed: %v", s.region, err)
		return IOError, err
	}
	cleanTotal.Inc()
	d.log.Debugf("cleaned %s, reclaimed %d slot(s)", s.region, before.Slots-before.Entries)
	return Success, nil
}

// splitShard replaces a shard by two shards covering one half of its range each.
// The children are built while flushMu keeps the parent unchanged, the map itself
// is only locked for the swap.
func (d *Disk) splitShard(parent *shard) (ReturnCode, error) {
	low, high, ok := parent.region.Split()
	if !ok {
		return SplitFailed, &Error{Code: SplitFailed, Msg: fmt.Sprintf("%s cannot be split any further", parent.region)}
	}

	children, err := d.buildChildren(parent, low, high)
	if err != nil {
		d.log.Errorf("splitting %s failed: %v", parent.region, err)
		return IOError, err
	}

	if d.dir != "" {
		d.mu.RLock()
		regions := make([]hyperspace.RegionID, 0, d.shards.Len()+1)
		d.shards.Ascend(func(s *shard) bool {
			if s == parent {
				regions = append(regions, low, high)
			} else {
				regions = append(regions, s.region)
			}
			return true
		})
		d.mu.RUnlock()

		if err := writeManifest(d.dir, regions); err != nil {
			d.discard(children[:]...)
			d.log.Errorf("splitting %s failed: %v", parent.region, err)
			return IOError, err
		}
	}

	d.mu.Lock()
	d.removeShardLocked(parent.region)
	err = d.insertShardsLocked(children[0], children[1])
	d.mu.Unlock()
	if err != nil {
		// the halves of a mapped shard always fit in its place
		msg := fmt.Sprintf("split of %s broke the shard map: %v", parent.region, err)
		d.log.Panicf("%s", msg)
		panic(msg)
	}
	d.retire(parent)

	splitTotal.Inc()
	d.log.Infof("split %s into %d + %d object(s)", parent.region, children[0].info().Entries, children[1].info().Entries)
	return Success, nil
}

// buildChildren copies the content of parent into two new shards
func (d *Disk) buildChildren(parent *shard, low, high hyperspace.RegionID) ([2]*shard, error) {
	var children [2]*shard
	for i, r := range []hyperspace.RegionID{low, high} {
		s, err := openShard(d.cfg.Engine, d.shardDir(), r, d.cfg.MaxEntries, d.cfg.MaxBytes)
		if err != nil {
			d.discard(children[:i]...)
			return children, err
		}
		children[i] = s
	}

	err := func() error {
		cursor, err := parent.engine.NewCursor()
		if err != nil {
			return ioError(err, "scan %s", parent.region)
		}
		defer cursor.Close()

		for ; cursor.Valid(); cursor.Next() {
			point, _, err := decodeKey(cursor.Key())
			if err != nil {
				return err
			}
			target := children[1]
			if low.Contains(point) {
				target = children[0]
			}
			if err := target.load(cursor.Key(), cursor.Value()); err != nil {
				return err
			}
		}
		if err := cursor.Err(); err != nil {
			return ioError(err, "scan %s", parent.region)
		}

		for _, c := range children {
			if c.engine.SupportsFeature(db.FeatureSync) {
				if err := c.engine.Sync(); err != nil {
					return ioError(err, "sync %s", c.region)
				}
			}
		}
		return nil
	}()
	if err != nil {
		d.discard(children[:]...)
	}
	return children, err
}

// discard drops the map reference of shards that left (or never entered) the map.
// Their files are removed once the last snapshot lets go of them.
func (d *Disk) discard(shards ...*shard) {
	for _, s := range shards {
		if s == nil {
			continue
		}
		s.dropped.Store(true)
		if err := s.release(); err != nil {
			d.log.Warningf("releasing %s failed: %v", s.region, err)
		}
	}
}

// createShard opens a shard for region and adds it to the map. The engine is
// opened before the map is locked.
func (d *Disk) createShard(region hyperspace.RegionID) (*shard, error) {
	s, err := openShard(d.cfg.Engine, d.shardDir(), region, d.cfg.MaxEntries, d.cfg.MaxBytes)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	err = d.insertShardsLocked(s)
	d.mu.Unlock()
	if err != nil {
		d.discard(s)
		return nil, err
	}
	return s, nil
}

// insertShardsLocked adds shards that lie inside the disk region and overlap
// neither the map nor each other. Either all shards are added or none. Callers hold mu.
func (d *Disk) insertShardsLocked(shards ...*shard) error {
	existing := d.shardList()
	for i, s := range shards {
		if !d.region.Contains(s.region.Lower()) || !d.region.Contains(s.region.Upper()) {
			return fmt.Errorf("disk: %s is not part of %s", s.region, d.region)
		}
		for _, other := range existing {
			if other.region.Overlaps(s.region) {
				return fmt.Errorf("disk: %s overlaps existing %s", s.region, other.region)
			}
		}
		for _, other := range shards[:i] {
			if other.region.Overlaps(s.region) {
				return fmt.Errorf("disk: %s overlaps %s", s.region, other.region)
			}
		}
	}
	for _, s := range shards {
		d.shards.ReplaceOrInsert(s)
	}
	return nil
}

// dropShard removes the shard serving exactly region from the map.
func (d *Disk) dropShard(region hyperspace.RegionID) bool {
	d.mu.Lock()
	s := d.removeShardLocked(region)
	d.mu.Unlock()

	if s == nil {
		return false
	}
	d.retire(s)
	return true
}

// removeShardLocked takes the shard serving exactly region out of the map. Callers hold mu.
func (d *Disk) removeShardLocked(region hyperspace.RegionID) *shard {
	s := d.lookupShard(region)
	if s != nil {
		d.shards.Delete(s)
	}
	return s
}

// retire forgets pending housekeeping of a shard that left the map and drops its reference
func (d *Disk) retire(s *shard) {
	d.needsIO.remove(s.region)
	d.discard(s)
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// MakeSnapshot freezes every shard. Writes still in the log are not part of the
// snapshot, flush first to include them.
func (d *Disk) MakeSnapshot() (*Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	return d.snapshotLocked()
}

// MakeRollingSnapshot freezes every shard and continues with the unflushed log records.
func (d *Disk) MakeRollingSnapshot() (*RollingSnapshot, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	start := d.wal.first.Load()
	snap, err := d.snapshotLocked()
	if err != nil {
		return nil, err
	}
	return newRollingSnapshot(snap, start, d.hasher), nil
}

// snapshotLocked freezes all shards, callers hold flushMu
func (d *Disk) snapshotLocked() (*Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		shards  []*shard
		cursors []db.Cursor
		err     error
	)
	d.shards.Ascend(func(s *shard) bool {
		c, cerr := s.engine.NewCursor()
		if cerr != nil {
			err = ioError(cerr, "freeze %s", s.region)
			return false
		}
		s.retain()
		shards = append(shards, s)
		cursors = append(cursors, c)
		return true
	})
	if err != nil {
		for i := range cursors {
			_ = cursors[i].Close()
			_ = shards[i].release()
		}
		return nil, err
	}
	return newSnapshot(shards, cursors), nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Region returns the region served by the disk
func (d *Disk) Region() hyperspace.RegionID {
	return d.region
}

// Hasher returns the hasher of the disk's subspace
func (d *Disk) Hasher() hyperspace.Hasher {
	return d.hasher
}

// Sync makes all flushed data and the log durable.
func (d *Disk) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.mu.RLock()
	shards := d.shardList()
	for _, s := range shards {
		s.retain()
	}
	d.mu.RUnlock()
	defer func() {
		for _, s := range shards {
			_ = s.release()
		}
	}()

	var g errgroup.Group
	for _, s := range shards {
		s := s
		if !s.engine.SupportsFeature(db.FeatureSync) {
			continue
		}
		g.Go(func() error {
			if err := s.engine.Sync(); err != nil {
				return ioError(err, "sync %s", s.region)
			}
			return nil
		})
	}
	g.Go(d.wal.syncFile)
	return g.Wait()
}

// Close stops background maintenance and closes the disk. Unflushed log records
// stay in the log file and are replayed by the next Open.
func (d *Disk) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	d.maint.stop()

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	err := errors.Join(d.releaseAll(false), d.wal.close())
	d.log.Infof("closed disk for %s", d.region)
	return err
}

// Drop closes the disk and removes all of its files. Used when the region is
// retired by a reconfiguration.
func (d *Disk) Drop() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	d.maint.stop()

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	err := errors.Join(d.releaseAll(true), d.wal.remove())
	if d.dir != "" {
		_ = os.Remove(filepath.Join(d.dir, manifestName))
		// shard directories still held by snapshots disappear with their last release
		_ = os.Remove(d.shardDir())
		_ = os.Remove(d.dir)
	}
	d.log.Infof("dropped disk for %s", d.region)
	return err
}

// releaseAll empties the shard map and drops its references
func (d *Disk) releaseAll(drop bool) error {
	d.mu.Lock()
	shards := d.shardList()
	d.shards.Clear(false)
	d.mu.Unlock()

	var g errgroup.Group
	for _, s := range shards {
		if drop {
			s.dropped.Store(true)
		}
		g.Go(s.release)
	}
	return g.Wait()
}

// shardList returns the shards in map order, callers hold mu
func (d *Disk) shardList() []*shard {
	shards := make([]*shard, 0, d.shards.Len())
	d.shards.Ascend(func(s *shard) bool {
		shards = append(shards, s)
		return true
	})
	return shards
}

// kick wakes up background maintenance, if enabled
func (d *Disk) kick() {
	if d.maint != nil {
		d.maint.kick()
	}
}
