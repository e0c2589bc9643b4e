package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// --------------------------------------------------------------------------
// Shard
// --------------------------------------------------------------------------

// shard stores the objects of one region of the disk in its own engine.
//
// Capacity is accounted in slots and bytes. Every put and every delete consumes
// a slot, overwritten and deleted data keeps its bytes until the shard is cleaned.
// A shard is reference counted: the shard map holds one reference, every
// snapshot holds one more. The engine is closed with the last reference.
//
// Thread-safety: point operations are thread-safe, the counters are guarded by mu.
type shard struct {
	region hyperspace.RegionID
	path   string
	engine db.ShardDB

	maxEntries int64
	maxBytes   int64

	mu        sync.Mutex
	slots     int64 // slots used since the last clean
	live      int64 // objects currently stored
	dataBytes int64 // bytes written since the last clean
	liveBytes int64 // bytes of the objects currently stored

	refs    atomic.Int32
	dropped atomic.Bool
}

// shardDirName returns the directory name of a region below <dir>/shards
func shardDirName(r hyperspace.RegionID) string {
	return fmt.Sprintf("%02d-%016x", r.Prefix, r.Mask)
}

// parseShardDirName is the inverse of shardDirName
func parseShardDirName(name string, parent hyperspace.RegionID) (hyperspace.RegionID, bool) {
	p, m, ok := strings.Cut(name, "-")
	if !ok {
		return hyperspace.RegionID{}, false
	}
	prefix, err := strconv.ParseUint(p, 10, 8)
	if err != nil || prefix > 64 {
		return hyperspace.RegionID{}, false
	}
	mask, err := strconv.ParseUint(m, 16, 64)
	if err != nil {
		return hyperspace.RegionID{}, false
	}

	r := parent
	r.Prefix, r.Mask = uint8(prefix), mask
	if shardDirName(r) != name {
		return hyperspace.RegionID{}, false
	}
	return r, true
}

// openShard opens the engine for a region. The returned shard holds one reference.
func openShard(factory db.Factory, dir string, region hyperspace.RegionID, maxEntries, maxBytes int64) (*shard, error) {
	path := ""
	if dir != "" {
		path = filepath.Join(dir, shardDirName(region))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, ioError(err, "create shard directory %s", path)
		}
	}

	engine, err := factory(path)
	if err != nil {
		return nil, ioError(err, "open shard %s", region)
	}

	s := &shard{
		region:     region,
		path:       path,
		engine:     engine,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
	s.refs.Store(1)
	return s, nil
}

// recount rebuilds the counters from the engine content and reports every stored object.
func (s *shard) recount(visit func(point uint64, key []byte, version uint64)) error {
	cursor, err := s.engine.NewCursor()
	if err != nil {
		return ioError(err, "scan shard %s", s.region)
	}
	defer cursor.Close()

	var live, bytes int64
	for ; cursor.Valid(); cursor.Next() {
		point, key, err := decodeKey(cursor.Key())
		if err != nil {
			return err
		}
		if !s.region.Contains(point) {
			return fmt.Errorf("%w: point %#x stored in %s", ErrCorrupt, point, s.region)
		}
		live++
		bytes += int64(len(cursor.Key()) + len(cursor.Value()))
		if visit != nil {
			version, _, _, err := decodeValue(cursor.Value())
			if err != nil {
				return err
			}
			visit(point, key, version)
		}
	}
	if err := cursor.Err(); err != nil {
		return ioError(err, "scan shard %s", s.region)
	}

	s.mu.Lock()
	s.slots, s.live = live, live
	s.dataBytes, s.liveBytes = bytes, bytes
	s.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Reference counting
// --------------------------------------------------------------------------

func (s *shard) retain() {
	s.refs.Add(1)
}

// release drops a reference. The last release closes the engine and removes
// the files of a dropped shard.
func (s *shard) release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	err := s.engine.Close()
	if s.dropped.Load() && s.path != "" {
		if rmErr := os.RemoveAll(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// --------------------------------------------------------------------------
// Point operations
// --------------------------------------------------------------------------

// get returns the stored object for key
func (s *shard) get(point uint64, key []byte) (version uint64, value [][]byte, found bool, err error) {
	raw, found, err := s.engine.Get(encodeKey(point, key))
	if err != nil {
		return 0, nil, false, ioError(err, "get from shard %s", s.region)
	}
	if !found {
		return 0, nil, false, nil
	}
	version, _, value, err = decodeValue(raw)
	return version, value, err == nil, err
}

// room checks whether the shard can take n more writes of size bytes in total.
func (s *shard) room(n, size int64) ReturnCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomFor(n, size)
}

func (s *shard) roomLocked(size int64) ReturnCode {
	return s.roomFor(1, size)
}

func (s *shard) roomFor(n, size int64) ReturnCode {
	if s.slots+n > s.maxEntries {
		return SearchFull
	}
	if s.dataBytes+size > s.maxBytes {
		return DataFull
	}
	return Success
}

// put stores an object unless the shard already holds a newer version of it.
func (s *shard) put(point uint64, key []byte, value [][]byte, version, coord uint64) (ReturnCode, error) {
	k := encodeKey(point, key)
	v := encodeValue(version, coord, value)
	size := int64(len(k) + len(v))

	s.mu.Lock()
	defer s.mu.Unlock()

	if rc := s.roomLocked(size); rc != Success {
		return rc, nil
	}

	old, exists, err := s.engine.Get(k)
	if err != nil {
		return IOError, ioError(err, "get from shard %s", s.region)
	}
	if exists {
		oldVersion, _, _, err := decodeValue(old)
		if err != nil {
			return IOError, err
		}
		if oldVersion > version {
			return DidNothing, nil
		}
	}

	if err := s.engine.Set(k, v); err != nil {
		return IOError, ioError(err, "put into shard %s", s.region)
	}

	s.slots++
	s.dataBytes += size
	s.liveBytes += size
	if exists {
		s.liveBytes -= int64(len(k) + len(old))
	} else {
		s.live++
	}
	return Success, nil
}

// del removes an object. Removing a missing object does nothing.
func (s *shard) del(point uint64, key []byte) (ReturnCode, error) {
	k := encodeKey(point, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists, err := s.engine.Get(k)
	if err != nil {
		return IOError, ioError(err, "get from shard %s", s.region)
	}
	if !exists {
		return DidNothing, nil
	}
	if s.slots+1 > s.maxEntries {
		return SearchFull, nil
	}

	if err := s.engine.Delete(k); err != nil {
		return IOError, ioError(err, "delete from shard %s", s.region)
	}

	s.slots++
	s.live--
	s.liveBytes -= int64(len(k) + len(old))
	return Success, nil
}

// load inserts raw engine data while a shard is being built from another one.
func (s *shard) load(rawKey, rawValue []byte) error {
	if err := s.engine.Set(rawKey, rawValue); err != nil {
		return ioError(err, "load into shard %s", s.region)
	}
	size := int64(len(rawKey) + len(rawValue))

	s.mu.Lock()
	s.slots++
	s.live++
	s.dataBytes += size
	s.liveBytes += size
	s.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Housekeeping
// --------------------------------------------------------------------------

// staleFraction is the share of used slots that no longer hold a live object
func (s *shard) staleFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == 0 {
		return 0
	}
	return float64(s.slots-s.live) / float64(s.slots)
}

// clean compacts the engine and gives the stale slots and bytes back.
func (s *shard) clean() error {
	if s.engine.SupportsFeature(db.FeatureCompact) {
		if err := s.engine.Compact(); err != nil {
			return ioError(err, "compact shard %s", s.region)
		}
	}

	s.mu.Lock()
	s.slots = s.live
	s.dataBytes = s.liveBytes
	s.mu.Unlock()
	return nil
}

// ShardInfo describes the occupancy of one shard.
type ShardInfo struct {
	Region    hyperspace.RegionID `json:"region"`
	Entries   int64               `json:"entries"`
	Slots     int64               `json:"slots"`
	DataBytes int64               `json:"data_bytes"`
	LiveBytes int64               `json:"live_bytes"`
	Stale     float64             `json:"stale"`
}

func (s *shard) info() ShardInfo {
	stale := s.staleFraction()
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShardInfo{
		Region:    s.region,
		Entries:   s.live,
		Slots:     s.slots,
		DataBytes: s.dataBytes,
		LiveBytes: s.liveBytes,
		Stale:     stale,
	}
}
