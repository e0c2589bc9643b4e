package disk

import (
	"errors"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// Snapshot is a frozen view of all shards of a disk at the time it was made.
// Shards are visited in ascending region order, the objects of a shard in ascending
// (point, key) order. Later writes to the disk are never visible.
//
// A Snapshot is reference counted. It starts with one reference owned by the caller
// of MakeSnapshot, the last Release closes the frozen cursors.
//
// Thread-safety: Retain and Release are thread-safe. Iteration must be serialized by the caller.
type Snapshot struct {
	shards  []*shard
	cursors []db.Cursor
	idx     int
	refs    atomic.Int32

	// decoded current object
	decoded bool
	point   uint64
	key     []byte
	version uint64
	coord   uint64
	value   [][]byte
	err     error
}

func newSnapshot(shards []*shard, cursors []db.Cursor) *Snapshot {
	s := &Snapshot{shards: shards, cursors: cursors}
	s.refs.Store(1)
	s.skipExhausted()
	return s
}

// skipExhausted moves to the next cursor that still has objects
func (s *Snapshot) skipExhausted() {
	for s.idx < len(s.cursors) && !s.cursors[s.idx].Valid() {
		if err := s.cursors[s.idx].Err(); err != nil && s.err == nil {
			s.err = err
		}
		s.idx++
	}
	s.decoded = false
}

// Valid reports whether the snapshot is positioned at an object.
func (s *Snapshot) Valid() bool {
	if s.idx >= len(s.cursors) {
		return false
	}
	s.decode()
	return s.err == nil
}

// Next advances to the following object. Calling Next on an exhausted snapshot does nothing.
func (s *Snapshot) Next() {
	if s.idx >= len(s.cursors) {
		return
	}
	s.cursors[s.idx].Next()
	s.skipExhausted()
}

// decode parses the engine key and value of the current object once
func (s *Snapshot) decode() {
	if s.decoded || s.err != nil {
		return
	}
	c := s.cursors[s.idx]
	s.point, s.key, s.err = decodeKey(c.Key())
	if s.err == nil {
		s.version, s.coord, s.value, s.err = decodeValue(c.Value())
	}
	s.decoded = true
}

// Key returns the key of the current object. It is valid until the next call to Next.
func (s *Snapshot) Key() []byte {
	s.decode()
	return s.key
}

// Value returns the value columns of the current object. They are valid until the next call to Next.
func (s *Snapshot) Value() [][]byte {
	s.decode()
	return s.value
}

func (s *Snapshot) Version() uint64 {
	s.decode()
	return s.version
}

// Point returns the placement point of the current object
func (s *Snapshot) Point() uint64 {
	s.decode()
	return s.point
}

// Coordinate returns the fully specified coordinate of the current object
func (s *Snapshot) Coordinate() hyperspace.Coordinate {
	s.decode()
	return hyperspace.Coordinate{Mask: ^uint64(0), Point: s.coord}
}

// Err returns the first error the snapshot ran into. A failing snapshot is not Valid.
func (s *Snapshot) Err() error {
	return s.err
}

// Retain adds a reference
func (s *Snapshot) Retain() {
	s.refs.Add(1)
}

// Release drops a reference, the last one closes the snapshot.
func (s *Snapshot) Release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	var errs []error
	for i, c := range s.cursors {
		errs = append(errs, c.Close())
		errs = append(errs, s.shards[i].release())
	}
	s.cursors, s.shards = nil, nil
	s.idx = 0
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// RollingSnapshot
// --------------------------------------------------------------------------

// RollingSnapshot is a Snapshot followed by every log record that was not folded
// into the shards when the snapshot was made, and every record appended since.
// Records are replayed in commit order. A record may repeat a write the frozen
// shards already contain, replaying it is idempotent.
//
// Once both parts are exhausted Valid returns false, it returns true again as soon as
// new records are appended to the log.
type RollingSnapshot struct {
	snap   *Snapshot
	hasher hyperspace.Hasher
	pos    *logRecord // last consumed log record
	refs   atomic.Int32
}

func newRollingSnapshot(snap *Snapshot, start *logRecord, hasher hyperspace.Hasher) *RollingSnapshot {
	r := &RollingSnapshot{snap: snap, hasher: hasher, pos: start}
	r.refs.Store(1)
	return r
}

// onLog reports whether the cursor moved past the frozen shards
func (r *RollingSnapshot) onLog() bool {
	return !r.snap.Valid()
}

func (r *RollingSnapshot) current() *logRecord {
	return r.pos.next.Load()
}

func (r *RollingSnapshot) Valid() bool {
	if !r.onLog() {
		return true
	}
	return r.snap.Err() == nil && r.current() != nil
}

func (r *RollingSnapshot) Next() {
	if !r.onLog() {
		r.snap.Next()
		return
	}
	if next := r.current(); next != nil {
		r.pos = next
	}
}

func (r *RollingSnapshot) Key() []byte {
	if !r.onLog() {
		return r.snap.Key()
	}
	return r.current().key
}

// Value returns nil for a deletion
func (r *RollingSnapshot) Value() [][]byte {
	if !r.onLog() {
		return r.snap.Value()
	}
	return r.current().value
}

func (r *RollingSnapshot) Version() uint64 {
	if !r.onLog() {
		return r.snap.Version()
	}
	return r.current().version
}

func (r *RollingSnapshot) Point() uint64 {
	if !r.onLog() {
		return r.snap.Point()
	}
	return r.current().point
}

func (r *RollingSnapshot) Coordinate() hyperspace.Coordinate {
	if !r.onLog() {
		return r.snap.Coordinate()
	}
	rec := r.current()
	return r.hasher.Coordinate(rec.key, rec.value)
}

// HasValue reports whether the current entry is a write (true) or a deletion (false).
func (r *RollingSnapshot) HasValue() bool {
	if !r.onLog() {
		return true
	}
	return r.current().op == opPut
}

func (r *RollingSnapshot) Err() error {
	return r.snap.Err()
}

func (r *RollingSnapshot) Retain() {
	r.refs.Add(1)
}

func (r *RollingSnapshot) Release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	r.pos = nil
	return r.snap.Release()
}
