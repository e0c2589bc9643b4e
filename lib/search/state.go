package search

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// SearchID identifies a registered search. Two searches never share an ID.
type SearchID struct {
	Region    hyperspace.RegionID
	Client    hyperspace.EntityID
	SearchNum uint64
}

func (id SearchID) String() string {
	return fmt.Sprintf("%s/%s/#%d", id.Region, id.Client, id.SearchNum)
}

// state is a paused search. It owns its snapshot and is reference counted: the
// search table holds one reference, every running Next holds one more.
//
// Thread-safety: mu serializes Next calls for the same search.
type state struct {
	id    SearchID
	terms hyperspace.Terms
	coord hyperspace.Coordinate

	mu   sync.Mutex
	snap *disk.Snapshot
	done bool

	refs atomic.Int32
}

func newState(id SearchID, terms hyperspace.Terms, coord hyperspace.Coordinate, snap *disk.Snapshot) *state {
	st := &state{id: id, terms: terms, coord: coord, snap: snap}
	st.refs.Store(1)
	return st
}

func (st *state) retain() {
	st.refs.Add(1)
}

func (st *state) release() error {
	if st.refs.Add(-1) != 0 {
		return nil
	}
	return st.snap.Release()
}

// seek positions the cursor on the next entry matching the search, it does not
// move if the current entry matches. It returns false once the snapshot is exhausted.
func (st *state) seek() bool {
	for ; st.snap.Valid(); st.snap.Next() {
		if matches(st.coord, st.terms, st.snap) {
			return true
		}
	}
	return false
}

// matches prunes by coordinate first and evaluates the predicates only on a hit
func matches(coord hyperspace.Coordinate, terms hyperspace.Terms, snap *disk.Snapshot) bool {
	if !coord.Intersects(snap.Coordinate()) {
		return false
	}
	return terms.Matches(snap.Key(), snap.Value())
}
