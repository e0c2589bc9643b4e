package hyperspace

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Coordinate
// --------------------------------------------------------------------------

// Coordinate is a (partially) specified position in a space.
// Only bits set in Mask carry information.
type Coordinate struct {
	Mask  uint64
	Point uint64
}

// Intersects checks whether two coordinates agree on every bit both of them specify.
func (c Coordinate) Intersects(other Coordinate) bool {
	return (c.Point^other.Point)&c.Mask&other.Mask == 0
}

func (c Coordinate) String() string {
	return fmt.Sprintf("coord(mask=%#016x, point=%#016x)", c.Mask, c.Point)
}

// --------------------------------------------------------------------------
// Hasher
// --------------------------------------------------------------------------

// Hasher maps objects and searches into the hash space of one subspace.
// The placement point interleaves the hashes of the attributes the subspace is built on,
// the coordinate interleaves the hashes of all attributes of the space.
type Hasher struct {
	dims  int
	attrs []int
}

// NewHasher creates a hasher for a space with dims attributes (key included)
// whose subspace is built on attrs. Attribute 0 is the key.
func NewHasher(dims int, attrs ...int) Hasher {
	if dims < 1 {
		panic(fmt.Sprintf("hasher needs at least one dimension, got %d", dims))
	}
	if len(attrs) == 0 {
		attrs = []int{0}
	}
	for _, a := range attrs {
		if a < 0 || a >= dims {
			panic(fmt.Sprintf("attribute %d out of range for %d dimensions", a, dims))
		}
	}
	return Hasher{dims: dims, attrs: append([]int(nil), attrs...)}
}

// Dimensions returns the number of attributes in the space
func (h Hasher) Dimensions() int {
	return h.dims
}

// Attributes returns the attributes the placement point is built on
func (h Hasher) Attributes() []int {
	return append([]int(nil), h.attrs...)
}

// HashesValue reports whether any value column participates in placement.
func (h Hasher) HashesValue() bool {
	for _, a := range h.attrs {
		if a > 0 {
			return true
		}
	}
	return false
}

// Point computes the placement point of an object.
func (h Hasher) Point(key []byte, value [][]byte) uint64 {
	hashes := make([]uint64, len(h.attrs))
	for i, a := range h.attrs {
		hashes[i] = xxhash.Sum64(attribute(a, key, value))
	}
	point, _ := interleave(hashes, nil)
	return point
}

// Coordinate computes the fully specified coordinate of an object.
func (h Hasher) Coordinate(key []byte, value [][]byte) Coordinate {
	hashes := make([]uint64, h.dims)
	for d := range hashes {
		hashes[d] = xxhash.Sum64(attribute(d, key, value))
	}
	point, mask := interleave(hashes, nil)
	return Coordinate{Mask: mask, Point: point}
}

// Hash computes the coordinate of a search. Only dimensions constrained by an
// equality term are specified, every other bit is left open.
func (h Hasher) Hash(terms Terms) Coordinate {
	hashes := make([]uint64, h.dims)
	use := make([]bool, h.dims)
	for d := 0; d < h.dims && d < terms.Size(); d++ {
		if arg, ok := terms.Equality(d); ok {
			hashes[d] = xxhash.Sum64(arg)
			use[d] = true
		}
	}
	point, mask := interleave(hashes, use)
	return Coordinate{Mask: mask, Point: point}
}

// interleave builds a morton code from the most significant bits of each hash.
// Bit i of the result (counted from the top) is taken from hash i%n.
// Hashes with use[d] == false contribute neither bits nor mask.
func interleave(hashes []uint64, use []bool) (point, mask uint64) {
	n := len(hashes)
	for i := 0; i < 64; i++ {
		d := i % n
		if use != nil && !use[d] {
			continue
		}
		b := uint(i / n)
		bit := (hashes[d] >> (63 - b)) & 1
		point |= bit << (63 - uint(i))
		mask |= 1 << (63 - uint(i))
	}
	return point, mask
}
