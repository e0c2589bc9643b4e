package hyperspace

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Region
// --------------------------------------------------------------------------

// RegionID identifies a contiguous slice of a subspace's 64 bit hash space.
// A region covers all points whose top Prefix bits equal the top Prefix bits of Mask.
// Prefix 0 covers the whole subspace.
type RegionID struct {
	Space    uint32
	Subspace uint16
	Prefix   uint8
	Mask     uint64
}

// highBits returns a mask with the top n bits set
func highBits(n uint8) uint64 {
	if n == 0 {
		return 0
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return ^uint64(0) << (64 - n)
}

// Lower returns the smallest point covered by the region
func (r RegionID) Lower() uint64 {
	return r.Mask & highBits(r.Prefix)
}

// Upper returns the largest point covered by the region
func (r RegionID) Upper() uint64 {
	return r.Lower() | ^highBits(r.Prefix)
}

// Contains checks whether the point falls into the region
func (r RegionID) Contains(point uint64) bool {
	return point&highBits(r.Prefix) == r.Lower()
}

// Overlaps checks whether two regions of the same subspace share at least one point.
func (r RegionID) Overlaps(other RegionID) bool {
	return r.Lower() <= other.Upper() && other.Lower() <= r.Upper()
}

// Split divides the region into two halves at Prefix+1.
// It returns false if the region cannot be split any further.
func (r RegionID) Split() (low, high RegionID, ok bool) {
	if r.Prefix >= 64 {
		return RegionID{}, RegionID{}, false
	}
	low = r
	low.Prefix = r.Prefix + 1
	low.Mask = r.Lower()

	high = low
	high.Mask = r.Lower() | (uint64(1) << (63 - r.Prefix))
	return low, high, true
}

func (r RegionID) String() string {
	return fmt.Sprintf("region(space=%d, subspace=%d, prefix=%d, mask=%#016x)", r.Space, r.Subspace, r.Prefix, r.Mask)
}

// --------------------------------------------------------------------------
// Entity
// --------------------------------------------------------------------------

// EntityID names one replica of a region. Messages are addressed to entities.
type EntityID struct {
	Region RegionID
	Number uint8
}

func (e EntityID) String() string {
	return fmt.Sprintf("entity(%s, number=%d)", e.Region, e.Number)
}
