package hyperspace

import (
	"fmt"
	"sync"
)

// Configuration is the read-only view of the cluster layout the storage core needs.
// Implementations must be safe for concurrent use.
type Configuration interface {
	// Dimensions returns the number of attributes (key included) of a space.
	Dimensions(space uint32) (int, bool)
	// DiskHasher returns the hasher of the subspace a region belongs to.
	DiskHasher(region RegionID) (Hasher, bool)
	// PointLeader returns the entity responsible for mutations on key.
	PointLeader(space uint32, key []byte) (EntityID, bool)
}

// --------------------------------------------------------------------------
// Static configuration
// --------------------------------------------------------------------------

// Space describes one space of a static configuration.
// Subspaces[0] must be built on the key alone, it determines point leaders.
type Space struct {
	ID        uint32
	Name      string
	Dims      int
	Subspaces [][]int
	Entities  []EntityID
}

// StaticConfig is a Configuration assembled in memory.
//
// Thread-safety: All methods are safe for concurrent use.
type StaticConfig struct {
	mu     sync.RWMutex
	spaces map[uint32]Space
}

// NewStaticConfig creates a configuration from the given spaces
func NewStaticConfig(spaces ...Space) (*StaticConfig, error) {
	c := &StaticConfig{spaces: make(map[uint32]Space, len(spaces))}
	for _, s := range spaces {
		if err := c.AddSpace(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddSpace adds or replaces a space.
func (c *StaticConfig) AddSpace(s Space) error {
	if s.Dims < 1 {
		return fmt.Errorf("space %d: at least one dimension required", s.ID)
	}
	if len(s.Subspaces) == 0 {
		s.Subspaces = [][]int{{0}}
	}
	if len(s.Subspaces[0]) != 1 || s.Subspaces[0][0] != 0 {
		return fmt.Errorf("space %d: subspace 0 must be built on the key", s.ID)
	}
	for i, attrs := range s.Subspaces {
		for _, a := range attrs {
			if a < 0 || a >= s.Dims {
				return fmt.Errorf("space %d: subspace %d uses unknown attribute %d", s.ID, i, a)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaces[s.ID] = s
	return nil
}

// Regions returns all regions of the space that have at least one entity.
func (c *StaticConfig) Regions(space uint32) []RegionID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[space]
	if !ok {
		return nil
	}
	seen := make(map[RegionID]struct{}, len(s.Entities))
	var regions []RegionID
	for _, e := range s.Entities {
		if _, dup := seen[e.Region]; !dup {
			seen[e.Region] = struct{}{}
			regions = append(regions, e.Region)
		}
	}
	return regions
}

func (c *StaticConfig) Dimensions(space uint32) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[space]
	if !ok {
		return 0, false
	}
	return s.Dims, true
}

func (c *StaticConfig) DiskHasher(region RegionID) (Hasher, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[region.Space]
	if !ok || int(region.Subspace) >= len(s.Subspaces) {
		return Hasher{}, false
	}
	return NewHasher(s.Dims, s.Subspaces[region.Subspace]...), true
}

func (c *StaticConfig) PointLeader(space uint32, key []byte) (EntityID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[space]
	if !ok {
		return EntityID{}, false
	}
	point := NewHasher(s.Dims, 0).Point(key, nil)

	// the first listed replica of the covering key region leads
	for _, e := range s.Entities {
		if e.Region.Subspace == 0 && e.Region.Contains(point) {
			return e, true
		}
	}
	return EntityID{}, false
}
