package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/hyperkv/lib/db"
	"github.com/ValentinKolb/hyperkv/lib/db/engines/memory"
	"github.com/ValentinKolb/hyperkv/lib/db/engines/pebble"
	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// --------------------------------------------------------------------------
// Node configuration struct
// --------------------------------------------------------------------------

// NodeConfig holds everything needed to run the storage core of a node.
type NodeConfig struct {
	// Storage
	DataDir string
	Engine  string // memory or pebble

	// Shards
	ShardEntries   int64
	ShardBytes     int64
	CleanThreshold float64

	// Log
	MaxLogRecords       int
	SyncWrites          bool
	MaintenanceInterval time.Duration

	// Searches
	MaxFlushAttempts int

	// Space served by the node
	SpaceName string
	Dims      int
	// Subspaces lists the attributes of the value subspaces, the key subspace is implicit
	Subspaces [][]int

	// Logging configuration
	LogLevel string
}

// EngineFactory returns the storage engine for shards
func (c *NodeConfig) EngineFactory() (db.Factory, error) {
	switch c.Engine {
	case "memory":
		return memory.Factory(nil), nil
	case "pebble":
		return pebble.Factory(pebble.WithSyncWrites(c.SyncWrites)), nil
	default:
		return nil, fmt.Errorf("invalid engine %s (expected memory or pebble)", c.Engine)
	}
}

// DiskOptions converts the configuration to options of every disk
func (c *NodeConfig) DiskOptions() ([]disk.Option, error) {
	engine, err := c.EngineFactory()
	if err != nil {
		return nil, err
	}
	return []disk.Option{
		disk.WithEngine(engine),
		disk.WithShardCapacity(c.ShardEntries, c.ShardBytes),
		disk.WithCleanThreshold(c.CleanThreshold),
		disk.WithMaxLogRecords(c.MaxLogRecords),
		disk.WithSyncWrites(c.SyncWrites),
		disk.WithMaintenance(c.MaintenanceInterval),
	}, nil
}

// Space returns the space served by the node. Every subspace is served by one
// local entity covering the whole hash range.
func (c *NodeConfig) Space() hyperspace.Space {
	s := hyperspace.Space{
		ID:        1,
		Name:      c.SpaceName,
		Dims:      c.Dims,
		Subspaces: append([][]int{{0}}, c.Subspaces...),
	}
	for i := range s.Subspaces {
		s.Entities = append(s.Entities, hyperspace.EntityID{
			Region: hyperspace.RegionID{Space: s.ID, Subspace: uint16(i)},
		})
	}
	return s
}

// ParseSubspaces parses "1,2;3" into [[1 2] [3]]
func ParseSubspaces(list string) ([][]int, error) {
	var out [][]int
	for _, group := range strings.Split(list, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		var attrs []int
		for _, a := range strings.Split(group, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(a))
			if err != nil {
				return nil, fmt.Errorf("invalid subspace attribute %q: %v", a, err)
			}
			attrs = append(attrs, n)
		}
		out = append(out, attrs)
	}
	return out, nil
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Engine", c.Engine)

	addSection("Shards")
	addField("Entries", strconv.FormatInt(c.ShardEntries, 10))
	addField("Bytes", strconv.FormatInt(c.ShardBytes, 10))
	addField("Clean Threshold", strconv.FormatFloat(c.CleanThreshold, 'f', 2, 64))

	addSection("Log")
	addField("Max Records", strconv.Itoa(c.MaxLogRecords))
	addField("Sync Writes", strconv.FormatBool(c.SyncWrites))
	addField("Maintenance", c.MaintenanceInterval.String())
	addField("Flush Attempts", strconv.Itoa(c.MaxFlushAttempts))

	addSection("Space")
	addField("Name", c.SpaceName)
	addField("Dimensions", strconv.Itoa(c.Dims))
	for i, attrs := range c.Space().Subspaces {
		addField(fmt.Sprintf("Subspace %d", i), fmt.Sprint(attrs))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	return sb.String()
}
