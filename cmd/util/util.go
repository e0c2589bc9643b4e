package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/hyperkv/lib/common"
	"github.com/ValentinKolb/hyperkv/lib/datalayer"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// SetupNodeFlags adds the flags describing the local node to a command
func SetupNodeFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.String("data-dir", "data", WrapString("Directory holding the regions of the node"))
	flags.String("engine", "pebble", WrapString("Storage engine of the shards (memory, pebble). The memory engine keeps nothing between runs"))
	flags.Int64("shard-entries", 1<<16, WrapString("Number of write slots of a shard before it is cleaned or split"))
	flags.Int64("shard-bytes", 64<<20, WrapString("Data capacity of a shard in bytes"))
	flags.Float64("clean-threshold", 0.25, WrapString("Stale fraction from which a full shard is cleaned instead of split"))
	flags.Int("max-log-records", 1<<14, WrapString("Bound of unflushed writes per region"))
	flags.Bool("sync-writes", false, WrapString("Fsync the log on every write"))
	flags.Duration("maintenance", 0, WrapString("Interval of background flushing (0 disables it)"))
	flags.Int("flush-attempts", 32, WrapString("How often a search retries flushing a region before it fails"))
	flags.String("space", "kv", WrapString("Name of the space"))
	flags.Int("dims", 2, WrapString("Number of attributes of an object, the key included"))
	flags.String("subspaces", "1", WrapString("Attributes of the value subspaces, e.g. '1,2;3' for two subspaces. The key subspace always exists"))
	flags.String("log-level", "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig loads .env files and environment variables with the HKV_ prefix
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetNodeConfig reads the node configuration from viper
func GetNodeConfig() (*common.NodeConfig, error) {
	subspaces, err := common.ParseSubspaces(viper.GetString("subspaces"))
	if err != nil {
		return nil, err
	}
	return &common.NodeConfig{
		DataDir:             viper.GetString("data-dir"),
		Engine:              viper.GetString("engine"),
		ShardEntries:        viper.GetInt64("shard-entries"),
		ShardBytes:          viper.GetInt64("shard-bytes"),
		CleanThreshold:      viper.GetFloat64("clean-threshold"),
		MaxLogRecords:       viper.GetInt("max-log-records"),
		SyncWrites:          viper.GetBool("sync-writes"),
		MaintenanceInterval: viper.GetDuration("maintenance"),
		MaxFlushAttempts:    viper.GetInt("flush-attempts"),
		SpaceName:           viper.GetString("space"),
		Dims:                viper.GetInt("dims"),
		Subspaces:           subspaces,
		LogLevel:            viper.GetString("log-level"),
	}, nil
}

// --------------------------------------------------------------------------
// Local node
// --------------------------------------------------------------------------

// Node is the storage core of the local node as used by the commands
type Node struct {
	Conf   *common.NodeConfig
	Space  hyperspace.Space
	Static *hyperspace.StaticConfig
	Data   *datalayer.DataLayer
	Log    logger.ILogger
}

// OpenNode reads the configuration and opens all regions of the configured space
func OpenNode(cmd *cobra.Command) (*Node, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	conf, err := GetNodeConfig()
	if err != nil {
		return nil, err
	}
	if err := common.InitLoggers(conf.LogLevel); err != nil {
		return nil, err
	}
	log := logger.GetLogger("cli")
	log.Debugf("configuration:\n%s", conf)

	space := conf.Space()
	static, err := hyperspace.NewStaticConfig(space)
	if err != nil {
		return nil, err
	}
	diskOpts, err := conf.DiskOptions()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
		return nil, err
	}

	data := datalayer.New(conf.DataDir, static,
		datalayer.WithDiskOptions(diskOpts...),
		datalayer.WithMaxFlushAttempts(conf.MaxFlushAttempts),
	)
	if err := data.Reconfigure(static, static.Regions(space.ID)); err != nil {
		_ = data.Close()
		return nil, err
	}
	return &Node{Conf: conf, Space: space, Static: static, Data: data, Log: log}, nil
}

// Regions returns the regions of the node, the key region first
func (n *Node) Regions() []hyperspace.RegionID {
	return n.Data.Regions()
}

// KeyRegion returns the region holding objects by key
func (n *Node) KeyRegion() hyperspace.RegionID {
	return hyperspace.RegionID{Space: n.Space.ID}
}

// Put writes an object to every subspace
func (n *Node) Put(key []byte, value [][]byte, version uint64) error {
	for _, r := range n.Regions() {
		if err := n.Data.Put(r, key, value, version); err != nil {
			return fmt.Errorf("put into %s: %w", r, err)
		}
	}
	return nil
}

// Del removes an object from every subspace
func (n *Node) Del(key []byte) error {
	for _, r := range n.Regions() {
		if err := n.Data.Del(r, key); err != nil {
			return fmt.Errorf("delete from %s: %w", r, err)
		}
	}
	return nil
}

// Close flushes nothing, unflushed writes are replayed by the next command
func (n *Node) Close() error {
	return n.Data.Close()
}

// ParseRegion parses a subspace number into the region of the node serving it
func (n *Node) ParseRegion(subspace string) (hyperspace.RegionID, error) {
	i, err := strconv.ParseUint(subspace, 10, 16)
	if err != nil || int(i) >= len(n.Space.Subspaces) {
		return hyperspace.RegionID{}, fmt.Errorf("invalid subspace %q (0-%d)", subspace, len(n.Space.Subspaces)-1)
	}
	return hyperspace.RegionID{Space: n.Space.ID, Subspace: uint16(i)}, nil
}

// NewVersion returns a version for a write without explicit version
func NewVersion() uint64 {
	return uint64(time.Now().UnixNano())
}

// WithNode wraps a command so that it runs against the opened local node
func WithNode(run func(cmd *cobra.Command, args []string, n *Node) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		n, err := OpenNode(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := n.Close(); err == nil {
				err = cerr
			}
		}()
		return run(cmd, args, n)
	}
}
