package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ValentinKolb/hyperkv/cmd/util"
	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
)

// Commands are the point and maintenance commands of the local node
var Commands = []*cobra.Command{putCmd, getCmd, delCmd, flushCmd, infoCmd}

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [column]...",
		Short: "Writes an object",
		Long:  "Writes an object to every subspace. One column per non key attribute is required.",
		Args:  cobra.MinimumNArgs(1),
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			version, _ := cmd.Flags().GetUint64("version")
			if version == 0 {
				version = util.NewVersion()
			}
			value := make([][]byte, len(args)-1)
			for i, col := range args[1:] {
				value[i] = []byte(col)
			}
			if err := n.Put([]byte(args[0]), value, version); err != nil {
				return err
			}
			fmt.Printf("put %s (version %d)\n", args[0], version)
			return nil
		}),
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads an object by key",
		Args:  cobra.ExactArgs(1),
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			value, version, err := n.Data.Get(n.KeyRegion(), []byte(args[0]))
			if errors.Is(err, disk.ErrNotFound) {
				fmt.Printf("key=%s, found=false\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			cols := make([]string, len(value))
			for i, v := range value {
				cols[i] = string(v)
			}
			fmt.Printf("key=%s, found=true, version=%d, value=%q\n", args[0], version, cols)
			return nil
		}),
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes an object",
		Args:  cobra.ExactArgs(1),
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			if err := n.Del([]byte(args[0])); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		}),
	}
	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Folds the logs of all regions into their shards",
		Args:  cobra.NoArgs,
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			for _, r := range n.Regions() {
				rounds, err := settle(n, r)
				if err != nil {
					return fmt.Errorf("flush %s: %w", r, err)
				}
				if _, err := n.Data.Flush(r, 0, true); err != nil {
					return fmt.Errorf("sync %s: %w", r, err)
				}
				fmt.Printf("%s: flushed (%d housekeeping rounds)\n", r, rounds)
			}
			return nil
		}),
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints shard and log statistics of all regions",
		Args:  cobra.NoArgs,
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			var infos []disk.Info
			for _, r := range n.Regions() {
				d, err := n.Data.Disk(r)
				if err != nil {
					return err
				}
				info, err := d.Info()
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(infos); err != nil {
				return err
			}

			if withMetrics, _ := cmd.Flags().GetBool("metrics"); withMetrics {
				metrics.WritePrometheus(os.Stdout, false)
			}
			return nil
		}),
	}
)

// settle flushes a region until its log is empty, performing mandatory I/O in between
func settle(n *util.Node, r hyperspace.RegionID) (int, error) {
	for rounds := 0; rounds < n.Conf.MaxFlushAttempts*1024; rounds++ {
		rc, err := n.Data.Flush(r, 0, false)
		if err != nil {
			return rounds, err
		}
		if !rc.Full() {
			return rounds, nil
		}
		if _, err := n.Data.DoMandatoryIO(r); err != nil {
			return rounds, err
		}
	}
	return 0, errors.New("log did not drain")
}

func init() {
	putCmd.Flags().Uint64("version", 0, util.WrapString("Version of the write (default: current time in nanoseconds)"))
	infoCmd.Flags().Bool("metrics", false, util.WrapString("Also print the metrics of this run in Prometheus format"))
}
