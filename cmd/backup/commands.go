package backup

import (
	"bufio"
	"fmt"
	"os"

	"github.com/ValentinKolb/hyperkv/cmd/util"
	"github.com/ValentinKolb/hyperkv/lib/backup"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

// Commands are the archive commands of the local node
var Commands = []*cobra.Command{exportCmd, importCmd}

var (
	exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Writes the content of a subspace to a compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			sub, _ := cmd.Flags().GetString("subspace")
			region, err := n.ParseRegion(sub)
			if err != nil {
				return err
			}
			levelName, _ := cmd.Flags().GetString("level")
			ok, level := zstd.EncoderLevelFromString(levelName)
			if !ok {
				return fmt.Errorf("invalid compression level %s (fastest, default, better, best)", levelName)
			}

			rs, err := n.Data.MakeRollingSnapshot(region)
			if err != nil {
				return err
			}
			defer rs.Release()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := bufio.NewWriter(f)
			stats, err := backup.Export(w, region, rs, level)
			if err == nil {
				err = w.Flush()
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Printf("exported %s: %d write(s), %d deletion(s)\n", region, stats.Puts, stats.Deletes)
			return nil
		}),
	}
	importCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Replays an archive into all subspaces",
		Args:  cobra.ExactArgs(1),
		RunE: util.WithNode(func(cmd *cobra.Command, args []string, n *util.Node) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			stats, err := backup.Import(bufio.NewReader(f), n)
			if err != nil {
				return err
			}
			fmt.Printf("imported archive of %s: %d write(s), %d deletion(s)\n", stats.Region, stats.Puts, stats.Deletes)
			return nil
		}),
	}
)

func init() {
	exportCmd.Flags().String("subspace", "0", util.WrapString("Subspace to export, every subspace holds all objects"))
	exportCmd.Flags().String("level", "default", util.WrapString("zstd compression level (fastest, default, better, best)"))
}
