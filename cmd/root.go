package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/hyperkv/cmd/backup"
	"github.com/ValentinKolb/hyperkv/cmd/node"
	"github.com/ValentinKolb/hyperkv/cmd/search"
	"github.com/ValentinKolb/hyperkv/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "hkv",
		Short: "hyperspace hashing key-value store",
		Long: fmt.Sprintf(`hkv (v%s)

Storage and search core of a hyperspace hashing key-value store. The commands
operate on the regions stored in a local data directory. Flags can also be set
through environment variables (HKV_<FLAG>, e.g. HKV_DATA_DIR) or .env files.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hkv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hkv v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupNodeFlags(RootCmd)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(node.Commands...)
	RootCmd.AddCommand(search.Commands...)
	RootCmd.AddCommand(backup.Commands...)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
