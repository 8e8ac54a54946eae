package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/gep/cmd/gen"
	"github.com/luma/gep/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "gep",
	Short: "Publish and subscribe to streaming time-series measurements",
	Long: `gep speaks a binary publish/subscribe protocol for time-series
measurements over TCP.

Usage
	gep start
	gep subscribe --addr localhost:7363 --keys PPA:1,PPA:2
`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(meta.GetInfo())
	},
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(SubscribeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
