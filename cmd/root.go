package cmd

import (
	"fmt"
	"os"

	"github.com/dkvs-io/dkvs/cmd/kv"
	"github.com/dkvs-io/dkvs/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.6.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dkvs",
		Short: "distributed key-value store",
		Long: fmt.Sprintf(`dkvs (v%s)

A distributed, eventually-consistent in-memory key-value store.
Writes fan out to a replica set on a consistent hash ring, collect a
quorum of acknowledgements and resolve conflicts last-writer-wins.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dkvs",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dkvs v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
