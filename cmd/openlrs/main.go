// Command openlrs runs an xAPI 2.0 Learning Record Store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// rootCmd is the base command; subcommands do the actual work.
var rootCmd = &cobra.Command{
	Use:   "openlrs",
	Short: "openlrs - an xAPI 2.0 Learning Record Store",
	Long: `openlrs stores and serves xAPI 2.0 learning records.

Configuration comes from environment variables (OPENLRS_*) layered over an
optional YAML file named by OPENLRS_CONFIG. Run 'openlrs serve' to start
the server.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(credentialCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
