// Command backendd is the CLI/daemon entrypoint (§4.10): it runs schema
// migrations, serves the Instruction Queue's worker loop, and drives
// one-shot project exports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "backendd",
	Short: "IAT toolkit backend daemon",
	Long: `backendd hosts the project backend core: schema migration, the
agent instruction worker loop, and scripted project export.`,
}

var configPathFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "path to a TOML config file (default: var/backend/config.toml if present)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
