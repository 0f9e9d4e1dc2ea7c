// Command codex-accounts is the CLI surface for the account pool
// coordination core: auth login, and accounts
// list/remove/rename/switch/export/import/health.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codex-accounts",
	Short: "Manage the OpenAI Codex multi-account pool",
	Long: `codex-accounts manages a pool of OAuth-authenticated upstream accounts:
logging new ones in, listing/removing/renaming/switching the active one,
exporting/importing the pool, and reporting per-account health.`,
	SilenceUsage: true,
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
