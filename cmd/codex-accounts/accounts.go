package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/app"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
)

var (
	accountsJSON    bool
	exportForce     bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
	RunE:  requireSubcommand,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every account in the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		snap := a.Pool.Snapshot()

		if accountsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(snap)
		}

		if len(snap.Accounts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no accounts in pool")
			return nil
		}
		for i, acc := range snap.Accounts {
			marker := " "
			if i == snap.ActiveIndex {
				marker = "*"
			}
			label := acc.AccountLabel
			if label == "" {
				label = acc.Email
			}
			if label == "" {
				label = acc.AccountID
			}
			status := accountStatus(acc)
			fmt.Fprintf(cmd.OutOrStdout(), "%s [%d] %-24s %s\n", marker, i, label, status)
		}
		return nil
	},
}

func accountStatus(acc store.Account) string {
	now := time.Now().UnixMilli()
	if acc.CoolingDownUntil != nil && *acc.CoolingDownUntil > now {
		return fmt.Sprintf("cooling down (%s) until %s", acc.CooldownReason, time.UnixMilli(*acc.CoolingDownUntil).Format(time.RFC3339))
	}
	for quota, resetAt := range acc.RateLimitResetTimes {
		if resetAt > now {
			return fmt.Sprintf("rate-limited (%s) until %s", quota, time.UnixMilli(resetAt).Format(time.RFC3339))
		}
	}
	return "available"
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <index|accountId|email>",
	Short: "Remove an account from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		if err := a.Pool.Remove(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

var accountsRenameCmd = &cobra.Command{
	Use:   "rename <index|accountId|email> <label>",
	Short: "Set an account's display label",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		if err := a.Pool.Rename(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

var accountsSwitchCmd = &cobra.Command{
	Use:   "switch <index|accountId|email>",
	Short: "Make an account the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		if err := a.Pool.Switch(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "switched active account to %s\n", args[0])
		return nil
	},
}

var accountsExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export the pool to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		path := expandedPath(args[0])
		if err := a.Pool.Export(context.Background(), path, exportForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported pool to %s\n", path)
		return nil
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Merge accounts from a file into the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		result, err := a.Pool.Import(context.Background(), expandedPath(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d, total %d\n", result.Imported, result.Skipped, result.Total)
		return nil
	},
}

// expandedPath expands a leading ~ in a user-supplied export/import path
// against the real home directory. Falls through to path unchanged if the
// home directory can't be determined.
func expandedPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return store.ExpandHome(path, home)
}

var accountsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report persisted per-account status",
	Long: `Reports each account's durable status: cooldown state and any active
rate-limit windows. Runtime health scores and token-bucket levels are kept
purely in-memory by the running proxy process and aren't visible from a
one-shot CLI invocation against a separate process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		snap := a.Pool.Snapshot()
		if accountsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(snap.Accounts)
		}
		if len(snap.Accounts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no accounts in pool")
			return nil
		}
		for i, acc := range snap.Accounts {
			label := acc.AccountLabel
			if label == "" {
				label = acc.Email
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %-24s %s (last used %s)\n", i, label, accountStatus(acc), formatLastUsed(acc.LastUsed))
		}
		return nil
	},
}

func formatLastUsed(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func init() {
	accountsCmd.PersistentFlags().BoolVar(&accountsJSON, "json", false, "emit JSON instead of text")
	accountsExportCmd.Flags().BoolVar(&exportForce, "force", false, "overwrite the export target if it exists")

	accountsCmd.AddCommand(accountsListCmd, accountsRemoveCmd, accountsRenameCmd, accountsSwitchCmd,
		accountsExportCmd, accountsImportCmd, accountsHealthCmd)
	rootCmd.AddCommand(accountsCmd)
}
