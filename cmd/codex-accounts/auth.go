package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/app"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/authlimit"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/store"
)

var (
	loginRefreshToken string
	loginAccountID    string
	loginEmail        string
	loginLabel        string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication operations",
	RunE:  requireSubcommand,
}

// loginAttemptLimiter guards repeated `auth login` invocations within a
// single process run; across process runs the sliding window necessarily
// restarts, since trackers are purely in-memory.
var loginAttemptLimiter = authlimit.New(nil)

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add an account to the pool by refresh token",
	Long: `Registers a new upstream account in the pool. The interactive OAuth/PKCE
exchange is out of this module's scope (it's owned by the OAuth collaborator
that calls this process); login instead takes an already-issued refresh
token, either via --refresh-token or piped on stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}

		limiterKey := strings.ToLower(strings.TrimSpace(loginEmail))
		if limiterKey == "" {
			limiterKey = strings.ToLower(strings.TrimSpace(loginAccountID))
		}
		if limiterKey != "" {
			if err := loginAttemptLimiter.CheckAuthRateLimit(limiterKey); err != nil {
				return err
			}
			loginAttemptLimiter.RecordAttempt(limiterKey)
		}

		token := strings.TrimSpace(loginRefreshToken)
		if token == "" {
			token, err = readTokenFromStdin()
			if err != nil {
				return err
			}
		}

		account := store.Account{
			AccountID:       strings.TrimSpace(loginAccountID),
			Email:           strings.TrimSpace(loginEmail),
			AccountLabel:    strings.TrimSpace(loginLabel),
			AccountIDSource: "manual",
			RefreshToken:    token,
		}

		idx, err := a.Pool.Add(context.Background(), account)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "account added at index %d\n", idx)
		return nil
	},
}

func readTokenFromStdin() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return "", fmt.Errorf("no --refresh-token given and stdin is not piped")
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("stdin closed without a refresh token")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func init() {
	authLoginCmd.Flags().StringVar(&loginRefreshToken, "refresh-token", "", "OAuth refresh token (reads stdin if omitted)")
	authLoginCmd.Flags().StringVar(&loginAccountID, "account-id", "", "stable account identifier, if known")
	authLoginCmd.Flags().StringVar(&loginEmail, "email", "", "account email, if known")
	authLoginCmd.Flags().StringVar(&loginLabel, "label", "", "human-friendly label for this account")

	authCmd.AddCommand(authLoginCmd)
	rootCmd.AddCommand(authCmd)
}
