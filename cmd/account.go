package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"aftermeet/src/infrastructure/log"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the social and calendar accounts users have linked",
}

var accountExternalID string

var accountLinkCmd = &cobra.Command{
	Use:   "link <user-id> <platform> <access-token>",
	Short: "Store or replace the access token of a user's platform account",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		account, err := a.accounts.Link(cmd.Context(), userID, args[1], args[2], accountExternalID)
		if err != nil {
			return err
		}
		log.Info("account linked", "user_id", account.UserID, "platform", account.Platform)
		return nil
	},
}

var accountUnlinkCmd = &cobra.Command{
	Use:   "unlink <user-id> <platform>",
	Short: "Remove a user's platform account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.accounts.Unlink(cmd.Context(), userID, args[1]); err != nil {
			return err
		}
		log.Info("account unlinked", "user_id", userID, "platform", args[1])
		return nil
	},
}

func init() {
	accountLinkCmd.Flags().StringVar(&accountExternalID, "external-id", "", "profile or page id on the platform")
	accountCmd.AddCommand(accountLinkCmd, accountUnlinkCmd)
	rootCmd.AddCommand(accountCmd)
}
