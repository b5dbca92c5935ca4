package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/kabili207/uartbridge-go/core/auth"
	"github.com/spf13/cobra"
)

// hashPasswordCmd represents the hash-password command
var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <username> [password]",
	Short: "Print a config entry for a login user",
	Long: `Hash a password with bcrypt and print the auth.users entry to paste into
the config file. The password is read from stdin when not given.

Example usage:
  uartbridge hash-password admin
  echo -n secret | uartbridge hash-password admin`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := args[0]
		if err := auth.ValidateUsername(user); err != nil {
			return err
		}

		var pw string
		if len(args) == 2 {
			pw = args[1]
		} else {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if scanner.Scan() {
				pw = strings.TrimRight(scanner.Text(), "\r")
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
		}

		cost, _ := cmd.Flags().GetInt("cost")
		hash, err := auth.HashPassword(pw, cost)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "auth:\n  users:\n    %s: %q\n", user, hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
	hashPasswordCmd.Flags().Int("cost", auth.DefaultCost, "bcrypt cost")
}
