package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/homecloud/internal/auth"
)

// HashPasswordCmd prints a bcrypt hash suitable for password_hash in the
// clouds file.
func HashPasswordCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a cloud password",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			cost, _ := cmd.Flags().GetInt("cost")
			asTOML, _ := cmd.Flags().GetBool("toml")

			if password == "" {
				return fmt.Errorf("usage: homecloud hash-password -p <password>")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asTOML {
				fmt.Fprintf(out, "password_hash = %q\n", hash)
				fmt.Fprintf(out, "password_changed_at = %q\n", time.Now().UTC().Format(time.RFC3339))
				return nil
			}
			fmt.Fprintln(out, hash)
			return nil
		},
	}
	c.Flags().StringP("password", "p", "", "password to hash")
	c.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	c.Flags().Bool("toml", false, "print clouds file lines including password_changed_at")
	return c
}
