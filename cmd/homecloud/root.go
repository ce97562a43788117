package main

import (
	"github.com/spf13/cobra"
)

const flagConfig = "config"

// RootCmd builds the command tree.
func RootCmd() *cobra.Command {
	r := &cobra.Command{
		Use:           "homecloud",
		Short:         "Serve local folders as password-protected clouds.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	r.PersistentFlags().String(flagConfig, "", "path to the clouds file (default $HOMECLOUD_CLOUDS_FILE or ~/.config/homecloud/clouds.toml)")

	r.AddCommand(ServeCmd(), HashPasswordCmd(), CheckConfigCmd())
	return r
}
