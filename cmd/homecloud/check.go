package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/config"
)

// CheckConfigCmd loads and validates the configuration, then prints the
// folders and clouds it defines.
func CheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the configured clouds",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "clouds file: %s\n\n", cfg.CloudsFile)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FOLDER\tPATH")
			for _, f := range cfg.Catalog.All() {
				fmt.Fprintf(tw, "%s\t%s\n", f.Name, f.Root)
			}
			tw.Flush()
			fmt.Fprintln(out)

			tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLOUD\tPORT\tFOLDERS\tSTATUS")
			for _, c := range cfg.Clouds {
				port := "auto"
				if c.Port() != 0 {
					port = fmt.Sprint(c.Port())
				}
				status := "ok"
				// Port 0 is assigned at start time, so only check the rest.
				if err := c.WithPort(1).Startable(); err != nil {
					status = apperr.PublicMessage(err)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name(), port, strings.Join(c.FolderNames(), ","), status)
			}
			return tw.Flush()
		},
	}
}
