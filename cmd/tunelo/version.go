package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags, following the
// muti-metroo pattern of a package-level var synced in from the build
// system rather than baked in.
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the tunelo version",
		GroupID: "tools",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "tunelo "+Version)
			return nil
		},
	}
}
