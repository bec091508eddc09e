package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompletionsCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completions [bash|zsh|fish]",
		Short:     "Generate a shell completion script",
		GroupID:   "tools",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return usageErr(fmt.Errorf("unsupported shell %q", args[0]))
			}
		},
	}
}
