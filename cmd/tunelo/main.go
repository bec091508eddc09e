package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/logx"
)

var showVersion bool

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tunelo",
		Short:         "A multi-protocol proxy server and toolkit",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(os.Stdout, "tunelo "+Version)
				os.Exit(0)
			}
			return nil
		},
		// A runnable root lets PersistentPreRunE handle a bare "tunelo -V".
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")
	root.PersistentFlags().BoolVarP(&showVersion, "version", "V", false, "print the version and exit")

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server commands:"},
		&cobra.Group{ID: "tools", Title: "Tooling commands:"},
	)

	root.AddCommand(
		newSocksServerCmd(),
		newHTTPServerCmd(),
		newProxyChainCmd(),
		newMultiProxyCmd(),
		newProxyCheckerCmd(),
		newVersionCmd(),
		newCompletionsCmd(root),
	)
	return root
}

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err == nil {
		return
	}

	errLog := logx.NewStdErr()
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		errLog.Print(exitErr.Error())
		os.Exit(exitErr.code)
	}

	errLog.Print(err.Error())
	os.Exit(64)
}

// initLogging applies the configured log level to the package-wide logger
// used by every internal package, following the teacher's single
// process-wide level rather than a per-component override. The TUNELO_LOG
// environment variable takes precedence over the configuration file.
func initLogging(level string) {
	if env := os.Getenv("TUNELO_LOG"); env != "" {
		level = env
	}
	if level == "" {
		return
	}
	logx.SetLevelString(level)
}
