package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/chain"
	"github.com/xrelkd/tunelo/internal/checker"
	"github.com/xrelkd/tunelo/internal/config"
)

func newProxyCheckerCmd() *cobra.Command {
	var (
		proxyServers       string
		file               string
		outputFile         string
		probers            int
		maxTimeoutPerProbe int
	)

	cmd := &cobra.Command{
		Use:     "proxy-checker",
		Short:   "Probe a list of candidate proxies and report which ones work",
		GroupID: "tools",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return configErr(err)
			}
			initLogging(cfg.Logging.Level)
			pc := cfg.ProxyChecker

			if cmd.Flags().Changed("proxy-servers") {
				pc.ProxyServers = proxyServers
			}
			if cmd.Flags().Changed("file") {
				pc.File = file
			}
			if cmd.Flags().Changed("output-file") {
				pc.OutputFile = outputFile
			}
			if cmd.Flags().Changed("probers") {
				pc.Probers = probers
			}
			if cmd.Flags().Changed("max-timeout-per-probe") {
				pc.MaxTimeoutPerProbe = maxTimeoutPerProbe
			}
			return runProxyChecker(pc)
		},
	}

	cmd.Flags().StringVarP(&proxyServers, "proxy-servers", "s", "", "inline comma-separated list of proxies to probe, kind://host:port,...")
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a file listing proxies to probe, one kind://host:port per line")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "write the result table to this file instead of stdout")
	cmd.Flags().IntVarP(&probers, "probers", "p", 4, "number of concurrent probes")
	cmd.Flags().IntVar(&maxTimeoutPerProbe, "max-timeout-per-probe", 5000, "per-probe timeout in milliseconds")

	return cmd
}

func runProxyChecker(pc config.ProxyCheckerConfig) error {
	var targets []checker.Target

	if pc.File != "" {
		f, err := os.Open(pc.File)
		if err != nil {
			return configErr(fmt.Errorf("file: %w", err))
		}
		c, err := chain.ParseFile(f)
		f.Close()
		if err != nil {
			return configErr(err)
		}
		for _, h := range c.Hops {
			targets = append(targets, checker.Target{Kind: h.Kind, Addr: h.Addr})
		}
	}

	if pc.ProxyServers != "" {
		inline, err := parseCheckerTargets(pc.ProxyServers)
		if err != nil {
			return configErr(fmt.Errorf("proxy-servers: %w", err))
		}
		targets = append(targets, inline...)
	}

	if len(targets) == 0 {
		return configErr(fmt.Errorf("proxy-checker: no proxies specified (use --proxy-servers or --file)"))
	}

	results := checker.Run(shutdownContext(), targets, checker.Options{
		Workers:         pc.Probers,
		PerProbeTimeout: pc.MaxTimeoutPerProbeDuration(),
	})

	out := os.Stdout
	if pc.OutputFile != "" {
		f, err := os.Create(pc.OutputFile)
		if err != nil {
			return configErr(fmt.Errorf("output-file: %w", err))
		}
		defer f.Close()
		out = f
	}
	writeResultTable(out, results)
	return nil
}

// writeResultTable renders probe results as a tab-aligned table. No
// corpus example wires a third-party table-formatting library, so this
// falls back to the standard library's tabwriter.
func writeResultTable(w *os.File, results []checker.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tADDRESS\tSTATUS\tRTT\tDETAIL")
	for _, r := range results {
		status := "ok"
		rtt := r.RTT.Round(time.Millisecond).String()
		if !r.Success {
			status = "failed"
			rtt = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Target.Kind, r.Target.Addr, status, rtt, r.Detail)
	}
	tw.Flush()
}
