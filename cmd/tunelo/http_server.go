package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/config"
	"github.com/xrelkd/tunelo/internal/httpserver"
	"github.com/xrelkd/tunelo/internal/supervisor"
)

func newHTTPServerCmd() *cobra.Command {
	var (
		ip   string
		port int
	)

	cmd := &cobra.Command{
		Use:     "http-server",
		Short:   "Run a standalone HTTP CONNECT/forward proxy server",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return configErr(err)
			}
			initLogging(cfg.Logging.Level)
			hc := cfg.HTTPServer

			if cmd.Flags().Changed("ip") {
				hc.IP = ip
			}
			if cmd.Flags().Changed("port") {
				hc.Port = port
			}
			return runHTTPServer(hc)
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "127.0.0.1", "address to listen on")
	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on")
	return cmd
}

func runHTTPServer(hc config.HTTPServerConfig) error {
	addr := net.JoinHostPort(hc.IP, fmt.Sprintf("%d", hc.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bindErr(fmt.Errorf("http-server: listen %s: %w", addr, err))
	}

	srv := httpserver.New(httpserver.Config{}, directDialer(10*time.Second))
	sup := supervisor.New(5 * time.Second)
	sup.Add("http-server", ln, srv.Serve)

	log.Infof("http-server listening on %s", addr)
	if err := sup.Run(shutdownContext()); err != nil {
		return bindErr(err)
	}
	return nil
}
