package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/config"
	"github.com/xrelkd/tunelo/internal/httpserver"
	"github.com/xrelkd/tunelo/internal/socksserver"
	"github.com/xrelkd/tunelo/internal/supervisor"
)

func newMultiProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "multi-proxy",
		Short:   "Run every configured listener in one process",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return configErr(err)
			}
			initLogging(cfg.Logging.Level)
			return runMultiProxy(cfg)
		},
	}
	return cmd
}

// runMultiProxy always starts the direct-dial socks-server and
// http-server listeners (their defaults are always populated) and
// additionally starts chain-fronting listeners only when a proxy chain
// has actually been configured, since an empty chain has nothing to
// front.
func runMultiProxy(cfg *config.Config) error {
	sup := supervisor.New(5 * time.Second)

	scfg, socksAddr, _, err := socksServerConfig(cfg.SocksServer)
	if err != nil {
		return configErr(err)
	}
	socksLn, err := net.Listen("tcp", socksAddr)
	if err != nil {
		return bindErr(fmt.Errorf("multi-proxy: listen %s: %w", socksAddr, err))
	}
	socksSrv := socksserver.New(scfg, directDialer(10*time.Second))
	sup.Add("socks-server", socksLn, socksSrv.Serve)
	log.Infof("socks-server listening on %s", socksAddr)

	httpAddr := net.JoinHostPort(cfg.HTTPServer.IP, fmt.Sprintf("%d", cfg.HTTPServer.Port))
	httpLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return bindErr(fmt.Errorf("multi-proxy: listen %s: %w", httpAddr, err))
	}
	httpSrv := httpserver.New(httpserver.Config{}, directDialer(10*time.Second))
	sup.Add("http-server", httpLn, httpSrv.Serve)
	log.Infof("http-server listening on %s", httpAddr)

	pc := cfg.ProxyChain
	if pc.ProxyChainFile != "" || pc.ProxyChain != "" {
		c, err := loadChain(pc)
		if err != nil {
			return configErr(err)
		}
		dial := chainDialer(c, 30*time.Second)

		if !pc.DisableSocks4a || !pc.DisableSocks5 {
			addr := net.JoinHostPort(pc.SocksIP, fmt.Sprintf("%d", pc.SocksPort))
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return bindErr(fmt.Errorf("multi-proxy: listen %s: %w", addr, err))
			}
			chainScfg := socksserver.Config{
				EnableSocks4a: !pc.DisableSocks4a,
				EnableSocks5:  !pc.DisableSocks5,
				EnableConnect: true,
				EnableBind:    true,
			}
			srv := socksserver.New(chainScfg, dial)
			sup.Add("proxy-chain-socks", ln, srv.Serve)
			log.Infof("proxy-chain SOCKS listening on %s", addr)
		}

		if !pc.DisableHTTP {
			addr := net.JoinHostPort(pc.HTTPIP, fmt.Sprintf("%d", pc.HTTPPort))
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return bindErr(fmt.Errorf("multi-proxy: listen %s: %w", addr, err))
			}
			srv := httpserver.New(httpserver.Config{}, dial)
			sup.Add("proxy-chain-http", ln, srv.Serve)
			log.Infof("proxy-chain HTTP listening on %s", addr)
		}
	}

	if err := sup.Run(shutdownContext()); err != nil {
		return bindErr(err)
	}
	return nil
}
