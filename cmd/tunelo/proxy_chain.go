package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/chain"
	"github.com/xrelkd/tunelo/internal/config"
	"github.com/xrelkd/tunelo/internal/httpserver"
	"github.com/xrelkd/tunelo/internal/socksserver"
	"github.com/xrelkd/tunelo/internal/supervisor"
)

func newProxyChainCmd() *cobra.Command {
	var (
		socksIP        string
		socksPort      int
		httpIP         string
		httpPort       int
		proxyChainFile string
		proxyChain     string
		disableSocks4a bool
		disableSocks5  bool
		disableHTTP    bool
	)

	cmd := &cobra.Command{
		Use:     "proxy-chain",
		Short:   "Front a chain of upstream proxies with local SOCKS/HTTP listeners",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return configErr(err)
			}
			initLogging(cfg.Logging.Level)
			pc := cfg.ProxyChain

			if cmd.Flags().Changed("socks-ip") {
				pc.SocksIP = socksIP
			}
			if cmd.Flags().Changed("socks-port") {
				pc.SocksPort = socksPort
			}
			if cmd.Flags().Changed("http-ip") {
				pc.HTTPIP = httpIP
			}
			if cmd.Flags().Changed("http-port") {
				pc.HTTPPort = httpPort
			}
			if cmd.Flags().Changed("proxy-chain-file") {
				pc.ProxyChainFile = proxyChainFile
			}
			if cmd.Flags().Changed("proxy-chain") {
				pc.ProxyChain = proxyChain
			}
			if cmd.Flags().Changed("disable-socks4a") {
				pc.DisableSocks4a = disableSocks4a
			}
			if cmd.Flags().Changed("disable-socks5") {
				pc.DisableSocks5 = disableSocks5
			}
			if cmd.Flags().Changed("disable-http") {
				pc.DisableHTTP = disableHTTP
			}
			return runProxyChain(pc)
		},
	}

	cmd.Flags().StringVar(&socksIP, "socks-ip", "127.0.0.1", "address the fronting SOCKS listener binds to")
	cmd.Flags().IntVar(&socksPort, "socks-port", 1080, "port the fronting SOCKS listener binds to")
	cmd.Flags().StringVar(&httpIP, "http-ip", "127.0.0.1", "address the fronting HTTP listener binds to")
	cmd.Flags().IntVar(&httpPort, "http-port", 8080, "port the fronting HTTP listener binds to")
	cmd.Flags().StringVar(&proxyChainFile, "proxy-chain-file", "", "path to a file listing the chain's hops, one kind://host:port per line")
	cmd.Flags().StringVar(&proxyChain, "proxy-chain", "", "inline comma-separated chain hops, kind://host:port,...")
	cmd.Flags().BoolVar(&disableSocks4a, "disable-socks4a", false, "reject chain hops of kind socks4a")
	cmd.Flags().BoolVar(&disableSocks5, "disable-socks5", false, "reject chain hops of kind socks5")
	cmd.Flags().BoolVar(&disableHTTP, "disable-http", false, "reject chain hops of kind http")

	return cmd
}

// loadChain loads the hop list from a file, an inline flag, or both
// (file hops first, inline hops appended), rejecting any hop whose kind
// has been disabled by a flag.
func loadChain(pc config.ProxyChainConfig) (chain.Chain, error) {
	var hops []chain.Hop

	if pc.ProxyChainFile != "" {
		f, err := os.Open(pc.ProxyChainFile)
		if err != nil {
			return chain.Chain{}, fmt.Errorf("proxy-chain-file: %w", err)
		}
		defer f.Close()
		c, err := chain.ParseFile(f)
		if err != nil {
			return chain.Chain{}, err
		}
		hops = append(hops, c.Hops...)
	}

	if pc.ProxyChain != "" {
		inline, err := parseHopList(pc.ProxyChain)
		if err != nil {
			return chain.Chain{}, fmt.Errorf("proxy-chain: %w", err)
		}
		hops = append(hops, inline...)
	}

	if len(hops) == 0 {
		return chain.Chain{}, fmt.Errorf("proxy-chain: no hops configured (use --proxy-chain-file or --proxy-chain)")
	}
	if err := rejectDisabledKinds(hops, pc.DisableSocks4a, pc.DisableSocks5, pc.DisableHTTP); err != nil {
		return chain.Chain{}, err
	}
	return chain.Chain{Hops: hops}, nil
}

func runProxyChain(pc config.ProxyChainConfig) error {
	c, err := loadChain(pc)
	if err != nil {
		return configErr(err)
	}

	dial := chainDialer(c, 30*time.Second)
	sup := supervisor.New(5 * time.Second)

	if !pc.DisableSocks4a || !pc.DisableSocks5 {
		addr := net.JoinHostPort(pc.SocksIP, fmt.Sprintf("%d", pc.SocksPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return bindErr(fmt.Errorf("proxy-chain: listen %s: %w", addr, err))
		}
		scfg := socksserver.Config{
			EnableSocks4a: !pc.DisableSocks4a,
			EnableSocks5:  !pc.DisableSocks5,
			EnableConnect: true,
			EnableBind:    true,
		}
		srv := socksserver.New(scfg, dial)
		sup.Add("proxy-chain-socks", ln, srv.Serve)
		log.Infof("proxy-chain SOCKS listening on %s", addr)
	}

	if !pc.DisableHTTP {
		addr := net.JoinHostPort(pc.HTTPIP, fmt.Sprintf("%d", pc.HTTPPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return bindErr(fmt.Errorf("proxy-chain: listen %s: %w", addr, err))
		}
		srv := httpserver.New(httpserver.Config{}, dial)
		sup.Add("proxy-chain-http", ln, srv.Serve)
		log.Infof("proxy-chain HTTP listening on %s", addr)
	}

	if err := sup.Run(shutdownContext()); err != nil {
		return bindErr(err)
	}
	return nil
}
