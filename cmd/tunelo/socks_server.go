package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/xrelkd/tunelo/internal/config"
	"github.com/xrelkd/tunelo/internal/socksserver"
	"github.com/xrelkd/tunelo/internal/supervisor"
	"github.com/xrelkd/tunelo/internal/udppool"
)

func newSocksServerCmd() *cobra.Command {
	var (
		ip                 string
		port               int
		disableSocks4a     bool
		disableSocks5      bool
		enableTCPConnect   bool
		enableTCPBind      bool
		enableUDPAssociate bool
		udpPorts           string
		connTimeout        string
	)

	cmd := &cobra.Command{
		Use:     "socks-server",
		Short:   "Run a standalone SOCKS4a/SOCKS5 proxy server",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(configPath)
			if err != nil {
				return configErr(err)
			}
			initLogging(cfg.Logging.Level)
			sc := cfg.SocksServer

			if cmd.Flags().Changed("ip") {
				sc.IP = ip
			}
			if cmd.Flags().Changed("port") {
				sc.Port = port
			}
			if cmd.Flags().Changed("disable-socks4a") {
				sc.DisableSocks4a = disableSocks4a
			}
			if cmd.Flags().Changed("disable-socks5") {
				sc.DisableSocks5 = disableSocks5
			}
			if cmd.Flags().Changed("enable-tcp-connect") {
				sc.EnableTCPConnect = enableTCPConnect
			}
			if cmd.Flags().Changed("enable-tcp-bind") {
				sc.EnableTCPBind = enableTCPBind
			}
			if cmd.Flags().Changed("enable-udp-associate") {
				sc.EnableUDPAssociate = enableUDPAssociate
			}
			if cmd.Flags().Changed("udp-ports") {
				sc.UDPPorts = udpPorts
			}
			if cmd.Flags().Changed("connection-timeout") {
				sc.ConnectionTimeout = connTimeout
			}

			return runSocksServer(sc)
		},
	}

	cmd.Flags().StringVar(&ip, "ip", "127.0.0.1", "address to listen on")
	cmd.Flags().IntVar(&port, "port", 1080, "port to listen on")
	cmd.Flags().BoolVar(&disableSocks4a, "disable-socks4a", false, "reject SOCKS4a handshakes")
	cmd.Flags().BoolVar(&disableSocks5, "disable-socks5", false, "reject SOCKS5 handshakes")
	cmd.Flags().BoolVar(&enableTCPConnect, "enable-tcp-connect", true, "allow the CONNECT command")
	cmd.Flags().BoolVar(&enableTCPBind, "enable-tcp-bind", true, "allow the BIND command")
	cmd.Flags().BoolVar(&enableUDPAssociate, "enable-udp-associate", true, "allow the UDP ASSOCIATE command")
	cmd.Flags().StringVar(&udpPorts, "udp-ports", "", "UDP relay port range, e.g. 40000-40100")
	cmd.Flags().StringVar(&connTimeout, "connection-timeout", "", "connection timeout, e.g. 2m (validated at startup; the relay does not apply it)")

	return cmd
}

// socksServerConfig translates a config.SocksServerConfig into a
// socksserver.Config plus the listening address and an optional UDP pool.
func socksServerConfig(sc config.SocksServerConfig) (socksserver.Config, string, *udppool.Pool, error) {
	timeout, err := sc.ConnectionTimeoutDuration()
	if err != nil {
		return socksserver.Config{}, "", nil, fmt.Errorf("connection-timeout: %w", err)
	}

	var pool *udppool.Pool
	if sc.UDPPorts != "" {
		min, max, err := udppool.ParseRange(sc.UDPPorts)
		if err != nil {
			return socksserver.Config{}, "", nil, fmt.Errorf("udp-ports: %w", err)
		}
		pool = udppool.New(min, max, 0)
	}

	cfg := socksserver.Config{
		EnableSocks4a:      !sc.DisableSocks4a,
		EnableSocks5:       !sc.DisableSocks5,
		EnableConnect:      sc.EnableTCPConnect,
		EnableBind:         sc.EnableTCPBind,
		EnableUDPAssociate: sc.EnableUDPAssociate,
		ConnectionTimeout:  timeout,
		UDPPool:            pool,
	}
	addr := net.JoinHostPort(sc.IP, fmt.Sprintf("%d", sc.Port))
	return cfg, addr, pool, nil
}

func runSocksServer(sc config.SocksServerConfig) error {
	cfg, addr, _, err := socksServerConfig(sc)
	if err != nil {
		return configErr(err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bindErr(fmt.Errorf("socks-server: listen %s: %w", addr, err))
	}

	srv := socksserver.New(cfg, directDialer(10*time.Second))
	sup := supervisor.New(5 * time.Second)
	sup.Add("socks-server", ln, srv.Serve)

	log.Infof("socks-server listening on %s", addr)
	if err := sup.Run(shutdownContext()); err != nil {
		return bindErr(err)
	}
	return nil
}
