// Package config loads tunelo's TOML configuration file and lets callers
// layer CLI-flag overrides on top of it field-by-field.
//
// Grounded on the teacher's common/config/config.go "read file, then
// patch in defaults/overrides" shape (Load(path) (*Config, string, error)),
// retargeted from the teacher's YAML/DB/license tree to a TOML tree
// mirroring each subcommand's flag surface, decoded with
// github.com/pelletier/go-toml/v2 per the specification's configuration
// format.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// SocksServerConfig mirrors the socks-server subcommand's flags.
type SocksServerConfig struct {
	IP                 string `toml:"ip"`
	Port               int    `toml:"port"`
	DisableSocks4a     bool   `toml:"disable_socks4a"`
	DisableSocks5      bool   `toml:"disable_socks5"`
	EnableTCPConnect   bool   `toml:"enable_tcp_connect"`
	EnableTCPBind      bool   `toml:"enable_tcp_bind"`
	EnableUDPAssociate bool   `toml:"enable_udp_associate"`
	UDPPorts           string `toml:"udp_ports"`
	ConnectionTimeout  string `toml:"connection_timeout"`
}

// ConnectionTimeoutDuration parses ConnectionTimeout, defaulting to 2m.
func (c SocksServerConfig) ConnectionTimeoutDuration() (time.Duration, error) {
	if c.ConnectionTimeout == "" {
		return 2 * time.Minute, nil
	}
	return time.ParseDuration(c.ConnectionTimeout)
}

// HTTPServerConfig mirrors the http-server subcommand's flags.
type HTTPServerConfig struct {
	IP   string `toml:"ip"`
	Port int    `toml:"port"`
}

// ProxyChainConfig mirrors the proxy-chain subcommand's flags.
type ProxyChainConfig struct {
	SocksIP        string `toml:"socks_ip"`
	SocksPort      int    `toml:"socks_port"`
	HTTPIP         string `toml:"http_ip"`
	HTTPPort       int    `toml:"http_port"`
	ProxyChainFile string `toml:"proxy_chain_file"`
	ProxyChain     string `toml:"proxy_chain"`
	DisableSocks4a bool   `toml:"disable_socks4a"`
	DisableSocks5  bool   `toml:"disable_socks5"`
	DisableHTTP    bool   `toml:"disable_http"`
}

// ProxyCheckerConfig mirrors the proxy-checker subcommand's flags.
type ProxyCheckerConfig struct {
	ProxyServers       string `toml:"proxy_servers"`
	File               string `toml:"file"`
	OutputFile         string `toml:"output_file"`
	Probers            int    `toml:"probers"`
	MaxTimeoutPerProbe int    `toml:"max_timeout_per_probe"`
}

// MaxTimeoutPerProbeDuration returns the configured per-probe timeout,
// defaulting to 5s when unset.
func (c ProxyCheckerConfig) MaxTimeoutPerProbeDuration() time.Duration {
	if c.MaxTimeoutPerProbe <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MaxTimeoutPerProbe) * time.Millisecond
}

// LoggingConfig controls the global leveled logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Config is the full TOML document: one table per subcommand surface.
type Config struct {
	SocksServer  SocksServerConfig  `toml:"socks_server"`
	HTTPServer   HTTPServerConfig   `toml:"http_server"`
	ProxyChain   ProxyChainConfig   `toml:"proxy_chain"`
	ProxyChecker ProxyCheckerConfig `toml:"proxy_checker"`
	Logging      LoggingConfig      `toml:"logging"`
}

// Default returns a Config with the baseline values used when no file is
// supplied. Load decodes the file on top of these values, so a field the
// file omits keeps its default rather than its zero value.
func Default() *Config {
	return &Config{
		SocksServer: SocksServerConfig{
			IP:                 "127.0.0.1",
			Port:               1080,
			EnableTCPConnect:   true,
			EnableTCPBind:      true,
			EnableUDPAssociate: true,
			ConnectionTimeout:  "2m",
		},
		HTTPServer: HTTPServerConfig{
			IP:   "127.0.0.1",
			Port: 8080,
		},
		ProxyChain: ProxyChainConfig{
			SocksIP:   "127.0.0.1",
			SocksPort: 1080,
			HTTPIP:    "127.0.0.1",
			HTTPPort:  8080,
		},
		ProxyChecker: ProxyCheckerConfig{
			Probers:            4,
			MaxTimeoutPerProbe: 5000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and decodes the TOML file at path onto a Default() Config, so
// any table or field the file omits keeps its baseline value.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional behaves like Load but returns Default() unchanged, with no
// error, when path is empty or the file does not exist — the config file
// is optional, CLI flags alone are sufficient to run any subcommand.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	return Load(path)
}
