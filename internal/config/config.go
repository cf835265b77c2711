// Package config loads the server's deployment configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the PROCTOR_CONFIG environment variable. There is no discovery and
// no layered overrides: when neither is set the built-in defaults apply,
// which are suitable for local development.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ICEServer is one STUN/TURN server entry handed to the media relay.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config is the whole server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for /ws and /health.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty means allow all, for development.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// WSReadLimitBytes caps a single inbound websocket message. SDP
	// payloads need tens of kilobytes; the default is 64 KiB.
	WSReadLimitBytes int64 `yaml:"ws_read_limit_bytes"`

	// WSSendBuffer is the per-connection outbound queue length.
	WSSendBuffer int `yaml:"ws_send_buffer"`

	// ICEServers configures NAT traversal for the media relay.
	ICEServers []ICEServer `yaml:"ice_servers"`

	// UDPPortMin/UDPPortMax restrict the relay's ICE port range.
	UDPPortMin uint16 `yaml:"udp_port_min"`
	UDPPortMax uint16 `yaml:"udp_port_max"`

	// PublicIP is advertised as a NAT 1:1 host candidate when no ICE
	// servers are configured.
	PublicIP string `yaml:"public_ip"`

	// ResultLog, when set, appends exam results as JSON lines to this
	// file. Empty routes results to the structured log only.
	ResultLog string `yaml:"result_log"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		WSReadLimitBytes: 64 * 1024,
		WSSendBuffer:     256,
	}
}

// Load reads the configuration file at path, falling back to the
// PROCTOR_CONFIG environment variable and then to Default.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("PROCTOR_CONFIG")
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.WSReadLimitBytes <= 0 {
		return fmt.Errorf("ws_read_limit_bytes must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("ws_send_buffer must be positive")
	}
	if (c.UDPPortMin == 0) != (c.UDPPortMax == 0) {
		return fmt.Errorf("udp_port_min and udp_port_max must be set together")
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("udp_port_min must not exceed udp_port_max")
	}
	for _, srv := range c.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("ice server entry without urls")
		}
	}
	return nil
}
