// Package config loads and persists the sync core's settings: server URL,
// HTTP base, token, P2P toggle, and ICE servers, with file-watch based hot
// reload so a running session manager can be reconfigured without a
// restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ICEServer mirrors a WebRTC STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Config is the on-disk, user-editable settings for this client.
type Config struct {
	ServerURL  string      `yaml:"server_url"`
	HTTPBase   string      `yaml:"http_base,omitempty"`
	Token      string      `yaml:"token,omitempty"`
	P2PEnabled bool        `yaml:"p2p_enabled,omitempty"`
	ICEServers []ICEServer `yaml:"ice_servers,omitempty"`
}

// DefaultICEServers is used when the config file specifies none: a single
// public STUN server, enough for NAT traversal discovery but no relay.
func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func configPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// Load reads config.yaml from dir. A missing file returns a zero-value
// Config augmented with defaults, not an error — first run has no file yet.
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(configPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{ICEServers: DefaultICEServers()}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}
	return cfg, nil
}

// Save writes cfg to config.yaml under dir, creating dir if needed.
func Save(dir string, cfg *Config) error {
	if err := EnsureConfigDir(dir); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath(dir), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
