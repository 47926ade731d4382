package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ProviderConfig describes one entry in the fallback chain. File order
// is trial order.
type ProviderConfig struct {
	Name      string `toml:"name"`
	Kind      string `toml:"kind"` // "webhook", "direct", or "companion"
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	HubAddr   string `toml:"hub_addr"`
	TimeoutMS int64  `toml:"timeout_ms"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RelayConfig configures the relay daemon.
type RelayConfig struct {
	Name        string           `toml:"name"`
	SocketPath  string           `toml:"socket_path"`
	HTTPAddr    string           `toml:"http_addr"`
	CorsOrigins []string         `toml:"cors_origins"`
	Providers   []ProviderConfig `toml:"provider"`
}

// SSHConfig points the hub runner at a remote capture host.
type SSHConfig struct {
	Host       string `toml:"host"`
	Port       string `toml:"port"`
	User       string `toml:"user"`
	KeyPath    string `toml:"key_path"`
	KnownHosts string `toml:"known_hosts"`
}

// HubConfig configures the companion hub daemon.
type HubConfig struct {
	Name           string    `toml:"name"`
	Addr           string    `toml:"addr"`
	HTTPAddr       string    `toml:"http_addr"`
	CorsOrigins    []string  `toml:"cors_origins"`
	AuthToken      string    `toml:"auth_token"`
	Workspace      string    `toml:"workspace"`
	AllowExec      bool      `toml:"allow_exec"`
	CaptureCommand []string  `toml:"capture_command"`
	SSH            SSHConfig `toml:"ssh"`

	// Optional direct-model backend for hub-side ai.* operations.
	ChatURL    string `toml:"chat_url"`
	ChatAPIKey string `toml:"chat_api_key"`
	ChatModel  string `toml:"chat_model"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "relay"
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/relayctl.sock"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":9400"
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func LoadHubConfig(path string) (HubConfig, error) {
	var cfg HubConfig
	if err := loadToml(path, &cfg); err != nil {
		return HubConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "hub"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9500"
	}
	if err := ValidateHubConfig(cfg); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("relay config: name is required")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("relay config: at least one [[provider]] is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("relay config: provider[%d] missing name", i)
		}
		if seen[name] {
			return fmt.Errorf("relay config: duplicate provider name %q", name)
		}
		seen[name] = true
		switch strings.TrimSpace(p.Kind) {
		case "webhook":
			if strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("relay config: provider %q missing url", name)
			}
		case "direct":
			if strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("relay config: provider %q missing url", name)
			}
			if strings.TrimSpace(p.APIKey) == "" {
				return fmt.Errorf("relay config: provider %q missing api_key", name)
			}
		case "companion":
			if strings.TrimSpace(p.HubAddr) == "" {
				return fmt.Errorf("relay config: provider %q missing hub_addr", name)
			}
		default:
			return fmt.Errorf("relay config: provider %q has unknown kind %q", name, p.Kind)
		}
		if p.TimeoutMS < 0 {
			return fmt.Errorf("relay config: provider %q has negative timeout_ms", name)
		}
	}
	return nil
}

func ValidateHubConfig(cfg HubConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("hub config: name is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("hub config: addr is required")
	}
	if ssh := cfg.SSH; strings.TrimSpace(ssh.Host) != "" {
		if strings.TrimSpace(ssh.User) == "" {
			return fmt.Errorf("hub config: ssh.user is required when ssh.host is set")
		}
		if strings.TrimSpace(ssh.KeyPath) == "" {
			return fmt.Errorf("hub config: ssh.key_path is required when ssh.host is set")
		}
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
