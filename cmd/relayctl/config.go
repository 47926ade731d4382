package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/relayctl/internal/config"
)

type localOverrides struct {
	Name        string   `toml:"name"`
	SocketPath  string   `toml:"socket_path"`
	HTTPAddr    string   `toml:"http_addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// applyLocalOverrides layers a host-local file on top of the shared
// deployment config. Only keys actually present in the file override;
// the provider chain itself is never overridable here.
func applyLocalOverrides(path string, cfg config.RelayConfig) (config.RelayConfig, error) {
	var raw localOverrides
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.RelayConfig{}, fmt.Errorf("load local overrides: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("socket_path") {
		if p := strings.TrimSpace(raw.SocketPath); p != "" {
			cfg.SocketPath = p
		}
	}
	if meta.IsDefined("http_addr") {
		if addr := strings.TrimSpace(raw.HTTPAddr); addr != "" {
			cfg.HTTPAddr = addr
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if err := config.ValidateRelayConfig(cfg); err != nil {
		return config.RelayConfig{}, err
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
