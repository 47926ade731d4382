package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/relayctl/internal/config"
)

func baseConfig() config.RelayConfig {
	return config.RelayConfig{
		Name:       "relay",
		SocketPath: "/tmp/relayctl.sock",
		HTTPAddr:   ":9400",
		Providers: []config.ProviderConfig{
			{Name: "hook", Kind: "webhook", URL: "http://localhost:5678/hook"},
		},
	}
}

func writeOverride(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	return path
}

func TestApplyLocalOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeOverride(t, `
socket_path = "/run/relayctl/relay.sock"
cors_origins = ["http://localhost:5173", "  ", "http://localhost:3000"]
`)

	cfg, err := applyLocalOverrides(path, baseConfig())
	if err != nil {
		t.Fatalf("apply overrides: %v", err)
	}
	if cfg.SocketPath != "/run/relayctl/relay.sock" {
		t.Fatalf("unexpected socket path: %q", cfg.SocketPath)
	}
	if cfg.Name != "relay" || cfg.HTTPAddr != ":9400" {
		t.Fatalf("undefined keys must keep base values: %+v", cfg)
	}
	if len(cfg.CorsOrigins) != 2 {
		t.Fatalf("origins not normalized: %+v", cfg.CorsOrigins)
	}
}

func TestApplyLocalOverridesEmptyValuesIgnored(t *testing.T) {
	path := writeOverride(t, `
name = "  "
http_addr = ""
`)

	cfg, err := applyLocalOverrides(path, baseConfig())
	if err != nil {
		t.Fatalf("apply overrides: %v", err)
	}
	if cfg.Name != "relay" || cfg.HTTPAddr != ":9400" {
		t.Fatalf("blank overrides must not clobber base values: %+v", cfg)
	}
}

func TestApplyLocalOverridesMissingFile(t *testing.T) {
	if _, err := applyLocalOverrides(filepath.Join(t.TempDir(), "missing.toml"), baseConfig()); err == nil {
		t.Fatal("expected an error for a missing override file")
	}
}
