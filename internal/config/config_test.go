package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRelayConfigOrderAndDefaults(t *testing.T) {
	path := writeConfig(t, `
name = "relay.main"

[[provider]]
name = "workflow"
kind = "webhook"
url = "http://127.0.0.1:5678/webhook/assistant"
timeout_ms = 30000

[[provider]]
name = "direct"
kind = "direct"
url = "https://api.example.com/v1/chat/completions"
api_key = "sk-test"
model = "small-1"
timeout_ms = 10000

[[provider]]
name = "companion"
kind = "companion"
hub_addr = "127.0.0.1:9500"
`)

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath == "" || cfg.HTTPAddr == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Providers) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(cfg.Providers))
	}
	// File order is trial order.
	if cfg.Providers[0].Name != "workflow" || cfg.Providers[1].Name != "direct" || cfg.Providers[2].Name != "companion" {
		t.Fatalf("provider order not preserved: %+v", cfg.Providers)
	}
	if cfg.Providers[0].Timeout() != 30*time.Second {
		t.Fatalf("timeout_ms mapping wrong: %v", cfg.Providers[0].Timeout())
	}
}

func TestLoadRelayConfigRejectsBadProviders(t *testing.T) {
	cases := map[string]string{
		"no providers": `name = "relay"`,
		"unknown kind": `
[[provider]]
name = "x"
kind = "carrier-pigeon"
`,
		"direct missing key": `
[[provider]]
name = "direct"
kind = "direct"
url = "https://api.example.com"
`,
		"duplicate names": `
[[provider]]
name = "a"
kind = "companion"
hub_addr = "127.0.0.1:1"

[[provider]]
name = "a"
kind = "companion"
hub_addr = "127.0.0.1:2"
`,
	}
	for label, body := range cases {
		if _, err := LoadRelayConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", label)
		}
	}
}

func TestLoadHubConfigSSHValidation(t *testing.T) {
	path := writeConfig(t, `
name = "hub.capture"
addr = "127.0.0.1:9500"

[ssh]
host = "capture-01"
`)
	_, err := LoadHubConfig(path)
	if err == nil || !strings.Contains(err.Error(), "ssh.user") {
		t.Fatalf("expected ssh.user error, got %v", err)
	}

	path = writeConfig(t, `
name = "hub.capture"
addr = "127.0.0.1:9500"
capture_command = ["scrot", "-o", "/tmp/shot.png"]

[ssh]
host = "capture-01"
user = "relay"
key_path = "/home/relay/.ssh/id_ed25519"
`)
	cfg, err := LoadHubConfig(path)
	if err != nil {
		t.Fatalf("load hub config: %v", err)
	}
	if len(cfg.CaptureCommand) != 3 {
		t.Fatalf("capture_command not parsed: %+v", cfg.CaptureCommand)
	}
}
