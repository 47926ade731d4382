package main

import (
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/hub"
	"github.com/danmuck/relayctl/internal/providers"
)

const directChatTimeout = 30 * time.Second

// buildHub maps the loaded file config onto a hub instance: runner
// selection, the optional chat backend, and the operation gates.
func buildHub(cfg config.HubConfig) (*hub.Hub, error) {
	hubCfg := hub.Config{
		Name:           cfg.Name,
		Network:        "tcp",
		Addr:           cfg.Addr,
		AuthToken:      cfg.AuthToken,
		Workspace:      cfg.Workspace,
		AllowExec:      cfg.AllowExec,
		CaptureCommand: cfg.CaptureCommand,
		Runner:         runnerFor(cfg.SSH),
	}

	if strings.TrimSpace(cfg.ChatURL) != "" {
		direct := providers.NewDirect(cfg.Name+".chat", cfg.ChatURL, cfg.ChatAPIKey, cfg.ChatModel, directChatTimeout)
		hubCfg.Chat = direct.ChatFunc()
	}

	return hub.New(hubCfg), nil
}

func runnerFor(ssh config.SSHConfig) hub.Runner {
	if strings.TrimSpace(ssh.Host) == "" {
		return hub.LocalRunner{}
	}
	return hub.SSHRunner{
		Host:           ssh.Host,
		Port:           ssh.Port,
		User:           ssh.User,
		KeyPath:        ssh.KeyPath,
		KnownHostsPath: ssh.KnownHosts,
		Timeout:        10 * time.Second,
	}
}
