package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/providers"
	"github.com/danmuck/relayctl/internal/relay"
)

func main() {
	configPath := flag.String("config", "relay.config.toml", "relay config file")
	localPath := flag.String("local", "", "optional local override file")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
	if *localPath != "" {
		cfg, err = applyLocalOverrides(*localPath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(1)
		}
	}

	chain, err := providers.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	svc, err := relay.NewService(relay.ServiceConfig{
		Name:        cfg.Name,
		SocketPath:  cfg.SocketPath,
		HTTPAddr:    cfg.HTTPAddr,
		CorsOrigins: cfg.CorsOrigins,
		Providers:   chain,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}
