package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/hub"
	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/observability"
)

func main() {
	configPath := flag.String("config", "hub.config.toml", "hub config file")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}

	h, err := buildHub(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
	if err := h.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
	defer h.Stop()

	var statusSrv *http.Server
	if cfg.HTTPAddr != "" {
		statusSrv = startStatusServer(cfg, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusSrv.Shutdown(shutdownCtx)
		cancel()
	}
}

// startStatusServer exposes the hub's health and metrics over HTTP. The
// structured channel stays the only operation surface.
func startStatusServer(cfg config.HubConfig, h *hub.Hub) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"hub":         cfg.Name,
			"addr":        h.Addr(),
			"connections": h.ConnectionCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Str("hub", cfg.Name).Err(err).Msg("status server exited")
		}
	}()
	return srv
}
