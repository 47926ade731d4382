package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/danmuck/relayctl/internal/node"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol"
)

var (
	ErrSocketPathRequired = errors.New("relay: socket path required")
	ErrAlreadyRunning     = errors.New("relay: service already running")
)

// ServiceConfig wires one relay daemon instance.
type ServiceConfig struct {
	Name        string
	SocketPath  string
	HTTPAddr    string
	CorsOrigins []string
	Providers   []Provider
}

// Service owns the relay lifecycle: the orchestrator, the structured
// Unix socket ingress, and the HTTP surface carrying the broadcast
// channel.
type Service struct {
	cfg    ServiceConfig
	orch   *Orchestrator
	bus    *Bus
	router *gin.Engine

	mu           sync.Mutex
	running      bool
	socketLn     net.Listener
	httpSrv      *http.Server
	socketConns  map[net.Conn]struct{}
	responderSub string

	appeared time.Time
	wg       sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "relay"
	}
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return nil, ErrSocketPathRequired
	}

	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Service{
		cfg:         cfg,
		orch:        NewOrchestrator(cfg.Name, cfg.Providers),
		bus:         NewBus(),
		router:      r,
		socketConns: make(map[net.Conn]struct{}),
		appeared:    time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

var _ node.Node = (*Service)(nil)

func (s *Service) NodeID() string { return s.cfg.Name }

func (s *Service) Kind() string { return "relay" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// Orchestrator exposes the chain for probes and tests.
func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// SocketAddr reports the bound Unix socket path once running.
func (s *Service) SocketAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socketLn == nil {
		return ""
	}
	return s.socketLn.Addr().String()
}

// HTTPAddr reports the bound HTTP address once running.
func (s *Service) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return ""
	}
	return s.httpSrv.Addr
}

// Run starts both ingress surfaces and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Start binds the Unix socket and the HTTP listener. The relay's own
// channel responder is attached to the bus before any peer can publish.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	// A previous unclean shutdown may have left the socket file behind.
	_ = os.Remove(s.cfg.SocketPath)
	socketLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = socketLn.Close()
		s.mu.Unlock()
		return err
	}

	s.socketLn = socketLn
	s.httpSrv = &http.Server{Addr: httpLn.Addr().String(), Handler: s.router}
	s.running = true
	s.mu.Unlock()

	log.Info().Str("relay", s.cfg.Name).
		Str("socket", socketLn.Addr().String()).
		Str("http", httpLn.Addr().String()).
		Strs("providers", s.orch.Providers()).
		Msg("relay listening")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptSocket(socketLn)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("relay", s.cfg.Name).Err(err).Msg("http server exited")
		}
	}()

	s.attachChannelResponder()
	return nil
}

// Stop tears down both listeners and waits for in-flight work.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	socketLn := s.socketLn
	httpSrv := s.httpSrv
	s.socketLn = nil
	conns := make([]net.Conn, 0, len(s.socketConns))
	for conn := range s.socketConns {
		conns = append(conns, conn)
	}
	responderSub := s.responderSub
	s.responderSub = ""
	s.mu.Unlock()

	if socketLn != nil {
		_ = socketLn.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	if responderSub != "" {
		s.bus.Unsubscribe(responderSub)
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	log.Info().Str("relay", s.cfg.Name).Msg("relay stopped")
}

func (s *Service) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"relay":   s.cfg.Name,
			"version": "0.0.1",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"relay":     s.cfg.Name,
			"providers": s.orch.Providers(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/relay", s.handleRelayPost)
	s.router.GET("/channel", s.handleChannel)
}

// handleRelayPost is the one-shot HTTP ingress: request in, terminal
// response out.
func (s *Service) handleRelayPost(c *gin.Context) {
	var req protocol.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Response{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.serveRequest(c.Request.Context(), req))
}

// handleChannel upgrades one peer onto the broadcast channel. Frames it
// publishes reach every other peer; the relay itself answers tagged
// request frames.
func (s *Service) handleChannel(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: normalizeOrigins(s.cfg.CorsOrigins),
	})
	if err != nil {
		return
	}

	subID, frames := s.bus.Subscribe()
	defer s.bus.Unsubscribe(subID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		for env := range frames {
			data, err := protocol.EncodeEnvelope(env)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Debug().Str("relay", s.cfg.Name).Err(err).Msg("dropping malformed channel frame")
			continue
		}
		s.bus.Publish(subID, env)
	}
}

// attachChannelResponder subscribes the relay to its own bus so channel
// peers get answers without a dedicated endpoint.
func (s *Service) attachChannelResponder() {
	subID, frames := s.bus.Subscribe()
	s.mu.Lock()
	s.responderSub = subID
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for env := range frames {
			if env.Type != protocol.TypeChannelRequest {
				continue
			}
			var chReq protocol.ChannelRequest
			if err := json.Unmarshal(env.Payload, &chReq); err != nil {
				log.Debug().Str("relay", s.cfg.Name).Err(err).Msg("dropping malformed channel request")
				continue
			}
			go s.answerChannelRequest(subID, chReq)
		}
	}()
}

func (s *Service) answerChannelRequest(subID string, chReq protocol.ChannelRequest) {
	resp := s.serveRequest(context.Background(), chReq.Request)
	payload, err := json.Marshal(protocol.ChannelResponse{Token: chReq.Token, Response: resp})
	if err != nil {
		return
	}
	s.bus.Publish(subID, protocol.Envelope{Type: protocol.TypeChannelResponse, Payload: payload})
}

// acceptSocket serves the structured host channel: one JSON-lines
// envelope per request, answered in place on the same connection.
func (s *Service) acceptSocket(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				log.Warn().Str("relay", s.cfg.Name).Err(err).Msg("socket accept failed")
			}
			return
		}
		s.mu.Lock()
		s.socketConns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSocketConn(conn)
		}()
	}
}

func (s *Service) handleSocketConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.socketConns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	reader := bufio.NewReader(conn)
	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			// Both failures leave the line consumed; the connection
			// stays usable.
			if errors.Is(err, protocol.ErrInvalidEnvelope) || errors.Is(err, protocol.ErrEnvelopeTooLarge) {
				_ = protocol.WriteEnvelope(conn, protocol.NewErrorEnvelope(0, err.Error()))
				continue
			}
			return
		}
		if env.Type != protocol.TypeRelayRequest {
			_ = protocol.WriteEnvelope(conn, protocol.NewErrorEnvelope(env.ID, protocol.ErrUnknownMessageType.Error()+": "+env.Type))
			continue
		}
		var req protocol.Request
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				_ = protocol.WriteEnvelope(conn, protocol.NewErrorEnvelope(env.ID, err.Error()))
				continue
			}
		}
		result := s.serveRequest(context.Background(), req)
		out, err := protocol.NewResponseEnvelope(env.ID, result)
		if err != nil {
			out = protocol.NewErrorEnvelope(env.ID, err.Error())
		}
		if err := protocol.WriteEnvelope(conn, out); err != nil {
			return
		}
	}
}

// serveRequest maps one user request onto the fallback chain and always
// yields a well-formed Response.
func (s *Service) serveRequest(ctx context.Context, req protocol.Request) protocol.Response {
	message, _ := req.Params["message"].(string)
	metadata, _ := req.Params["context"].(map[string]any)

	result := s.orch.Handle(ctx, message, metadata)

	// A degraded result is still a successful relay exchange; the caller
	// inspects Result.Status, not the transport error field.
	data, _ := json.Marshal(result)
	return protocol.Response{Success: true, Data: data}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
