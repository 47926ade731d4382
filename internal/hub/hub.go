// Package hub accepts many concurrent companion connections, dispatches
// inbound frames by message kind, and supports unicast and broadcast
// replies. Each Hub instance owns its registry; multiple hubs coexist in
// one process.
package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol"
)

var (
	ErrBind             = errors.New("hub: bind failed")
	ErrAlreadyStarted   = errors.New("hub: already started")
	ErrNotStarted       = errors.New("hub: not started")
	ErrUnknownConn      = errors.New("hub: unknown connection")
	ErrWorkspace        = errors.New("hub: workspace path escapes root")
	ErrExecDisabled     = errors.New("hub: exec disabled")
	ErrNoChatBackend    = errors.New("hub: no chat backend configured")
	ErrUnauthorized     = errors.New("hub: unauthorized")
	ErrCaptureUnset     = errors.New("hub: no capture command configured")
	ErrHandlerRecovered = errors.New("hub: handler panicked")
)

// ChatFunc answers one conversational request on behalf of the hub.
type ChatFunc func(ctx context.Context, message string, context_ map[string]any) (string, error)

// Config fixes hub identity and operation wiring at construction.
type Config struct {
	Name    string
	Network string // "tcp" or "unix"
	Addr    string

	// AuthToken, when set, must match the token param on every
	// non-ping request. Identity policy beyond this gate is external.
	AuthToken string

	// Workspace roots all file.* operations.
	Workspace string

	// AllowExec gates system.exec.
	AllowExec bool

	// CaptureCommand runs for screenshot.capture through Runner.
	CaptureCommand []string

	Runner Runner
	Chat   ChatFunc

	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "hub"
	}
	if strings.TrimSpace(c.Network) == "" {
		c.Network = "tcp"
	}
	if c.Runner == nil {
		c.Runner = LocalRunner{}
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// connection is one accepted companion client. writeMu serializes frame
// writes from handlers and broadcasts.
type connection struct {
	id          string
	conn        net.Conn
	connectedAt time.Time

	writeMu sync.Mutex

	voiceMu      sync.Mutex
	voiceSession string
	voiceStarted time.Time
}

func (c *connection) writeEnvelope(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteEnvelope(c.conn, env)
}

// Hub is the connection/broadcast server.
type Hub struct {
	cfg      Config
	handlers map[protocol.MessageKind]handlerFunc

	mu      sync.RWMutex
	ln      net.Listener
	conns   map[string]*connection
	started bool

	clipMu    sync.Mutex
	clipboard string

	wg sync.WaitGroup
}

// New constructs a stopped hub.
func New(cfg Config) *Hub {
	h := &Hub{
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*connection),
	}
	h.handlers = h.handlerTable()
	return h
}

// Start binds the listener and begins accepting. Bind errors are
// returned to the caller; nothing is retried here.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	ln, err := net.Listen(h.cfg.Network, h.cfg.Addr)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	h.ln = ln
	h.started = true
	h.mu.Unlock()

	log.Info().Str("hub", h.cfg.Name).Str("addr", ln.Addr().String()).Msg("hub listening")
	h.wg.Add(1)
	go h.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every live connection, then waits for
// connection goroutines to drain.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	ln := h.ln
	h.ln = nil
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.conn.Close()
	}
	h.wg.Wait()
	log.Info().Str("hub", h.cfg.Name).Msg("hub stopped")
}

// Addr reports the bound listener address, empty when stopped.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// ConnectionCount reports live registry size.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send writes one envelope to a single connection. Membership in the
// registry is the sole liveness test.
func (h *Hub) Send(connID string, env protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	return c.writeEnvelope(env)
}

// Broadcast writes one envelope to every connection live at call time,
// re-checking registry membership per send so a connection closed
// mid-iteration is skipped. Returns the number of successful sends.
func (h *Hub) Broadcast(env protocol.Envelope) int {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		h.mu.RLock()
		_, live := h.conns[c.id]
		h.mu.RUnlock()
		if !live {
			continue
		}
		if err := c.writeEnvelope(env); err != nil {
			log.Debug().Str("hub", h.cfg.Name).Str("conn", c.id).Err(err).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			h.mu.RLock()
			stopped := !h.started
			h.mu.RUnlock()
			if !stopped {
				log.Warn().Str("hub", h.cfg.Name).Err(err).Msg("accept failed")
			}
			return
		}
		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer h.wg.Done()

	c := &connection{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns[c.id] = c
	count := len(h.conns)
	h.mu.Unlock()
	observability.SetHubConnections(h.cfg.Name, count)
	log.Info().Str("hub", h.cfg.Name).Str("conn", c.id).
		Str("remote", conn.RemoteAddr().String()).Int("active", count).Msg("connection accepted")

	payload, _ := json.Marshal(protocol.ConnectedPayload{ConnectionID: c.id})
	if err := c.writeEnvelope(protocol.Envelope{Type: protocol.TypeConnected, Payload: payload}); err != nil {
		h.dropConn(c, err)
		return
	}

	reader := bufio.NewReader(conn)
	for {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidEnvelope) || errors.Is(err, protocol.ErrEnvelopeTooLarge) {
				// Malformed input earns an error frame, not a drop. The
				// offending line is already consumed.
				_ = c.writeEnvelope(protocol.NewErrorEnvelope(0, err.Error()))
				continue
			}
			h.dropConn(c, err)
			return
		}
		h.wg.Add(1)
		go func(env protocol.Envelope) {
			defer h.wg.Done()
			h.dispatch(c, env)
		}(env)
	}
}

// dropConn removes exactly one connection record; other connections and
// the listening state are untouched.
func (h *Hub) dropConn(c *connection, cause error) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	count := len(h.conns)
	h.mu.Unlock()
	_ = c.conn.Close()
	if !present {
		return
	}
	observability.SetHubConnections(h.cfg.Name, count)
	log.Info().Str("hub", h.cfg.Name).Str("conn", c.id).
		AnErr("cause", cause).Int("active", count).Msg("connection closed")
}
