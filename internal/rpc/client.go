// Package rpc correlates request/response envelopes over one duplex
// connection. Replies may arrive in any order; correctness depends only
// on id matching.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol"
)

// DefaultCallTimeout bounds a Call when the caller does not supply one.
const DefaultCallTimeout = 30 * time.Second

var (
	ErrRemoteRejected = errors.New("rpc: remote rejected call")
)

type callResult struct {
	data json.RawMessage
	err  error
}

type pendingCall struct {
	id     uint64
	sentAt time.Time
	done   chan callResult
}

// NotifyFunc receives fire-and-forget envelopes (id zero), such as the
// hub's one-shot connected frame and broadcasts.
type NotifyFunc func(protocol.Envelope)

// Client owns the pending-request table for one connection. A response
// or timeout settles each call exactly once; whichever removes the
// pending entry first is authoritative.
type Client struct {
	name   string
	conn   net.Conn
	reader *bufio.Reader
	notify NotifyFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	closed   bool
	closeErr error

	nextID atomic.Uint64
	done   chan struct{}
}

// NewClient wraps an established connection and starts its read loop.
// The name labels logs and metrics only.
func NewClient(name string, conn net.Conn, notify NotifyFunc) *Client {
	c := &Client{
		name:    strings.TrimSpace(name),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		notify:  notify,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	if c.name == "" {
		c.name = "rpc"
	}
	go c.readLoop()
	return c
}

// Dial connects to a hub endpoint and returns a live client.
func Dial(ctx context.Context, name, network, addr string, notify NotifyFunc) (*Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNotConnected, err)
	}
	return NewClient(name, conn, notify), nil
}

// Call sends one request envelope and waits for the correlated response.
// A zero timeout uses DefaultCallTimeout. Late responses arriving after
// the timeout settled the call are dropped by the read loop.
func (c *Client) Call(ctx context.Context, action string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:     c.nextID.Add(1),
		sentAt: time.Now(),
		done:   make(chan callResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.ErrNotConnected
	}
	c.pending[call.id] = call
	c.mu.Unlock()
	observability.AddRPCInFlight(c.name, 1)

	env := protocol.Envelope{ID: call.id, Type: strings.TrimSpace(action), Payload: payload}
	if err := c.write(env); err != nil {
		if c.take(call.id) != nil {
			observability.AddRPCInFlight(c.name, -1)
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.data, res.err
	case <-timer.C:
		if c.take(call.id) != nil {
			observability.AddRPCInFlight(c.name, -1)
			log.Debug().Str("client", c.name).Uint64("id", call.id).
				Str("action", action).Dur("timeout", timeout).Msg("rpc call timed out")
			return nil, protocol.ErrRequestTimeout
		}
		// A response won the race while the timer fired.
		res := <-call.done
		return res.data, res.err
	case <-ctx.Done():
		if c.take(call.id) != nil {
			observability.AddRPCInFlight(c.name, -1)
			return nil, ctx.Err()
		}
		res := <-call.done
		return res.data, res.err
	}
}

// Notify sends one fire-and-forget envelope.
func (c *Client) Notify(action string, data any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return protocol.ErrNotConnected
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(protocol.Envelope{Type: strings.TrimSpace(action), Payload: payload})
}

// Connected reports whether the underlying connection is still usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears down the connection; every pending call fails with
// ErrConnectionLost.
func (c *Client) Close() error {
	c.shutdown(protocol.ErrConnectionLost)
	return c.conn.Close()
}

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteEnvelope(c.conn, env)
}

// take removes and returns one pending call, nil when already settled.
func (c *Client) take(id uint64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		env, err := protocol.ReadEnvelope(c.reader)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidEnvelope) || errors.Is(err, protocol.ErrEnvelopeTooLarge) {
				log.Warn().Str("client", c.name).Err(err).Msg("dropping malformed frame")
				continue
			}
			c.shutdown(fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err))
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if !env.ExpectsReply() {
		if c.notify != nil {
			c.notify(env)
		}
		return
	}

	call := c.take(env.ID)
	if call == nil {
		// Pending entry already settled by timeout or cancellation.
		log.Debug().Str("client", c.name).Uint64("id", env.ID).
			Str("type", env.Type).Msg("dropping late response")
		return
	}
	observability.AddRPCInFlight(c.name, -1)

	resp, err := protocol.DecodeResponse(env)
	switch {
	case err != nil:
		call.done <- callResult{err: err}
	case resp.Success:
		call.done <- callResult{data: resp.Data}
	default:
		call.done <- callResult{err: fmt.Errorf("%w: %s", ErrRemoteRejected, resp.Error)}
	}
}

// shutdown marks the client closed and sweeps the pending table so no
// caller hangs on a dead connection.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	swept := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		swept = append(swept, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range swept {
		observability.AddRPCInFlight(c.name, -1)
		call.done <- callResult{err: cause}
	}
	if len(swept) > 0 {
		log.Warn().Str("client", c.name).Int("pending", len(swept)).Msg("connection lost with calls in flight")
	}
	_ = c.conn.Close()
}
