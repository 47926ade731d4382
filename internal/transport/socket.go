package transport

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/protocol"
)

const socketRedialAttempts = 3

// SocketCarrier speaks JSON-lines envelopes over the relay's Unix
// socket. Sends are serialized; the relay answers each request in place
// on the same connection.
type SocketCarrier struct {
	path    string
	backoff BackoffConfig
	rng     *rand.Rand

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID atomic.Uint64
	closed bool
}

func DialSocket(path string) (*SocketCarrier, error) {
	c := &SocketCarrier{
		path:    path,
		backoff: DefaultBackoffConfig(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := c.redial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SocketCarrier) Name() string { return "socket" }

// Send writes one envelope and reads frames until the correlated reply
// arrives. A dropped connection is redialed with backoff before the
// send is reported failed.
func (c *SocketCarrier) Send(ctx context.Context, env protocol.Envelope) (*protocol.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, protocol.ErrNotConnected
	}

	env.ID = c.nextID.Add(1)

	var lastErr error
	for attempt := 1; attempt <= socketRedialAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.conn == nil {
			if err := c.redial(); err != nil {
				lastErr = err
				c.sleepBackoff(ctx, attempt)
				continue
			}
		}

		reply, err := c.exchange(ctx, env)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		c.dropConn()
		log.Debug().Str("socket", c.path).Int("attempt", attempt).Err(err).Msg("socket exchange failed")
		c.sleepBackoff(ctx, attempt)
	}
	return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionLost, lastErr)
}

func (c *SocketCarrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.reader = nil
		return err
	}
	return nil
}

func (c *SocketCarrier) exchange(ctx context.Context, env protocol.Envelope) (*protocol.Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := protocol.WriteEnvelope(c.conn, env); err != nil {
		return nil, err
	}
	for {
		reply, err := protocol.ReadEnvelope(c.reader)
		if err != nil {
			return nil, err
		}
		if reply.ID == env.ID {
			return &reply, nil
		}
		// A frame for an earlier abandoned request; skip it.
	}
}

func (c *SocketCarrier) redial() error {
	conn, err := net.DialTimeout("unix", c.path, time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNotConnected, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *SocketCarrier) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func (c *SocketCarrier) sleepBackoff(ctx context.Context, attempt int) {
	delay := NextBackoffDelay(c.backoff, attempt, c.rng)
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
