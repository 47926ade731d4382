package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/danmuck/relayctl/internal/protocol"
)

// ChannelCarrier delivers requests over the shared broadcast channel.
// Frames are visible to every channel peer, so each request is tagged
// with the reserved discriminator and a fresh token; only the matching
// tagged response settles the send.
type ChannelCarrier struct {
	url  string
	conn *websocket.Conn

	mu      sync.Mutex
	waiters map[string]chan protocol.ChannelResponse
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func DialChannel(url string) (*ChannelCarrier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	conn, _, err := websocket.Dial(ctx, url, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNotConnected, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	c := &ChannelCarrier{
		url:     url,
		conn:    conn,
		waiters: make(map[string]chan protocol.ChannelResponse),
		cancel:  readCancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *ChannelCarrier) Name() string { return "channel" }

// Send publishes one tagged request and waits for the correlated tagged
// response. The transient listener is registered before the frame
// leaves so a fast responder cannot race the registration.
func (c *ChannelCarrier) Send(ctx context.Context, env protocol.Envelope) (*protocol.Envelope, error) {
	var req protocol.Request
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err)
		}
	}

	token := uuid.NewString()
	waiter := make(chan protocol.ChannelResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, protocol.ErrNotConnected
	}
	c.waiters[token] = waiter
	c.mu.Unlock()
	defer c.removeWaiter(token)

	payload, err := json.Marshal(protocol.ChannelRequest{Token: token, Request: req})
	if err != nil {
		return nil, err
	}
	frame, err := protocol.EncodeEnvelope(protocol.Envelope{Type: protocol.TypeChannelRequest, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)
	}

	timer := time.NewTimer(ChannelReplyTimeout)
	defer timer.Stop()

	select {
	case chResp := <-waiter:
		out, err := protocol.NewResponseEnvelope(env.ID, chResp.Response)
		if err != nil {
			return nil, err
		}
		return &out, nil
	case <-timer.C:
		return nil, protocol.ErrRequestTimeout
	case <-c.done:
		return nil, protocol.ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ChannelCarrier) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *ChannelCarrier) removeWaiter(token string) {
	c.mu.Lock()
	delete(c.waiters, token)
	c.mu.Unlock()
}

// readLoop drains the broadcast channel, settling waiters on tagged
// responses and ignoring every other peer's traffic.
func (c *ChannelCarrier) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil || env.Type != protocol.TypeChannelResponse {
			continue
		}
		var chResp protocol.ChannelResponse
		if err := json.Unmarshal(env.Payload, &chResp); err != nil {
			log.Debug().Str("channel", c.url).Err(err).Msg("dropping malformed tagged response")
			continue
		}

		c.mu.Lock()
		waiter, ok := c.waiters[chResp.Token]
		if ok {
			delete(c.waiters, chResp.Token)
		}
		c.mu.Unlock()
		if ok {
			waiter <- chResp
		}
	}
}
