package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/rpc"
)

// Companion forwards chat requests to a hub daemon over its structured
// TCP channel. The connection is dialed lazily and re-dialed after a
// loss; a dead hub surfaces as a plain error so the chain can advance.
type Companion struct {
	name    string
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	client *rpc.Client
}

func NewCompanion(name, addr string, timeout time.Duration) *Companion {
	return &Companion{
		name:    strings.TrimSpace(name),
		addr:    strings.TrimSpace(addr),
		timeout: timeout,
	}
}

func (c *Companion) Name() string { return c.name }

func (c *Companion) Timeout() time.Duration { return c.timeout }

type companionReply struct {
	Reply string `json:"reply"`
}

func (c *Companion) Invoke(ctx context.Context, message string, metadata map[string]any) (string, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	data, err := client.Call(ctx, protocol.KindAIChat.WireType(), protocol.Request{
		Action: protocol.KindAIChat.WireType(),
		Params: map[string]any{"message": message, "context": metadata},
	}, c.timeout)
	if err != nil {
		return "", err
	}

	var parsed companionReply
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Reply) == "" {
		return "", ErrEmptyReply
	}
	return parsed.Reply, nil
}

// Close drops the cached hub connection if one is live.
func (c *Companion) Close() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func (c *Companion) connect(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.Connected() {
		return c.client, nil
	}

	client, err := rpc.Dial(ctx, c.name, "tcp", c.addr, c.onNotify)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Companion) onNotify(env protocol.Envelope) {
	if env.Type != protocol.TypeConnected {
		return
	}
	var connected protocol.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &connected); err != nil {
		return
	}
	log.Debug().Str("provider", c.name).Str("connection", connected.ConnectionID).Msg("hub session established")
}
