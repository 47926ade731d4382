// Package transport delivers envelopes from a client context to a
// relay daemon. Two carriers exist: the structured Unix socket channel
// when the socket is reachable, and the shared broadcast channel
// otherwise. The carrier is picked once at construction by capability
// probe, never per call.
package transport

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/protocol"
)

// ChannelReplyTimeout bounds a broadcast-channel round trip. The socket
// carrier honors the caller's context instead.
const ChannelReplyTimeout = 10 * time.Second

// Carrier is one concrete delivery mechanism. Send blocks until a
// correlated reply, an error, or its timeout.
type Carrier interface {
	Name() string
	Send(ctx context.Context, env protocol.Envelope) (*protocol.Envelope, error)
	Close() error
}

// Adapter fronts the chosen carrier with the never-fails contract: a
// failed or timed-out send yields nil, and the caller owns any retry
// decision.
type Adapter struct {
	carrier Carrier
}

func NewAdapter(carrier Carrier) *Adapter {
	return &Adapter{carrier: carrier}
}

// Detect probes the structured socket channel and picks a carrier. A
// reachable socket wins; otherwise delivery goes over the broadcast
// channel at channelURL.
func Detect(socketPath, channelURL string) (*Adapter, error) {
	if probeSocket(socketPath) {
		carrier, err := DialSocket(socketPath)
		if err == nil {
			log.Debug().Str("socket", socketPath).Msg("structured channel selected")
			return NewAdapter(carrier), nil
		}
		log.Warn().Str("socket", socketPath).Err(err).Msg("socket probe passed but dial failed, falling back")
	}

	carrier, err := DialChannel(channelURL)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("channel", channelURL).Msg("broadcast channel selected")
	return NewAdapter(carrier), nil
}

// CarrierName reports which delivery mechanism was selected.
func (a *Adapter) CarrierName() string {
	return a.carrier.Name()
}

// Send delivers one envelope and waits for its reply. It never returns
// an error: nil means the send failed or timed out.
func (a *Adapter) Send(ctx context.Context, env protocol.Envelope) *protocol.Envelope {
	reply, err := a.carrier.Send(ctx, env)
	if err != nil {
		log.Warn().Str("carrier", a.carrier.Name()).Str("type", env.Type).Err(err).Msg("send failed")
		return nil
	}
	return reply
}

func (a *Adapter) Close() error {
	return a.carrier.Close()
}

// probeSocket is the capability check: can the socket be dialed right
// now. Errors from actual use never drive carrier selection.
func probeSocket(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
