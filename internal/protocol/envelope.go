package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TypeConnected is sent once per accepted hub connection and carries
	// the assigned connection id in its payload.
	TypeConnected = "connected"

	// TypeError is the structured failure frame emitted in place of a
	// normal response when a request cannot be served.
	TypeError = "error"

	// TypeRelayRequest carries one user request to the relay over the
	// structured socket channel.
	TypeRelayRequest = "relay.request"

	// Channel discriminators tag envelopes travelling over the shared
	// broadcast channel so only relay-aware listeners react to them.
	TypeChannelRequest  = "relay.channel.request"
	TypeChannelResponse = "relay.channel.response"
)

// Envelope is the unit exchanged on any relayctl transport. ID is zero for
// fire-and-forget messages; a nonzero ID links a request to its response
// and is never reused while the request is pending.
type Envelope struct {
	ID      uint64          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate enforces the minimum inbound envelope contract.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return nil
}

// ExpectsReply reports whether the sender is waiting on a correlated
// response for this envelope.
func (e Envelope) ExpectsReply() bool {
	return e.ID != 0
}

// Request is the user-boundary call payload shape.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is the user-boundary reply payload shape. Exactly one of Data
// or Error is meaningful depending on Success.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ConnectedPayload is the body of the one-shot TypeConnected envelope.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ChannelRequest wraps one user request on the shared broadcast channel.
// The token correlates the eventual ChannelResponse because envelope ids
// are only unique per sender, not across channel peers.
type ChannelRequest struct {
	Token   string  `json:"token"`
	Request Request `json:"request"`
}

// ChannelResponse answers one ChannelRequest by token.
type ChannelResponse struct {
	Token    string   `json:"token"`
	Response Response `json:"response"`
}

// NewResponseEnvelope builds a correlated success or error response for
// the request id.
func NewResponseEnvelope(id uint64, resp Response) (Envelope, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return Envelope{}, err
	}
	typ := TypeError
	if resp.Success {
		typ = "response"
	}
	return Envelope{ID: id, Type: typ, Payload: payload}, nil
}

// NewErrorEnvelope builds a correlated structured error frame.
func NewErrorEnvelope(id uint64, message string) Envelope {
	payload, _ := json.Marshal(Response{Success: false, Error: strings.TrimSpace(message)})
	return Envelope{ID: id, Type: TypeError, Payload: payload}
}

// DecodeResponse parses an envelope payload as a Response.
func DecodeResponse(e Envelope) (Response, error) {
	var resp Response
	if len(e.Payload) == 0 {
		return Response{}, fmt.Errorf("%w: empty response payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return resp, nil
}
