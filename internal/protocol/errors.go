package protocol

import "errors"

var (
	ErrNotConnected       = errors.New("protocol: not connected")
	ErrRequestTimeout     = errors.New("protocol: request timeout")
	ErrConnectionLost     = errors.New("protocol: connection lost")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrEnvelopeTooLarge   = errors.New("protocol: envelope too large")
)
