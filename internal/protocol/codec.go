package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxEnvelopeBytes caps one encoded envelope line. Matches the relay's
// largest expected payload (extracted page content) with headroom.
const MaxEnvelopeBytes = 1 * 1024 * 1024

// WriteEnvelope encodes one envelope as a single JSON line.
func WriteEnvelope(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ReadEnvelope decodes the next JSON line into an envelope. The reader
// owns framing; a line beyond MaxEnvelopeBytes is rejected before parse.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Envelope{}, err
	}
	if len(line) > MaxEnvelopeBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// EncodeEnvelope returns the single-line wire form without the trailing
// newline, for transports that frame messages themselves.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxEnvelopeBytes {
		return nil, ErrEnvelopeTooLarge
	}
	return payload, nil
}

// DecodeEnvelope parses one framed message into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
