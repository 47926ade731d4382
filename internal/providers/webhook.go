// Package providers holds the concrete fallback-chain backends the
// relay can be configured with. Each one satisfies relay.Provider and
// maps its transport failures onto plain errors so the orchestrator can
// advance the chain.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrEmptyReply    = errors.New("providers: backend returned an empty reply")
	ErrBadStatusCode = errors.New("providers: backend returned a non-200 status")
)

// maxReplyBytes bounds how much of a backend response body is read.
const maxReplyBytes = 1 << 20

// Webhook posts the user message to a configured automation endpoint
// and expects a JSON body carrying the reply.
type Webhook struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewWebhook(name, url string, timeout time.Duration) *Webhook {
	return &Webhook{
		name:    strings.TrimSpace(name),
		url:     strings.TrimSpace(url),
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Timeout() time.Duration { return w.timeout }

type webhookRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type webhookReply struct {
	Reply  string `json:"reply"`
	Output string `json:"output"`
	Text   string `json:"text"`
}

func (w *Webhook) Invoke(ctx context.Context, message string, metadata map[string]any) (string, error) {
	body, err := json.Marshal(webhookRequest{Message: message, Context: metadata})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d", ErrBadStatusCode, resp.StatusCode)
	}

	var parsed webhookReply
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Some automation endpoints answer with a bare string body.
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return "", ErrEmptyReply
		}
		return text, nil
	}
	for _, candidate := range []string{parsed.Reply, parsed.Output, parsed.Text} {
		if strings.TrimSpace(candidate) != "" {
			return candidate, nil
		}
	}
	return "", ErrEmptyReply
}
