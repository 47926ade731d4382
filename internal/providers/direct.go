package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Direct calls a chat-completions style model API with a bearer key.
type Direct struct {
	name    string
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

func NewDirect(name, url, apiKey, model string, timeout time.Duration) *Direct {
	return &Direct{
		name:    strings.TrimSpace(name),
		url:     strings.TrimSpace(url),
		apiKey:  apiKey,
		model:   strings.TrimSpace(model),
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (d *Direct) Name() string { return d.name }

func (d *Direct) Timeout() time.Duration { return d.timeout }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (d *Direct) Invoke(ctx context.Context, message string, metadata map[string]any) (string, error) {
	messages := []chatMessage{}
	if system, ok := metadata["system"].(string); ok && strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: message})

	body, err := json.Marshal(chatCompletionRequest{Model: d.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %d", ErrBadStatusCode, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("%w: %d: %s", ErrBadStatusCode, resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("%w: %d", ErrBadStatusCode, resp.StatusCode)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}
	return parsed.Choices[0].Message.Content, nil
}

// ChatFunc adapts the direct backend to the hub's chat seam.
func (d *Direct) ChatFunc() func(ctx context.Context, message string, metadata map[string]any) (string, error) {
	return d.Invoke
}
