package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol"
)

type handlerFunc func(ctx context.Context, c *connection, req protocol.Request) (any, error)

func (h *Hub) handlerTable() map[protocol.MessageKind]handlerFunc {
	return map[protocol.MessageKind]handlerFunc{
		protocol.KindPing:              h.handlePing,
		protocol.KindAIChat:            h.handleAIChat,
		protocol.KindAIComplete:        h.handleAIChat,
		protocol.KindScreenshotCapture: h.handleScreenshotCapture,
		protocol.KindFileRead:          h.handleFileRead,
		protocol.KindFileWrite:         h.handleFileWrite,
		protocol.KindFileList:          h.handleFileList,
		protocol.KindVoiceStart:        h.handleVoiceStart,
		protocol.KindVoiceStop:         h.handleVoiceStop,
		protocol.KindSystemInfo:        h.handleSystemInfo,
		protocol.KindSystemExec:        h.handleSystemExec,
		protocol.KindContentExtract:    h.handleContentExtract,
		protocol.KindClipboardRead:     h.handleClipboardRead,
		protocol.KindClipboardWrite:    h.handleClipboardWrite,
		protocol.KindSettingsGet:       h.handleSettingsGet,
	}
}

// dispatch serves one inbound frame and responds exactly once to the
// originating connection, even on handler failure or panic.
func (h *Hub) dispatch(c *connection, env protocol.Envelope) {
	kind := protocol.KindOf(env.Type)
	if !kind.Known() {
		observability.RecordHubFrame(h.cfg.Name, env.Type, "unknown")
		log.Warn().Str("hub", h.cfg.Name).Str("conn", c.id).Str("type", env.Type).Msg("unknown message type")
		h.respondErr(c, env, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageType, env.Type))
		return
	}

	var req protocol.Request
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			observability.RecordHubFrame(h.cfg.Name, env.Type, "error")
			h.respondErr(c, env, fmt.Errorf("%w: %v", protocol.ErrInvalidEnvelope, err))
			return
		}
	}

	if err := h.authorize(kind, req); err != nil {
		observability.RecordHubFrame(h.cfg.Name, env.Type, "unauthorized")
		h.respondErr(c, env, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandlerTimeout)
	defer cancel()

	data, err := h.invoke(ctx, kind, c, req)
	if err != nil {
		observability.RecordHubFrame(h.cfg.Name, env.Type, "error")
		log.Warn().Str("hub", h.cfg.Name).Str("conn", c.id).Str("type", env.Type).Err(err).Msg("handler failed")
		h.respondErr(c, env, err)
		return
	}

	observability.RecordHubFrame(h.cfg.Name, env.Type, "ok")
	h.respondOK(c, env, data)
}

// invoke isolates handler panics so one bad frame cannot take down the
// connection goroutine.
func (h *Hub) invoke(ctx context.Context, kind protocol.MessageKind, c *connection, req protocol.Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerRecovered, r)
		}
	}()
	return h.handlers[kind](ctx, c, req)
}

func (h *Hub) authorize(kind protocol.MessageKind, req protocol.Request) error {
	if h.cfg.AuthToken == "" || kind == protocol.KindPing {
		return nil
	}
	token, _ := req.Params["token"].(string)
	if token != h.cfg.AuthToken {
		return ErrUnauthorized
	}
	return nil
}

func (h *Hub) respondOK(c *connection, env protocol.Envelope, data any) {
	if !env.ExpectsReply() {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		h.respondErr(c, env, err)
		return
	}
	out, err := protocol.NewResponseEnvelope(env.ID, protocol.Response{Success: true, Data: payload})
	if err != nil {
		h.respondErr(c, env, err)
		return
	}
	if err := h.Send(c.id, out); err != nil {
		log.Debug().Str("hub", h.cfg.Name).Str("conn", c.id).Err(err).Msg("response dropped, connection gone")
	}
}

func (h *Hub) respondErr(c *connection, env protocol.Envelope, cause error) {
	if !env.ExpectsReply() {
		return
	}
	if err := h.Send(c.id, protocol.NewErrorEnvelope(env.ID, cause.Error())); err != nil {
		log.Debug().Str("hub", h.cfg.Name).Str("conn", c.id).Err(err).Msg("error frame dropped, connection gone")
	}
}

func (h *Hub) handlePing(_ context.Context, _ *connection, _ protocol.Request) (any, error) {
	return map[string]any{
		"pong": true,
		"hub":  h.cfg.Name,
		"time": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *Hub) handleAIChat(ctx context.Context, _ *connection, req protocol.Request) (any, error) {
	if h.cfg.Chat == nil {
		return nil, ErrNoChatBackend
	}
	message, _ := req.Params["message"].(string)
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: missing message", protocol.ErrInvalidEnvelope)
	}
	chatContext, _ := req.Params["context"].(map[string]any)
	reply, err := h.cfg.Chat(ctx, message, chatContext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reply": reply}, nil
}

func (h *Hub) handleScreenshotCapture(_ context.Context, _ *connection, _ protocol.Request) (any, error) {
	if len(h.cfg.CaptureCommand) == 0 {
		return nil, ErrCaptureUnset
	}
	out, err := h.cfg.Runner.Run(h.cfg.CaptureCommand[0], h.cfg.CaptureCommand[1:]...)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %v: %s", err, strings.TrimSpace(out))
	}
	return map[string]any{"output": strings.TrimSpace(out)}, nil
}

func (h *Hub) handleFileRead(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	path, err := h.workspacePath(req)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "content": string(content)}, nil
}

func (h *Hub) handleFileWrite(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	path, err := h.workspacePath(req)
	if err != nil {
		return nil, err
	}
	content, _ := req.Params["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func (h *Hub) handleFileList(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	path, err := h.workspacePath(req)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"path": path, "entries": names}, nil
}

func (h *Hub) handleVoiceStart(_ context.Context, c *connection, _ protocol.Request) (any, error) {
	c.voiceMu.Lock()
	if c.voiceSession != "" {
		session := c.voiceSession
		c.voiceMu.Unlock()
		return map[string]any{"session_id": session, "already_active": true}, nil
	}
	c.voiceSession = uuid.NewString()
	c.voiceStarted = time.Now()
	session := c.voiceSession
	c.voiceMu.Unlock()

	h.broadcastVoiceState(c.id, session, true)
	return map[string]any{"session_id": session}, nil
}

func (h *Hub) handleVoiceStop(_ context.Context, c *connection, _ protocol.Request) (any, error) {
	c.voiceMu.Lock()
	session := c.voiceSession
	started := c.voiceStarted
	c.voiceSession = ""
	c.voiceMu.Unlock()

	if session == "" {
		return map[string]any{"active": false}, nil
	}
	h.broadcastVoiceState(c.id, session, false)
	return map[string]any{
		"session_id":  session,
		"duration_ms": time.Since(started).Milliseconds(),
	}, nil
}

// broadcastVoiceState lets every attached surface mirror voice activity.
func (h *Hub) broadcastVoiceState(connID, session string, active bool) {
	payload, _ := json.Marshal(map[string]any{
		"connection_id": connID,
		"session_id":    session,
		"active":        active,
	})
	h.Broadcast(protocol.Envelope{Type: "voice.state", Payload: payload})
}

func (h *Hub) handleSystemInfo(_ context.Context, _ *connection, _ protocol.Request) (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"hub":      h.cfg.Name,
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"go":       runtime.Version(),
	}, nil
}

func (h *Hub) handleSystemExec(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	if !h.cfg.AllowExec {
		return nil, ErrExecDisabled
	}
	command, _ := req.Params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: missing command", protocol.ErrInvalidEnvelope)
	}
	args := stringSlice(req.Params["args"])
	out, err := h.cfg.Runner.Run(command, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %v: %s", err, strings.TrimSpace(out))
	}
	return map[string]any{"output": out}, nil
}

func (h *Hub) handleContentExtract(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	html, _ := req.Params["html"].(string)
	if html == "" {
		html, _ = req.Params["text"].(string)
	}
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("%w: missing html", protocol.ErrInvalidEnvelope)
	}
	url, _ := req.Params["url"].(string)
	title, text := extractContent(html)
	return map[string]any{"url": url, "title": title, "text": text}, nil
}

func (h *Hub) handleClipboardRead(_ context.Context, _ *connection, _ protocol.Request) (any, error) {
	h.clipMu.Lock()
	defer h.clipMu.Unlock()
	return map[string]any{"content": h.clipboard}, nil
}

func (h *Hub) handleClipboardWrite(_ context.Context, _ *connection, req protocol.Request) (any, error) {
	content, _ := req.Params["content"].(string)
	h.clipMu.Lock()
	h.clipboard = content
	h.clipMu.Unlock()
	return map[string]any{"bytes": len(content)}, nil
}

func (h *Hub) handleSettingsGet(_ context.Context, _ *connection, _ protocol.Request) (any, error) {
	return map[string]any{
		"hub":        h.cfg.Name,
		"workspace":  h.cfg.Workspace,
		"allow_exec": h.cfg.AllowExec,
		"chat":       h.cfg.Chat != nil,
	}, nil
}

// workspacePath resolves the request path inside the configured
// workspace root, rejecting traversal outside it.
func (h *Hub) workspacePath(req protocol.Request) (string, error) {
	root := strings.TrimSpace(h.cfg.Workspace)
	if root == "" {
		return "", fmt.Errorf("%w: no workspace configured", ErrWorkspace)
	}
	raw, _ := req.Params["path"].(string)
	joined := filepath.Join(root, filepath.Clean("/"+raw))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrWorkspace, raw)
	}
	return joined, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extractContent pulls the title tag and a whitespace-normalized text
// body out of raw markup. Scoring and readability heuristics live with
// the callers; the hub only produces the raw shapes.
func extractContent(html string) (title, text string) {
	lower := strings.ToLower(html)
	if start := strings.Index(lower, "<title>"); start >= 0 {
		rest := html[start+len("<title>"):]
		if end := strings.Index(strings.ToLower(rest), "</title>"); end >= 0 {
			title = strings.TrimSpace(rest[:end])
		}
	}

	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	text = strings.Join(strings.Fields(b.String()), " ")
	return title, text
}
