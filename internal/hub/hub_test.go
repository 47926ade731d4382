package hub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/rpc"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

func startHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	cfg.Network = "tcp"
	cfg.Addr = "127.0.0.1:0"
	h := New(cfg)
	if err := h.Start(); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func dialHub(t *testing.T, h *Hub, notify rpc.NotifyFunc) *rpc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := rpc.Dial(ctx, "test-client", "tcp", h.Addr(), notify)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForConnections(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub never reached %d connections, have %d", want, h.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectedEnvelopeCarriesConnectionID(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})
	connected := make(chan protocol.ConnectedPayload, 1)
	dialHub(t, h, func(env protocol.Envelope) {
		if env.Type != protocol.TypeConnected {
			return
		}
		var payload protocol.ConnectedPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			connected <- payload
		}
	})

	select {
	case payload := <-connected:
		if payload.ConnectionID == "" {
			t.Fatalf("connected envelope missing connection id")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connected envelope never arrived")
	}
}

func TestPingRespondsToSameConnectionOnly(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})

	otherFrames := make(chan protocol.Envelope, 8)
	dialHub(t, h, func(env protocol.Envelope) { otherFrames <- env })
	pinger := dialHub(t, h, nil)
	waitForConnections(t, h, 2)

	data, err := pinger.Call(context.Background(), "ping", protocol.Request{Action: "ping"}, time.Second)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var out struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(data, &out); err != nil || !out.Pong {
		t.Fatalf("unexpected pong payload %s err=%v", data, err)
	}

	// The bystander sees only its own connected frame.
	for {
		select {
		case env := <-otherFrames:
			if env.Type != protocol.TypeConnected {
				t.Fatalf("bystander received %q frame for another connection's ping", env.Type)
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestUnknownTypeYieldsStructuredErrorFrame(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})
	client := dialHub(t, h, nil)

	_, err := client.Call(context.Background(), "definitely.not.real", protocol.Request{}, time.Second)
	if !errors.Is(err, rpc.ErrRemoteRejected) {
		t.Fatalf("expected structured remote rejection, got %v", err)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("unknown type cost a connection: %d live", h.ConnectionCount())
	}

	// The connection keeps serving afterwards.
	if _, err := client.Call(context.Background(), "ping", protocol.Request{}, time.Second); err != nil {
		t.Fatalf("ping after unknown type: %v", err)
	}
}

func TestBroadcastSurvivesConcurrentDisconnect(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})

	bFrames := make(chan protocol.Envelope, 8)
	a := dialHub(t, h, nil)
	dialHub(t, h, func(env protocol.Envelope) { bFrames <- env })
	waitForConnections(t, h, 2)

	// Close A, then broadcast while the hub may still be reaping it.
	_ = a.Close()
	payload, _ := json.Marshal(map[string]string{"note": "still here"})
	h.Broadcast(protocol.Envelope{Type: "voice.state", Payload: payload})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-bFrames:
			if env.Type == "voice.state" {
				return
			}
		case <-deadline:
			t.Fatalf("surviving connection never received the broadcast")
		}
	}
}

func TestStopClosesConnectionsButStartErrorsSurface(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})
	client := dialHub(t, h, nil)
	waitForConnections(t, h, 1)

	h.Stop()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client read loop survived hub stop")
	}

	bad := New(Config{Name: "hub.bad", Network: "tcp", Addr: "256.0.0.1:1"})
	if err := bad.Start(); !errors.Is(err, ErrBind) {
		t.Fatalf("expected ErrBind, got %v", err)
	}
}

func TestFileOperationsStayInsideWorkspace(t *testing.T) {
	testlog.Start(t)

	workspace := t.TempDir()
	h := startHub(t, Config{Name: "hub.test", Workspace: workspace})
	client := dialHub(t, h, nil)

	write := protocol.Request{Action: "file.write", Params: map[string]any{
		"path":    "notes/today.md",
		"content": "relay notes",
	}}
	if _, err := client.Call(context.Background(), "file.write", write, time.Second); err != nil {
		t.Fatalf("file.write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "notes", "today.md")); err != nil {
		t.Fatalf("written file missing: %v", err)
	}

	read := protocol.Request{Action: "file.read", Params: map[string]any{"path": "notes/today.md"}}
	data, err := client.Call(context.Background(), "file.read", read, time.Second)
	if err != nil {
		t.Fatalf("file.read: %v", err)
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Content != "relay notes" {
		t.Fatalf("unexpected read payload %s err=%v", data, err)
	}

	escape := protocol.Request{Action: "file.read", Params: map[string]any{"path": "../../etc/passwd"}}
	if _, err := client.Call(context.Background(), "file.read", escape, time.Second); !errors.Is(err, rpc.ErrRemoteRejected) {
		t.Fatalf("expected traversal rejection, got %v", err)
	}
}

func TestAuthTokenGatesNonPingOperations(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test", AuthToken: "sesame"})
	client := dialHub(t, h, nil)

	if _, err := client.Call(context.Background(), "ping", protocol.Request{}, time.Second); err != nil {
		t.Fatalf("ping should bypass the token gate: %v", err)
	}

	info := protocol.Request{Action: "system.info"}
	if _, err := client.Call(context.Background(), "system.info", info, time.Second); !errors.Is(err, rpc.ErrRemoteRejected) {
		t.Fatalf("expected unauthorized rejection, got %v", err)
	}

	info.Params = map[string]any{"token": "sesame"}
	if _, err := client.Call(context.Background(), "system.info", info, time.Second); err != nil {
		t.Fatalf("authorized system.info: %v", err)
	}
}

func TestVoiceSessionBroadcastsState(t *testing.T) {
	testlog.Start(t)

	h := startHub(t, Config{Name: "hub.test"})

	states := make(chan protocol.Envelope, 8)
	dialHub(t, h, func(env protocol.Envelope) {
		if env.Type == "voice.state" {
			states <- env
		}
	})
	speaker := dialHub(t, h, nil)
	waitForConnections(t, h, 2)

	data, err := speaker.Call(context.Background(), "voice.start", protocol.Request{}, time.Second)
	if err != nil {
		t.Fatalf("voice.start: %v", err)
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &started); err != nil || started.SessionID == "" {
		t.Fatalf("unexpected voice.start payload %s err=%v", data, err)
	}

	select {
	case env := <-states:
		var state struct {
			SessionID string `json:"session_id"`
			Active    bool   `json:"active"`
		}
		if err := json.Unmarshal(env.Payload, &state); err != nil {
			t.Fatalf("decode voice.state: %v", err)
		}
		if state.SessionID != started.SessionID || !state.Active {
			t.Fatalf("unexpected voice state %+v", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("voice.state broadcast never arrived")
	}

	if _, err := speaker.Call(context.Background(), "voice.stop", protocol.Request{}, time.Second); err != nil {
		t.Fatalf("voice.stop: %v", err)
	}
}
