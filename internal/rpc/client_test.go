package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

// echoPeer answers every request envelope with a success response built
// by reply, in the order requests are released by gate (nil gate answers
// immediately).
func echoPeer(t *testing.T, conn net.Conn, reply func(env protocol.Envelope) protocol.Response) {
	t.Helper()
	reader := bufio.NewReader(conn)
	go func() {
		for {
			env, err := protocol.ReadEnvelope(reader)
			if err != nil {
				return
			}
			resp, err := protocol.NewResponseEnvelope(env.ID, reply(env))
			if err != nil {
				return
			}
			if err := protocol.WriteEnvelope(conn, resp); err != nil {
				return
			}
		}
	}()
}

func TestCallResolvesWithPayload(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()
	echoPeer(t, peer, func(env protocol.Envelope) protocol.Response {
		return protocol.Response{Success: true, Data: json.RawMessage(`{"pong":true}`)}
	})

	c := NewClient("test", client, nil)
	defer c.Close()

	data, err := c.Call(context.Background(), "ping", map[string]any{}, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var out struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(data, &out); err != nil || !out.Pong {
		t.Fatalf("unexpected payload %s err=%v", data, err)
	}
}

func TestCallRejectsWithRemoteError(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()
	echoPeer(t, peer, func(env protocol.Envelope) protocol.Response {
		return protocol.Response{Success: false, Error: "capture device busy"}
	})

	c := NewClient("test", client, nil)
	defer c.Close()

	_, err := c.Call(context.Background(), "screenshot.capture", map[string]any{}, time.Second)
	if !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
}

func TestCallTimesOutAgainstSilentPeer(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()
	// Drain requests without ever answering.
	go func() {
		reader := bufio.NewReader(peer)
		for {
			if _, err := protocol.ReadEnvelope(reader); err != nil {
				return
			}
		}
	}()

	c := NewClient("test", client, nil)
	defer c.Close()

	start := time.Now()
	_, err := c.Call(context.Background(), "screenshot.capture", map[string]any{}, time.Second)
	elapsed := time.Since(start)
	if !errors.Is(err, protocol.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed < time.Second || elapsed > time.Second+500*time.Millisecond {
		t.Fatalf("timeout fired outside expected window: %v", elapsed)
	}
}

func TestConcurrentCallsSettleWithOwnPayloads(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()

	// Collect all requests first, then answer in reverse arrival order so
	// correctness depends purely on id matching.
	const calls = 8
	reader := bufio.NewReader(peer)
	go func() {
		received := make([]protocol.Envelope, 0, calls)
		for len(received) < calls {
			env, err := protocol.ReadEnvelope(reader)
			if err != nil {
				return
			}
			received = append(received, env)
		}
		for i := len(received) - 1; i >= 0; i-- {
			env := received[i]
			var req struct {
				N int `json:"n"`
			}
			_ = json.Unmarshal(env.Payload, &req)
			resp, _ := protocol.NewResponseEnvelope(env.ID, protocol.Response{
				Success: true,
				Data:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, req.N)),
			})
			if err := protocol.WriteEnvelope(peer, resp); err != nil {
				return
			}
		}
	}()

	c := NewClient("test", client, nil)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data, err := c.Call(context.Background(), "ai.chat", map[string]int{"n": n}, 5*time.Second)
			if err != nil {
				errs[n] = err
				return
			}
			var out struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(data, &out); err != nil {
				errs[n] = err
				return
			}
			if out.N != n {
				errs[n] = fmt.Errorf("call %d got payload for %d", n, out.N)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()

	reader := bufio.NewReader(peer)
	gotFirst := make(chan protocol.Envelope, 1)
	go func() {
		env, err := protocol.ReadEnvelope(reader)
		if err != nil {
			return
		}
		gotFirst <- env
	}()

	c := NewClient("test", client, nil)
	defer c.Close()

	_, err := c.Call(context.Background(), "ping", map[string]any{}, 50*time.Millisecond)
	if !errors.Is(err, protocol.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// Deliver the response well after the timeout settled the call; the
	// read loop must drop it without disturbing a fresh call on the same
	// connection.
	env := <-gotFirst
	late, _ := protocol.NewResponseEnvelope(env.ID, protocol.Response{Success: true, Data: json.RawMessage(`{}`)})
	if err := protocol.WriteEnvelope(peer, late); err != nil {
		t.Fatalf("write late response: %v", err)
	}

	echoPeer(t, peer, func(env protocol.Envelope) protocol.Response {
		return protocol.Response{Success: true, Data: json.RawMessage(`{"ok":true}`)}
	})
	if _, err := c.Call(context.Background(), "ping", map[string]any{}, time.Second); err != nil {
		t.Fatalf("follow-up call after dropped late response: %v", err)
	}
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()

	reader := bufio.NewReader(peer)
	received := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			if _, err := protocol.ReadEnvelope(reader); err != nil {
				return
			}
		}
		close(received)
	}()

	c := NewClient("test", client, nil)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = c.Call(context.Background(), "voice.start", map[string]any{}, 5*time.Second)
		}(i)
	}

	<-received
	_ = peer.Close()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, protocol.ErrConnectionLost) {
			t.Fatalf("pending call %d: expected ErrConnectionLost, got %v", i, err)
		}
	}
}

func TestCallOnClosedClientFailsFast(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	c := NewClient("test", client, nil)
	_ = c.Close()
	_ = peer.Close()

	<-c.Done()
	_, err := c.Call(context.Background(), "ping", map[string]any{}, time.Second)
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.Connected() {
		t.Fatalf("closed client reports connected")
	}
}

func TestNotifyEnvelopesReachHandler(t *testing.T) {
	testlog.Start(t)

	client, peer := net.Pipe()
	defer peer.Close()

	got := make(chan protocol.Envelope, 1)
	c := NewClient("test", client, func(env protocol.Envelope) {
		got <- env
	})
	defer c.Close()

	payload, _ := json.Marshal(protocol.ConnectedPayload{ConnectionID: "conn-1"})
	if err := protocol.WriteEnvelope(peer, protocol.Envelope{Type: protocol.TypeConnected, Payload: payload}); err != nil {
		t.Fatalf("write connected: %v", err)
	}

	select {
	case env := <-got:
		if env.Type != protocol.TypeConnected {
			t.Fatalf("unexpected notify envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("connected envelope never reached notify handler")
	}
}
