package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

type stubProvider struct {
	name    string
	timeout time.Duration
	reply   string
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (p *stubProvider) Name() string           { return p.name }
func (p *stubProvider) Timeout() time.Duration { return p.timeout }

func (p *stubProvider) Invoke(ctx context.Context, message string, metadata map[string]any) (string, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.reply, p.err
}

func TestHandleFirstProviderWins(t *testing.T) {
	testlog.Start(t)

	first := &stubProvider{name: "primary", reply: "hello from primary"}
	second := &stubProvider{name: "backup", reply: "hello from backup"}
	o := NewOrchestrator("t", []Provider{first, second})

	res := o.Handle(context.Background(), "hi", nil)
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ProviderName != "primary" || res.Reply != "hello from primary" {
		t.Fatalf("wrong winner: %+v", res)
	}
	if second.calls.Load() != 0 {
		t.Fatalf("backup should not have been invoked")
	}
}

func TestHandleFallsThroughToNextProvider(t *testing.T) {
	testlog.Start(t)

	first := &stubProvider{name: "webhook", err: errors.New("upstream 502")}
	second := &stubProvider{name: "direct", reply: "direct answer"}
	third := &stubProvider{name: "companion", reply: "unused"}
	o := NewOrchestrator("t", []Provider{first, second, third})

	res := o.Handle(context.Background(), "hi", nil)
	if res.Status != StatusSuccess || res.ProviderName != "direct" {
		t.Fatalf("expected direct to win, got %+v", res)
	}
	if res.Reply != "direct answer" {
		t.Fatalf("wrong reply: %q", res.Reply)
	}
	if third.calls.Load() != 0 {
		t.Fatalf("chain should stop at the first success")
	}
}

func TestHandleSlowProviderTimesOutAndChainAdvances(t *testing.T) {
	testlog.Start(t)

	slow := &stubProvider{name: "webhook", timeout: 50 * time.Millisecond, delay: 2 * time.Second, reply: "too late"}
	fast := &stubProvider{name: "direct", timeout: time.Second, reply: "fast answer"}
	o := NewOrchestrator("t", []Provider{slow, fast})

	start := time.Now()
	res := o.Handle(context.Background(), "hi", nil)
	if res.Status != StatusSuccess || res.ProviderName != "direct" {
		t.Fatalf("expected direct after timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestHandleAllProvidersFailYieldsDegraded(t *testing.T) {
	testlog.Start(t)

	o := NewOrchestrator("t", []Provider{
		&stubProvider{name: "a", err: errors.New("boom")},
		&stubProvider{name: "b", err: errors.New("boom")},
	})

	res := o.Handle(context.Background(), "hi", nil)
	if !res.Degraded() {
		t.Fatalf("expected degraded, got %+v", res)
	}
	if res.Message != DegradedMessage {
		t.Fatalf("degraded result must carry the fixed message, got %q", res.Message)
	}
	if res.Reason == "" {
		t.Fatalf("degraded result should carry a diagnostic reason")
	}
}

func TestHandleEmptyMessageDegradesWithoutInvoking(t *testing.T) {
	testlog.Start(t)

	p := &stubProvider{name: "a", reply: "x"}
	o := NewOrchestrator("t", []Provider{p})

	res := o.Handle(context.Background(), "   ", nil)
	if !res.Degraded() {
		t.Fatalf("expected degraded, got %+v", res)
	}
	if p.calls.Load() != 0 {
		t.Fatalf("no provider should run for an empty message")
	}
}

func TestHandleNoProvidersDegrades(t *testing.T) {
	testlog.Start(t)

	o := NewOrchestrator("t", nil)
	if res := o.Handle(context.Background(), "hi", nil); !res.Degraded() {
		t.Fatalf("expected degraded, got %+v", res)
	}
}

func TestHandleStopsAfterContextCancelled(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	first := &stubProvider{name: "a", delay: 5 * time.Second, timeout: 10 * time.Second}
	second := &stubProvider{name: "b", reply: "should not run"}
	o := NewOrchestrator("t", []Provider{first, second})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := o.Handle(ctx, "hi", nil)
	if !res.Degraded() {
		t.Fatalf("expected degraded after cancel, got %+v", res)
	}
	if second.calls.Load() != 0 {
		t.Fatalf("chain must not advance past a cancelled context")
	}
}
