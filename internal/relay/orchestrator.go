// Package relay drives one inbound user request through an ordered
// provider chain and always produces a well-formed terminal result.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
)

// DefaultProviderTimeout bounds a provider that does not declare one.
const DefaultProviderTimeout = 30 * time.Second

// Provider answers one user message. Implementations are swappable as
// long as they honor this contract; errors advance the chain and never
// escape the orchestrator.
type Provider interface {
	Name() string
	Timeout() time.Duration
	Invoke(ctx context.Context, message string, metadata map[string]any) (string, error)
}

// Orchestrator tries providers strictly in configured order. The list is
// fixed at construction and only iterated afterwards.
type Orchestrator struct {
	name      string
	providers []Provider
}

func NewOrchestrator(name string, providers []Provider) *Orchestrator {
	chain := make([]Provider, len(providers))
	copy(chain, providers)
	return &Orchestrator{
		name:      strings.TrimSpace(name),
		providers: chain,
	}
}

// Providers returns the configured chain order for status surfaces.
func (o *Orchestrator) Providers() []string {
	out := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		out = append(out, p.Name())
	}
	return out
}

// Handle runs the fallback chain for one request. It never returns an
// error: the worst case is a degraded result with the fixed message.
// A provider that exceeds its timeout is abandoned, not cancelled; work
// already dispatched remotely may still complete and is discarded.
func (o *Orchestrator) Handle(ctx context.Context, message string, metadata map[string]any) Result {
	if strings.TrimSpace(message) == "" {
		return degradedResult("empty message")
	}
	if len(o.providers) == 0 {
		return degradedResult("no providers configured")
	}

	for i, p := range o.providers {
		reply, err := o.tryProvider(ctx, p, message, metadata)
		if err == nil {
			log.Info().Str("relay", o.name).Str("provider", p.Name()).Int("position", i).Msg("provider answered")
			return successResult(p.Name(), reply)
		}
		log.Warn().Str("relay", o.name).Str("provider", p.Name()).Int("position", i).
			Err(err).Msg("provider failed, advancing chain")
		if ctx.Err() != nil {
			observability.RecordDegradedResponse()
			return degradedResult("request cancelled")
		}
	}

	observability.RecordDegradedResponse()
	log.Error().Str("relay", o.name).Int("providers", len(o.providers)).Msg("every provider failed")
	return degradedResult(fmt.Sprintf("all %d providers failed", len(o.providers)))
}

type invokeResult struct {
	reply string
	err   error
}

// tryProvider races one invocation against the provider's own timeout.
// The result channel is buffered so an abandoned invocation can finish
// and be garbage collected without a receiver.
func (o *Orchestrator) tryProvider(ctx context.Context, p Provider, message string, metadata map[string]any) (string, error) {
	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}

	start := time.Now()
	done := make(chan invokeResult, 1)
	go func() {
		reply, err := p.Invoke(ctx, message, metadata)
		done <- invokeResult{reply: reply, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		outcome := "success"
		if res.err != nil {
			outcome = "error"
		}
		observability.RecordProviderAttempt(p.Name(), outcome, time.Since(start))
		return res.reply, res.err
	case <-timer.C:
		observability.RecordProviderAttempt(p.Name(), "timeout", time.Since(start))
		return "", fmt.Errorf("provider %s timed out after %s", p.Name(), timeout)
	case <-ctx.Done():
		observability.RecordProviderAttempt(p.Name(), "cancelled", time.Since(start))
		return "", ctx.Err()
	}
}
