package providers

import (
	"fmt"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/relay"
)

// FromConfig builds the fallback chain in file order. The config is
// assumed validated; an unknown kind still fails loudly rather than
// silently shrinking the chain.
func FromConfig(cfg config.RelayConfig) ([]relay.Provider, error) {
	chain := make([]relay.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Kind {
		case "webhook":
			chain = append(chain, NewWebhook(p.Name, p.URL, p.Timeout()))
		case "direct":
			chain = append(chain, NewDirect(p.Name, p.URL, p.APIKey, p.Model, p.Timeout()))
		case "companion":
			chain = append(chain, NewCompanion(p.Name, p.HubAddr, p.Timeout()))
		default:
			return nil, fmt.Errorf("providers: unknown kind %q for %q", p.Kind, p.Name)
		}
	}
	return chain, nil
}
