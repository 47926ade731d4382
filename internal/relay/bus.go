package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/danmuck/relayctl/internal/protocol"
)

const subscriberBuffer = 32

// Bus is the in-process broadcast channel behind /channel. Every
// published envelope reaches every subscriber except the publisher, the
// same delivery rule as a cross-context broadcast channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan protocol.Envelope
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan protocol.Envelope)}
}

// Subscribe attaches one listener and returns its id and delivery
// channel. A slow listener drops frames rather than stalling the bus.
func (b *Bus) Subscribe() (string, <-chan protocol.Envelope) {
	id := uuid.NewString()
	ch := make(chan protocol.Envelope, subscriberBuffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish fans one envelope out to every other live subscriber.
func (b *Bus) Publish(senderID string, env protocol.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		if id == senderID {
			continue
		}
		select {
		case ch <- env:
		default:
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
