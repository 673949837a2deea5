package discovery

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Bus is an in-process Environment. Providers either announce on their own
// or register a responder that answers every RequestProviders call.
type Bus struct {
	feed event.Feed

	mu         sync.Mutex
	responders []func() (Announcement, bool)
	injected   *Announcement
}

func (b *Bus) SubscribeAnnouncements(ch chan<- Announcement) event.Subscription {
	return b.feed.Subscribe(ch)
}

// RequestProviders asks every registered responder to announce.
func (b *Bus) RequestProviders() {
	b.mu.Lock()
	responders := append([]func() (Announcement, bool)(nil), b.responders...)
	b.mu.Unlock()

	for _, respond := range responders {
		if a, ok := respond(); ok {
			b.feed.Send(a)
		}
	}
}

// Announce broadcasts an unsolicited announcement.
func (b *Bus) Announce(a Announcement) {
	b.feed.Send(a)
}

// OnRequest registers a responder for announcement requests.
func (b *Bus) OnRequest(respond func() (Announcement, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders = append(b.responders, respond)
}

// SetInjected installs the legacy injected capability.
func (b *Bus) SetInjected(a Announcement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected = &a
}

func (b *Bus) Injected() (Announcement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.injected == nil {
		return Announcement{}, false
	}
	return *b.injected, true
}
