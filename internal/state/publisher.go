// Package state holds the single published ConnectionState. Every other
// component reads it through Snapshot or a change subscription.
package state

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/presale-wallet-core/internal/metrics"
	"github.com/yourorg/presale-wallet-core/internal/model"
)

// ErrInconsistentState is returned when a state carries an address without a
// client or a client without an address.
var ErrInconsistentState = errors.New("connection state: address and client must be set together")

// Publisher swaps whole snapshots and notifies subscribers in publish order.
// Publish never waits for subscribers: notifications are queued and handed to
// the feed by a single delivery goroutine, so a slow consumer delays only
// later notifications, never the publisher.
type Publisher struct {
	// mu serializes Publish so the swap and the queue append happen in the
	// same order for every caller
	mu      sync.Mutex
	current atomic.Pointer[model.ConnectionState]
	queue   []model.ConnectionState

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	feed  event.Feed
	scope event.SubscriptionScope

	metrics *metrics.Metrics
}

// NewPublisher returns a publisher holding the empty state.
func NewPublisher(m *metrics.Metrics) *Publisher {
	p := &Publisher{
		metrics: m,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.current.Store(&model.ConnectionState{})
	go p.deliver()
	return p
}

// Publish replaces the snapshot with a copy of s and queues a notification
// carrying it. It returns once the snapshot is visible.
func (p *Publisher) Publish(s model.ConnectionState) error {
	if (s.Address == nil) != (s.Client == nil) {
		return ErrInconsistentState
	}
	next := s.Copy()

	p.mu.Lock()
	p.current.Store(&next)
	p.queue = append(p.queue, next.Copy())
	p.mu.Unlock()

	p.metrics.ObservePublish(next.Connected())
	logrus.WithFields(logrus.Fields{
		"address":   next.AddressHex(),
		"chain_id":  next.ChainID,
		"wallet_id": next.ActiveWalletID,
	}).Debug("Connection state published")

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *Publisher) deliver() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}

		p.mu.Lock()
		pending := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, s := range pending {
			p.feed.Send(s)
		}
	}
}

// Snapshot returns the current state. Before the first publish it is the
// empty state.
func (p *Publisher) Snapshot() model.ConnectionState {
	s := p.current.Load()
	if s == nil {
		return model.ConnectionState{}
	}
	return s.Copy()
}

// Subscribe delivers every published state to ch. Each notification is the
// full truth; consumers should rebuild from it rather than patch.
func (p *Publisher) Subscribe(ch chan<- model.ConnectionState) event.Subscription {
	return p.scope.Track(p.feed.Subscribe(ch))
}

// Close ends all subscriptions and stops delivery. Queued notifications are
// dropped.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.quit == nil {
			p.scope.Close()
			return
		}
		close(p.quit)
		// unsubscribing unblocks a Send stuck on a subscriber that stopped reading
		p.scope.Close()
		<-p.done
	})
}
