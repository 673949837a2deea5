package stats

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/presale-wallet-core/internal/model"
)

// StateFeed delivers connection state changes.
type StateFeed interface {
	Subscribe(ch chan<- model.ConnectionState) event.Subscription
}

// Watcher refreshes stats on a ticker and on every connection state change.
// Bursts of changes collapse into one refresh and refreshes are spaced by at
// least the limiter interval.
type Watcher struct {
	reader   *Reader
	states   StateFeed
	interval time.Duration
	limiter  *rate.Limiter

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewWatcher creates a watcher refreshing every interval and at most once per
// minInterval.
func NewWatcher(reader *Reader, states StateFeed, interval, minInterval time.Duration) *Watcher {
	return &Watcher{
		reader:   reader,
		states:   states,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Subscribe delivers every refresh result to ch.
func (w *Watcher) Subscribe(ch chan<- Stats) event.Subscription {
	return w.scope.Track(w.feed.Subscribe(ch))
}

// Run refreshes until ctx is done. The first refresh happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	changes := make(chan model.ConnectionState, 16)
	sub := w.states.Subscribe(changes)
	defer sub.Unsubscribe()
	defer w.scope.Close()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logrus.Infof("Stats watcher started, refreshing every %v", w.interval)
	if err := w.refresh(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case <-changes:
			drain(changes)
			if err := w.refresh(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.refresh(ctx); err != nil {
				return err
			}
		}
	}
}

// refresh waits for the limiter and reads. Read failures are logged by the
// reader and do not stop the watcher; only ctx ends it.
func (w *Watcher) refresh(ctx context.Context) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return ctx.Err()
	}
	s, _ := w.reader.Refresh(ctx)
	w.feed.Send(s)
	return nil
}

// drain drops queued notifications. Each one is the full truth, so only the
// current snapshot matters and the reader reads it itself.
func drain(ch <-chan model.ConnectionState) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
