package endpoint

import (
	"context"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
	"github.com/yourorg/presale-wallet-core/internal/metrics"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/otel"
	"github.com/yourorg/presale-wallet-core/internal/retry"
)

// Candidates is the configured endpoint set.
type Candidates struct {
	Primary   string
	Secondary []string
	// ChainID is the only chain a selected endpoint may serve
	ChainID *big.Int
	// AllowWalletFallback permits reading through the wallet when every
	// endpoint fails
	AllowWalletFallback bool
}

// URLs returns the primary URL first, then the secondaries, trimmed and
// de-duplicated in order.
func (c Candidates) URLs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range append([]string{c.Primary}, c.Secondary...) {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Key fingerprints the candidate set and expected chain.
func (c Candidates) Key() common.Hash {
	var b strings.Builder
	for _, u := range c.URLs() {
		b.WriteString(u)
		b.WriteByte('\n')
	}
	if c.ChainID != nil {
		b.WriteString(c.ChainID.String())
	}
	if c.AllowWalletFallback {
		b.WriteString("|wallet")
	}
	return crypto.Keccak256Hash([]byte(b.String()))
}

// Selection is a chosen read-only client. It is never modified after being
// handed out; a new selection replaces it whole.
type Selection struct {
	// EndpointURL is empty for a wallet fallback
	EndpointURL   string
	Client        Client
	Source        model.SourceKind
	ChainVerified bool
	CacheKey      common.Hash
	SelectedAt    time.Time
}

// FallbackFunc returns a client reading through the user's wallet, if one is
// available without a user-driven connect.
type FallbackFunc func(ctx context.Context) (Client, bool)

// Options configures a Selector.
type Options struct {
	Dialer       Dialer
	ProbeTimeout time.Duration
	Retry        retry.Policy
	Fallback     FallbackFunc
	Metrics      *metrics.Metrics
}

// Selector probes candidates in order and caches the winner per cache key.
type Selector struct {
	dialer       Dialer
	probeTimeout time.Duration
	policy       retry.Policy
	fallback     FallbackFunc
	metrics      *metrics.Metrics

	current atomic.Pointer[Selection]
	group   singleflight.Group
}

// NewSelector creates a selector. A nil Dialer dials go-ethereum clients.
func NewSelector(opts Options) *Selector {
	if opts.Dialer == nil {
		opts.Dialer = NewEthDialer(1)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Selector{
		dialer:       opts.Dialer,
		probeTimeout: opts.ProbeTimeout,
		policy:       opts.Retry,
		fallback:     opts.Fallback,
		metrics:      opts.Metrics,
	}
}

// Select returns the cached selection for c, or probes for a new one.
// Concurrent first selections for the same candidates share one probe run.
func (s *Selector) Select(ctx context.Context, c Candidates) (*Selection, error) {
	const op = "endpoint.Select"
	if c.ChainID == nil {
		return nil, apperr.Errorf(apperr.Config, op, "expected chain id not set")
	}

	key := c.Key()
	if cur := s.current.Load(); cur != nil && cur.CacheKey == key {
		s.metrics.ObserveSelection("cached")
		return cur, nil
	}

	ctx, span := otel.Tracer().Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(c.URLs())))

	v, err, _ := s.group.Do(key.Hex(), func() (interface{}, error) {
		if cur := s.current.Load(); cur != nil && cur.CacheKey == key {
			return cur, nil
		}
		return s.probeAll(ctx, c, key)
	})
	if err != nil {
		otel.RecordError(ctx, err)
		s.metrics.ObserveSelection("failed")
		return nil, err
	}
	sel := v.(*Selection)
	span.SetAttributes(attribute.String("source", string(sel.Source)))
	return sel, nil
}

// Current returns the cached selection or nil.
func (s *Selector) Current() *Selection {
	return s.current.Load()
}

// Invalidate drops the cached selection so the next Select probes again. The
// dropped client is left open for callers still holding it.
func (s *Selector) Invalidate() {
	if old := s.current.Swap(nil); old != nil {
		logrus.WithField("url", old.EndpointURL).Info("RPC selection invalidated")
	}
}

func (s *Selector) probeAll(ctx context.Context, c Candidates, key common.Hash) (*Selection, error) {
	const op = "endpoint.Select"
	urls := c.URLs()
	primary := strings.TrimSpace(c.Primary)

	var lastErr error
	for _, url := range urls {
		client, err := s.probe(ctx, url, c.ChainID)
		if err != nil {
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"url":   url,
				"error": err,
			}).Warn("RPC candidate failed probe")
			continue
		}

		source := model.SourceCandidate
		if url == primary {
			source = model.SourcePreferred
		}
		sel := &Selection{
			EndpointURL:   url,
			Client:        client,
			Source:        source,
			ChainVerified: true,
			CacheKey:      key,
			SelectedAt:    time.Now(),
		}
		s.current.Store(sel)
		s.metrics.ObserveSelection("probed")
		s.metrics.SetSelectionSource(string(source))
		logrus.WithFields(logrus.Fields{
			"url":    url,
			"source": source,
		}).Info("RPC endpoint selected")
		return sel, nil
	}

	if c.AllowWalletFallback && s.fallback != nil {
		if client, ok := s.fallback(ctx); ok {
			return s.walletFallback(ctx, client, c.ChainID, key), nil
		}
	}

	if lastErr == nil {
		lastErr = apperr.Errorf(apperr.Config, op, "no candidate endpoints configured")
	}
	return nil, apperr.New(apperr.NoWorkingEndpoint, op, lastErr)
}

// probe checks url for liveness and the expected chain. A wrong chain fails
// the probe at once, without retries.
func (s *Selector) probe(ctx context.Context, url string, chainID *big.Int) (Client, error) {
	client, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.metrics.ObserveProbe("failed")
		return nil, err
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return retry.WithTimeout(ctx, s.probeTimeout, func(ctx context.Context) error {
			if _, err := client.BlockNumber(ctx); err != nil {
				return err
			}
			got, err := client.ChainID(ctx)
			if err != nil {
				return err
			}
			if got.Cmp(chainID) != 0 {
				return retry.Permanent(apperr.Errorf(apperr.ChainMismatch, "", "endpoint serves chain %s, expected %s", got, chainID))
			}
			return nil
		})
	}, func(attempt int, err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt,
			"error":   err,
		}).Warnf("RPC probe failed, retrying in %v", wait)
	})
	if err != nil {
		client.Close()
		if apperr.KindOf(err) == apperr.ChainMismatch {
			s.metrics.ObserveProbe("chain_mismatch")
		} else {
			s.metrics.ObserveProbe("failed")
		}
		return nil, err
	}
	s.metrics.ObserveProbe("ok")
	return client, nil
}

// walletFallback wraps the wallet client. Its chain is read once for the log
// but never enforced; the selection is not cached so the next call probes
// the endpoints again.
func (s *Selector) walletFallback(ctx context.Context, client Client, expected *big.Int, key common.Hash) *Selection {
	got, err := retry.WithTimeoutValue(ctx, s.probeTimeout, client.ChainID)
	verified := err == nil && got.Cmp(expected) == 0

	logrus.WithFields(logrus.Fields{
		"chain_verified": verified,
		"wallet_chain":   got,
		"expected_chain": expected,
	}).Warn("All RPC endpoints failed, reading through the wallet")

	s.metrics.ObserveSelection("fallback")
	s.metrics.SetSelectionSource(string(model.SourceWalletFallback))
	return &Selection{
		Client:        client,
		Source:        model.SourceWalletFallback,
		ChainVerified: verified,
		CacheKey:      key,
		SelectedAt:    time.Now(),
	}
}
