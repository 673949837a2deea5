// Package stats reads token and oracle figures through the selected RPC
// client and keeps the last known values for when reads fail.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/presale-wallet-core/internal/circuitbreaker"
	"github.com/yourorg/presale-wallet-core/internal/endpoint"
	"github.com/yourorg/presale-wallet-core/internal/metrics"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/otel"
	"github.com/yourorg/presale-wallet-core/internal/retry"
)

// errCodec marks ABI pack and unpack failures. Those point at the contract or
// its ABI rather than the endpoint, so the selection is kept.
var errCodec = errors.New("abi codec")

// Stats is one refresh result. Figures are raw on-chain integers.
type Stats struct {
	TokenSupply    *big.Int `json:"tokenSupply,omitempty"`
	TokenDecimals  uint8    `json:"tokenDecimals"`
	PresaleBalance *big.Int `json:"presaleBalance,omitempty"`

	Price      *circuitbreaker.PriceReading `json:"price,omitempty"`
	PriceStale bool                         `json:"priceStale"`

	Holder        *common.Address `json:"holder,omitempty"`
	HolderBalance *big.Int        `json:"holderBalance,omitempty"`

	Source      model.SourceKind `json:"source,omitempty"`
	EndpointURL string           `json:"endpointUrl,omitempty"`
	RefreshedAt time.Time        `json:"refreshedAt"`

	// Stale is set when the last refresh failed and these are older values
	Stale bool   `json:"stale"`
	Err   string `json:"error,omitempty"`
}

// Addresses are the contracts read. A zero address skips its reads.
type Addresses struct {
	Token   common.Address
	Oracle  common.Address
	Presale common.Address
}

// Selector hands out the read-only client.
type Selector interface {
	Select(ctx context.Context, c endpoint.Candidates) (*endpoint.Selection, error)
	Invalidate()
}

// StateSource provides the connected holder.
type StateSource interface {
	Snapshot() model.ConnectionState
}

// Config configures a Reader.
type Config struct {
	Selector    Selector
	Candidates  endpoint.Candidates
	State       StateSource
	Breaker     *circuitbreaker.CircuitBreaker
	Addresses   Addresses
	Retry       retry.Policy
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Reader refreshes Stats. It is safe for concurrent use.
type Reader struct {
	cfg Config

	mu   sync.RWMutex
	last *Stats
}

func NewReader(cfg Config) *Reader {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.Thresholds{})
	}
	return &Reader{cfg: cfg}
}

// Last returns the latest stored result.
func (r *Reader) Last() (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Stats{}, false
	}
	return *r.last, true
}

// Refresh reads every figure. On a transport failure the selection is
// dropped so the next refresh probes again. On any failure the previous
// values are returned marked stale together with the error.
func (r *Reader) Refresh(ctx context.Context) (Stats, error) {
	ctx, span := otel.Tracer().Start(ctx, "stats.Refresh")
	defer span.End()

	sel, err := r.cfg.Selector.Select(ctx, r.cfg.Candidates)
	if err != nil {
		otel.RecordError(ctx, err)
		return r.degrade(err), err
	}

	s, err := r.read(ctx, sel.Client)
	if err != nil {
		otel.RecordError(ctx, err)
		entry := logrus.WithFields(logrus.Fields{
			"url":    sel.EndpointURL,
			"source": sel.Source,
		})
		if errors.Is(err, errCodec) {
			entry.Warnf("Stats read failed: %v", err)
		} else {
			entry.Warnf("Stats read failed, dropping RPC selection: %v", err)
			r.cfg.Selector.Invalidate()
		}
		return r.degrade(err), err
	}
	s.Source = sel.Source
	s.EndpointURL = sel.EndpointURL
	s.RefreshedAt = time.Now()

	r.mu.Lock()
	r.last = &s
	r.mu.Unlock()

	r.cfg.Metrics.ObserveStatsRefresh("ok")
	logrus.WithFields(logrus.Fields{
		"source":      s.Source,
		"price_stale": s.PriceStale,
	}).Debug("Stats refreshed")
	return s, nil
}

func (r *Reader) degrade(err error) Stats {
	r.cfg.Metrics.ObserveStatsRefresh("failed")
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	if r.last != nil {
		s = *r.last
	}
	s.Stale = true
	s.Err = err.Error()
	return s
}

func (r *Reader) read(ctx context.Context, client endpoint.Client) (Stats, error) {
	var s Stats
	a := r.cfg.Addresses

	if a.Token != (common.Address{}) {
		out, err := r.call(ctx, client, erc20, a.Token, "totalSupply")
		if err != nil {
			return s, err
		}
		s.TokenSupply = out[0].(*big.Int)

		out, err = r.call(ctx, client, erc20, a.Token, "decimals")
		if err != nil {
			return s, err
		}
		s.TokenDecimals = out[0].(uint8)

		if a.Presale != (common.Address{}) {
			out, err = r.call(ctx, client, erc20, a.Token, "balanceOf", a.Presale)
			if err != nil {
				return s, err
			}
			s.PresaleBalance = out[0].(*big.Int)
		}

		if st := r.cfg.State.Snapshot(); st.Connected() {
			holder := *st.Address
			out, err = r.call(ctx, client, erc20, a.Token, "balanceOf", holder)
			if err != nil {
				return s, err
			}
			s.Holder = &holder
			s.HolderBalance = out[0].(*big.Int)
		}
	}

	if a.Oracle != (common.Address{}) {
		price, err := r.readPrice(ctx, client, a.Oracle)
		if err != nil {
			return s, err
		}
		if err := r.cfg.Breaker.Check(price); err != nil {
			if good, ok := r.cfg.Breaker.LastGood(); ok {
				s.Price = &good
			}
			s.PriceStale = true
			logrus.Warnf("Oracle price rejected: %v", err)
		} else {
			s.Price = &price
		}
	}
	return s, nil
}

func (r *Reader) readPrice(ctx context.Context, client endpoint.Client, oracle common.Address) (circuitbreaker.PriceReading, error) {
	out, err := r.call(ctx, client, aggregator, oracle, "decimals")
	if err != nil {
		return circuitbreaker.PriceReading{}, err
	}
	decimals := out[0].(uint8)

	out, err = r.call(ctx, client, aggregator, oracle, "latestRoundData")
	if err != nil {
		return circuitbreaker.PriceReading{}, err
	}
	return circuitbreaker.PriceReading{
		RoundID:   out[0].(*big.Int),
		Answer:    out[1].(*big.Int),
		Decimals:  decimals,
		UpdatedAt: time.Unix(out[3].(*big.Int).Int64(), 0),
	}, nil
}

// call runs a view method with bounded retries, each try under CallTimeout.
func (r *Reader) call(ctx context.Context, client endpoint.Client, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", errCodec, method, err)
	}

	var res []byte
	err = retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		out, err := retry.WithTimeoutValue(ctx, r.cfg.CallTimeout, func(ctx context.Context) ([]byte, error) {
			return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		})
		if err != nil {
			return err
		}
		res = out
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", errCodec, method, err)
	}
	return out, nil
}
