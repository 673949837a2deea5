// Package endpoint picks a working read-only RPC client out of an ordered
// list of candidate URLs, never one serving the wrong chain.
package endpoint

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Client is the read-only capability handed out by the selector. Both
// *ethclient.Client and *wallet.Client satisfy it.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer builds a client bound to url. Dialing must not require the
// endpoint to be reachable; the probe finds that out.
type Dialer interface {
	Dial(ctx context.Context, url string) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Client, error) { return f(ctx, url) }

// EthDialer dials go-ethereum clients over a retrying HTTP transport.
type EthDialer struct {
	http *http.Client
}

// NewEthDialer returns a dialer whose transport retries 429/5xx responses up
// to retryMax times.
func NewEthDialer(retryMax int) *EthDialer {
	return &EthDialer{http: newRetryClient(retryMax).StandardClient()}
}

func (d *EthDialer) Dial(ctx context.Context, url string) (Client, error) {
	c, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(d.http))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ethclient.NewClient(c), nil
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = leveledLogger{}
	return c
}

// leveledLogger routes retryablehttp logs into logrus.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { logrus.WithFields(fields(kv)).Error(msg) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { logrus.WithFields(fields(kv)).Warn(msg) }
func (leveledLogger) Info(msg string, kv ...interface{})  { logrus.WithFields(fields(kv)).Debug(msg) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { logrus.WithFields(fields(kv)).Debug(msg) }

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
