// Package wallettest provides an in-memory wallet capability for tests.
package wallettest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"

	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

// Capability is a scriptable wallet.Capability.
type Capability struct {
	mu sync.Mutex

	accounts   []string
	chainIDHex string
	block      uint64

	// RequestAccountsErr is returned by eth_requestAccounts when set
	RequestAccountsErr error
	// SwitchErr is returned by wallet_switchEthereumChain when set
	SwitchErr error
	// AddErr is returned by wallet_addEthereumChain when set
	AddErr error
	// Gate, when non-nil, blocks eth_requestAccounts until closed. The wait
	// ignores ctx, like a provider whose approval window never resolves.
	Gate chan struct{}
	// CallResults maps a 4-byte selector (0x-hex) to the eth_call return data
	CallResults map[string][]byte

	calls        []string
	disconnected bool

	accountsFeed event.Feed
	chainFeed    event.Feed
	scope        event.SubscriptionScope
}

// New returns a capability exposing accounts on chainIDHex.
func New(accounts []string, chainIDHex string) *Capability {
	return &Capability{
		accounts:    accounts,
		chainIDHex:  chainIDHex,
		block:       1,
		CallResults: map[string][]byte{},
	}
}

var _ wallet.Capability = (*Capability)(nil)
var _ wallet.Disconnecter = (*Capability)(nil)

func (c *Capability) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	gate := c.Gate
	c.mu.Unlock()

	switch method {
	case wallet.MethodRequestAccounts:
		if gate != nil {
			<-gate
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.RequestAccountsErr != nil {
			return nil, c.RequestAccountsErr
		}
		return json.Marshal(c.accounts)
	case wallet.MethodAccounts:
		c.mu.Lock()
		defer c.mu.Unlock()
		return json.Marshal(c.accounts)
	case wallet.MethodChainID:
		c.mu.Lock()
		defer c.mu.Unlock()
		return json.Marshal(c.chainIDHex)
	case wallet.MethodBlockNumber:
		c.mu.Lock()
		defer c.mu.Unlock()
		return json.Marshal(hexutil.Uint64(c.block))
	case wallet.MethodSwitchChain:
		c.mu.Lock()
		err := c.SwitchErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		target := params[0].(map[string]string)["chainId"]
		c.EmitChainChanged(target)
		return json.RawMessage("null"), nil
	case wallet.MethodAddChain:
		c.mu.Lock()
		err := c.AddErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.EmitChainChanged(params[0].(wallet.AddChainParams).ChainID)
		return json.RawMessage("null"), nil
	case wallet.MethodCall:
		arg := params[0].(map[string]interface{})
		data, _ := arg["data"].(hexutil.Bytes)
		if len(data) < 4 {
			return nil, &wallet.ProviderError{Code: -32000, Message: "execution reverted"}
		}
		c.mu.Lock()
		out, ok := c.CallResults["0x"+hex.EncodeToString(data[:4])]
		c.mu.Unlock()
		if !ok {
			return nil, &wallet.ProviderError{Code: -32000, Message: "execution reverted"}
		}
		return json.Marshal(hexutil.Bytes(out))
	}
	return nil, &wallet.ProviderError{Code: wallet.CodeUnsupportedMethod, Message: "unsupported " + method}
}

func (c *Capability) SubscribeAccountsChanged(ch chan<- []string) event.Subscription {
	return c.scope.Track(c.accountsFeed.Subscribe(ch))
}

func (c *Capability) SubscribeChainChanged(ch chan<- string) event.Subscription {
	return c.scope.Track(c.chainFeed.Subscribe(ch))
}

func (c *Capability) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// EmitAccountsChanged updates the accounts and notifies subscribers.
func (c *Capability) EmitAccountsChanged(accounts []string) {
	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()
	c.accountsFeed.Send(accounts)
}

// EmitChainChanged updates the chain and notifies subscribers.
func (c *Capability) EmitChainChanged(chainIDHex string) {
	c.mu.Lock()
	c.chainIDHex = chainIDHex
	c.mu.Unlock()
	c.chainFeed.Send(chainIDHex)
}

// SetGate replaces Gate. Requests already waiting keep the old gate.
func (c *Capability) SetGate(gate chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gate = gate
}

// SetChain changes the chain silently.
func (c *Capability) SetChain(chainIDHex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainIDHex = chainIDHex
}

// Subscribers returns the number of live subscriptions.
func (c *Capability) Subscribers() int {
	return c.scope.Count()
}

// Calls returns how many times method was requested.
func (c *Capability) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.calls {
		if strings.EqualFold(m, method) {
			n++
		}
	}
	return n
}

// Disconnected reports whether Disconnect was called.
func (c *Capability) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
