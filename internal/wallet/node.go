package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// NodeCapability drives a JSON-RPC node holding unlocked accounts (a local dev
// node or signer) as a wallet. Nodes push no account/chain events, so changes
// are detected by polling while anyone is subscribed.
type NodeCapability struct {
	client   *rpc.Client
	interval time.Duration

	accountsFeed event.Feed
	chainFeed    event.Feed
	scope        event.SubscriptionScope

	mu           sync.Mutex
	polling      bool
	quit         chan struct{}
	lastAccounts []string
	lastChain    string
}

// DialNode connects to a node at url.
func DialNode(ctx context.Context, url string, interval time.Duration) (*NodeCapability, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet node %s: %w", url, err)
	}
	return NewNodeCapability(c, interval), nil
}

// NewNodeCapability wraps an existing rpc client.
func NewNodeCapability(client *rpc.Client, interval time.Duration) *NodeCapability {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	return &NodeCapability{
		client:   client,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

// Request forwards method to the node. eth_requestAccounts maps to
// eth_accounts since a node has no approval prompt; chain switching is
// reported as unsupported.
func (n *NodeCapability) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	switch method {
	case MethodRequestAccounts:
		method = MethodAccounts
	case MethodSwitchChain, MethodAddChain:
		return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: method + " is not supported by a node wallet"}
	}

	var raw json.RawMessage
	if err := n.client.CallContext(ctx, &raw, method, params...); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return nil, &ProviderError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		}
		return nil, err
	}
	return raw, nil
}

func (n *NodeCapability) SubscribeAccountsChanged(ch chan<- []string) event.Subscription {
	sub := n.scope.Track(n.accountsFeed.Subscribe(ch))
	n.ensurePolling()
	return sub
}

func (n *NodeCapability) SubscribeChainChanged(ch chan<- string) event.Subscription {
	sub := n.scope.Track(n.chainFeed.Subscribe(ch))
	n.ensurePolling()
	return sub
}

// Close stops polling, ends all subscriptions and closes the rpc client.
func (n *NodeCapability) Close() {
	n.mu.Lock()
	select {
	case <-n.quit:
	default:
		close(n.quit)
	}
	n.mu.Unlock()
	n.scope.Close()
	n.client.Close()
}

func (n *NodeCapability) ensurePolling() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.polling {
		return
	}
	n.polling = true
	go n.pollLoop()
}

func (n *NodeCapability) pollLoop() {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	// first read sets the baseline without emitting
	n.poll(false)
	for {
		select {
		case <-ticker.C:
			n.poll(true)
		case <-n.quit:
			return
		}
	}
}

func (n *NodeCapability) poll(emit bool) {
	ctx, cancel := context.WithTimeout(context.Background(), n.interval)
	defer cancel()

	var accounts []string
	if err := n.client.CallContext(ctx, &accounts, MethodAccounts); err != nil {
		logrus.Debugf("Wallet node account poll failed: %v", err)
	} else {
		n.mu.Lock()
		changed := strings.Join(accounts, ",") != strings.Join(n.lastAccounts, ",")
		n.lastAccounts = accounts
		n.mu.Unlock()
		if changed && emit && n.scope.Count() > 0 {
			n.accountsFeed.Send(accounts)
		}
	}

	var chain string
	if err := n.client.CallContext(ctx, &chain, MethodChainID); err != nil {
		logrus.Debugf("Wallet node chain poll failed: %v", err)
		return
	}
	n.mu.Lock()
	changed := !strings.EqualFold(chain, n.lastChain)
	n.lastChain = chain
	n.mu.Unlock()
	if changed && emit && n.scope.Count() > 0 {
		n.chainFeed.Send(chain)
	}
}
