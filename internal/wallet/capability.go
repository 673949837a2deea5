// Package wallet defines the contract every wallet provider is driven through,
// whatever vendor is behind it, plus a typed client derived from it.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
)

// Provider request methods
const (
	MethodRequestAccounts = "eth_requestAccounts"
	MethodAccounts        = "eth_accounts"
	MethodChainID         = "eth_chainId"
	MethodBlockNumber     = "eth_blockNumber"
	MethodCall            = "eth_call"
	MethodGetCode         = "eth_getCode"
	MethodGetBalance      = "eth_getBalance"
	MethodSendTransaction = "eth_sendTransaction"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodAddChain        = "wallet_addEthereumChain"
)

// Capability is a wallet provider handle. Implementations must be safe for
// concurrent use. Subscriptions deliver on the caller's channel; a capability
// may block on a full channel, so subscribers should buffer.
type Capability interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	SubscribeAccountsChanged(ch chan<- []string) event.Subscription
	SubscribeChainChanged(ch chan<- string) event.Subscription
}

// Disconnecter is implemented by capabilities that hold a remote session
// (e.g. relay-based wallets) which should be torn down on disconnect.
type Disconnecter interface {
	Disconnect(ctx context.Context) error
}

// EIP-1193 provider error codes
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

// ProviderError is an error reported by the provider itself.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// HasCode reports whether err carries a ProviderError with the given code.
func HasCode(err error, code int) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == code
}

// IsUserRejected reports whether the human declined the request.
func IsUserRejected(err error) bool {
	return HasCode(err, CodeUserRejected)
}

// RequestAccounts asks the provider for account access and returns the
// checksummed accounts, first being the active one.
func RequestAccounts(ctx context.Context, c Capability) ([]common.Address, error) {
	raw, err := c.Request(ctx, MethodRequestAccounts)
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return ParseAccounts(accounts)
}

// ParseAccounts validates and converts raw account strings.
func ParseAccounts(accounts []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(accounts))
	for _, a := range accounts {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid account %q", a)
		}
		out = append(out, common.HexToAddress(a))
	}
	return out, nil
}

// ChainID reads the chain the provider is currently on.
func ChainID(ctx context.Context, c Capability) (*big.Int, error) {
	raw, err := c.Request(ctx, MethodChainID)
	if err != nil {
		return nil, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return nil, fmt.Errorf("decode chain id: %w", err)
	}
	return ParseChainID(hex)
}

// ParseChainID decodes a provider chain id in 0x-prefixed hex form.
func ParseChainID(hex string) (*big.Int, error) {
	id, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id %q: %w", hex, err)
	}
	return id, nil
}

// SwitchChain asks the provider to move to chainIDHex.
func SwitchChain(ctx context.Context, c Capability, chainIDHex string) error {
	_, err := c.Request(ctx, MethodSwitchChain, map[string]string{"chainId": chainIDHex})
	return err
}

// NativeCurrency describes a chain's gas token for wallet_addEthereumChain.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// AddChainParams is the wallet_addEthereumChain payload.
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// AddChain asks the provider to register (and usually switch to) a chain.
func AddChain(ctx context.Context, c Capability, p AddChainParams) error {
	_, err := c.Request(ctx, MethodAddChain, p)
	return err
}
