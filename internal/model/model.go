// Package model defines the core data structures shared by the wallet session,
// the discovery registry and the state publisher.
package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

// WalletInfo is the display metadata a provider announces about itself.
type WalletInfo struct {
	// UUID is the vendor-supplied unique id, empty if the provider sent none
	UUID string `json:"uuid,omitempty"`

	// Name is the human readable vendor name
	Name string `json:"name"`

	// Icon is a data URI or URL, owned by the UI
	Icon string `json:"icon,omitempty"`

	// RDNS is the reverse-DNS vendor identifier, e.g. io.metamask
	RDNS string `json:"rdns,omitempty"`
}

// WalletDescriptor is one discovered wallet provider. Vendor branding is
// display metadata only; every provider is driven through Capability.
type WalletDescriptor struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	IconRef     string            `json:"iconRef,omitempty"`
	RDNS        string            `json:"rdns,omitempty"`
	Synthetic   bool              `json:"synthetic,omitempty"`
	Capability  wallet.Capability `json:"-"`
}

// ConnectionState is the process-wide connection truth. The zero value is the
// defined empty state. Client is non-nil exactly when Address is non-nil.
type ConnectionState struct {
	Address        *common.Address `json:"address"`
	ChainID        *big.Int        `json:"chainId"`
	Client         *wallet.Client  `json:"-"`
	ActiveWalletID string          `json:"activeWalletId,omitempty"`
}

// Connected reports whether an account is attached.
func (s ConnectionState) Connected() bool {
	return s.Address != nil
}

// OnChain reports whether the active capability reports the expected chain.
func (s ConnectionState) OnChain(expected *big.Int) bool {
	return s.ChainID != nil && expected != nil && s.ChainID.Cmp(expected) == 0
}

// Copy returns a deep copy so a published snapshot can never be mutated through
// a pointer held by its builder.
func (s ConnectionState) Copy() ConnectionState {
	out := s
	if s.Address != nil {
		addr := *s.Address
		out.Address = &addr
	}
	if s.ChainID != nil {
		out.ChainID = new(big.Int).Set(s.ChainID)
	}
	return out
}

// AddressHex returns the checksummed address or "".
func (s ConnectionState) AddressHex() string {
	if s.Address == nil {
		return ""
	}
	return s.Address.Hex()
}

// SourceKind tags where a read-only client came from.
type SourceKind string

// Endpoint selection sources
const (
	SourcePreferred      SourceKind = "preferred"
	SourceCandidate      SourceKind = "candidate"
	SourceWalletFallback SourceKind = "walletFallback"
)
