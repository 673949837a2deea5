package model

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

func TestConnectionState_ZeroValueIsEmpty(t *testing.T) {
	var s ConnectionState
	assert.False(t, s.Connected())
	assert.Nil(t, s.Client)
	assert.Equal(t, "", s.AddressHex())
	assert.False(t, s.OnChain(big.NewInt(1)))
}

func TestConnectionState_CopyIsDeep(t *testing.T) {
	addr := common.HexToAddress("0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	s := ConnectionState{Address: &addr, ChainID: big.NewInt(56), Client: wallet.NewClient(nil, addr), ActiveWalletID: "w1"}

	c := s.Copy()
	c.ChainID.SetInt64(1)
	*c.Address = common.Address{}

	assert.Equal(t, int64(56), s.ChainID.Int64())
	assert.Equal(t, "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B", s.AddressHex())
	assert.True(t, s.OnChain(big.NewInt(56)))
}
