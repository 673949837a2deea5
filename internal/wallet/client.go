package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is a read/write client bound to a capability and, once connected, to
// the account that signs through it. It offers the same read surface as an
// ethclient so it can stand in as a read-only client.
type Client struct {
	cap  Capability
	from common.Address
}

// NewClient binds a client to capability c acting as from. A zero from gives
// a read-only client.
func NewClient(c Capability, from common.Address) *Client {
	return &Client{cap: c, from: from}
}

// Address returns the signing account.
func (c *Client) Address() common.Address { return c.from }

// Capability returns the underlying provider handle.
func (c *Client) Capability() Capability { return c.cap }

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return ChainID(ctx, c.cap)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, MethodBlockNumber); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, &out, MethodCall, toCallArg(msg), toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, &out, MethodGetCode, account, toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out hexutil.Big
	if err := c.call(ctx, &out, MethodGetBalance, account, toBlockNumArg(blockNumber)); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// SendTransaction asks the wallet to sign and submit msg from the bound
// account. The wallet fills in gas and nonce when absent.
func (c *Client) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	if c.from == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("send transaction: client has no account")
	}
	msg.From = c.from
	var hash common.Hash
	if err := c.call(ctx, &hash, MethodSendTransaction, toCallArg(msg)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Close is a no-op; the capability outlives the client.
func (c *Client) Close() {}

func (c *Client) call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	raw, err := c.cap.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{
		"to": msg.To,
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
