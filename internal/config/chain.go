package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ChainConfig describes the network the presale runs on.
type ChainConfig struct {
	ID    int64  `json:"chain_id"`
	IDHex string `json:"chain_id_hex,omitempty"` // 0x form wallets report, e.g. 0x38
	Name  string `json:"name"`

	NativeName     string `json:"native_name,omitempty"`
	NativeSymbol   string `json:"native_symbol"`
	NativeDecimals int    `json:"native_decimals,omitempty"`

	PrimaryRPCURL    string   `json:"primary_rpc_url"`
	SecondaryRPCURLs []string `json:"secondary_rpc_urls,omitempty"`

	// ExplorerURL is display only
	ExplorerURL string `json:"explorer_url,omitempty"`
}

// LoadChainFile reads a chain description from a JSON file
func LoadChainFile(path string) (ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChainConfig{}, fmt.Errorf("failed to read chain config file: %w", err)
	}

	c := ChainConfig{NativeDecimals: 18}
	if err := json.Unmarshal(data, &c); err != nil {
		return ChainConfig{}, fmt.Errorf("failed to parse chain config file: %w", err)
	}

	logrus.Infof("Loaded chain configuration from %s", path)
	return c, nil
}

// applyChainEnv applies environment variable overrides to the chain
func applyChainEnv(c ChainConfig) ChainConfig {
	c.ID = GetEnvAsInt64("CHAIN_ID", c.ID)
	c.IDHex = GetEnvOrDefault("CHAIN_ID_HEX", c.IDHex)
	c.Name = GetEnvOrDefault("CHAIN_NAME", c.Name)
	c.NativeName = GetEnvOrDefault("NATIVE_NAME", c.NativeName)
	c.NativeSymbol = GetEnvOrDefault("NATIVE_SYMBOL", c.NativeSymbol)
	c.NativeDecimals = GetEnvAsInt("NATIVE_DECIMALS", c.NativeDecimals)
	c.PrimaryRPCURL = GetEnvOrDefault("PRIMARY_RPC_URL", c.PrimaryRPCURL)
	c.SecondaryRPCURLs = GetEnvAsList("SECONDARY_RPC_URLS", c.SecondaryRPCURLs)
	c.ExplorerURL = GetEnvOrDefault("EXPLORER_URL", c.ExplorerURL)

	if c.NativeName == "" {
		c.NativeName = c.NativeSymbol
	}
	return c
}

// RPCURLs returns the primary URL followed by the secondaries.
func (c ChainConfig) RPCURLs() []string {
	out := make([]string, 0, 1+len(c.SecondaryRPCURLs))
	if c.PrimaryRPCURL != "" {
		out = append(out, c.PrimaryRPCURL)
	}
	return append(out, c.SecondaryRPCURLs...)
}
