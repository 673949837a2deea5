// Package config provides configuration loading and management for the application.
package config

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Network the wallet and the read-only clients must be on
	Chain ChainConfig

	// Endpoint probing
	ProbeTimeout time.Duration
	ProbeRetries int
	ProbeBackoff time.Duration
	HTTPRetryMax int

	// Wallet session
	ConnectTimeout      time.Duration
	SwitchChainTimeout  time.Duration
	AllowWalletFallback bool

	// Node-backed wallet announced as the injected capability, optional
	WalletRPCURL       string
	WalletPollInterval time.Duration

	// Contracts read by the stats reader; empty skips the reads
	TokenAddress   string
	OracleAddress  string
	PresaleAddress string

	StatsRefreshInterval time.Duration
	StatsMinInterval     time.Duration

	// Price circuit breaker settings
	MaxPriceChange    float64
	MaxPriceAge       time.Duration
	CircuitResetDelay time.Duration

	// Request limiting on the mutating endpoints
	RateLimitRPS   float64
	RateLimitBurst int

	EnableMetrics bool

	// OpenTelemetry endpoint for observability
	OtelEndpoint string
}

// Load creates a new Config from an optional chain file (CHAIN_CONFIG_FILE)
// and environment variables, the latter taking precedence.
func Load() (Config, error) {
	chain := ChainConfig{NativeDecimals: 18}
	if path := GetEnvOrDefault("CHAIN_CONFIG_FILE", ""); path != "" {
		c, err := LoadChainFile(path)
		if err != nil {
			return Config{}, apperr.New(apperr.Config, "config.Load", err)
		}
		chain = c
	}
	chain = applyChainEnv(chain)

	cfg := Config{
		Port:                 GetEnvOrDefault("PORT", "8080"),
		Chain:                chain,
		ProbeTimeout:         GetEnvAsDuration("PROBE_TIMEOUT", 2*time.Second),
		ProbeRetries:         GetEnvAsInt("PROBE_RETRIES", 2),
		ProbeBackoff:         GetEnvAsDuration("PROBE_BACKOFF", 250*time.Millisecond),
		HTTPRetryMax:         GetEnvAsInt("HTTP_RETRY_MAX", 1),
		ConnectTimeout:       GetEnvAsDuration("CONNECT_TIMEOUT", 30*time.Second),
		SwitchChainTimeout:   GetEnvAsDuration("SWITCH_CHAIN_TIMEOUT", 15*time.Second),
		AllowWalletFallback:  GetEnvAsBool("ALLOW_WALLET_FALLBACK", true),
		WalletRPCURL:         GetEnvOrDefault("WALLET_RPC_URL", ""),
		WalletPollInterval:   GetEnvAsDuration("WALLET_POLL_INTERVAL", 4*time.Second),
		TokenAddress:         GetEnvOrDefault("TOKEN_ADDRESS", ""),
		OracleAddress:        GetEnvOrDefault("ORACLE_ADDRESS", ""),
		PresaleAddress:       GetEnvOrDefault("PRESALE_ADDRESS", ""),
		StatsRefreshInterval: GetEnvAsDuration("STATS_REFRESH_INTERVAL", 30*time.Second),
		StatsMinInterval:     GetEnvAsDuration("STATS_MIN_INTERVAL", 2*time.Second),
		MaxPriceChange:       GetEnvAsFloat("MAX_PRICE_CHANGE", 0.5), // 50% max price change
		MaxPriceAge:          GetEnvAsDuration("MAX_PRICE_AGE", 24*time.Hour),
		CircuitResetDelay:    GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		RateLimitRPS:         GetEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:       GetEnvAsInt("RATE_LIMIT_BURST", 10),
		EnableMetrics:        GetEnvAsBool("ENABLE_METRICS", true),
		OtelEndpoint:         GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports startup configuration errors. It fills in the hex chain
// id when only the decimal one is set.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if strings.TrimSpace(c.Chain.PrimaryRPCURL) == "" {
		return apperr.Errorf(apperr.Config, op, "PRIMARY_RPC_URL is required")
	}
	if c.Chain.ID <= 0 {
		return apperr.Errorf(apperr.Config, op, "CHAIN_ID is required")
	}

	if c.Chain.IDHex == "" {
		c.Chain.IDHex = hexutil.EncodeBig(c.Chain.ChainID())
	} else {
		id, err := hexutil.DecodeBig(strings.ToLower(c.Chain.IDHex))
		if err != nil {
			return apperr.Errorf(apperr.Config, op, "CHAIN_ID_HEX %q: %v", c.Chain.IDHex, err)
		}
		if id.Cmp(c.Chain.ChainID()) != 0 {
			return apperr.Errorf(apperr.Config, op, "CHAIN_ID_HEX %s does not match CHAIN_ID %d", c.Chain.IDHex, c.Chain.ID)
		}
		c.Chain.IDHex = hexutil.EncodeBig(id)
	}

	for name, addr := range map[string]string{
		"TOKEN_ADDRESS":   c.TokenAddress,
		"ORACLE_ADDRESS":  c.OracleAddress,
		"PRESALE_ADDRESS": c.PresaleAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return apperr.Errorf(apperr.Config, op, "%s %q is not an address", name, addr)
		}
	}

	if c.ProbeRetries < 0 || c.HTTPRetryMax < 0 {
		return apperr.Errorf(apperr.Config, op, "retry counts must not be negative")
	}
	if c.StatsRefreshInterval <= 0 {
		return apperr.Errorf(apperr.Config, op, "STATS_REFRESH_INTERVAL must be positive")
	}
	return nil
}

// Address parses a configured contract address; empty yields the zero address.
func Address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// ChainID returns the expected chain id.
func (c ChainConfig) ChainID() *big.Int {
	return big.NewInt(c.ID)
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsInt64 retrieves an environment variable as an int64 with a default value
func GetEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsList splits a comma separated variable, dropping empty items
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
