// Package main runs the presale wallet core as a daemon: wallet discovery,
// the connection session, RPC endpoint selection and token stats, served over
// HTTP and a websocket stream.
package main

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/presale-wallet-core/internal/circuitbreaker"
	"github.com/yourorg/presale-wallet-core/internal/config"
	"github.com/yourorg/presale-wallet-core/internal/discovery"
	"github.com/yourorg/presale-wallet-core/internal/endpoint"
	"github.com/yourorg/presale-wallet-core/internal/metrics"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/otel"
	"github.com/yourorg/presale-wallet-core/internal/retry"
	"github.com/yourorg/presale-wallet-core/internal/server"
	"github.com/yourorg/presale-wallet-core/internal/session"
	"github.com/yourorg/presale-wallet-core/internal/state"
	"github.com/yourorg/presale-wallet-core/internal/stats"
	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

// main is the entry point for the application
func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := shutdownContext()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	// Initialize metrics if enabled
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.EnableMetrics {
		m = metrics.New(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	bus := &discovery.Bus{}
	if cfg.WalletRPCURL != "" {
		node, err := announceNodeWallet(ctx, bus, cfg)
		if err != nil {
			return err
		}
		defer node.Close()
	}

	registry := discovery.NewRegistry(bus)
	registry.Initialize()
	defer registry.Close()

	publisher := state.NewPublisher(m)
	defer publisher.Close()

	sess := session.New(registry, publisher, m, session.Options{
		ChainID:        cfg.Chain.ChainID(),
		ChainIDHex:     cfg.Chain.IDHex,
		AddChain:       addChainParams(cfg.Chain),
		ConnectTimeout: cfg.ConnectTimeout,
		SwitchTimeout:  cfg.SwitchChainTimeout,
	})
	defer sess.Disconnect()

	selector := endpoint.NewSelector(endpoint.Options{
		Dialer:       endpoint.NewEthDialer(cfg.HTTPRetryMax),
		ProbeTimeout: cfg.ProbeTimeout,
		Retry:        retry.Policy{Attempts: cfg.ProbeRetries + 1, Step: cfg.ProbeBackoff},
		Fallback:     walletFallback(publisher, bus),
		Metrics:      m,
	})

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxPriceChange: cfg.MaxPriceChange,
		MaxAge:         cfg.MaxPriceAge,
	}).WithResetDelay(cfg.CircuitResetDelay).WithStateCallback(func(s circuitbreaker.State) {
		m.SetBreakerState(int(s))
	})

	reader := stats.NewReader(stats.Config{
		Selector: selector,
		Candidates: endpoint.Candidates{
			Primary:             cfg.Chain.PrimaryRPCURL,
			Secondary:           cfg.Chain.SecondaryRPCURLs,
			ChainID:             cfg.Chain.ChainID(),
			AllowWalletFallback: cfg.AllowWalletFallback,
		},
		State:   publisher,
		Breaker: breaker,
		Addresses: stats.Addresses{
			Token:   config.Address(cfg.TokenAddress),
			Oracle:  config.Address(cfg.OracleAddress),
			Presale: config.Address(cfg.PresaleAddress),
		},
		Retry:       retry.Policy{Attempts: cfg.ProbeRetries + 1, Step: cfg.ProbeBackoff},
		CallTimeout: cfg.ProbeTimeout,
		Metrics:     m,
	})
	watcher := stats.NewWatcher(reader, publisher, cfg.StatsRefreshInterval, cfg.StatsMinInterval)

	srv := server.New(server.Options{
		Port:      cfg.Port,
		Chain:     cfg.Chain.ChainID(),
		Session:   sess,
		Wallets:   registry,
		States:    publisher,
		Selection: selector.Current,
		Stats:     reader.Last,
		StatsFeed: watcher,
		Breaker:   breaker,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		Gatherer:  gatherer,
	})

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("Stats watcher stopped: %v", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"chain_id":        cfg.Chain.IDHex,
		"rpc_candidates":  len(cfg.Chain.RPCURLs()),
		"wallet_fallback": cfg.AllowWalletFallback,
		"node_wallet":     cfg.WalletRPCURL != "",
		"metrics":         cfg.EnableMetrics,
	}).Info("Server initialized")

	return srv.Run(ctx)
}

// announceNodeWallet dials the node-backed wallet and makes it both the
// injected provider and a discoverable one.
func announceNodeWallet(ctx context.Context, bus *discovery.Bus, cfg config.Config) (*wallet.NodeCapability, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	node, err := wallet.DialNode(dialCtx, cfg.WalletRPCURL, cfg.WalletPollInterval)
	if err != nil {
		return nil, err
	}
	a := discovery.Announcement{
		Info:       model.WalletInfo{Name: "Node Wallet", RDNS: "local.node"},
		Capability: node,
	}
	bus.SetInjected(a)
	bus.OnRequest(func() (discovery.Announcement, bool) { return a, true })
	logrus.Infof("Node wallet available at %s", cfg.WalletRPCURL)
	return node, nil
}

// walletFallback reads through the connected wallet, or the injected provider
// when nothing is connected.
func walletFallback(states *state.Publisher, bus *discovery.Bus) endpoint.FallbackFunc {
	return func(ctx context.Context) (endpoint.Client, bool) {
		if snap := states.Snapshot(); snap.Client != nil {
			return snap.Client, true
		}
		if a, ok := bus.Injected(); ok && a.Capability != nil {
			return wallet.NewClient(a.Capability, common.Address{}), true
		}
		return nil, false
	}
}

func addChainParams(c config.ChainConfig) *wallet.AddChainParams {
	p := &wallet.AddChainParams{
		ChainID:   c.IDHex,
		ChainName: c.Name,
		NativeCurrency: wallet.NativeCurrency{
			Name:     c.NativeName,
			Symbol:   c.NativeSymbol,
			Decimals: c.NativeDecimals,
		},
		RPCURLs: c.RPCURLs(),
	}
	if p.ChainName == "" {
		p.ChainName = c.IDHex
	}
	if c.ExplorerURL != "" {
		p.BlockExplorerURLs = []string{c.ExplorerURL}
	}
	return p
}
