// Package session turns "user picked wallet X" into a published
// ConnectionState and back out again.
package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
	"github.com/yourorg/presale-wallet-core/internal/metrics"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/otel"
	"github.com/yourorg/presale-wallet-core/internal/retry"
	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

// Phase is the session state.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Connected
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

const teardownTimeout = 5 * time.Second

// Resolver looks wallets up by id.
type Resolver interface {
	Get(id string) (model.WalletDescriptor, bool)
}

// Publisher receives every ConnectionState the session produces.
type Publisher interface {
	Publish(s model.ConnectionState) error
	Snapshot() model.ConnectionState
}

// Options configures the session.
type Options struct {
	// ChainID is the chain the wallet is asked to switch to after connecting.
	// Nil disables switching.
	ChainID    *big.Int
	ChainIDHex string

	// AddChain is offered when the wallet does not know ChainID. Nil skips it.
	AddChain *wallet.AddChainParams

	// ConnectTimeout bounds the account access prompt
	ConnectTimeout time.Duration
	// SwitchTimeout bounds chain reads and switch/add requests
	SwitchTimeout time.Duration
}

// Session is safe for concurrent use. At most one connect runs at a time;
// connects for the same wallet id share one attempt.
//
// Publishes happen while the session lock is held so states reach the
// publisher in order; the publisher must not block on its subscribers.
type Session struct {
	registry  Resolver
	publisher Publisher
	metrics   *metrics.Metrics
	opts      Options

	group singleflight.Group

	mu      sync.Mutex
	phase   Phase
	seq     uint64
	pending string
	active  *conn
}

// conn is the capability attached while connected, with its listeners.
type conn struct {
	walletID string
	cap      wallet.Capability
	address  common.Address
	chainID  *big.Int

	accountsSub event.Subscription
	chainSub    event.Subscription
	quit        chan struct{}
	once        sync.Once
}

func (c *conn) detach() {
	c.once.Do(func() {
		close(c.quit)
		c.accountsSub.Unsubscribe()
		c.chainSub.Unsubscribe()
	})
}

func (c *conn) state() model.ConnectionState {
	addr := c.address
	return model.ConnectionState{
		Address:        &addr,
		ChainID:        c.chainID,
		Client:         wallet.NewClient(c.cap, addr),
		ActiveWalletID: c.walletID,
	}
}

// New creates an idle session.
func New(registry Resolver, publisher Publisher, m *metrics.Metrics, opts Options) *Session {
	return &Session{
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		opts:      opts,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Connect connects walletID and returns the active account. A connect while
// another wallet's attempt is running fails with apperr.AlreadyInProgress. A
// connect for the wallet already connected returns its account without
// prompting again.
func (s *Session) Connect(ctx context.Context, walletID string) (common.Address, error) {
	const op = "session.Connect"
	if walletID == "" {
		s.metrics.ObserveConnect(outcome(apperr.NoWalletSelected))
		return common.Address{}, apperr.New(apperr.NoWalletSelected, op, nil)
	}

	ctx, span := otel.Tracer().Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", walletID))

	v, err, shared := s.group.Do(walletID, func() (interface{}, error) {
		return s.connect(ctx, walletID)
	})
	if err != nil {
		otel.RecordError(ctx, err)
		return common.Address{}, err
	}
	if shared {
		logrus.WithField("wallet_id", walletID).Debug("Joined in-flight connect")
	}
	return v.(common.Address), nil
}

func (s *Session) connect(ctx context.Context, walletID string) (common.Address, error) {
	const op = "session.Connect"

	s.mu.Lock()
	switch s.phase {
	case Connecting, Disconnecting:
		pending := s.pending
		s.mu.Unlock()
		s.metrics.ObserveConnect(outcome(apperr.AlreadyInProgress))
		return common.Address{}, apperr.Errorf(apperr.AlreadyInProgress, op, "wallet %q is connecting", pending)
	case Connected:
		if s.active.walletID == walletID {
			addr := s.active.address
			s.mu.Unlock()
			return addr, nil
		}
	}
	previous := s.active
	s.active = nil
	s.seq++
	seq := s.seq
	s.phase = Connecting
	s.pending = walletID
	if previous != nil {
		// the old wallet is gone from here on; nothing may read through it
		// while the new one is prompting
		previous.detach()
		s.publishLocked(model.ConnectionState{})
	}
	s.mu.Unlock()

	if previous != nil {
		logrus.WithFields(logrus.Fields{
			"from": previous.walletID,
			"to":   walletID,
		}).Info("Switching wallet")
		s.teardown(previous)
	}

	d, ok := s.registry.Get(walletID)
	if !ok {
		return common.Address{}, s.fail(seq, walletID, apperr.Errorf(apperr.UnknownWallet, op, "%q", walletID))
	}

	// listeners go on before the first read so no change slips between the
	// read and the publish; buffered events are applied by watch afterwards
	accountsCh := make(chan []string, 16)
	chainCh := make(chan string, 16)
	c := &conn{
		walletID:    walletID,
		cap:         d.Capability,
		accountsSub: d.Capability.SubscribeAccountsChanged(accountsCh),
		chainSub:    d.Capability.SubscribeChainChanged(chainCh),
		quit:        make(chan struct{}),
	}

	accounts, err := retry.WithTimeoutValue(ctx, s.opts.ConnectTimeout, func(ctx context.Context) ([]common.Address, error) {
		return wallet.RequestAccounts(ctx, d.Capability)
	})
	if err == nil && len(accounts) == 0 {
		err = apperr.Errorf(apperr.CapabilityError, op, "wallet returned no accounts")
	}
	if err != nil {
		c.detach()
		return common.Address{}, s.fail(seq, walletID, classify(op, err))
	}

	chainID, err := retry.WithTimeoutValue(ctx, s.opts.SwitchTimeout, func(ctx context.Context) (*big.Int, error) {
		return wallet.ChainID(ctx, d.Capability)
	})
	if err != nil {
		c.detach()
		return common.Address{}, s.fail(seq, walletID, classify(op, err))
	}
	c.address = accounts[0]
	c.chainID = chainID

	s.mu.Lock()
	if s.seq != seq {
		s.mu.Unlock()
		c.detach()
		s.metrics.ObserveConnect(outcome(apperr.Superseded))
		logrus.WithField("wallet_id", walletID).Info("Discarding connect result overtaken by a newer request")
		return common.Address{}, apperr.New(apperr.Superseded, op, nil)
	}
	s.active = c
	s.phase = Connected
	s.pending = ""
	addr := c.address
	s.publishLocked(c.state())
	s.mu.Unlock()

	go s.watch(seq, c, accountsCh, chainCh)

	s.metrics.ObserveConnect("connected")
	logrus.WithFields(logrus.Fields{
		"wallet_id": walletID,
		"address":   addr.Hex(),
		"chain_id":  chainID,
		"outcome":   "connected",
	}).Info("Wallet connected")

	s.ensureChain(ctx, c, chainID)
	return addr, nil
}

// fail returns the session to Idle unless the attempt was already overtaken.
// Any previously connected state is cleared.
func (s *Session) fail(seq uint64, walletID string, err error) error {
	s.mu.Lock()
	if s.seq == seq {
		s.phase = Idle
		s.pending = ""
		if s.publisher.Snapshot().Connected() {
			s.publishLocked(model.ConnectionState{})
		}
	}
	s.mu.Unlock()

	kind := apperr.KindOf(err)
	s.metrics.ObserveConnect(outcome(kind))
	entry := logrus.WithFields(logrus.Fields{
		"wallet_id": walletID,
		"outcome":   outcome(kind),
	})
	if kind == apperr.UserRejected || kind == apperr.UnknownWallet || kind == apperr.Canceled {
		entry.Info("Wallet connect failed: ", err)
	} else {
		entry.Warn("Wallet connect failed: ", err)
	}
	return err
}

// ensureChain asks the wallet to move to the configured chain. Failure is
// not an error: the state keeps the wallet's chain and OnChain reports false.
func (s *Session) ensureChain(ctx context.Context, c *conn, current *big.Int) {
	if s.opts.ChainID == nil || current.Cmp(s.opts.ChainID) == 0 {
		return
	}

	err := retry.WithTimeout(ctx, s.opts.SwitchTimeout, func(ctx context.Context) error {
		return wallet.SwitchChain(ctx, c.cap, s.opts.ChainIDHex)
	})
	if wallet.HasCode(err, wallet.CodeUnrecognizedChain) && s.opts.AddChain != nil {
		logrus.WithField("chain_id", s.opts.ChainIDHex).Info("Wallet does not know the chain, offering to add it")
		err = retry.WithTimeout(ctx, s.opts.SwitchTimeout, func(ctx context.Context) error {
			return wallet.AddChain(ctx, c.cap, *s.opts.AddChain)
		})
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"wallet_id": c.walletID,
			"current":   current,
			"expected":  s.opts.ChainID,
		}).Warnf("Wallet stays on the wrong network, user must switch manually: %v", err)
	}
}

// Disconnect detaches the active wallet and publishes the empty state. It
// also cancels an in-flight connect, whose late result is discarded.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.seq++
	c := s.active
	s.active = nil
	if s.pending != "" {
		// a reconnect must start its own attempt, not join the cancelled one
		s.group.Forget(s.pending)
		s.pending = ""
	}
	if c != nil {
		s.phase = Disconnecting
		c.detach()
	} else {
		s.phase = Idle
	}
	s.publishLocked(model.ConnectionState{})
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.release(c, "user")

	s.mu.Lock()
	if s.phase == Disconnecting {
		s.phase = Idle
	}
	s.mu.Unlock()
}

// release tears c down after its empty state was published.
func (s *Session) release(c *conn, reason string) {
	s.teardown(c)
	s.metrics.ObserveConnect("disconnected")
	logrus.WithFields(logrus.Fields{
		"wallet_id": c.walletID,
		"reason":    reason,
	}).Info("Wallet disconnected")
}

// teardown detaches c and ends a remote wallet session if it has one. Errors
// are swallowed since the local state is already empty.
func (s *Session) teardown(c *conn) {
	c.detach()
	d, ok := c.cap.(wallet.Disconnecter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := d.Disconnect(ctx); err != nil {
		logrus.WithField("wallet_id", c.walletID).Debugf("Wallet session teardown failed: %v", err)
	}
}

func (s *Session) watch(seq uint64, c *conn, accountsCh <-chan []string, chainCh <-chan string) {
	for {
		select {
		case accounts := <-accountsCh:
			s.onAccountsChanged(seq, accounts)
		case hex := <-chainCh:
			s.onChainChanged(seq, hex)
		case <-c.accountsSub.Err():
			return
		case <-c.quit:
			return
		}
	}
}

func (s *Session) onAccountsChanged(seq uint64, raw []string) {
	s.mu.Lock()
	if s.seq != seq || s.active == nil {
		s.mu.Unlock()
		return
	}
	c := s.active

	if len(raw) == 0 {
		s.seq++
		s.active = nil
		s.phase = Idle
		c.detach()
		s.publishLocked(model.ConnectionState{})
		s.mu.Unlock()
		s.release(c, "accounts revoked")
		return
	}
	defer s.mu.Unlock()

	accounts, err := wallet.ParseAccounts(raw)
	if err != nil {
		logrus.WithField("wallet_id", c.walletID).Warnf("Ignoring accounts change: %v", err)
		return
	}
	c.address = accounts[0]
	s.publishLocked(c.state())
	logrus.WithFields(logrus.Fields{
		"wallet_id": c.walletID,
		"address":   c.address.Hex(),
	}).Info("Wallet account changed")
}

func (s *Session) onChainChanged(seq uint64, hex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq || s.active == nil {
		return
	}
	c := s.active

	chainID, err := wallet.ParseChainID(hex)
	if err != nil {
		logrus.WithField("wallet_id", c.walletID).Warnf("Ignoring chain change: %v", err)
		return
	}
	c.chainID = chainID
	s.publishLocked(c.state())
	logrus.WithFields(logrus.Fields{
		"wallet_id": c.walletID,
		"chain_id":  chainID,
		"on_chain":  s.opts.ChainID == nil || chainID.Cmp(s.opts.ChainID) == 0,
	}).Info("Wallet chain changed")
}

func (s *Session) publishLocked(st model.ConnectionState) {
	if err := s.publisher.Publish(st); err != nil {
		logrus.Errorf("Publishing connection state: %v", err)
	}
}

// classify maps a provider or timeout failure onto the error taxonomy.
func classify(op string, err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return apperr.New(ae.Kind, op, ae.Err)
	case wallet.IsUserRejected(err):
		return apperr.New(apperr.UserRejected, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.New(apperr.Timeout, op, err)
	case errors.Is(err, context.Canceled):
		return apperr.New(apperr.Canceled, op, err)
	}
	return apperr.New(apperr.CapabilityError, op, err)
}

func outcome(k apperr.Kind) string {
	switch k {
	case "":
		return "error"
	case apperr.NoWalletSelected:
		return "no_wallet_selected"
	case apperr.UnknownWallet:
		return "unknown_wallet"
	case apperr.UserRejected:
		return "user_rejected"
	case apperr.Timeout:
		return "timeout"
	case apperr.AlreadyInProgress:
		return "already_in_progress"
	case apperr.Superseded:
		return "superseded"
	case apperr.Canceled:
		return "canceled"
	}
	return "capability_error"
}
