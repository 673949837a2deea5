package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
	"github.com/yourorg/presale-wallet-core/internal/discovery"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/state"
	"github.com/yourorg/presale-wallet-core/internal/wallet"
	"github.com/yourorg/presale-wallet-core/internal/wallet/wallettest"
)

const (
	alice = "0x00000000000000000000000000000000000A11CE"
	bob   = "0x0000000000000000000000000000000000000B0B"
)

type fixture struct {
	registry  *discovery.Registry
	publisher *state.Publisher
	session   *Session
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.SwitchTimeout == 0 {
		opts.SwitchTimeout = time.Second
	}
	registry := discovery.NewRegistry(&discovery.Bus{})
	publisher := state.NewPublisher(nil)
	t.Cleanup(publisher.Close)
	return &fixture{
		registry:  registry,
		publisher: publisher,
		session:   New(registry, publisher, nil, opts),
	}
}

// add announces capability c under the given vendor UUID and returns its id.
func (f *fixture) add(id, name string, c wallet.Capability) string {
	info := model.WalletInfo{UUID: id, Name: name}
	f.registry.Announce(discovery.Announcement{Info: info, Capability: c})
	return discovery.DeriveID(info)
}

func TestConnect_NoWalletSelected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.session.Connect(context.Background(), "")
	assert.ErrorIs(t, err, apperr.NoWalletSelected)
	assert.Equal(t, Idle, f.session.Phase())
}

func TestConnect_UnknownWallet(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.session.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.UnknownWallet)
	assert.Equal(t, Idle, f.session.Phase())
	assert.False(t, f.publisher.Snapshot().Connected())
}

func TestConnect_Success(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x38")
	id := f.add("mm", "MetaMask", w)

	addr, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(alice), addr)
	assert.Equal(t, Connected, f.session.Phase())

	s := f.publisher.Snapshot()
	require.NotNil(t, s.Address)
	require.NotNil(t, s.Client)
	assert.Equal(t, addr, *s.Address)
	assert.Equal(t, int64(56), s.ChainID.Int64())
	assert.Equal(t, id, s.ActiveWalletID)
	assert.Equal(t, 2, w.Subscribers(), "accounts and chain listeners attached")
}

func TestConnect_SameWalletDoesNotPromptAgain(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)

	first, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	second, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, w.Calls(wallet.MethodRequestAccounts))
}

func TestConnect_ConcurrentDifferentWallets(t *testing.T) {
	f := newFixture(t, Options{})
	slow := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	slow.SetGate(gate)
	other := wallettest.New([]string{bob}, "0x1")
	slowID := f.add("slow", "Slow", slow)
	otherID := f.add("other", "Other", other)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.session.Connect(context.Background(), slowID)
	}()
	require.Eventually(t, func() bool { return f.session.Phase() == Connecting }, time.Second, time.Millisecond)

	_, err := f.session.Connect(context.Background(), otherID)
	assert.ErrorIs(t, err, apperr.AlreadyInProgress)
	assert.Equal(t, 0, other.Calls(wallet.MethodRequestAccounts))

	close(gate)
	wg.Wait()
	require.NoError(t, firstErr)

	s := f.publisher.Snapshot()
	require.NotNil(t, s.Address)
	require.NotNil(t, s.Client)
	assert.Equal(t, slowID, s.ActiveWalletID)
}

func TestConnect_ConcurrentSameWalletShareAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	w.SetGate(gate)
	id := f.add("mm", "MetaMask", w)

	var wg sync.WaitGroup
	results := make([]common.Address, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.session.Connect(context.Background(), id)
		}(i)
	}
	require.Eventually(t, func() bool { return w.Calls(wallet.MethodRequestAccounts) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, common.HexToAddress(alice), results[i])
	}
	assert.Equal(t, 1, w.Calls(wallet.MethodRequestAccounts))
}

func TestConnect_TimeoutReturnsToIdle(t *testing.T) {
	f := newFixture(t, Options{ConnectTimeout: 30 * time.Millisecond})
	w := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	w.SetGate(gate)
	id := f.add("mm", "MetaMask", w)

	_, err := f.session.Connect(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Timeout)
	assert.True(t, apperr.KindOf(err).Retryable())
	assert.Equal(t, Idle, f.session.Phase())
	assert.Equal(t, 0, w.Subscribers(), "listeners must be detached after a failed attempt")

	// the stuck prompt resolving late must not leak into the state
	close(gate)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, f.publisher.Snapshot().Connected())

	w.SetGate(nil)
	addr, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(alice), addr)
}

func TestConnect_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"user rejected", &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "User rejected the request."}, apperr.UserRejected},
		{"unauthorized", &wallet.ProviderError{Code: wallet.CodeUnauthorized, Message: "locked"}, apperr.CapabilityError},
		{"plain failure", errors.New("extension crashed"), apperr.CapabilityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			w := wallettest.New([]string{alice}, "0x1")
			w.RequestAccountsErr = tt.err
			id := f.add("mm", "MetaMask", w)

			_, err := f.session.Connect(context.Background(), id)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
			assert.Equal(t, Idle, f.session.Phase())
			assert.Equal(t, 0, w.Subscribers())

			s := f.publisher.Snapshot()
			assert.Nil(t, s.Address)
			assert.Nil(t, s.Client)
		})
	}
}

func TestConnect_NoAccountsIsCapabilityError(t *testing.T) {
	f := newFixture(t, Options{})
	id := f.add("mm", "MetaMask", wallettest.New([]string{}, "0x1"))

	_, err := f.session.Connect(context.Background(), id)
	assert.ErrorIs(t, err, apperr.CapabilityError)
	assert.Equal(t, Idle, f.session.Phase())
}

func TestDisconnect_ClearsState(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)
	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	f.session.Disconnect()

	s := f.publisher.Snapshot()
	assert.Nil(t, s.Address)
	assert.Nil(t, s.Client)
	assert.Nil(t, s.ChainID)
	assert.Empty(t, s.ActiveWalletID)
	assert.Equal(t, Idle, f.session.Phase())
	assert.Equal(t, 0, w.Subscribers())
	assert.True(t, w.Disconnected())

	// a later event from the old capability is ignored
	w.EmitAccountsChanged([]string{bob})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, f.publisher.Snapshot().Connected())
}

func TestDisconnect_WhenIdlePublishesEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	ch := make(chan model.ConnectionState, 4)
	sub := f.publisher.Subscribe(ch)
	defer sub.Unsubscribe()

	f.session.Disconnect()
	select {
	case got := <-ch:
		assert.False(t, got.Connected())
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch, 0, "exactly one notification")
}

func TestDisconnect_SupersedesInFlightConnect(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	w.SetGate(gate)
	id := f.add("mm", "MetaMask", w)

	errc := make(chan error, 1)
	go func() {
		_, err := f.session.Connect(context.Background(), id)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.session.Phase() == Connecting }, time.Second, time.Millisecond)

	f.session.Disconnect()
	assert.Equal(t, Idle, f.session.Phase())
	close(gate)

	err := <-errc
	assert.ErrorIs(t, err, apperr.Superseded)
	assert.False(t, f.publisher.Snapshot().Connected())
	assert.Equal(t, 0, w.Subscribers())
}

func TestAccountsChanged_EmptyIsImplicitDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)
	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	ch := make(chan model.ConnectionState, 8)
	sub := f.publisher.Subscribe(ch)
	defer sub.Unsubscribe()

	w.EmitAccountsChanged([]string{})
	require.Eventually(t, func() bool { return !f.publisher.Snapshot().Connected() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, ch, 1, "exactly one notification")
	got := <-ch
	assert.Nil(t, got.Address)
	assert.Nil(t, got.Client)
	assert.Equal(t, Idle, f.session.Phase())
	assert.Equal(t, 0, w.Subscribers())
}

func TestAccountsChanged_Republishes(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)
	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	w.EmitAccountsChanged([]string{bob, alice})
	require.Eventually(t, func() bool {
		s := f.publisher.Snapshot()
		return s.Address != nil && *s.Address == common.HexToAddress(bob)
	}, time.Second, time.Millisecond)
	assert.Equal(t, common.HexToAddress(bob), f.publisher.Snapshot().Client.Address())
}

func TestChainChanged_Republishes(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)
	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	w.EmitChainChanged("0x89")
	require.Eventually(t, func() bool {
		return f.publisher.Snapshot().ChainID.Int64() == 137
	}, time.Second, time.Millisecond)
}

func TestConnect_SwitchesToExpectedChain(t *testing.T) {
	f := newFixture(t, Options{ChainID: big.NewInt(56), ChainIDHex: "0x38"})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)

	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Calls(wallet.MethodSwitchChain))
	require.Eventually(t, func() bool {
		return f.publisher.Snapshot().OnChain(big.NewInt(56))
	}, time.Second, time.Millisecond)
}

func TestConnect_AddsUnknownChain(t *testing.T) {
	add := &wallet.AddChainParams{
		ChainID:        "0x38",
		ChainName:      "BNB Smart Chain",
		NativeCurrency: wallet.NativeCurrency{Name: "BNB", Symbol: "BNB", Decimals: 18},
		RPCURLs:        []string{"https://bsc-dataseed.binance.org"},
	}
	f := newFixture(t, Options{ChainID: big.NewInt(56), ChainIDHex: "0x38", AddChain: add})
	w := wallettest.New([]string{alice}, "0x1")
	w.SwitchErr = &wallet.ProviderError{Code: wallet.CodeUnrecognizedChain, Message: "Unrecognized chain ID"}
	id := f.add("mm", "MetaMask", w)

	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Calls(wallet.MethodAddChain))
	require.Eventually(t, func() bool {
		return f.publisher.Snapshot().OnChain(big.NewInt(56))
	}, time.Second, time.Millisecond)
}

func TestConnect_SwitchRefusedIsNotFatal(t *testing.T) {
	f := newFixture(t, Options{ChainID: big.NewInt(56), ChainIDHex: "0x38"})
	w := wallettest.New([]string{alice}, "0x1")
	w.SwitchErr = &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "no"}
	id := f.add("mm", "MetaMask", w)

	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)
	s := f.publisher.Snapshot()
	assert.True(t, s.Connected())
	assert.False(t, s.OnChain(big.NewInt(56)))
	assert.Equal(t, 0, w.Calls(wallet.MethodAddChain))
}

func TestConnect_OtherWalletReplacesActive(t *testing.T) {
	f := newFixture(t, Options{})
	first := wallettest.New([]string{alice}, "0x1")
	second := wallettest.New([]string{bob}, "0x1")
	firstID := f.add("a", "A", first)
	secondID := f.add("b", "B", second)

	_, err := f.session.Connect(context.Background(), firstID)
	require.NoError(t, err)
	addr, err := f.session.Connect(context.Background(), secondID)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(bob), addr)
	assert.Equal(t, 0, first.Subscribers())
	assert.True(t, first.Disconnected())
	assert.Equal(t, secondID, f.publisher.Snapshot().ActiveWalletID)
}

func TestDisconnect_ReconnectStartsFreshAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	w.SetGate(gate)
	id := f.add("mm", "MetaMask", w)

	errc := make(chan error, 1)
	go func() {
		_, err := f.session.Connect(context.Background(), id)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.session.Phase() == Connecting }, time.Second, time.Millisecond)

	f.session.Disconnect()
	w.SetGate(nil)

	addr, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err, "a connect from Idle must not join the cancelled attempt")
	assert.Equal(t, common.HexToAddress(alice), addr)
	assert.Equal(t, 2, w.Calls(wallet.MethodRequestAccounts))
	assert.True(t, f.publisher.Snapshot().Connected())

	close(gate)
	assert.ErrorIs(t, <-errc, apperr.Superseded)
	assert.True(t, f.publisher.Snapshot().Connected(), "the stale attempt must not touch the new connection")
	assert.Equal(t, Connected, f.session.Phase())
}

func TestConnect_SwitchClearsStateWhilePrompting(t *testing.T) {
	f := newFixture(t, Options{})
	first := wallettest.New([]string{alice}, "0x1")
	second := wallettest.New([]string{bob}, "0x1")
	gate := make(chan struct{})
	second.SetGate(gate)
	firstID := f.add("a", "A", first)
	secondID := f.add("b", "B", second)

	_, err := f.session.Connect(context.Background(), firstID)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.session.Connect(context.Background(), secondID)
		errc <- err
	}()
	require.Eventually(t, func() bool { return second.Calls(wallet.MethodRequestAccounts) == 1 }, time.Second, time.Millisecond)

	s := f.publisher.Snapshot()
	assert.Equal(t, Connecting, f.session.Phase())
	assert.False(t, s.Connected(), "the torn down wallet must not stay published")
	assert.Nil(t, s.Client)
	assert.Empty(t, s.ActiveWalletID)
	assert.True(t, first.Disconnected())

	close(gate)
	require.NoError(t, <-errc)
	assert.Equal(t, secondID, f.publisher.Snapshot().ActiveWalletID)
}

func TestAccountsChanged_EmptyTearsDownWalletSession(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	id := f.add("mm", "MetaMask", w)
	_, err := f.session.Connect(context.Background(), id)
	require.NoError(t, err)

	w.EmitAccountsChanged(nil)
	require.Eventually(t, w.Disconnected, time.Second, time.Millisecond)
	assert.Equal(t, 0, w.Subscribers())
	assert.Equal(t, Idle, f.session.Phase())
}

func TestConnect_CallerCancelIsNotCapabilityError(t *testing.T) {
	f := newFixture(t, Options{})
	w := wallettest.New([]string{alice}, "0x1")
	gate := make(chan struct{})
	defer close(gate)
	w.SetGate(gate)
	id := f.add("mm", "MetaMask", w)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for w.Calls(wallet.MethodRequestAccounts) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := f.session.Connect(ctx, id)
	assert.ErrorIs(t, err, apperr.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, f.session.Phase())
	assert.False(t, f.publisher.Snapshot().Connected())
}
