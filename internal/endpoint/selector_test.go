package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/retry"
	"github.com/yourorg/presale-wallet-core/internal/wallet"
	"github.com/yourorg/presale-wallet-core/internal/wallet/wallettest"
)

// fakeNode is a JSON-RPC node answering the probe methods.
type fakeNode struct {
	*httptest.Server
	chainID  int64
	requests atomic.Int64
}

func newFakeNode(t *testing.T, chainID int64) *fakeNode {
	n := &fakeNode{chainID: chainID}
	n.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.requests.Add(1)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var result interface{}
		switch req.Method {
		case "eth_blockNumber":
			result = hexutil.Uint64(1000)
		case "eth_chainId":
			result = (*hexutil.Big)(big.NewInt(n.chainID))
		default:
			result = "0x"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(n.Close)
	return n
}

// deadURL returns the address of a server that is already gone.
func deadURL(t *testing.T) string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func testSelector(fallback FallbackFunc) *Selector {
	return NewSelector(Options{
		Dialer:       NewEthDialer(0),
		ProbeTimeout: 500 * time.Millisecond,
		Retry:        retry.Policy{Attempts: 2, Step: 5 * time.Millisecond},
		Fallback:     fallback,
	})
}

func TestCandidates_URLs(t *testing.T) {
	c := Candidates{
		Primary:   " https://a ",
		Secondary: []string{"https://b", "https://a", "", "https://c", "https://b"},
	}
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, c.URLs())
	assert.Empty(t, Candidates{}.URLs())
}

func TestCandidates_Key(t *testing.T) {
	base := Candidates{Primary: "https://a", Secondary: []string{"https://b"}, ChainID: big.NewInt(56)}
	same := Candidates{Primary: "https://a", Secondary: []string{"https://b", "https://a"}, ChainID: big.NewInt(56)}
	otherChain := Candidates{Primary: "https://a", Secondary: []string{"https://b"}, ChainID: big.NewInt(1)}
	reordered := Candidates{Primary: "https://b", Secondary: []string{"https://a"}, ChainID: big.NewInt(56)}

	assert.Equal(t, base.Key(), same.Key())
	assert.NotEqual(t, base.Key(), otherChain.Key())
	assert.NotEqual(t, base.Key(), reordered.Key())
}

func TestSelect_SkipsDeadAndWrongChain(t *testing.T) {
	wrong := newFakeNode(t, 1)
	healthy := newFakeNode(t, 56)
	dead := deadURL(t)

	s := testSelector(nil)
	c := Candidates{Primary: dead, Secondary: []string{wrong.URL, healthy.URL}, ChainID: big.NewInt(56)}

	sel, err := s.Select(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, healthy.URL, sel.EndpointURL)
	assert.Equal(t, model.SourceCandidate, sel.Source)
	assert.True(t, sel.ChainVerified)
	require.NotNil(t, sel.Client)

	wrongRequests, healthyRequests := wrong.requests.Load(), healthy.requests.Load()
	// eth_blockNumber then eth_chainId, no retry after the mismatch
	assert.Equal(t, int64(2), wrongRequests)

	again, err := s.Select(context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, sel, again)
	assert.Equal(t, wrongRequests, wrong.requests.Load(), "cached selection must not re-probe")
	assert.Equal(t, healthyRequests, healthy.requests.Load())
}

func TestSelect_PreferredWhenPrimaryHealthy(t *testing.T) {
	primary := newFakeNode(t, 56)
	secondary := newFakeNode(t, 56)

	sel, err := testSelector(nil).Select(context.Background(), Candidates{
		Primary:   primary.URL,
		Secondary: []string{secondary.URL},
		ChainID:   big.NewInt(56),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourcePreferred, sel.Source)
	assert.Equal(t, int64(0), secondary.requests.Load(), "probing is ordered, not raced")
}

func TestSelect_AllDeadNoFallback(t *testing.T) {
	s := testSelector(func(ctx context.Context) (Client, bool) {
		t.Fatal("fallback must not be consulted when disallowed")
		return nil, false
	})
	c := Candidates{Primary: deadURL(t), Secondary: []string{deadURL(t)}, ChainID: big.NewInt(56)}

	sel, err := s.Select(context.Background(), c)
	assert.Nil(t, sel)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.NoWorkingEndpoint)
	assert.NotNil(t, errors.Unwrap(err), "last probe error is carried")
	assert.Nil(t, s.Current())
}

func TestSelect_NoCandidates(t *testing.T) {
	_, err := testSelector(nil).Select(context.Background(), Candidates{ChainID: big.NewInt(56)})
	assert.ErrorIs(t, err, apperr.NoWorkingEndpoint)
}

func TestSelect_MissingChainIDIsConfigError(t *testing.T) {
	_, err := testSelector(nil).Select(context.Background(), Candidates{Primary: "http://localhost:1"})
	assert.ErrorIs(t, err, apperr.Config)
}

func TestSelect_WalletFallback(t *testing.T) {
	w := wallettest.New(nil, "0x38")
	s := testSelector(func(ctx context.Context) (Client, bool) {
		return wallet.NewClient(w, common.Address{}), true
	})
	c := Candidates{Primary: deadURL(t), ChainID: big.NewInt(56), AllowWalletFallback: true}

	sel, err := s.Select(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, model.SourceWalletFallback, sel.Source)
	assert.Empty(t, sel.EndpointURL)
	assert.True(t, sel.ChainVerified)
	assert.Nil(t, s.Current(), "fallback selections are not cached")

	n, err := sel.Client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestSelect_WalletFallbackOnWrongChainIsUnverified(t *testing.T) {
	w := wallettest.New(nil, "0x1")
	s := testSelector(func(ctx context.Context) (Client, bool) {
		return wallet.NewClient(w, common.Address{}), true
	})
	sel, err := s.Select(context.Background(), Candidates{ChainID: big.NewInt(56), AllowWalletFallback: true})
	require.NoError(t, err)
	assert.False(t, sel.ChainVerified)
}

func TestSelect_WalletFallbackUnavailable(t *testing.T) {
	s := testSelector(func(ctx context.Context) (Client, bool) { return nil, false })
	_, err := s.Select(context.Background(), Candidates{Primary: deadURL(t), ChainID: big.NewInt(56), AllowWalletFallback: true})
	assert.ErrorIs(t, err, apperr.NoWorkingEndpoint)
}

func TestSelect_ConfigChangeReprobes(t *testing.T) {
	a := newFakeNode(t, 56)
	b := newFakeNode(t, 56)
	s := testSelector(nil)

	first, err := s.Select(context.Background(), Candidates{Primary: a.URL, ChainID: big.NewInt(56)})
	require.NoError(t, err)
	second, err := s.Select(context.Background(), Candidates{Primary: b.URL, ChainID: big.NewInt(56)})
	require.NoError(t, err)

	assert.NotEqual(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, b.URL, second.EndpointURL)
	assert.Same(t, second, s.Current())
}

func TestInvalidate(t *testing.T) {
	node := newFakeNode(t, 56)
	s := testSelector(nil)
	c := Candidates{Primary: node.URL, ChainID: big.NewInt(56)}

	_, err := s.Select(context.Background(), c)
	require.NoError(t, err)
	before := node.requests.Load()

	s.Invalidate()
	assert.Nil(t, s.Current())
	_, err = s.Select(context.Background(), c)
	require.NoError(t, err)
	assert.Greater(t, node.requests.Load(), before)
}

func TestSelect_ConcurrentFirstCallsProbeOnce(t *testing.T) {
	var dials atomic.Int64
	node := newFakeNode(t, 56)
	eth := NewEthDialer(0)
	s := NewSelector(Options{
		Dialer: DialerFunc(func(ctx context.Context, url string) (Client, error) {
			dials.Add(1)
			time.Sleep(20 * time.Millisecond)
			return eth.Dial(ctx, url)
		}),
		ProbeTimeout: time.Second,
	})
	c := Candidates{Primary: node.URL, ChainID: big.NewInt(56)}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Select(context.Background(), c)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), dials.Load())
}
