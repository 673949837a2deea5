// Package server exposes the wallet core over HTTP: status and control
// endpoints plus a websocket stream of connection state and stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
	"github.com/yourorg/presale-wallet-core/internal/circuitbreaker"
	"github.com/yourorg/presale-wallet-core/internal/endpoint"
	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/session"
	"github.com/yourorg/presale-wallet-core/internal/stats"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is the wallet session driven by /connect and /disconnect.
type Session interface {
	Connect(ctx context.Context, walletID string) (common.Address, error)
	Disconnect()
	Phase() session.Phase
}

// Wallets lists discovered wallets.
type Wallets interface {
	List() []model.WalletDescriptor
	RequestRefresh()
}

// States is the connection state publisher.
type States interface {
	Snapshot() model.ConnectionState
	Subscribe(ch chan<- model.ConnectionState) event.Subscription
}

// StatsFeed delivers stats refresh results.
type StatsFeed interface {
	Subscribe(ch chan<- stats.Stats) event.Subscription
}

// Options wires the server. Selection, Stats, StatsFeed, Breaker, Limiter and
// Gatherer are optional.
type Options struct {
	Port    string
	Chain   *big.Int
	Session Session
	Wallets Wallets
	States  States

	Selection func() *endpoint.Selection
	Stats     func() (stats.Stats, bool)
	StatsFeed StatsFeed
	Breaker   *circuitbreaker.CircuitBreaker

	// Limiter guards the mutating endpoints
	Limiter *rate.Limiter

	// Gatherer backs /metrics; nil disables it
	Gatherer prometheus.Gatherer
}

// Server is the HTTP surface of the daemon.
type Server struct {
	opts      Options
	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time

	mu      sync.Mutex
	clients map[*wsClient]bool
}

// New creates a server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		opts:      opts,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		clients:   make(map[*wsClient]bool),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/wallets", s.handleWallets)
	s.mux.HandleFunc("/wallets/refresh", s.limited(s.handleWalletsRefresh))
	s.mux.HandleFunc("/connect", s.limited(s.handleConnect))
	s.mux.HandleFunc("/disconnect", s.limited(s.handleDisconnect))
	s.mux.HandleFunc("/circuit", s.handleCircuit)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/ws", s.handleWS)
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         ":" + s.opts.Port,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	broadcastCtx, stop := context.WithCancel(ctx)
	defer stop()
	s.StartBroadcast(broadcastCtx)

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.opts.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.closeClients()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

// stateView is the wire form of a connection snapshot.
type stateView struct {
	Connected      bool   `json:"connected"`
	Address        string `json:"address,omitempty"`
	ChainID        string `json:"chainId,omitempty"`
	OnChain        bool   `json:"onChain"`
	ActiveWalletID string `json:"activeWalletId,omitempty"`
}

func (s *Server) view(st model.ConnectionState) stateView {
	v := stateView{
		Connected:      st.Connected(),
		Address:        st.AddressHex(),
		OnChain:        st.OnChain(s.opts.Chain),
		ActiveWalletID: st.ActiveWalletID,
	}
	if st.ChainID != nil {
		v.ChainID = hexutil.EncodeBig(st.ChainID)
	}
	return v
}

type selectionView struct {
	EndpointURL   string           `json:"endpointUrl,omitempty"`
	Source        model.SourceKind `json:"source"`
	ChainVerified bool             `json:"chainVerified"`
	SelectedAt    time.Time        `json:"selectedAt"`
}

// message is one websocket frame.
type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(s.startTime).String(),
		"phase":   s.opts.Session.Phase().String(),
		"state":   s.view(s.opts.States.Snapshot()),
		"wallets": len(s.opts.Wallets.List()),
	}
	if s.opts.Chain != nil {
		status["expectedChainId"] = hexutil.EncodeBig(s.opts.Chain)
	}
	if s.opts.Selection != nil {
		if sel := s.opts.Selection(); sel != nil {
			status["selection"] = selectionView{
				EndpointURL:   sel.EndpointURL,
				Source:        sel.Source,
				ChainVerified: sel.ChainVerified,
				SelectedAt:    sel.SelectedAt,
			}
		}
	}
	if s.opts.Stats != nil {
		if st, ok := s.opts.Stats(); ok {
			status["stats"] = st
		}
	}
	if s.opts.Breaker != nil {
		status["circuit_state"] = s.opts.Breaker.GetState().String()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallets": s.opts.Wallets.List(),
	})
}

func (s *Server) handleWalletsRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.opts.Wallets.RequestRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Discovery requested"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	walletID := r.URL.Query().Get("wallet")
	addr, err := s.opts.Session.Connect(r.Context(), walletID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": addr.Hex(),
		"state":   s.view(s.opts.States.Snapshot()),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.opts.Session.Disconnect()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": s.view(s.opts.States.Snapshot()),
	})
}

// handleCircuit allows viewing and resetting the price circuit breaker
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Breaker == nil {
		http.Error(w, "Circuit breaker not enabled", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{}
	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		s.opts.Breaker.Reset()
		response["message"] = "Circuit breaker reset"
	}
	response["state"] = s.opts.Breaker.GetState().String()
	if last, ok := s.opts.Breaker.LastGood(); ok {
		response["last_good_price"] = last.Float()
		response["last_good_timestamp"] = last.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Gatherer == nil {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	c := newWSClient(conn)

	// Register and queue the current snapshot under one lock so no broadcast
	// can reach the client ahead of it.
	s.mu.Lock()
	s.clients[c] = true
	c.enqueue(message{Type: "state", Data: s.view(s.opts.States.Snapshot())})
	if s.opts.Stats != nil {
		if st, ok := s.opts.Stats(); ok {
			c.enqueue(message{Type: "stats", Data: st})
		}
	}
	s.mu.Unlock()

	go c.writeLoop()
	defer s.drop(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// StartBroadcast subscribes to state publishes and stats refreshes and
// forwards them to websocket clients until ctx is done. Subscriptions are in
// place when it returns.
func (s *Server) StartBroadcast(ctx context.Context) {
	states := make(chan model.ConnectionState, 16)
	stateSub := s.opts.States.Subscribe(states)

	var (
		results  chan stats.Stats
		statsSub event.Subscription
		statsErr <-chan error
	)
	if s.opts.StatsFeed != nil {
		results = make(chan stats.Stats, 16)
		statsSub = s.opts.StatsFeed.Subscribe(results)
		statsErr = statsSub.Err()
	}

	go func() {
		defer stateSub.Unsubscribe()
		if statsSub != nil {
			defer statsSub.Unsubscribe()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-stateSub.Err():
				return
			case <-statsErr:
				statsErr, results = nil, nil
			case st := <-states:
				s.broadcast(message{Type: "state", Data: s.view(st)})
			case st := <-results:
				s.broadcast(message{Type: "stats", Data: st})
			}
		}
	}()
}

// broadcast queues msg for every client without waiting on any of them. A
// client whose queue is full is too slow to keep up and is dropped.
func (s *Server) broadcast(msg message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if !c.enqueue(msg) {
			logrus.Debug("Dropping websocket client that stopped reading")
			c.close()
			delete(s.clients, c)
		}
	}
}

func (s *Server) drop(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

// limited rejects requests over the configured rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// errorResponse writes err with the status its kind maps to.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		logrus.Warnf("Request failed: %v", err)
	} else {
		logrus.Debugf("Request rejected: %v", err)
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.NoWalletSelected:
		return http.StatusBadRequest
	case apperr.UnknownWallet:
		return http.StatusNotFound
	case apperr.UserRejected:
		return http.StatusForbidden
	case apperr.AlreadyInProgress, apperr.Superseded:
		return http.StatusConflict
	case apperr.Canceled:
		return http.StatusRequestTimeout
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.CapabilityError, apperr.ChainMismatch:
		return http.StatusBadGateway
	case apperr.NoWorkingEndpoint:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("Failed to encode response: %v", err)
	}
}
