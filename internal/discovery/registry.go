// Package discovery keeps the live set of announced wallet providers.
package discovery

import (
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/presale-wallet-core/internal/model"
	"github.com/yourorg/presale-wallet-core/internal/wallet"
)

// InjectedID is the id of the synthetic descriptor standing for a legacy
// single injected capability.
const InjectedID = "injected"

// walletNamespace seeds name-based ids for providers that send no UUID.
var walletNamespace = uuid.MustParse("6f1c2a0e-8f5b-4c1d-9a7e-3b2d4c5e6f70")

// Announcement is a provider announcing itself.
type Announcement struct {
	Info       model.WalletInfo
	Capability wallet.Capability
}

// Environment is the host providers announce themselves on. Announcements
// may arrive at any time, in any order, any number of times.
type Environment interface {
	SubscribeAnnouncements(ch chan<- Announcement) event.Subscription
	// RequestProviders asks every provider to (re-)announce
	RequestProviders()
	// Injected returns the legacy single injected capability, if present
	Injected() (Announcement, bool)
}

// Registry de-duplicates announcements by derived id, last write wins.
type Registry struct {
	env Environment

	mu        sync.RWMutex
	wallets   map[string]model.WalletDescriptor
	listening bool
	sub       event.Subscription
	quit      chan struct{}
}

// NewRegistry creates a registry over env. Nothing is heard until Initialize.
func NewRegistry(env Environment) *Registry {
	return &Registry{
		env:     env,
		wallets: make(map[string]model.WalletDescriptor),
	}
}

// Initialize starts listening and issues a first announcement request.
// Calling it again is a no-op until Close; after Close it starts a fresh
// listener.
func (r *Registry) Initialize() {
	r.mu.Lock()
	if r.listening {
		r.mu.Unlock()
		return
	}
	r.listening = true
	ch := make(chan Announcement, 16)
	r.quit = make(chan struct{})
	r.sub = r.env.SubscribeAnnouncements(ch)
	sub, quit := r.sub, r.quit
	r.mu.Unlock()

	go r.listen(ch, sub, quit)
	r.env.RequestProviders()
	logrus.Debug("Wallet discovery initialized")
}

// RequestRefresh re-issues the announcement request so late-loading
// providers can still register.
func (r *Registry) RequestRefresh() {
	r.env.RequestProviders()
}

// Close stops listening. Known descriptors stay listed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listening {
		return
	}
	r.listening = false
	close(r.quit)
	r.sub.Unsubscribe()
}

func (r *Registry) listen(ch <-chan Announcement, sub event.Subscription, quit <-chan struct{}) {
	for {
		select {
		case a := <-ch:
			r.Announce(a)
		case <-sub.Err():
			return
		case <-quit:
			return
		}
	}
}

// Announce records a provider. A repeated id replaces the earlier entry since
// the provider may have swapped its capability handle.
func (r *Registry) Announce(a Announcement) {
	if a.Capability == nil {
		logrus.Warnf("Ignoring wallet announcement without capability: %q", a.Info.Name)
		return
	}
	d := model.WalletDescriptor{
		ID:          DeriveID(a.Info),
		DisplayName: strings.TrimSpace(a.Info.Name),
		IconRef:     a.Info.Icon,
		RDNS:        a.Info.RDNS,
		Capability:  a.Capability,
	}

	r.mu.Lock()
	_, replaced := r.wallets[d.ID]
	r.wallets[d.ID] = d
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"wallet_id": d.ID,
		"name":      d.DisplayName,
		"replaced":  replaced,
	}).Debug("Wallet announced")
}

// List returns the known wallets ordered by display name. With no compliant
// announcements it falls back to the legacy injected capability, if any.
func (r *Registry) List() []model.WalletDescriptor {
	r.mu.RLock()
	out := make([]model.WalletDescriptor, 0, len(r.wallets))
	for _, d := range r.wallets {
		out = append(out, d)
	}
	r.mu.RUnlock()

	if len(out) == 0 {
		if d, ok := r.injected(); ok {
			return []model.WalletDescriptor{d}
		}
		return out
	}

	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get resolves a wallet id against the current listing.
func (r *Registry) Get(id string) (model.WalletDescriptor, bool) {
	for _, d := range r.List() {
		if d.ID == id {
			return d, true
		}
	}
	return model.WalletDescriptor{}, false
}

func (r *Registry) injected() (model.WalletDescriptor, bool) {
	a, ok := r.env.Injected()
	if !ok || a.Capability == nil {
		return model.WalletDescriptor{}, false
	}
	name := strings.TrimSpace(a.Info.Name)
	if name == "" {
		name = "Browser Wallet"
	}
	return model.WalletDescriptor{
		ID:          InjectedID,
		DisplayName: name,
		IconRef:     a.Info.Icon,
		Synthetic:   true,
		Capability:  a.Capability,
	}, true
}

// DeriveID returns the vendor UUID in canonical form, the vendor id verbatim
// if it is not a UUID, or a name-based UUID over the vendor name and icon.
func DeriveID(info model.WalletInfo) string {
	raw := strings.TrimSpace(info.UUID)
	if raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
		return raw
	}
	return uuid.NewSHA1(walletNamespace, []byte(info.Name+"\x00"+info.Icon)).String()
}
