package clients

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// Relogin re-authenticates an identity whose access token was invalidated
// and returns the refreshed record. internal/bridge/identity.Manager
// implements this.
type Relogin func(ctx context.Context, ident *storage.Identity) (*storage.Identity, error)

// Pool is the C3 ClientPool: a keyed set of live mautrix clients, one per
// provisioned Identity, each running its own backoff-reconnecting sync
// loop. There is no single shared client object — every identity owns its
// goroutine and its own slice of the entity map, guarded by one mutex per
// spec.md §5's shared-resource policy (one family, one lock).
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client

	homeserverURL string
	store         storage.Backend
	relogin       Relogin
	onEvent       EventHandler
	onMembership  MembershipHandler
}

// NewPool creates an empty ClientPool. onEvent and onMembership are shared
// across every client the pool builds; relogin is called when a client's
// sync loop observes M_UNKNOWN_TOKEN.
func NewPool(homeserverURL string, store storage.Backend, relogin Relogin, onEvent EventHandler, onMembership MembershipHandler) *Pool {
	return &Pool{
		clients:       make(map[string]*Client),
		homeserverURL: homeserverURL,
		store:         store,
		relogin:       relogin,
		onEvent:       onEvent,
		onMembership:  onMembership,
	}
}

// Acquire returns the running Client for ident, building and starting one
// if this is the first request for that identity.
func (p *Pool) Acquire(ctx context.Context, ident *storage.Identity) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[ident.ID]; ok {
		return c, nil
	}

	c, err := p.build(ident)
	if err != nil {
		return nil, err
	}
	p.clients[ident.ID] = c
	go c.run(p.handleTokenInvalid)
	return c, nil
}

// build constructs (without starting) the Client for ident, choosing a
// durable sqlite-backed sync store when the local storage backend is
// active, and an in-memory store otherwise — a remote API backend has no
// endpoint for per-identity sync state, so history replays once after a
// restart in that configuration (not fatal; nothing is logged for it).
func (p *Pool) build(ident *storage.Identity) (*Client, error) {
	var syncStore mautrix.SyncStore
	if tokens, ok := p.store.(storage.SyncTokenStore); ok {
		syncStore = &storeAdapter{tokens: tokens}
	} else {
		syncStore = mautrix.NewInMemoryStore()
	}
	return newClient(ident, p.homeserverURL, syncStore, p.onEvent, p.onMembership)
}

// handleTokenInvalid is invoked by a client's sync loop when the
// homeserver reports M_UNKNOWN_TOKEN. It fetches the current identity
// record, asks the injected Relogin callback to recover it, then restarts
// the client in place with the refreshed token.
func (p *Pool) handleTokenInvalid(identityID string) {
	ctx := context.Background()
	ident, err := p.store.GetIdentity(ctx, identityID)
	if err != nil {
		return
	}
	refreshed, err := p.relogin(ctx, ident)
	if err != nil {
		return
	}
	_ = p.Restart(ctx, refreshed)
}

// Restart tears down the existing client for ident.ID (if any) and builds
// a fresh one from the (presumably refreshed) identity record.
func (p *Pool) Restart(ctx context.Context, ident *storage.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.clients[ident.ID]; ok {
		old.stop()
		delete(p.clients, ident.ID)
	}

	c, err := p.build(ident)
	if err != nil {
		return fmt.Errorf("clients: restart %s: %w", ident.ID, err)
	}
	p.clients[ident.ID] = c
	go c.run(p.handleTokenInvalid)
	return nil
}

// Release stops and forgets the client for identityID, if one is running.
func (p *Pool) Release(identityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[identityID]; ok {
		c.stop()
		delete(p.clients, identityID)
	}
}

// Get returns the already-running client for identityID, if any, without
// building a new one.
func (p *Pool) Get(identityID string) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[identityID]
	return c, ok
}

// All returns a snapshot of every live client, keyed by identity ID. Used
// by the sender-selection fallback (spec.md §4.5.3 step 6), which needs to
// scan every identity's membership in a target room.
func (p *Pool) All() map[string]*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*Client, len(p.clients))
	for k, v := range p.clients {
		out[k] = v
	}
	return out
}

// StopAll stops every running client. Called during graceful shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.stop()
		delete(p.clients, id)
	}
}
