package matchmaker

import (
	"log/slog"
	"sync"

	"github.com/driftchat/matchmaker/internal/metrics"
	"github.com/driftchat/matchmaker/internal/profile"
)

// Registry tracks the single live connection per user id, together with the
// profile snapshot loaded at connect time. A second connection for the same
// user supersedes the first: the old peer is returned to the caller to be
// closed outside the lock.
type Registry struct {
	log *slog.Logger
	met *metrics.Metrics

	mu       sync.RWMutex
	peers    map[string]Peer
	profiles map[string]profile.Profile

	// presence is invoked after every transition between zero and one
	// connection for a user, outside the registry lock.
	presence func(userID string, online bool)
}

func NewRegistry(log *slog.Logger, met *metrics.Metrics) *Registry {
	return &Registry{
		log:      log,
		met:      met,
		peers:    make(map[string]Peer),
		profiles: make(map[string]profile.Profile),
	}
}

// SetPresenceHook installs the callback fired on online/offline transitions.
// Must be called before the first Register.
func (r *Registry) SetPresenceHook(fn func(userID string, online bool)) {
	r.presence = fn
}

// Register installs p as the live connection for its user id. If another
// peer was registered under the same id it is returned so the caller can
// terminate it; the user never goes through an offline transition in that
// case.
func (r *Registry) Register(p Peer, prof profile.Profile) (superseded Peer) {
	uid := p.UserID()

	r.mu.Lock()
	old := r.peers[uid]
	r.peers[uid] = p
	r.profiles[uid] = prof
	r.mu.Unlock()

	if old != nil {
		r.met.Inc(metrics.SessionsSuperseded)
		r.log.Info("session superseded", "userId", uid)
		return old
	}
	if r.presence != nil {
		r.presence(uid, true)
	}
	return nil
}

// Unregister removes p if it is still the registered connection for its user.
// A peer that has already been superseded is a no-op, so a late disconnect of
// an old connection never knocks the replacement offline.
func (r *Registry) Unregister(p Peer) bool {
	uid := p.UserID()

	r.mu.Lock()
	cur, ok := r.peers[uid]
	if !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, uid)
	delete(r.profiles, uid)
	r.mu.Unlock()

	if r.presence != nil {
		r.presence(uid, false)
	}
	return true
}

// Peer returns the live connection for userID, if any.
func (r *Registry) Peer(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	return p, ok
}

// UpdateProfile replaces the stored snapshot for userID. It is dropped when
// the user has no registered connection, so a slow refresh never resurrects a
// departed user's state.
func (r *Registry) UpdateProfile(userID string, prof profile.Profile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[userID]; !ok {
		return false
	}
	r.profiles[userID] = prof
	return true
}

// Profile returns the stored snapshot for userID: captured at connect,
// refreshed via UpdateProfile.
func (r *Registry) Profile(userID string) (profile.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prof, ok := r.profiles[userID]
	return prof, ok
}

// Reachable reports whether userID has a registered, still-usable connection.
func (r *Registry) Reachable(userID string) bool {
	r.mu.RLock()
	p, ok := r.peers[userID]
	r.mu.RUnlock()
	return ok && p.Alive()
}

// Peers returns a snapshot of all registered connections.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
