package matchmaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/matchmaker/internal/metrics"
)

// ErrInsufficientTokens rejects an enqueue when the caller's balance is below
// the configured minimum.
var ErrInsufficientTokens = errors.New("insufficient token balance")

// Preferences narrows who a waiting user can be paired with. Empty fields
// match anyone.
type Preferences struct {
	Gender string `json:"gender,omitempty"`
}

// WaitingEntry is one user's slot in the waiting pool.
type WaitingEntry struct {
	UserID     string
	Prefs      Preferences
	EnqueuedAt time.Time
}

// Match records one pairing. The initiator is the side whose enqueue or sweep
// scan formed the pair; it drives the WebRTC offer.
type Match struct {
	ID        string
	RoomID    string
	Initiator string
	Responder string
	CreatedAt time.Time
}

// Other returns the counterpart of userID in the match, or "" if userID is
// not a participant.
func (m *Match) Other(userID string) string {
	switch userID {
	case m.Initiator:
		return m.Responder
	case m.Responder:
		return m.Initiator
	}
	return ""
}

// Config carries the pairing knobs.
type Config struct {
	// MinTokenBalance gates entry to the waiting pool. Zero disables the gate.
	MinTokenBalance int64
	// MaxQueueWait evicts entries that waited longer without being paired.
	MaxQueueWait time.Duration
}

// Matchmaker owns the waiting pool and the active-match index. One mutex
// covers both, so a user can never simultaneously wait and hold a match.
type Matchmaker struct {
	cfg Config
	reg *Registry
	log *slog.Logger
	met *metrics.Metrics
	now func() time.Time

	mu      sync.Mutex
	order   []string                 // user ids, insertion order
	waiting map[string]*WaitingEntry // user id -> entry
	active  map[string]string        // user id -> match id
	matches map[string]*Match        // match id -> match
}

func New(cfg Config, reg *Registry, log *slog.Logger, met *metrics.Metrics) *Matchmaker {
	return &Matchmaker{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		met:     met,
		now:     time.Now,
		waiting: make(map[string]*WaitingEntry),
		active:  make(map[string]string),
		matches: make(map[string]*Match),
	}
}

// SetClock overrides the time source. Tests only.
func (mm *Matchmaker) SetClock(now func() time.Time) { mm.now = now }

// Enqueue adds userID to the waiting pool and immediately scans for a
// partner. On success the returned match is non-nil and userID is its
// initiator. Otherwise the returned queue size counts the pool including the
// caller. A repeated enqueue refreshes the caller's preferences and deadline
// but keeps its queue position; a leftover active-match claim from an
// abandoned pairing is cleared first.
func (mm *Matchmaker) Enqueue(userID string, prefs Preferences) (*Match, int, error) {
	if mm.cfg.MinTokenBalance > 0 {
		var balance int64
		if prof, ok := mm.reg.Profile(userID); ok {
			balance = prof.TokenBalance
		}
		if balance < mm.cfg.MinTokenBalance {
			return nil, 0, ErrInsufficientTokens
		}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if matchID, ok := mm.active[userID]; ok {
		mm.log.Warn("enqueue with stale match claim", "userId", userID, "matchId", matchID)
		mm.endMatchLocked(matchID)
	}

	if e, ok := mm.waiting[userID]; ok {
		e.Prefs = prefs
		e.EnqueuedAt = mm.now()
	} else {
		mm.waiting[userID] = &WaitingEntry{UserID: userID, Prefs: prefs, EnqueuedAt: mm.now()}
		mm.order = append(mm.order, userID)
	}

	if m := mm.scanLocked(userID); m != nil {
		return m, 0, nil
	}
	return nil, len(mm.waiting), nil
}

// Dequeue removes userID from the waiting pool. Removing an absent user is a
// no-op.
func (mm *Matchmaker) Dequeue(userID string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.removeLocked(userID)
}

// Waiting reports whether userID is currently in the pool.
func (mm *Matchmaker) Waiting(userID string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, ok := mm.waiting[userID]
	return ok
}

// WaitingUsers returns every pool member in insertion order.
func (mm *Matchmaker) WaitingUsers() []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return append([]string(nil), mm.order...)
}

// QueueSize returns the current pool size.
func (mm *Matchmaker) QueueSize() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.waiting)
}

// MatchByID returns a copy of the active match, if any.
func (mm *Matchmaker) MatchByID(matchID string) (Match, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.matches[matchID]
	if !ok {
		return Match{}, false
	}
	return *m, true
}

// ActiveMatchOf returns the id of the match userID currently participates
// in, if any.
func (mm *Matchmaker) ActiveMatchOf(userID string) (string, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	id, ok := mm.active[userID]
	return id, ok
}

// EndMatch retires a match and releases both participants' claims. Ending an
// already-ended match is a no-op.
func (mm *Matchmaker) EndMatch(matchID string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.endMatchLocked(matchID)
}

// ClearUser drops every trace of userID: its pool entry and, if it holds an
// active match, that whole match. Called on disconnect. The returned match
// copy, when non-nil, tells the caller which pairing ended so the partner
// can be notified.
func (mm *Matchmaker) ClearUser(userID string) *Match {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.removeLocked(userID)
	matchID, ok := mm.active[userID]
	if !ok {
		return nil
	}
	m := *mm.matches[matchID]
	mm.endMatchLocked(matchID)
	return &m
}

// Sweep runs one maintenance pass: it retries the pairing scan for every
// waiting user in insertion order, then evicts entries that waited past the
// configured maximum. Returned matches and evicted user ids are for the
// caller to announce; no delivery happens under the lock.
func (mm *Matchmaker) Sweep(now time.Time) (formed []*Match, evicted []string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	for _, uid := range append([]string(nil), mm.order...) {
		if _, ok := mm.waiting[uid]; !ok {
			continue // claimed earlier in this pass
		}
		if m := mm.scanLocked(uid); m != nil {
			formed = append(formed, m)
		}
	}

	for _, uid := range append([]string(nil), mm.order...) {
		e, ok := mm.waiting[uid]
		if !ok {
			continue
		}
		if now.Sub(e.EnqueuedAt) >= mm.cfg.MaxQueueWait {
			mm.removeLocked(uid)
			evicted = append(evicted, uid)
			mm.met.Inc(metrics.QueueEvictions)
		}
	}
	return formed, evicted
}

// scanLocked walks the pool in insertion order looking for the first
// reachable, mutually compatible partner for userID. On success both entries
// leave the pool atomically and the new match is indexed. userID is the
// initiator of any match formed.
func (mm *Matchmaker) scanLocked(userID string) *Match {
	self, ok := mm.waiting[userID]
	if !ok {
		return nil
	}
	for _, uid := range mm.order {
		if uid == userID {
			continue
		}
		cand, ok := mm.waiting[uid]
		if !ok {
			continue
		}
		if !mm.reg.Reachable(uid) {
			continue // left to the sweep to evict
		}
		if !mm.compatible(self, cand) {
			continue
		}

		mm.removeLocked(userID)
		mm.removeLocked(uid)
		m := &Match{
			ID:        uuid.NewString(),
			RoomID:    uuid.NewString(),
			Initiator: userID,
			Responder: uid,
			CreatedAt: mm.now(),
		}
		mm.matches[m.ID] = m
		mm.active[m.Initiator] = m.ID
		mm.active[m.Responder] = m.ID
		mm.met.Inc(metrics.MatchesCreated)
		mm.log.Info("match created",
			"matchId", m.ID, "roomId", m.RoomID,
			"initiator", m.Initiator, "responder", m.Responder)
		return m
	}
	return nil
}

// compatible applies both sides' preferences against the other's profile.
// A preference a profile cannot satisfy (unknown gender) fails closed.
func (mm *Matchmaker) compatible(a, b *WaitingEntry) bool {
	return mm.accepts(a, b.UserID) && mm.accepts(b, a.UserID)
}

func (mm *Matchmaker) accepts(e *WaitingEntry, otherID string) bool {
	if e.Prefs.Gender == "" {
		return true
	}
	prof, ok := mm.reg.Profile(otherID)
	if !ok {
		return false
	}
	return prof.Gender == e.Prefs.Gender
}

func (mm *Matchmaker) removeLocked(userID string) bool {
	if _, ok := mm.waiting[userID]; !ok {
		return false
	}
	delete(mm.waiting, userID)
	for i, uid := range mm.order {
		if uid == userID {
			mm.order = append(mm.order[:i], mm.order[i+1:]...)
			break
		}
	}
	return true
}

func (mm *Matchmaker) endMatchLocked(matchID string) {
	m, ok := mm.matches[matchID]
	if !ok {
		return
	}
	delete(mm.matches, matchID)
	if mm.active[m.Initiator] == matchID {
		delete(mm.active, m.Initiator)
	}
	if mm.active[m.Responder] == matchID {
		delete(mm.active, m.Responder)
	}
}
