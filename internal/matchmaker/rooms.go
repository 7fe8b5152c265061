package matchmaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftchat/matchmaker/internal/metrics"
)

var (
	// ErrRoomFull rejects a third distinct user joining a room.
	ErrRoomFull = errors.New("room full")
	// ErrNotInRoom rejects a relay or leave from a user who does not
	// occupy the room.
	ErrNotInRoom = errors.New("not in room")
	// ErrNoSuchRoom rejects operations on an unknown room id.
	ErrNoSuchRoom = errors.New("no such room")
)

type room struct {
	id        string
	matchID   string
	occupants map[string]Peer
	ready     bool // set once, on the first 1->2 transition
	createdAt time.Time
}

// JoinResult reports the outcome of a room join.
type JoinResult struct {
	// Ready is true only for the join that completed the pair. The caller
	// announces roomReady to both occupants exactly when Ready is set.
	Ready bool
	// Occupants is a snapshot of every peer in the room after the join,
	// the joiner included.
	Occupants []Peer
	// MatchID is the match the room was minted for, when known.
	MatchID string
}

// RoomManager owns the two-slot signaling rooms. All transitions run under a
// single mutex; peers collected inside a critical section are delivered to
// only after it is released.
type RoomManager struct {
	log *slog.Logger
	met *metrics.Metrics
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRoomManager(log *slog.Logger, met *metrics.Metrics) *RoomManager {
	return &RoomManager{
		log:   log,
		met:   met,
		now:   time.Now,
		rooms: make(map[string]*room),
	}
}

// Join places p into roomID, creating the room on first join. matchID ties
// the room back to the pairing that minted it and may be empty. A user
// re-joining a room it already occupies replaces its own peer without
// re-firing readiness. A third distinct user gets ErrRoomFull.
func (rm *RoomManager) Join(roomID string, p Peer, matchID string) (JoinResult, error) {
	uid := p.UserID()

	rm.mu.Lock()
	r, ok := rm.rooms[roomID]
	if !ok {
		r = &room{
			id:        roomID,
			matchID:   matchID,
			occupants: make(map[string]Peer, 2),
			createdAt: rm.now(),
		}
		rm.rooms[roomID] = r
	} else if r.matchID == "" {
		r.matchID = matchID
	}

	if _, present := r.occupants[uid]; !present && len(r.occupants) >= 2 {
		rm.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}
	r.occupants[uid] = p

	res := JoinResult{MatchID: r.matchID, Occupants: roomPeers(r)}
	if len(r.occupants) == 2 && !r.ready {
		r.ready = true
		res.Ready = true
	}
	rm.mu.Unlock()

	if res.Ready {
		rm.met.Inc(metrics.RoomsReady)
		rm.log.Info("room ready", "roomId", roomID, "matchId", res.MatchID)
	}
	return res, nil
}

// Leave removes userID from roomID. The last occupant out destroys the room.
// Leaving a room the user does not occupy, or an unknown room, is a no-op.
// The returned remaining peer (nil when the room emptied or was unknown) is
// for the caller to notify.
func (rm *RoomManager) Leave(roomID, userID string) (remaining Peer, matchID string, left bool) {
	rm.mu.Lock()
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.mu.Unlock()
		return nil, "", false
	}
	if _, present := r.occupants[userID]; !present {
		rm.mu.Unlock()
		return nil, "", false
	}
	delete(r.occupants, userID)
	matchID = r.matchID
	if len(r.occupants) == 0 {
		delete(rm.rooms, roomID)
	} else {
		for _, p := range r.occupants {
			remaining = p
		}
	}
	rm.mu.Unlock()
	return remaining, matchID, true
}

// Skip tears the whole room down on behalf of userID. Unlike Leave the
// partner's slot does not survive: both sides are expected to re-enter the
// waiting pool. The returned partner (may be nil) is for the caller to
// notify before it is released.
func (rm *RoomManager) Skip(roomID, userID string) (partner Peer, matchID string, ok bool) {
	rm.mu.Lock()
	r, present := rm.rooms[roomID]
	if !present {
		rm.mu.Unlock()
		return nil, "", false
	}
	if _, occupies := r.occupants[userID]; !occupies {
		rm.mu.Unlock()
		return nil, "", false
	}
	for uid, p := range r.occupants {
		if uid != userID {
			partner = p
		}
	}
	matchID = r.matchID
	delete(rm.rooms, roomID)
	rm.mu.Unlock()
	return partner, matchID, true
}

// Relay hands every occupant of roomID other than fromUserID to deliver.
// The sender must occupy the room. Delivery runs after the lock is released.
func (rm *RoomManager) Relay(roomID, fromUserID string, deliver func(Peer)) error {
	rm.mu.Lock()
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.mu.Unlock()
		return ErrNoSuchRoom
	}
	if _, present := r.occupants[fromUserID]; !present {
		rm.mu.Unlock()
		return ErrNotInRoom
	}
	var others []Peer
	for uid, p := range r.occupants {
		if uid != fromUserID {
			others = append(others, p)
		}
	}
	rm.mu.Unlock()

	for _, p := range others {
		deliver(p)
		rm.met.Inc(metrics.RelayForwarded)
	}
	return nil
}

// Occupancy returns how many users occupy roomID, 0 for an unknown room.
func (rm *RoomManager) Occupancy(roomID string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.occupants)
}

// Rooms returns the number of live rooms.
func (rm *RoomManager) Rooms() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}

// SweepEmpty removes rooms with no occupants. Leave already destroys emptied
// rooms, so this only catches state a crashed cleanup path left behind.
func (rm *RoomManager) SweepEmpty() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	n := 0
	for id, r := range rm.rooms {
		if len(r.occupants) == 0 {
			delete(rm.rooms, id)
			n++
		}
	}
	if n > 0 {
		rm.met.Add(metrics.RoomsSwept, uint64(n))
	}
	return n
}

func roomPeers(r *room) []Peer {
	out := make([]Peer, 0, len(r.occupants))
	for _, p := range r.occupants {
		out = append(out, p)
	}
	return out
}
