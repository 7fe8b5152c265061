package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftchat/matchmaker/internal/auth"
	"github.com/driftchat/matchmaker/internal/config"
	"github.com/driftchat/matchmaker/internal/ledger"
	"github.com/driftchat/matchmaker/internal/matchmaker"
	"github.com/driftchat/matchmaker/internal/metrics"
	"github.com/driftchat/matchmaker/internal/profile"
	"github.com/driftchat/matchmaker/internal/ratelimit"
)

// profileRefreshTimeout bounds the directory lookup on the enqueue path; the
// read loop must not hang on a slow backend.
const profileRefreshTimeout = 2 * time.Second

// Server terminates the /ws endpoint. Each accepted connection is
// authenticated, registered, and then driven by a read loop that dispatches
// the matchmaking vocabulary; a companion write pump drains the session's
// send queue.
type Server struct {
	cfg config.Config
	log *slog.Logger
	met *metrics.Metrics

	verifier auth.Verifier // nil when AuthMode is none

	registry  *matchmaker.Registry
	pool      *matchmaker.Matchmaker
	rooms     *matchmaker.RoomManager
	directory profile.Directory
	debits    *ledger.DebitWorker

	upgrader websocket.Upgrader
}

func NewServer(
	cfg config.Config,
	log *slog.Logger,
	met *metrics.Metrics,
	registry *matchmaker.Registry,
	pool *matchmaker.Matchmaker,
	rooms *matchmaker.RoomManager,
	directory profile.Directory,
	debits *ledger.DebitWorker,
) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		log:       log,
		met:       met,
		registry:  registry,
		pool:      pool,
		rooms:     rooms,
		directory: directory,
		debits:    debits,
		upgrader: websocket.Upgrader{
			// Origin is enforced by the outer HTTP middleware before the
			// upgrade reaches this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if cfg.AuthMode != config.AuthModeNone {
		verifier, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		s.verifier = verifier
	}

	registry.SetPresenceHook(s.broadcastPresence)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID, err := s.authenticateQuery(r.URL.Query())
	if errors.Is(err, auth.ErrMissingCredentials) {
		userID, err = s.awaitAuthMessage(conn)
	}
	if err != nil {
		s.met.Inc(metrics.AuthFailure)
		s.log.Info("connection rejected", "remote", r.RemoteAddr, "err", err)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		_ = conn.Close()
		return
	}

	prof := s.lookupProfile(r.Context(), userID)

	sess := newSession(s, conn, userID)
	s.met.Inc(metrics.ConnectionsOpened)
	s.log.Info("connection opened", "userId", userID, "remote", r.RemoteAddr)

	if old := s.registry.Register(sess, prof); old != nil {
		if prev, ok := old.(*session); ok {
			prev.shutdown(websocket.ClosePolicyViolation, "session superseded")
		}
	}

	go sess.writePump()
	s.readLoop(sess)
	s.teardown(sess)
}

// authenticateQuery resolves the connect identity from the upgrade request's
// query string. ErrMissingCredentials means the client gets one shot at an
// in-band auth message; any other error is terminal.
func (s *Server) authenticateQuery(q url.Values) (string, error) {
	return s.authenticate(q.Get("apiKey"), q.Get("token"), q.Get("userId"))
}

func (s *Server) authenticate(apiKey, token, userID string) (string, error) {
	switch s.cfg.AuthMode {
	case config.AuthModeNone:
		// Development mode: the client names itself.
		if userID == "" {
			return "", auth.ErrMissingCredentials
		}
		return userID, nil

	case config.AuthModeAPIKey:
		// The key authenticates the frontend; the user id still comes from
		// the client and is trusted as-is in this mode.
		if apiKey == "" || userID == "" {
			return "", auth.ErrMissingCredentials
		}
		if _, err := s.verifier.Verify(apiKey); err != nil {
			return "", err
		}
		return userID, nil

	case config.AuthModeJWT:
		if token == "" {
			return "", auth.ErrMissingCredentials
		}
		return s.verifier.Verify(token)

	default:
		return "", auth.ErrInvalidCredentials
	}
}

// awaitAuthMessage reads exactly one message, which must be a valid auth
// envelope, within the auth timeout. Unauthenticated connections never get a
// second message.
func (s *Server) awaitAuthMessage(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return "", auth.ErrInvalidCredentials
	}
	if msgType != websocket.TextMessage {
		return "", auth.ErrInvalidCredentials
	}

	msg, err := parseClientMessage(data)
	if err != nil || msg.Type != messageTypeAuth {
		return "", auth.ErrInvalidCredentials
	}
	return s.authenticate(msg.APIKey, msg.Token, msg.UserID)
}

func (s *Server) lookupProfile(ctx context.Context, userID string) profile.Profile {
	prof, err := s.directory.Lookup(ctx, userID)
	if err == nil {
		return prof
	}
	if !errors.Is(err, profile.ErrNotFound) {
		s.log.Warn("profile lookup failed", "userId", userID, "err", err)
	}
	// Unknown users are admitted with a minimal profile rather than turned
	// away; the token gate still applies on enqueue.
	return profile.Profile{UserID: userID, TokenBalance: s.cfg.MinTokenBalance}
}

// refreshProfile re-reads the directory so the enqueue token gate sees
// balance changes made since connect. Lookup failures keep the snapshot
// already in the registry.
func (s *Server) refreshProfile(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), profileRefreshTimeout)
	defer cancel()

	prof, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			s.log.Warn("profile refresh failed", "userId", userID, "err", err)
		}
		return
	}
	s.registry.UpdateProfile(userID, prof)
}

func (s *Server) readLoop(sess *session) {
	conn := sess.conn
	idle := s.cfg.SignalingWSIdleTimeout

	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	rate := int64(s.cfg.MaxSignalingMessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(nil, rate, rate)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.TextMessage {
			sess.shutdown(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !bucket.Allow(1) {
			s.met.Inc(metrics.RateLimited)
			sess.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.met.Inc(metrics.BadMessages)
			sess.Deliver(matchmaker.ErrorEvent("bad_message", err.Error()))
			continue
		}
		s.dispatch(sess, msg)
	}
}

func (s *Server) dispatch(sess *session, msg clientMessage) {
	switch msg.Type {
	case messageTypeAuth:
		sess.Deliver(matchmaker.ErrorEvent("already_authenticated", "connection is already authenticated"))

	case messageTypeJoinQueue:
		s.handleJoinQueue(sess, msg)

	case messageTypeLeaveQueue:
		s.pool.Dequeue(sess.userID)
		sess.Deliver(matchmaker.Event{Type: matchmaker.EventMatchingStatus, Status: "idle"})

	case messageTypeJoinRoom:
		s.handleJoinRoom(sess, msg)

	case messageTypeLeaveRoom:
		s.exitRoom(sess, roomIDFor(sess, msg), false, "")

	case messageTypeSkipMatch:
		s.exitRoom(sess, roomIDFor(sess, msg), true, msg.Reason)

	case messageTypeOffer, messageTypeAnswer, messageTypeCandidate, messageTypeSendMessage:
		s.handleRelay(sess, msg)

	case messageTypeOnlineStatus:
		s.broadcastPresence(sess.userID, *msg.Online)
	}
}

func (s *Server) handleJoinQueue(sess *session, msg clientMessage) {
	var prefs matchmaker.Preferences
	if msg.Preferences != nil {
		prefs = *msg.Preferences
	}

	s.refreshProfile(sess.userID)
	m, size, err := s.pool.Enqueue(sess.userID, prefs)
	if errors.Is(err, matchmaker.ErrInsufficientTokens) {
		sess.Deliver(matchmaker.Event{
			Type:    matchmaker.EventMatchingError,
			Code:    "insufficient_tokens",
			Message: "token balance too low to start matching",
		})
		return
	}
	if err != nil {
		sess.Deliver(matchmaker.ErrorEvent("matching_failed", err.Error()))
		return
	}

	if m != nil {
		s.AnnounceMatch(m)
		return
	}
	sess.Deliver(matchmaker.Event{
		Type:      matchmaker.EventMatchingStatus,
		Status:    "searching",
		QueueSize: &size,
	})
}

func (s *Server) handleJoinRoom(sess *session, msg clientMessage) {
	res, err := s.rooms.Join(msg.RoomID, sess, msg.MatchID)
	if errors.Is(err, matchmaker.ErrRoomFull) {
		sess.Deliver(matchmaker.ErrorEvent("room_full", "room already has two participants"))
		return
	}
	if err != nil {
		sess.Deliver(matchmaker.ErrorEvent("join_failed", err.Error()))
		return
	}

	sess.roomID = msg.RoomID
	if res.Ready {
		m, haveMatch := s.pool.MatchByID(res.MatchID)
		for _, p := range res.Occupants {
			ev := matchmaker.Event{
				Type:         matchmaker.EventRoomReady,
				RoomID:       msg.RoomID,
				MatchID:      res.MatchID,
				Participants: len(res.Occupants),
			}
			if haveMatch {
				isInitiator := m.Initiator == p.UserID()
				ev.IsInitiator = &isInitiator
			}
			p.Deliver(ev)
		}
	}
}

// exitRoom runs the leave or skip transition for sess. Stale room ids and
// rooms the user never occupied fall through silently.
func (s *Server) exitRoom(sess *session, roomID string, skip bool, reason string) {
	if roomID == "" {
		return
	}

	if skip {
		partner, matchID, ok := s.rooms.Skip(roomID, sess.userID)
		if ok {
			if partner != nil {
				partner.Deliver(matchmaker.Event{
					Type:   matchmaker.EventPartnerSkipped,
					RoomID: roomID,
					UserID: sess.userID,
					Reason: reason,
				})
			}
			if matchID != "" {
				s.pool.EndMatch(matchID)
			}
		}
	} else {
		remaining, matchID, left := s.rooms.Leave(roomID, sess.userID)
		if left {
			if remaining != nil {
				remaining.Deliver(matchmaker.Event{
					Type:   matchmaker.EventParticipantLeft,
					RoomID: roomID,
					UserID: sess.userID,
				})
			} else if matchID != "" {
				// Room destroyed with nobody left to hand it over to.
				s.pool.EndMatch(matchID)
			}
		}
	}

	if sess.roomID == roomID {
		sess.roomID = ""
	}
}

func (s *Server) handleRelay(sess *session, msg clientMessage) {
	roomID := roomIDFor(sess, msg)
	if roomID == "" {
		sess.Deliver(matchmaker.ErrorEvent("not_in_room", "join a room before relaying"))
		return
	}

	ev := relayEvent(sess.userID, roomID, msg)
	err := s.rooms.Relay(roomID, sess.userID, func(p matchmaker.Peer) {
		p.Deliver(ev)
	})
	switch {
	case errors.Is(err, matchmaker.ErrNoSuchRoom):
		sess.Deliver(matchmaker.ErrorEvent("no_such_room", "room does not exist"))
	case errors.Is(err, matchmaker.ErrNotInRoom):
		sess.Deliver(matchmaker.ErrorEvent("not_in_room", "join a room before relaying"))
	}
}

// relayEvent rewraps a client payload for the room partner. The payload
// bytes pass through untouched; only the envelope gains the sender identity.
func relayEvent(fromUserID, roomID string, msg clientMessage) matchmaker.Event {
	ev := matchmaker.Event{
		RoomID:     roomID,
		FromUserID: fromUserID,
	}
	switch msg.Type {
	case messageTypeOffer:
		ev.Type = matchmaker.EventWebRTCOffer
		ev.Offer = msg.Offer
	case messageTypeAnswer:
		ev.Type = matchmaker.EventWebRTCAnswer
		ev.Answer = msg.Answer
	case messageTypeCandidate:
		ev.Type = matchmaker.EventICECandidate
		ev.Candidate = msg.Candidate
	case messageTypeSendMessage:
		ev.Type = matchmaker.EventNewMessage
		ev.Content = msg.Content
		ev.MessageType = msg.MessageType
		ev.SentAt = time.Now().UTC().Format(time.RFC3339)
	}
	return ev
}

// teardown runs once the read loop exits, in the connection's goroutine. It
// unwinds every claim the connection holds; a superseded session finds its
// registry slot already taken and skips the shared-state cleanup.
func (s *Server) teardown(sess *session) {
	sess.shutdown(websocket.CloseNormalClosure, "")
	s.met.Inc(metrics.ConnectionsClosed)

	if !s.registry.Unregister(sess) {
		return
	}

	// Room first, then the match claim; the partner gets exactly one
	// participantLeft no matter which structures still reference the user.
	var notified string
	if sess.roomID != "" {
		remaining, matchID, left := s.rooms.Leave(sess.roomID, sess.userID)
		if left && remaining != nil {
			remaining.Deliver(matchmaker.Event{
				Type:   matchmaker.EventParticipantLeft,
				RoomID: sess.roomID,
				UserID: sess.userID,
			})
			notified = remaining.UserID()
		} else if left && matchID != "" {
			s.pool.EndMatch(matchID)
		}
	}

	if m := s.pool.ClearUser(sess.userID); m != nil {
		other := m.Other(sess.userID)
		if other != notified {
			if p, ok := s.registry.Peer(other); ok {
				p.Deliver(matchmaker.Event{
					Type:    matchmaker.EventParticipantLeft,
					MatchID: m.ID,
					UserID:  sess.userID,
				})
			}
		}
	}
	s.log.Info("connection closed", "userId", sess.userID)
}

// AnnounceMatch pushes matchFound to both participants and queues the
// per-call debits. Also used by the sweep scheduler for matches it forms.
func (s *Server) AnnounceMatch(m *matchmaker.Match) {
	sides := []struct {
		to, other string
		initiator bool
	}{
		{m.Initiator, m.Responder, true},
		{m.Responder, m.Initiator, false},
	}
	for _, side := range sides {
		p, ok := s.registry.Peer(side.to)
		if !ok {
			continue
		}
		partner := &matchmaker.PartnerInfo{UserID: side.other}
		if prof, ok := s.registry.Profile(side.other); ok {
			partner.Name = prof.Name
			partner.Premium = prof.Premium
		}
		isInitiator := side.initiator
		p.Deliver(matchmaker.Event{
			Type:        matchmaker.EventMatchFound,
			MatchID:     m.ID,
			RoomID:      m.RoomID,
			Partner:     partner,
			IsInitiator: &isInitiator,
		})
	}

	if s.debits != nil && s.cfg.CallTokenCost > 0 {
		for _, uid := range []string{m.Initiator, m.Responder} {
			s.debits.Enqueue(ledger.Debit{UserID: uid, Amount: s.cfg.CallTokenCost, MatchID: m.ID})
		}
	}
}

// AnnounceSearching re-sends the searching status to a user still in the
// pool. The sweep scheduler calls it each tick so waiters keep hearing
// progress.
func (s *Server) AnnounceSearching(userID string, queueSize int) {
	if p, ok := s.registry.Peer(userID); ok {
		p.Deliver(matchmaker.Event{
			Type:      matchmaker.EventMatchingStatus,
			Status:    "searching",
			QueueSize: &queueSize,
		})
	}
}

// AnnounceQueueTimeout tells an evicted waiter its search expired.
func (s *Server) AnnounceQueueTimeout(userID string) {
	if p, ok := s.registry.Peer(userID); ok {
		p.Deliver(matchmaker.Event{
			Type:    matchmaker.EventMatchingTimeout,
			Message: "no partner found in time",
		})
	}
}

func (s *Server) broadcastPresence(userID string, online bool) {
	ev := matchmaker.Event{Type: matchmaker.EventUserOffline, UserID: userID}
	if online {
		ev.Type = matchmaker.EventUserOnline
	}
	for _, p := range s.registry.Peers() {
		if p.UserID() != userID {
			p.Deliver(ev)
		}
	}
}

func roomIDFor(sess *session, msg clientMessage) string {
	if msg.RoomID != "" {
		return msg.RoomID
	}
	return sess.roomID
}
