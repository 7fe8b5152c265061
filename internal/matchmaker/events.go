package matchmaker

import "encoding/json"

// EventType names a server-to-client push event.
type EventType string

const (
	EventMatchingStatus  EventType = "matchingStatus"
	EventMatchFound      EventType = "matchFound"
	EventMatchingTimeout EventType = "matchingTimeout"
	EventMatchingError   EventType = "matchingError"
	EventRoomReady       EventType = "roomReady"
	EventWebRTCOffer     EventType = "webrtc-offer"
	EventWebRTCAnswer    EventType = "webrtc-answer"
	EventICECandidate    EventType = "ice-candidate"
	EventNewMessage      EventType = "newMessage"
	EventParticipantLeft EventType = "participantLeft"
	EventPartnerSkipped  EventType = "partnerSkipped"
	EventUserOnline      EventType = "userOnline"
	EventUserOffline     EventType = "userOffline"
	EventError           EventType = "error"
)

// PartnerInfo is the public slice of a profile shown to the matched peer.
type PartnerInfo struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	Premium bool   `json:"premium,omitempty"`
}

// Event is a single server-to-client message. All payload fields are
// optional; which ones are set depends on Type. Using one flat struct keeps
// the write path to a single json.Marshal with no interface indirection.
type Event struct {
	Type EventType `json:"type"`

	Status    string `json:"status,omitempty"`
	QueueSize *int   `json:"queueSize,omitempty"`

	MatchID     string       `json:"matchId,omitempty"`
	RoomID      string       `json:"roomId,omitempty"`
	Partner     *PartnerInfo `json:"partner,omitempty"`
	IsInitiator *bool        `json:"isInitiator,omitempty"`

	Participants int `json:"participants,omitempty"`

	// Signaling payloads are relayed verbatim; the service never inspects
	// SDP or candidate internals.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Content     string `json:"content,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	SentAt      string `json:"sentAt,omitempty"`

	FromUserID string `json:"fromUserId,omitempty"`
	UserID     string `json:"userId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorEvent builds the generic error push sent for recoverable client
// mistakes (bad payloads, unknown rooms, relay misuse).
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// Peer is the delivery handle the shared state keeps per connected user.
// Implementations must make Deliver non-blocking: it enqueues onto a bounded
// send queue and drops the event when the queue is full, so no registry or
// room lock is ever held across socket I/O.
type Peer interface {
	// UserID returns the authenticated identity this peer connected as.
	UserID() string
	// Deliver enqueues one event for the client, dropping it if the peer's
	// send queue is full or the peer is gone.
	Deliver(ev Event)
	// Alive reports whether the underlying connection is still usable.
	Alive() bool
}
