package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/driftchat/matchmaker/internal/matchmaker"
)

type messageType string

const (
	messageTypeAuth         messageType = "auth"
	messageTypeJoinQueue    messageType = "joinMatchingQueue"
	messageTypeLeaveQueue   messageType = "leaveMatchingQueue"
	messageTypeJoinRoom     messageType = "joinVideoRoom"
	messageTypeLeaveRoom    messageType = "leaveVideoRoom"
	messageTypeSkipMatch    messageType = "skipMatch"
	messageTypeOffer        messageType = "webrtc-offer"
	messageTypeAnswer       messageType = "webrtc-answer"
	messageTypeCandidate    messageType = "ice-candidate"
	messageTypeSendMessage  messageType = "sendMessage"
	messageTypeOnlineStatus messageType = "updateOnlineStatus"
)

// clientMessage is the envelope for everything a client sends after the
// upgrade. One flat struct with per-type validation keeps parsing to a single
// decode; the WebRTC payloads stay opaque and are forwarded byte for byte.
type clientMessage struct {
	Type messageType `json:"type"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`

	Preferences *matchmaker.Preferences `json:"preferences,omitempty"`

	RoomID  string `json:"roomId,omitempty"`
	MatchID string `json:"matchId,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Content     string `json:"content,omitempty"`
	MessageType string `json:"messageType,omitempty"`

	Online *bool `json:"isOnline,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeAuth:
		if m.APIKey == "" && m.Token == "" && m.UserID == "" {
			return fmt.Errorf("auth message missing credentials")
		}
	case messageTypeJoinQueue, messageTypeLeaveQueue:
		// Preferences are optional and only honored on join.
	case messageTypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
	case messageTypeLeaveRoom, messageTypeSkipMatch:
		// roomId optional; defaults to the room this connection joined.
	case messageTypeOffer:
		if len(m.Offer) == 0 {
			return fmt.Errorf("webrtc-offer message missing offer")
		}
	case messageTypeAnswer:
		if len(m.Answer) == 0 {
			return fmt.Errorf("webrtc-answer message missing answer")
		}
	case messageTypeCandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
	case messageTypeSendMessage:
		if m.Content == "" {
			return fmt.Errorf("sendMessage message missing content")
		}
	case messageTypeOnlineStatus:
		if m.Online == nil {
			return fmt.Errorf("updateOnlineStatus message missing isOnline")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
