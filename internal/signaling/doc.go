// Package signaling implements the WebSocket endpoint browser clients attach
// to: credential verification on connect, the matchmaking command vocabulary,
// and verbatim relay of WebRTC offers, answers and ICE candidates between the
// two occupants of a room.
package signaling
