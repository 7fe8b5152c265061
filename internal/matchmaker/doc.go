// Package matchmaker holds the shared state of the pairing service: the
// connection registry, the waiting pool with its pairing scan, active matches,
// and the two-slot signaling rooms.
//
// Each structure owns one mutex and exposes only whole operations, so every
// read-then-write step (enqueue+match, join+ready-check, leave+destroy-check)
// is a single critical section. Event delivery to clients happens strictly
// outside those sections via the non-blocking Peer interface.
package matchmaker
