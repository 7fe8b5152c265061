package metrics

import "sync"

// Counter names used across the service.
const (
	AuthFailure        = "auth_failure"
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	SessionsSuperseded = "sessions_superseded"
	MatchesCreated     = "matches_created"
	RoomsReady         = "rooms_ready"
	RoomsSwept         = "rooms_swept"
	QueueEvictions     = "queue_evictions"
	RelayForwarded     = "relay_forwarded"
	SendQueueDropped   = "send_queue_dropped"
	RateLimited        = "rate_limited"
	BadMessages        = "bad_messages"
	LedgerDebitFailed  = "ledger_debit_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps matchmaking and relay enforcement logic testable without a real
// metrics backend; the counters are exported in Prometheus' text format by
// the handler in prometheus.go.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
