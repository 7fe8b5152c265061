package matchmaker

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftchat/matchmaker/internal/metrics"
	"github.com/driftchat/matchmaker/internal/profile"
)

type fakePeer struct {
	id     string
	alive  atomic.Bool
	events chan Event
}

func newFakePeer(id string) *fakePeer {
	p := &fakePeer{id: id, events: make(chan Event, 16)}
	p.alive.Store(true)
	return p
}

func (p *fakePeer) UserID() string { return p.id }
func (p *fakePeer) Alive() bool    { return p.alive.Load() }
func (p *fakePeer) Deliver(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg *Registry
	mm  *Matchmaker
	met *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	met := metrics.New()
	reg := NewRegistry(testLogger(), met)
	return &fixture{reg: reg, mm: New(cfg, reg, testLogger(), met), met: met}
}

func (f *fixture) connect(t *testing.T, id string, prof profile.Profile) *fakePeer {
	t.Helper()
	prof.UserID = id
	p := newFakePeer(id)
	if old := f.reg.Register(p, prof); old != nil {
		t.Fatalf("unexpected superseded peer for %s", id)
	}
	return p
}

func TestEnqueueAloneWaits(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})

	m, size, err := f.mm.Enqueue("alice", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("unexpected match: %+v", m)
	}
	if size != 1 {
		t.Fatalf("queue size = %d, want 1", size)
	}
	if !f.mm.Waiting("alice") {
		t.Fatal("alice should be waiting")
	}
}

func TestEnqueuePairsInArrivalOrder(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})
	f.connect(t, "carol", profile.Profile{})

	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}
	m, _, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Responder != "alice" {
		t.Fatalf("bob should match alice, got %+v", m)
	}

	m, _, err = f.mm.Enqueue("carol", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("carol matched with empty pool: %+v", m)
	}
}

func TestEnqueueMatchRoles(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}
	m, _, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Initiator != "bob" || m.Responder != "alice" {
		t.Fatalf("roles = %s/%s, want bob/alice", m.Initiator, m.Responder)
	}
	if m.ID == "" || m.RoomID == "" {
		t.Fatalf("match missing ids: %+v", m)
	}
	if m.ID == m.RoomID {
		t.Fatal("match id and room id should be distinct")
	}

	// Both left the pool and both are claimed.
	if f.mm.QueueSize() != 0 {
		t.Fatalf("queue size = %d after match", f.mm.QueueSize())
	}
	for _, uid := range []string{"alice", "bob"} {
		id, ok := f.mm.ActiveMatchOf(uid)
		if !ok || id != m.ID {
			t.Fatalf("%s active match = %q, %v", uid, id, ok)
		}
	}
	if got := f.met.Get(metrics.MatchesCreated); got != 1 {
		t.Fatalf("matches created = %d", got)
	}
}

func TestEnqueueNeverSelfMatches(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})

	for i := 0; i < 3; i++ {
		m, _, err := f.mm.Enqueue("alice", Preferences{})
		if err != nil {
			t.Fatal(err)
		}
		if m != nil {
			t.Fatalf("self-match on attempt %d: %+v", i, m)
		}
	}
	if f.mm.QueueSize() != 1 {
		t.Fatalf("queue size = %d, want 1", f.mm.QueueSize())
	}
}

func TestEnqueueRepeatKeepsPosition(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{Gender: "f"})
	f.connect(t, "bob", profile.Profile{Gender: "m"})
	f.connect(t, "carol", profile.Profile{Gender: "f"})

	// alice waits with a preference nobody satisfies yet, then relaxes it.
	if _, _, err := f.mm.Enqueue("alice", Preferences{Gender: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.mm.Enqueue("carol", Preferences{Gender: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}

	// bob scans in insertion order, so relaxed alice (still first) wins.
	m, _, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Responder != "alice" {
		t.Fatalf("match = %+v, want responder alice", m)
	}
}

func TestEnqueueTokenGate(t *testing.T) {
	f := newFixture(t, Config{MinTokenBalance: 5, MaxQueueWait: time.Minute})
	f.connect(t, "poor", profile.Profile{TokenBalance: 4})
	f.connect(t, "rich", profile.Profile{TokenBalance: 5})

	if _, _, err := f.mm.Enqueue("poor", Preferences{}); err != ErrInsufficientTokens {
		t.Fatalf("err = %v, want ErrInsufficientTokens", err)
	}
	if f.mm.QueueSize() != 0 {
		t.Fatal("rejected enqueue must not enter the pool")
	}
	if _, _, err := f.mm.Enqueue("rich", Preferences{}); err != nil {
		t.Fatal(err)
	}
}

func TestGenderPreferenceIsMutual(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{Gender: "f"})
	f.connect(t, "bob", profile.Profile{Gender: "m"})
	f.connect(t, "carol", profile.Profile{Gender: "f"})

	// alice only wants "f"; bob has no preference but is "m", so the pair
	// fails in alice's direction.
	if _, _, err := f.mm.Enqueue("alice", Preferences{Gender: "f"}); err != nil {
		t.Fatal(err)
	}
	m, _, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("incompatible pair matched: %+v", m)
	}

	m, _, err = f.mm.Enqueue("carol", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Responder != "alice" {
		t.Fatalf("match = %+v, want carol/alice", m)
	}
	if !f.mm.Waiting("bob") {
		t.Fatal("bob should still be waiting")
	}
}

func TestScanSkipsUnreachablePartner(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	ghost := f.connect(t, "ghost", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	if _, _, err := f.mm.Enqueue("ghost", Preferences{}); err != nil {
		t.Fatal(err)
	}
	ghost.alive.Store(false)

	m, size, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatalf("matched a dead peer: %+v", m)
	}
	if size != 2 {
		t.Fatalf("queue size = %d, want 2", size)
	}
}

func TestDequeueIdempotent(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})

	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}
	if !f.mm.Dequeue("alice") {
		t.Fatal("first dequeue should remove")
	}
	if f.mm.Dequeue("alice") {
		t.Fatal("second dequeue should be a no-op")
	}
	if f.mm.Dequeue("never-queued") {
		t.Fatal("dequeue of unknown user should be a no-op")
	}
}

func TestEnqueueClearsStaleMatchClaim(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}
	m, _, err := f.mm.Enqueue("bob", Preferences{})
	if err != nil || m == nil {
		t.Fatalf("match = %v, err = %v", m, err)
	}

	// alice bails on the pairing and searches again without the room ever
	// tearing the match down.
	if _, _, err := f.mm.Enqueue("alice", Preferences{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.mm.MatchByID(m.ID); ok {
		t.Fatal("stale match should have been ended")
	}
	if _, ok := f.mm.ActiveMatchOf("bob"); ok {
		t.Fatal("bob's claim should have been released with the match")
	}
}

func TestEndMatchIdempotent(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	f.mm.Enqueue("alice", Preferences{})
	m, _, _ := f.mm.Enqueue("bob", Preferences{})
	if m == nil {
		t.Fatal("expected a match")
	}

	f.mm.EndMatch(m.ID)
	f.mm.EndMatch(m.ID) // second end is a no-op
	f.mm.EndMatch("no-such-match")

	if _, ok := f.mm.ActiveMatchOf("alice"); ok {
		t.Fatal("alice still claimed after EndMatch")
	}
}

func TestClearUserEndsMatch(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: time.Minute})
	f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	f.mm.Enqueue("alice", Preferences{})
	m, _, _ := f.mm.Enqueue("bob", Preferences{})
	if m == nil {
		t.Fatal("expected a match")
	}

	ended := f.mm.ClearUser("alice")
	if ended == nil || ended.ID != m.ID {
		t.Fatalf("ClearUser returned %+v, want match %s", ended, m.ID)
	}
	if ended.Other("alice") != "bob" {
		t.Fatalf("Other = %q", ended.Other("alice"))
	}
	if f.mm.ClearUser("alice") != nil {
		t.Fatal("second clear should find nothing")
	}
}

func TestSweepEvictsOverdueEntries(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: 5 * time.Minute})
	f.connect(t, "alice", profile.Profile{Gender: "f"})
	f.connect(t, "bob", profile.Profile{Gender: "m"})

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	f.mm.SetClock(func() time.Time { return base })

	// Mutually incompatible, so neither ever pairs.
	f.mm.Enqueue("alice", Preferences{Gender: "f"})
	f.mm.Enqueue("bob", Preferences{Gender: "m"})

	formed, evicted := f.mm.Sweep(base.Add(4 * time.Minute))
	if len(formed) != 0 || len(evicted) != 0 {
		t.Fatalf("premature sweep result: %v %v", formed, evicted)
	}

	formed, evicted = f.mm.Sweep(base.Add(5 * time.Minute))
	if len(formed) != 0 {
		t.Fatalf("unexpected matches: %v", formed)
	}
	if len(evicted) != 2 {
		t.Fatalf("evicted = %v, want both", evicted)
	}
	if f.mm.QueueSize() != 0 {
		t.Fatalf("queue size = %d after eviction", f.mm.QueueSize())
	}
	if got := f.met.Get(metrics.QueueEvictions); got != 2 {
		t.Fatalf("eviction counter = %d", got)
	}
}

func TestSweepPairsBeforeEvicting(t *testing.T) {
	f := newFixture(t, Config{MaxQueueWait: 5 * time.Minute})
	alice := f.connect(t, "alice", profile.Profile{})
	f.connect(t, "bob", profile.Profile{})

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	f.mm.SetClock(func() time.Time { return base })

	// bob's partner scan failed at enqueue time because alice's connection
	// looked dead; the sweep retries once it recovers.
	f.mm.Enqueue("alice", Preferences{})
	alice.alive.Store(false)
	f.mm.Enqueue("bob", Preferences{})
	alice.alive.Store(true)

	formed, evicted := f.mm.Sweep(base.Add(10 * time.Minute))
	if len(formed) != 1 {
		t.Fatalf("formed = %v, want one match", formed)
	}
	if len(evicted) != 0 {
		t.Fatalf("evicted = %v, want none; pairing outranks eviction", evicted)
	}
	m := formed[0]
	if m.Other("alice") != "bob" {
		t.Fatalf("unexpected pairing: %+v", m)
	}
}
