package matchmaker

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the periodic maintenance pass: retry pairing for the
// waiting pool, evict overdue entries, and collect orphaned rooms. Formed
// matches and evictions are handed to callbacks so announcement stays out of
// this package.
type Scheduler struct {
	mm    *Matchmaker
	rooms *RoomManager
	log   *slog.Logger

	interval time.Duration
	now      func() time.Time

	// OnMatch announces a match formed by the sweep to both participants.
	OnMatch func(*Match)
	// OnEvict tells an overdue waiter its search timed out.
	OnEvict func(userID string)
	// OnWaiting re-announces the searching status to everyone still in the
	// pool after the pass, so waiters hear a heartbeat, not just the enqueue
	// ack.
	OnWaiting func(userID string, queueSize int)
}

func NewScheduler(mm *Matchmaker, rooms *RoomManager, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		mm:       mm,
		rooms:    rooms,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// Tick runs one maintenance pass.
func (s *Scheduler) Tick() {
	formed, evicted := s.mm.Sweep(s.now())
	for _, m := range formed {
		if s.OnMatch != nil {
			s.OnMatch(m)
		}
	}
	for _, uid := range evicted {
		s.log.Info("queue wait expired", "userId", uid)
		if s.OnEvict != nil {
			s.OnEvict(uid)
		}
	}
	if s.OnWaiting != nil {
		waiting := s.mm.WaitingUsers()
		for _, uid := range waiting {
			s.OnWaiting(uid, len(waiting))
		}
	}
	if n := s.rooms.SweepEmpty(); n > 0 {
		s.log.Warn("swept orphaned rooms", "count", n)
	}
}
