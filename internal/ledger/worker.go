package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftchat/matchmaker/internal/metrics"
)

// Debit is one queued charge against a user's balance.
type Debit struct {
	UserID  string
	Amount  int64
	MatchID string
}

// DebitWorker applies per-call debits asynchronously so match creation never
// waits on the ledger. Failures (including insufficient funds, which can
// legitimately race with other spending) are logged and counted but otherwise
// swallowed: the match already happened.
type DebitWorker struct {
	ledger  Ledger
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Debit
	done   chan struct{}
}

func NewDebitWorker(l Ledger, log *slog.Logger, m *metrics.Metrics, queueSize int, timeout time.Duration) *DebitWorker {
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &DebitWorker{
		ledger:  l,
		log:     log,
		metrics: m,
		timeout: timeout,
		queue:   make(chan Debit, queueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue queues a debit without blocking. A full queue drops the debit in
// favour of keeping the matchmaking path non-blocking; the drop is logged and
// counted like any other ledger failure. Hijacked WebSocket sessions outlive
// http.Server.Shutdown, so debits can still arrive after Close; those are
// dropped the same way instead of hitting the closed channel.
func (w *DebitWorker) Enqueue(d Debit) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		select {
		case w.queue <- d:
			return
		default:
		}
	}
	w.metrics.Inc(metrics.LedgerDebitFailed)
	w.log.Error("ledger debit dropped",
		"user_id", d.UserID, "amount", d.Amount, "match_id", d.MatchID, "closed", w.closed)
}

// Close stops the worker after draining queued debits. Safe to call more
// than once.
func (w *DebitWorker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *DebitWorker) run() {
	defer close(w.done)
	for d := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.ledger.Debit(ctx, d.UserID, d.Amount)
		cancel()
		if err != nil {
			w.metrics.Inc(metrics.LedgerDebitFailed)
			w.log.Error("ledger debit failed",
				"user_id", d.UserID, "amount", d.Amount, "match_id", d.MatchID, "err", err)
			continue
		}
		w.log.Debug("ledger debit applied",
			"user_id", d.UserID, "amount", d.Amount, "match_id", d.MatchID)
	}
}
