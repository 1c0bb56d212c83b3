package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/wadispatch/internal/ledger"
)

// runState tracks one live run. Counters are atomic so batches never
// serialise on the report.
type runState struct {
	mu  sync.Mutex
	rec ledger.Run

	attempted atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	confirmed atomic.Int64

	succeeded sync.Map // recipient id -> struct{}
	messages  sync.Map // message id -> recipient id
	receipts  sync.Map // confirmed message ids

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func newRunState(rec ledger.Run) *runState {
	if rec.NumberUsage == nil {
		rec.NumberUsage = make(map[string]int)
	}
	return &runState{rec: rec, done: make(chan struct{})}
}

func (r *runState) id() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.ID
}

func (r *runState) update(fn func(rec *ledger.Run)) {
	r.mu.Lock()
	fn(&r.rec)
	r.mu.Unlock()
}

// success counts a delivered recipient once
func (r *runState) success(recipientID, numberID, messageID string) bool {
	if _, dup := r.succeeded.LoadOrStore(recipientID, struct{}{}); dup {
		return false
	}
	r.sent.Add(1)
	if messageID != "" {
		r.messages.Store(messageID, recipientID)
	}
	r.mu.Lock()
	r.rec.NumberUsage[numberID]++
	r.mu.Unlock()
	return true
}

// failure counts a recipient that will not be delivered in this run
func (r *runState) failure(v ledger.Violation) {
	r.failed.Add(1)
	r.mu.Lock()
	r.rec.Violations = append(r.rec.Violations, v)
	r.mu.Unlock()
}

// recipient maps a provider message id of this run to the recipient id
func (r *runState) recipient(messageID string) (string, bool) {
	v, ok := r.messages.Load(messageID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// confirm counts the first delivery receipt for a message of this run
func (r *runState) confirm(messageID string) (string, bool) {
	rid, ok := r.recipient(messageID)
	if !ok {
		return "", false
	}
	if _, dup := r.receipts.LoadOrStore(messageID, struct{}{}); dup {
		return rid, false
	}
	r.confirmed.Add(1)
	return rid, true
}

// rate is delivered over total recipients
func (r *runState) rate() float64 {
	r.mu.Lock()
	total := r.rec.TotalRecipients
	r.mu.Unlock()
	if total == 0 {
		return 0
	}
	return float64(r.sent.Load()) / float64(total)
}

// snapshot copies the report with the current counters
func (r *runState) snapshot() *ledger.Run {
	r.mu.Lock()
	out := r.rec
	out.Violations = append([]ledger.Violation(nil), r.rec.Violations...)
	out.NumberUsage = make(map[string]int, len(r.rec.NumberUsage))
	for k, v := range r.rec.NumberUsage {
		out.NumberUsage[k] = v
	}
	if r.rec.FinishedAt != nil {
		t := *r.rec.FinishedAt
		out.FinishedAt = &t
	}
	r.mu.Unlock()

	out.Attempted = r.attempted.Load()
	out.Sent = r.sent.Load()
	out.Delivered = out.Sent
	out.Failed = r.failed.Load()
	out.Retried = r.retried.Load()
	out.Confirmed = r.confirmed.Load()
	if out.TotalRecipients > 0 {
		out.SLAAchieved = float64(out.Delivered) / float64(out.TotalRecipients)
	}
	out.SLAMet = out.TotalRecipients > 0 && out.SLAAchieved >= out.SLATarget
	return &out
}

// finish moves the run to a terminal state
func (r *runState) finish(state ledger.RunState, reason string, at time.Time) {
	r.mu.Lock()
	r.rec.State = state
	r.rec.Provisional = false
	if reason != "" {
		r.rec.AbortReason = reason
	}
	r.rec.FinishedAt = &at
	r.mu.Unlock()
}
