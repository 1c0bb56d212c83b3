// Package ratelimit holds the per-number token buckets that pace Cloud API sends
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/wadispatch/internal/model"
)

// TierBudget resolves the messages-per-second budget of a quality tier
type TierBudget func(q model.Quality) int

// Limiter paces sends per sending number.
//
// Each number owns a token bucket whose refill rate follows its current
// quality tier, optionally capped by a per-number budget and scaled by a
// frequency factor set from recovery directives.
type Limiter struct {
	budget  TierBudget
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	limiter *rate.Limiter
	quality model.Quality
	cap     int     // per-number override, 0 = tier budget only
	factor  float64 // 1.0 = full speed
}

// Stats is a snapshot of one bucket
type Stats struct {
	NumberID string        `json:"number_id"`
	Quality  model.Quality `json:"quality"`
	Rate     float64       `json:"rate"`
	Burst    int           `json:"burst"`
	Factor   float64       `json:"factor"`
	Tokens   float64       `json:"tokens"`
}

// ErrBlocked is returned when a number currently has a zero budget
var ErrBlocked = fmt.Errorf("sending number has no rate budget")

// NewLimiter creates a limiter using budget for tier lookups
func NewLimiter(budget TierBudget) *Limiter {
	return &Limiter{
		budget:  budget,
		entries: make(map[string]*entry),
	}
}

// Register adds or resets a number. capPerSecond = 0 means tier budget only.
func (l *Limiter) Register(numberID string, q model.Quality, capPerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &entry{quality: q, cap: capPerSecond, factor: 1}
	e.limiter = rate.NewLimiter(l.limitFor(e))
	l.entries[numberID] = e
}

// Wait blocks until numberID may send one message or ctx is done
func (l *Limiter) Wait(ctx context.Context, numberID string) error {
	lim, err := l.get(numberID)
	if err != nil {
		return err
	}
	if lim.Limit() == 0 {
		return fmt.Errorf("%w: %s", ErrBlocked, numberID)
	}
	return lim.Wait(ctx)
}

// SetQuality retunes the bucket for a new quality tier
func (l *Limiter) SetQuality(numberID string, q model.Quality) {
	l.update(numberID, func(e *entry) { e.quality = q })
}

// Scale multiplies the bucket rate by factor (0 < factor <= 1), e.g. 0.5 halves frequency
func (l *Limiter) Scale(numberID string, factor float64) {
	if factor <= 0 || factor > 1 {
		return
	}
	l.update(numberID, func(e *entry) { e.factor = factor })
}

// Restore removes any frequency reduction
func (l *Limiter) Restore(numberID string) {
	l.update(numberID, func(e *entry) { e.factor = 1 })
}

// GetStats returns the current bucket state for numberID
func (l *Limiter) GetStats(numberID string) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[numberID]
	if !ok {
		return nil, fmt.Errorf("unknown sending number %q", numberID)
	}
	return &Stats{
		NumberID: numberID,
		Quality:  e.quality,
		Rate:     float64(e.limiter.Limit()),
		Burst:    e.limiter.Burst(),
		Factor:   e.factor,
		Tokens:   e.limiter.Tokens(),
	}, nil
}

func (l *Limiter) get(numberID string) (*rate.Limiter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[numberID]
	if !ok {
		return nil, fmt.Errorf("unknown sending number %q", numberID)
	}
	return e.limiter, nil
}

func (l *Limiter) update(numberID string, fn func(e *entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[numberID]
	if !ok {
		return
	}
	fn(e)
	limit, burst := l.limitFor(e)
	now := time.Now()
	e.limiter.SetLimitAt(now, limit)
	e.limiter.SetBurstAt(now, burst)
}

// limitFor computes the refill rate for an entry. Burst is 1 so sends are
// evenly spaced and never exceed the provider's per-second budget.
func (l *Limiter) limitFor(e *entry) (rate.Limit, int) {
	mps := 0
	if l.budget != nil {
		mps = l.budget(e.quality)
	}
	if e.cap > 0 && (mps == 0 || e.cap < mps) && e.quality != model.QualityFlagged {
		mps = e.cap
	}
	if mps <= 0 {
		return 0, 0
	}

	return rate.Limit(float64(mps) * e.factor), 1
}
