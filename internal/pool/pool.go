// Package pool tracks health, capacity and status of the sending numbers.
//
// All state is owned by one goroutine. Callers reach it through methods
// that send closures over a channel, so no locks guard the numbers.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/model"
)

var bucketNumbers = []byte("pool_numbers")

// ErrClosed is returned after Close
var ErrClosed = errors.New("number pool closed")

// ErrNotFound is returned for unknown number ids
var ErrNotFound = errors.New("sending number not found")

const scoreEpsilon = 1e-9

// Options configures a Pool
type Options struct {
	DB            *bolt.DB // nil disables persistence
	Bus           events.Publisher
	Logger        *slog.Logger
	FlushInterval time.Duration
	Now           func() time.Time
}

// SelectOptions narrows a SelectBest call
type SelectOptions struct {
	Priority bool
	Exclude  []string
}

// Pool is the owner of all SendingNumber state
type Pool struct {
	reqs   chan func(*state)
	stopCh chan struct{}
	doneCh chan struct{}

	db            *bolt.DB
	bus           events.Publisher
	logger        *slog.Logger
	flushInterval time.Duration
	now           func() time.Time
}

type state struct {
	numbers []*Number
	byID    map[string]*Number
	rr      int
	dirty   bool
}

// New creates a pool from the configured numbers, restores persisted state
// and starts the owner goroutine
func New(numbers []Number, opts Options) (*Pool, error) {
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	st := &state{byID: make(map[string]*Number)}
	for i := range numbers {
		n := numbers[i]
		if _, dup := st.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate sending number %q", n.ID)
		}
		if n.Status == "" {
			n.Status = StatusActive
		}
		if n.Quality == "" {
			n.Quality = model.QualityUnknown
		}
		if n.CapacityFactor == 0 {
			n.CapacityFactor = 1
		}
		st.numbers = append(st.numbers, &n)
		st.byID[n.ID] = &n
	}

	p := &Pool{
		reqs:          make(chan func(*state)),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		db:            opts.DB,
		bus:           opts.Bus,
		logger:        opts.Logger,
		flushInterval: opts.FlushInterval,
		now:           opts.Now,
	}

	if p.db != nil {
		err := p.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketNumbers)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create pool bucket: %w", err)
		}
		if err := p.load(st); err != nil {
			return nil, fmt.Errorf("failed to load pool state: %w", err)
		}
	}

	go p.loop(st)
	return p, nil
}

// Close stops the owner goroutine and persists state
func (p *Pool) Close() error {
	select {
	case <-p.stopCh:
		return nil
	default:
	}
	close(p.stopCh)
	<-p.doneCh
	return nil
}

func (p *Pool) loop(st *state) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-p.reqs:
			fn(st)
		case <-ticker.C:
			if st.dirty {
				p.persist(st)
			}
		case <-p.stopCh:
			p.persist(st)
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it
func (p *Pool) do(ctx context.Context, fn func(*state)) error {
	done := make(chan struct{})
	req := func(st *state) {
		defer close(done)
		fn(st)
	}
	select {
	case p.reqs <- req:
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// SelectBest returns the highest scoring selectable number, or nil
func (p *Pool) SelectBest(ctx context.Context, opts SelectOptions) (*Number, error) {
	var out *Number
	err := p.do(ctx, func(st *state) {
		now := p.now()
		excluded := make(map[string]bool, len(opts.Exclude))
		for _, id := range opts.Exclude {
			excluded[id] = true
		}

		best := -1.0
		var tied []int
		for i, n := range st.numbers {
			if excluded[n.ID] || !n.selectable(now, opts.Priority) {
				continue
			}
			s := n.Score(opts.Priority)
			switch {
			case s > best+scoreEpsilon:
				best = s
				tied = append(tied[:0], i)
			case s >= best-scoreEpsilon:
				tied = append(tied, i)
			}
		}
		if len(tied) == 0 {
			return
		}

		// round-robin among equal scores
		pick := tied[0]
		for _, i := range tied {
			if i >= st.rr {
				pick = i
				break
			}
		}
		st.rr = pick + 1
		cp := *st.numbers[pick]
		out = &cp
	})
	return out, err
}

// SelectBackup promotes a standby number to active, publishing backup.activated.
// An already promoted backup is returned without a new signal.
func (p *Pool) SelectBackup(ctx context.Context, reason string) (*Number, error) {
	var out *Number
	err := p.do(ctx, func(st *state) {
		now := p.now()
		for _, n := range st.byPriority() {
			if n.Role == "backup" && n.selectable(now, false) {
				cp := *n
				out = &cp
				return
			}
		}
		for _, n := range st.byPriority() {
			if n.Status != StatusStandby || n.Quality == model.QualityFlagged {
				continue
			}
			n.Status = StatusActive
			n.UpdatedAt = now
			st.dirty = true
			cp := *n
			out = &cp

			p.logger.Warn("backup number activated", "number_id", n.ID, "reason", reason)
			p.bus.Publish(events.Event{
				Kind: events.BackupActivated,
				Data: events.NumberSignal{NumberID: n.ID, Reason: reason},
			})
			return
		}
	})
	return out, err
}

// Reserve counts one send against the number's daily limit.
// It returns false when the limit is reached.
func (p *Pool) Reserve(ctx context.Context, id string) (bool, error) {
	ok := false
	found := true
	err := p.do(ctx, func(st *state) {
		n := st.byID[id]
		if n == nil {
			found = false
			return
		}
		if n.CurrentUsage >= n.EffectiveLimit() {
			return
		}
		n.CurrentUsage++
		st.dirty = true
		ok = true
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ok, nil
}

// Release returns a reservation whose send did not happen
func (p *Pool) Release(ctx context.Context, id string) error {
	return p.mutate(ctx, id, func(n *Number) {
		if n.CurrentUsage > 0 {
			n.CurrentUsage--
		}
	})
}

// UpdateQuality records a new quality rating and returns the previous one
func (p *Pool) UpdateQuality(ctx context.Context, id string, q model.Quality) (model.Quality, error) {
	var prev model.Quality
	err := p.mutate(ctx, id, func(n *Number) {
		prev = n.Quality
		n.Quality = q
	})
	return prev, err
}

// Disable takes a number out of rotation
func (p *Pool) Disable(ctx context.Context, id, reason string) error {
	err := p.mutate(ctx, id, func(n *Number) {
		n.Status = StatusDisabled
		n.DisabledReason = reason
	})
	if err == nil {
		p.logger.Warn("sending number disabled", "number_id", id, "reason", reason)
		p.bus.Publish(events.Event{
			Kind: events.NumberDisabled,
			Data: events.NumberSignal{NumberID: id, Reason: reason},
		})
	}
	return err
}

// Activate returns a disabled or standby number to rotation
func (p *Pool) Activate(ctx context.Context, id string) error {
	return p.mutate(ctx, id, func(n *Number) {
		n.Status = StatusActive
		n.DisabledReason = ""
	})
}

// Pause holds back non-priority traffic on the number until the given time
func (p *Pool) Pause(ctx context.Context, id string, until time.Time) error {
	return p.mutate(ctx, id, func(n *Number) {
		if until.After(n.PausedUntil) {
			n.PausedUntil = until
		}
	})
}

// ScaleCapacity multiplies the current capacity factor and returns the new effective limit
func (p *Pool) ScaleCapacity(ctx context.Context, id string, factor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, fmt.Errorf("capacity factor %v out of range (0, 1]", factor)
	}
	limit := 0
	err := p.mutate(ctx, id, func(n *Number) {
		n.CapacityFactor *= factor
		limit = n.EffectiveLimit()
	})
	if err == nil {
		p.bus.Publish(events.Event{
			Kind: events.CapacityReduced,
			Data: events.NumberSignal{NumberID: id, Reason: "capacity_scaled", Value: float64(limit)},
		})
	}
	return limit, err
}

// RestoreCapacity resets the capacity factor after recovery
func (p *Pool) RestoreCapacity(ctx context.Context, id string) error {
	return p.mutate(ctx, id, func(n *Number) { n.CapacityFactor = 1 })
}

// ResetDaily zeroes usage for a new local day. It returns false when the day
// was already reset.
func (p *Pool) ResetDaily(ctx context.Context, day string) (bool, error) {
	reset := false
	err := p.do(ctx, func(st *state) {
		for _, n := range st.numbers {
			if n.UsageDay == day {
				continue
			}
			n.UsageDay = day
			n.CurrentUsage = 0
			n.UpdatedAt = p.now()
			reset = true
		}
		if reset {
			st.dirty = true
		}
	})
	return reset, err
}

// Get returns a copy of one number
func (p *Pool) Get(ctx context.Context, id string) (*Number, error) {
	var out *Number
	err := p.do(ctx, func(st *state) {
		if n := st.byID[id]; n != nil {
			cp := *n
			out = &cp
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

// Snapshot returns copies of all numbers in configuration order
func (p *Pool) Snapshot(ctx context.Context) ([]Number, error) {
	var out []Number
	err := p.do(ctx, func(st *state) {
		out = make([]Number, 0, len(st.numbers))
		for _, n := range st.numbers {
			out = append(out, *n)
		}
	})
	return out, err
}

// HasHealthy reports whether at least one number is active, not flagged and has capacity
func (p *Pool) HasHealthy(ctx context.Context) (bool, error) {
	ok := false
	err := p.do(ctx, func(st *state) {
		for _, n := range st.numbers {
			if n.Healthy() {
				ok = true
				return
			}
		}
	})
	return ok, err
}

// Lookup maps a provider phone-number id, pool id or display number to the pool id
func (p *Pool) Lookup(ctx context.Context, phoneNumberID string) (string, error) {
	id := ""
	display := digits(phoneNumberID)
	err := p.do(ctx, func(st *state) {
		for _, n := range st.numbers {
			if n.PhoneNumberID == phoneNumberID || n.ID == phoneNumberID ||
				(display != "" && digits(n.DisplayNumber) == display) {
				id = n.ID
				return
			}
		}
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, phoneNumberID)
	}
	return id, nil
}

func (p *Pool) mutate(ctx context.Context, id string, fn func(n *Number)) error {
	found := true
	err := p.do(ctx, func(st *state) {
		n := st.byID[id]
		if n == nil {
			found = false
			return
		}
		fn(n)
		n.UpdatedAt = p.now()
		st.dirty = true
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func (st *state) byPriority() []*Number {
	out := append([]*Number(nil), st.numbers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// persisted is the subset of a Number that survives restarts.
// Identity and limits always come from configuration.
type persisted struct {
	Quality        model.Quality `json:"quality"`
	Status         Status        `json:"status"`
	CurrentUsage   int           `json:"current_usage"`
	UsageDay       string        `json:"usage_day"`
	CapacityFactor float64       `json:"capacity_factor"`
	PausedUntil    time.Time     `json:"paused_until"`
	DisabledReason string        `json:"disabled_reason,omitempty"`
}

func (p *Pool) load(st *state) error {
	return p.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNumbers)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			n := st.byID[string(k)]
			if n == nil {
				return nil // number removed from config
			}
			var ps persisted
			if err := json.Unmarshal(v, &ps); err != nil {
				return nil // skip invalid entries
			}
			n.Quality = ps.Quality
			n.Status = ps.Status
			n.CurrentUsage = ps.CurrentUsage
			n.UsageDay = ps.UsageDay
			n.PausedUntil = ps.PausedUntil
			n.DisabledReason = ps.DisabledReason
			if ps.CapacityFactor > 0 {
				n.CapacityFactor = ps.CapacityFactor
			}
			return nil
		})
	})
}

func (p *Pool) persist(st *state) {
	if p.db == nil {
		return
	}
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNumbers)
		if bucket == nil {
			return nil
		}
		for _, n := range st.numbers {
			data, err := json.Marshal(persisted{
				Quality:        n.Quality,
				Status:         n.Status,
				CurrentUsage:   n.CurrentUsage,
				UsageDay:       n.UsageDay,
				CapacityFactor: n.CapacityFactor,
				PausedUntil:    n.PausedUntil,
				DisabledReason: n.DisabledReason,
			})
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(n.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Error("failed to persist pool state", "error", err)
		return
	}
	st.dirty = false
}
