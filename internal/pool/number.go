package pool

import (
	"math"
	"time"

	"github.com/foxzi/wadispatch/internal/model"
)

// Status is the lifecycle state of a sending number
type Status string

const (
	StatusActive   Status = "active"
	StatusStandby  Status = "standby"
	StatusDisabled Status = "disabled"
)

// Number is a sending number tracked by the pool.
// Values returned by the pool are copies.
type Number struct {
	ID                string        `json:"id"`
	PhoneNumberID     string        `json:"phone_number_id"`
	DisplayNumber     string        `json:"display_number"`
	Role              string        `json:"role"`
	Quality           model.Quality `json:"quality"`
	Status            Status        `json:"status"`
	DailyLimit        int           `json:"daily_limit"`
	CurrentUsage      int           `json:"current_usage"`
	MessagesPerSecond int           `json:"messages_per_second"`
	Priority          int           `json:"priority"`
	CapacityFactor    float64       `json:"capacity_factor"`
	PausedUntil       time.Time     `json:"paused_until,omitempty"`
	DisabledReason    string        `json:"disabled_reason,omitempty"`
	UsageDay          string        `json:"usage_day,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// EffectiveLimit is the daily limit after capacity reductions
func (n *Number) EffectiveLimit() int {
	f := n.CapacityFactor
	if f <= 0 || f > 1 {
		f = 1
	}
	return int(math.Floor(float64(n.DailyLimit) * f))
}

// Remaining is the unused part of today's effective limit
func (n *Number) Remaining() int {
	r := n.EffectiveLimit() - n.CurrentUsage
	if r < 0 {
		return 0
	}
	return r
}

// Paused reports whether non-priority sends are held back at now
func (n *Number) Paused(now time.Time) bool {
	return !n.PausedUntil.IsZero() && now.Before(n.PausedUntil)
}

// Healthy reports whether the number could carry traffic at all
func (n *Number) Healthy() bool {
	return n.Status == StatusActive && n.Quality != model.QualityFlagged && n.Remaining() > 0
}

// selectable applies the selection rules for one request
func (n *Number) selectable(now time.Time, priority bool) bool {
	if !n.Healthy() {
		return false
	}
	if n.Paused(now) && !priority {
		return false
	}
	return true
}

// Score is 0.7*quality + 0.3*remaining share; priority boosts HIGH numbers by 1.5
func (n *Number) Score(priority bool) float64 {
	limit := n.EffectiveLimit()
	capacity := 0.0
	if limit > 0 {
		capacity = float64(n.Remaining()) / float64(limit)
	}
	score := 0.7*n.Quality.Score() + 0.3*capacity
	if priority && n.Quality == model.QualityHigh {
		score *= 1.5
	}
	return score
}
