// Package analytics keeps hourly delivery counters and per-recipient delivery
// records in Redis.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/wadispatch/internal/ledger"
)

// ErrDisabled is returned by the no-op recorder for queries
var ErrDisabled = errors.New("analytics store is disabled")

// SLATarget is the daily delivery rate reported as MET
const SLATarget = 0.99

// FailureAlertRate is the daily failure rate that raises an alert
const FailureAlertRate = 0.02

// Status values counted in the hourly hashes
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Delivery is the latest known state of one recipient's daily message
type Delivery struct {
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	MessageID   string    `json:"message_id,omitempty"`
	NumberID    string    `json:"number_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary aggregates one day of counters
type Summary struct {
	Date         string  `json:"date"`
	Total        int64   `json:"total"`
	Sent         int64   `json:"sent"`
	Delivered    int64   `json:"delivered"`
	Read         int64   `json:"read"`
	Failed       int64   `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
	FailureRate  float64 `json:"failure_rate"`
	SLA          string  `json:"sla"` // MET or MISSED
	FailureAlert bool    `json:"failure_alert"`
	Source       string  `json:"source"`
}

// Recorder stores delivery analytics
type Recorder interface {
	// RecordSend counts one send outcome (sent or failed) for the hour of at
	RecordSend(ctx context.Context, status string, at time.Time) error

	// RecordStatus counts a provider receipt (delivered, read, failed) without
	// adding to the send total
	RecordStatus(ctx context.Context, status string, at time.Time) error

	// RecordDelivery stores the latest state of a recipient's daily message
	RecordDelivery(ctx context.Context, d Delivery) error

	// RecordRun stores a run report summary for the run's date
	RecordRun(ctx context.Context, run *ledger.Run) error

	// DailySummary aggregates the 24 hourly hashes of a date
	DailySummary(ctx context.Context, date time.Time) (*Summary, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// finish derives rates, SLA and alert flags
func (s *Summary) finish() {
	if s.Total > 0 {
		total := float64(s.Total)
		s.DeliveryRate = float64(s.Delivered) / total
		s.ReadRate = float64(s.Read) / total
		s.FailureRate = float64(s.Failed) / total
	}
	s.SLA = "MISSED"
	if s.DeliveryRate >= SLATarget {
		s.SLA = "MET"
	}
	s.FailureAlert = s.FailureRate > FailureAlertRate
}

// FromRuns builds a summary from ledger run reports when no analytics store is
// configured. Provider confirmations count as delivered.
func FromRuns(date string, runs []*ledger.Run) *Summary {
	s := &Summary{Date: date, Source: "ledger"}
	for _, r := range runs {
		if r.Date != date || r.State == ledger.StateAborted {
			continue
		}
		s.Total += r.Sent + r.Failed
		s.Sent += r.Sent
		s.Delivered += r.Confirmed
		s.Failed += r.Failed
	}
	s.finish()
	return s
}

// Nop is the recorder used when Redis is disabled
type Nop struct{}

func (Nop) RecordSend(context.Context, string, time.Time) error   { return nil }
func (Nop) RecordStatus(context.Context, string, time.Time) error { return nil }
func (Nop) RecordDelivery(context.Context, Delivery) error        { return nil }
func (Nop) RecordRun(context.Context, *ledger.Run) error          { return nil }
func (Nop) Ping(context.Context) error                            { return nil }

func (Nop) DailySummary(context.Context, time.Time) (*Summary, error) {
	return nil, ErrDisabled
}
