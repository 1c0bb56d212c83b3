// Package ledger is the append-only record of delivery attempts and run reports.
package ledger

import (
	"context"
	"errors"
)

// ErrExists is returned when an attempt id is appended twice
var ErrExists = errors.New("attempt already recorded")

// Ledger defines the delivery record operations used by the scheduler
type Ledger interface {
	// AppendAttempt records one attempt. Records are never modified.
	AppendAttempt(ctx context.Context, a *Attempt) error

	// SaveRun creates or replaces a run report
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns a run report, nil when absent
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns run reports, newest first
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ListAttempts returns one run's attempts in record order
	ListAttempts(ctx context.Context, runID string, filter AttemptFilter) ([]*Attempt, error)

	// Ping checks the store is writable
	Ping(ctx context.Context) error

	// Stats returns ledger statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
