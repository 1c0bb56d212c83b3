package ledger

import (
	"time"

	"github.com/foxzi/wadispatch/internal/cloudapi"
)

// Outcome is the result of one delivery attempt
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Failure reasons recorded by the scheduler besides provider error kinds
const (
	ReasonNoTemplate      = "NO_APPROVED_TEMPLATE"
	ReasonNoNumber        = "NO_AVAILABLE_NUMBER"
	ReasonQuotaExceeded   = "QUOTA_EXCEEDED"
	ReasonWindowClosed    = "window_closed"
	ReasonCancelled       = "cancelled"
	ReasonRetriesExceeded = "retries_exhausted"
	ReasonInvalidPhone    = "invalid_phone"
)

// Attempt is one append-only delivery record
type Attempt struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	RecipientID string        `json:"recipient_id"`
	Phone       string        `json:"phone"`
	BatchID     string        `json:"batch_id"`
	Attempt     int           `json:"attempt"`
	NumberID    string        `json:"number_id,omitempty"`
	TemplateKey string        `json:"template_key,omitempty"`
	MessageID   string        `json:"message_id,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	ErrorKind   cloudapi.Kind `json:"error_kind,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// RunState is the lifecycle state of a distribution run
type RunState string

const (
	StateIdle       RunState = "idle"
	StateAssembling RunState = "assembling"
	StateRunning    RunState = "running"
	StateMonitoring RunState = "monitoring"
	StateFinalized  RunState = "finalized"
	StateAborted    RunState = "aborted"
)

// Terminal reports whether no further transitions are possible
func (s RunState) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Violation is a recipient that missed the SLA
type Violation struct {
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
}

// Run is the report of one daily distribution
type Run struct {
	ID              string         `json:"id"`
	Date            string         `json:"date"`
	State           RunState       `json:"state"`
	Trigger         string         `json:"trigger"`
	ContentID       string         `json:"content_id,omitempty"`
	Purpose         string         `json:"purpose,omitempty"`
	TotalRecipients int            `json:"total_recipients"`
	Batches         int            `json:"batches"`
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	Attempted       int64          `json:"attempted"`
	Sent            int64          `json:"sent"`
	Delivered       int64          `json:"delivered"`
	Failed          int64          `json:"failed"`
	Retried         int64          `json:"retried"`
	Confirmed       int64          `json:"confirmed"`
	Violations      []Violation    `json:"violations,omitempty"`
	NumberUsage     map[string]int `json:"number_usage,omitempty"`
	SLAAchieved     float64        `json:"sla_achieved"`
	SLATarget       float64        `json:"sla_target"`
	SLAMet          bool           `json:"sla_met"`
	Provisional     bool           `json:"provisional"`
	AbortReason     string         `json:"abort_reason,omitempty"`
}

// RunFilter contains filters for listing runs
type RunFilter struct {
	Date   string
	State  RunState
	Limit  int
	Offset int
}

// AttemptFilter contains filters for listing a run's attempts
type AttemptFilter struct {
	Outcome Outcome
	Limit   int
	Offset  int
}

// Stats contains ledger statistics
type Stats struct {
	Runs      int64 `json:"runs"`
	Attempts  int64 `json:"attempts"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}
