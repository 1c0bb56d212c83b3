package events

import "time"

// QualityChange is carried by QualityDegraded and RecoveryInitiated
type QualityChange struct {
	NumberID string   `json:"number_id"`
	Previous string   `json:"previous"`
	Current  string   `json:"current"`
	Steps    []string `json:"steps,omitempty"`
}

// NumberSignal is carried by BackupActivated, NumberDisabled, CapacityReduced and EmergencyPause
type NumberSignal struct {
	NumberID string  `json:"number_id"`
	Reason   string  `json:"reason"`
	Value    float64 `json:"value,omitempty"`
}

// TemplateSignal is carried by TemplateSuspend, TemplateStatus and TemplateRotated
type TemplateSignal struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// RunSignal is carried by RunStarted and RunAborted
type RunSignal struct {
	RunID      string `json:"run_id"`
	Reason     string `json:"reason,omitempty"`
	Recipients int    `json:"recipients"`
	Trigger    string `json:"trigger"`
}

// SLASignal is carried by SLAAtRisk
type SLASignal struct {
	RunID         string        `json:"run_id"`
	Current       float64       `json:"current"`
	Target        float64       `json:"target"`
	Level         string        `json:"level"`
	TimeRemaining time.Duration `json:"time_remaining"`
}

// BatchSignal is carried by BatchCompleted and BatchFailed
type BatchSignal struct {
	RunID      string `json:"run_id"`
	BatchID    string `json:"batch_id"`
	Index      int    `json:"index"`
	NumberID   string `json:"number_id"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
}

// RetrySignal is carried by RetryScheduled
type RetrySignal struct {
	RunID       string        `json:"run_id"`
	RecipientID string        `json:"recipient_id"`
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
}

// MessageStatus is carried by MessageSent, MessageDelivered, MessageRead and MessageFailed
type MessageStatus struct {
	MessageID   string    `json:"message_id"`
	NumberID    string    `json:"number_id"`
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alert is carried by QualityAlert and HighFailureRate
type Alert struct {
	NumberID  string  `json:"number_id"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Rate      float64 `json:"rate,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}
