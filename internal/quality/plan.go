package quality

import (
	"time"

	"github.com/foxzi/wadispatch/internal/model"
)

// Severity grades how urgently a number needs intervention
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Action is one recovery directive
type Action string

const (
	ActionPauseNonCritical Action = "PAUSE_NON_CRITICAL"
	ActionActivateBackup   Action = "ACTIVATE_BACKUP"
	ActionAlertTeam        Action = "ALERT_TEAM"
	ActionTemplateReview   Action = "TEMPLATE_REVIEW"
	ActionReduceVolume     Action = "REDUCE_VOLUME"
	ActionCooldown         Action = "COOLDOWN"
	ActionGradualRamp      Action = "GRADUAL_RAMP"
	ActionReduceFrequency  Action = "REDUCE_FREQUENCY"
	ActionRotateTemplates  Action = "ROTATE_TEMPLATES"
	ActionContentReview    Action = "CONTENT_REVIEW"
	ActionSegmentAudiences Action = "SEGMENT_AUDIENCES"
	ActionMonitor48h       Action = "MONITOR_48H"
	ActionABTesting        Action = "A_B_TESTING"
	ActionMonitorClosely   Action = "MONITOR_CLOSELY"
	ActionOptimizeTiming   Action = "OPTIMIZE_TIMING"
	ActionPersonalization  Action = "PERSONALIZATION"
)

// Step is an action with its parameters
type Step struct {
	Action   Action        `json:"action"`
	Factor   float64       `json:"factor,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Plan is the recovery plan computed for one number
type Plan struct {
	NumberID  string    `json:"number_id"`
	Severity  Severity  `json:"severity"`
	Immediate []Step    `json:"immediate"`
	ShortTerm []Step    `json:"short_term,omitempty"`
	LongTerm  []Step    `json:"long_term,omitempty"`
	Templates []string  `json:"templates,omitempty"` // templates with blocks or reports on this number
	Metrics   Metrics   `json:"metrics"`
	CreatedAt time.Time `json:"created_at"`
}

// Steps returns every step in execution order
func (p *Plan) Steps() []Step {
	out := make([]Step, 0, len(p.Immediate)+len(p.ShortTerm)+len(p.LongTerm))
	out = append(out, p.Immediate...)
	out = append(out, p.ShortTerm...)
	return append(out, p.LongTerm...)
}

// Has reports whether the plan contains action
func (p *Plan) Has(a Action) bool {
	for _, s := range p.Steps() {
		if s.Action == a {
			return true
		}
	}
	return false
}

// Thresholds are the rate limits a number is held to
type Thresholds struct {
	BlockRate   float64
	ReportRate  float64
	FailureRate float64
	MinQuality  model.Quality
}

// Assess grades a number's quality and window metrics
func Assess(q model.Quality, m Metrics, th Thresholds) Severity {
	if q == model.QualityFlagged {
		return SeverityCritical
	}
	if m.BlockRate >= 2*th.BlockRate || m.ReportRate >= 2*th.ReportRate || m.FailureRate >= 2*th.FailureRate {
		return SeverityHigh
	}
	if m.BlockRate > th.BlockRate || m.ReportRate > th.ReportRate || m.FailureRate > th.FailureRate || q.Below(th.MinQuality) {
		return SeverityMedium
	}
	return SeverityLow
}

// BuildPlan returns the recovery plan for a severity, nil for LOW
func BuildPlan(numberID string, sev Severity, m Metrics, now time.Time) *Plan {
	p := &Plan{NumberID: numberID, Severity: sev, Metrics: m, CreatedAt: now}

	switch sev {
	case SeverityCritical:
		p.Immediate = []Step{{Action: ActionPauseNonCritical}, {Action: ActionActivateBackup}, {Action: ActionAlertTeam}}
		p.ShortTerm = []Step{{Action: ActionTemplateReview}, {Action: ActionReduceVolume, Factor: 0.25}}
		p.LongTerm = []Step{{Action: ActionCooldown, Duration: 72 * time.Hour}, {Action: ActionGradualRamp, Duration: 7 * 24 * time.Hour}}
	case SeverityHigh:
		p.Immediate = []Step{{Action: ActionReduceFrequency, Factor: 0.5}, {Action: ActionRotateTemplates}}
		p.ShortTerm = []Step{{Action: ActionContentReview}, {Action: ActionSegmentAudiences}}
		p.LongTerm = []Step{{Action: ActionMonitor48h, Duration: 48 * time.Hour}, {Action: ActionABTesting}}
	case SeverityMedium:
		p.Immediate = []Step{{Action: ActionMonitorClosely}}
		p.ShortTerm = []Step{{Action: ActionOptimizeTiming}, {Action: ActionPersonalization}}
	case SeverityLow:
		return nil
	}
	return p
}

// RecoveryStrategy lists the recovery steps taken when quality drops to q
func RecoveryStrategy(q model.Quality) []string {
	switch q {
	case model.QualityFlagged:
		return []string{"immediate_pause", "backup_activation", "full_audit"}
	case model.QualityLow:
		return []string{"volume_reduction", "template_optimization", "timing_adjustment"}
	case model.QualityMedium:
		return []string{"content_review", "engagement_analysis", "gradual_optimization"}
	case model.QualityHigh, model.QualityUnknown:
		return nil
	}
	return nil
}
