// Package quality tracks sending-number reputation and plans recovery.
package quality

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/model"
)

// RatingSink applies provider quality ratings to the rest of the system
type RatingSink interface {
	ApplyRating(ctx context.Context, numberID string, q model.Quality) error
}

// Options configures a Monitor
type Options struct {
	Thresholds        Thresholds
	Window            time.Duration
	CheckInterval     time.Duration
	EnhancedInterval  time.Duration
	EnhancedDuration  time.Duration
	EmergencyPause    time.Duration
	TemplateReportMax int
	HistorySize       int

	Ratings RatingSink
	Bus     events.Publisher
	Logger  *slog.Logger
	Now     func() time.Time
}

// HistoryEntry is one rating observation
type HistoryEntry struct {
	Time     time.Time     `json:"time"`
	Quality  model.Quality `json:"quality"`
	Severity Severity      `json:"severity"`
}

type numberState struct {
	quality       model.Quality
	window        *window
	history       []HistoryEntry
	plan          *Plan
	severity      Severity
	enhancedUntil time.Time
	pausedUntil   time.Time
	failureAlert  bool
	templates     map[string]int64 // blocks+reports per template on this number
}

// Monitor ingests delivery samples and rating changes and plans recovery
type Monitor struct {
	mu              sync.Mutex
	numbers         map[string]*numberState
	templateReports map[string]int64
	suspended       map[string]bool

	th                Thresholds
	span              time.Duration
	checkInterval     time.Duration
	enhancedInterval  time.Duration
	enhancedDuration  time.Duration
	emergencyPause    time.Duration
	templateReportMax int
	historySize       int

	ratings RatingSink
	bus     events.Publisher
	logger  *slog.Logger
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a quality monitor
func NewMonitor(opts Options) *Monitor {
	if opts.Thresholds.BlockRate <= 0 {
		opts.Thresholds.BlockRate = 0.02
	}
	if opts.Thresholds.ReportRate <= 0 {
		opts.Thresholds.ReportRate = 0.01
	}
	if opts.Thresholds.FailureRate <= 0 {
		opts.Thresholds.FailureRate = 0.05
	}
	if opts.Thresholds.MinQuality == "" {
		opts.Thresholds.MinQuality = model.QualityMedium
	}
	if opts.Window <= 0 {
		opts.Window = 7 * 24 * time.Hour
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Minute
	}
	if opts.EnhancedInterval <= 0 {
		opts.EnhancedInterval = time.Minute
	}
	if opts.EnhancedDuration <= 0 {
		opts.EnhancedDuration = 48 * time.Hour
	}
	if opts.EmergencyPause <= 0 {
		opts.EmergencyPause = time.Hour
	}
	if opts.TemplateReportMax <= 0 {
		opts.TemplateReportMax = 10
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Monitor{
		numbers:           make(map[string]*numberState),
		templateReports:   make(map[string]int64),
		suspended:         make(map[string]bool),
		th:                opts.Thresholds,
		span:              opts.Window,
		checkInterval:     opts.CheckInterval,
		enhancedInterval:  opts.EnhancedInterval,
		enhancedDuration:  opts.EnhancedDuration,
		emergencyPause:    opts.EmergencyPause,
		templateReportMax: opts.TemplateReportMax,
		historySize:       opts.HistorySize,
		ratings:           opts.Ratings,
		bus:               opts.Bus,
		logger:            opts.Logger,
		now:               opts.Now,
		stopCh:            make(chan struct{}),
	}
}

// Register starts tracking a number at its known rating
func (m *Monitor) Register(numberID string, q model.Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(numberID)
	st.quality = q
}

func (m *Monitor) state(numberID string) *numberState {
	st, ok := m.numbers[numberID]
	if !ok {
		st = &numberState{
			quality:   model.QualityUnknown,
			window:    newWindow(m.span),
			severity:  SeverityLow,
			templates: make(map[string]int64),
		}
		m.numbers[numberID] = st
	}
	return st
}

// Start runs the periodic sweep and the enhanced monitoring loop
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("starting quality monitor",
		"check_interval", m.checkInterval,
		"enhanced_interval", m.enhancedInterval,
	)

	m.wg.Add(2)
	go m.loop(ctx, m.checkInterval, func() { m.Check(ctx) })
	go m.loop(ctx, m.enhancedInterval, func() { m.checkEnhanced(ctx) })
}

// Stop stops the monitor loops
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// TrackMessage records one sent message
func (m *Monitor) TrackMessage(numberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(numberID).window.add(m.now(), Counts{Messages: 1})
}

// TrackFailure records one failed send and alerts when the failure rate
// crosses its threshold
func (m *Monitor) TrackFailure(numberID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.state(numberID)
	st.window.add(now, Counts{Failures: 1})

	mt := st.window.metrics(now)
	if mt.FailureRate <= m.th.FailureRate {
		st.failureAlert = false
		return
	}
	if st.failureAlert {
		return
	}
	st.failureAlert = true

	m.bus.Publish(events.Event{
		Kind: events.HighFailureRate,
		Data: events.Alert{
			NumberID:  numberID,
			Severity:  string(SeverityMedium),
			Message:   "failure rate above threshold: " + reason,
			Rate:      mt.FailureRate,
			Threshold: m.th.FailureRate,
		},
	})
	m.logger.Warn("high failure rate", "number", numberID, "rate", mt.FailureRate, "reason", reason)
}

// TrackBlock records a recipient block. A block rate above twice the
// threshold pauses the number at once.
func (m *Monitor) TrackBlock(numberID, template string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.state(numberID)
	st.window.add(now, Counts{Blocks: 1})
	if template != "" {
		st.templates[template]++
	}

	mt := st.window.metrics(now)
	if mt.BlockRate > 2*m.th.BlockRate && !now.Before(st.pausedUntil) {
		st.pausedUntil = now.Add(m.emergencyPause)
		m.bus.Publish(events.Event{
			Kind: events.EmergencyPause,
			Data: events.NumberSignal{NumberID: numberID, Reason: "block_rate", Value: mt.BlockRate},
		})
		m.logger.Error("emergency pause", "number", numberID, "block_rate", mt.BlockRate, "until", st.pausedUntil)
	}
}

// TrackReport records a spam report. Templates collecting too many reports,
// or a report rate above twice the threshold, are suspended.
func (m *Monitor) TrackReport(numberID, template string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.state(numberID)
	st.window.add(now, Counts{Reports: 1})

	if template == "" {
		return
	}
	st.templates[template]++
	m.templateReports[template]++

	mt := st.window.metrics(now)
	switch {
	case m.templateReports[template] > int64(m.templateReportMax):
		m.suspendLocked(template, "report_count", m.templateReports[template])
	case mt.ReportRate > 2*m.th.ReportRate:
		m.suspendLocked(template, "report_rate", m.templateReports[template])
	}
}

func (m *Monitor) suspendLocked(template, reason string, count int64) {
	if m.suspended[template] {
		return
	}
	m.suspended[template] = true
	m.bus.Publish(events.Event{
		Kind: events.TemplateSuspend,
		Data: events.TemplateSignal{Name: template, Reason: reason, Count: int(count)},
	})
	m.logger.Warn("template suspended", "template", template, "reason", reason, "reports", count)
}

// UpdateQualityRating applies a provider rating. A decrease starts recovery;
// a drop to FLAGGED also produces a CRITICAL plan immediately.
func (m *Monitor) UpdateQualityRating(ctx context.Context, numberID string, q model.Quality) {
	m.mu.Lock()
	now := m.now()
	st := m.state(numberID)
	prev := st.quality
	st.quality = q
	sev := Assess(q, st.window.metrics(now), m.th)
	m.appendHistory(st, HistoryEntry{Time: now, Quality: q, Severity: sev})

	degraded := q.Degraded(prev)
	var plan *Plan
	if degraded && q == model.QualityFlagged {
		plan = m.planLocked(numberID, st, SeverityCritical, now)
	}
	m.mu.Unlock()

	if m.ratings != nil {
		if err := m.ratings.ApplyRating(ctx, numberID, q); err != nil {
			m.logger.Error("failed to apply rating", "number", numberID, "error", err)
		}
	}

	if !degraded {
		if prev != q {
			m.logger.Info("quality changed", "number", numberID, "previous", prev, "current", q)
		}
		return
	}

	m.initiateRecovery(numberID, prev, q)
	if plan != nil {
		m.publishPlan(plan)
	}
}

func (m *Monitor) initiateRecovery(numberID string, prev, cur model.Quality) {
	change := events.QualityChange{
		NumberID: numberID,
		Previous: string(prev),
		Current:  string(cur),
		Steps:    RecoveryStrategy(cur),
	}
	m.bus.Publish(events.Event{Kind: events.QualityDegraded, Data: change})
	m.bus.Publish(events.Event{Kind: events.RecoveryInitiated, Data: change})
	m.logger.Warn("quality degraded, recovery initiated",
		"number", numberID,
		"previous", prev,
		"current", cur,
		"steps", change.Steps,
	)
}

// Check sweeps every number: recomputes rates and severity and publishes a
// plan whenever severity changes to MEDIUM or above
func (m *Monitor) Check(ctx context.Context) []*Plan {
	m.mu.Lock()
	now := m.now()

	ids := make([]string, 0, len(m.numbers))
	for id := range m.numbers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var plans []*Plan
	var alerts []events.Alert
	for _, id := range ids {
		st := m.numbers[id]
		mt := st.window.metrics(now)
		sev := Assess(st.quality, mt, m.th)
		m.appendHistory(st, HistoryEntry{Time: now, Quality: st.quality, Severity: sev})

		if sev.Rank() >= SeverityMedium.Rank() {
			alerts = append(alerts, events.Alert{
				NumberID:  id,
				Severity:  string(sev),
				Message:   "quality at risk",
				Rate:      mt.BlockRate,
				Threshold: m.th.BlockRate,
			})
		}

		if sev == st.severity {
			continue
		}
		if p := m.planLocked(id, st, sev, now); p != nil {
			plans = append(plans, p)
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.bus.Publish(events.Event{Kind: events.QualityAlert, Data: a})
	}
	for _, p := range plans {
		m.publishPlan(p)
	}
	return plans
}

func (m *Monitor) planLocked(id string, st *numberState, sev Severity, now time.Time) *Plan {
	st.severity = sev
	mt := st.window.metrics(now)
	p := BuildPlan(id, sev, mt, now)
	st.plan = p
	if p == nil {
		return nil
	}

	for name := range st.templates {
		p.Templates = append(p.Templates, name)
	}
	sort.Strings(p.Templates)

	if p.Has(ActionMonitorClosely) {
		st.enhancedUntil = now.Add(m.enhancedDuration)
	}
	return p
}

func (m *Monitor) publishPlan(p *Plan) {
	m.bus.Publish(events.Event{Kind: events.RecoveryPlanned, Data: *p})
	m.logger.Warn("recovery plan created",
		"number", p.NumberID,
		"severity", p.Severity,
		"immediate", len(p.Immediate),
		"block_rate", p.Metrics.BlockRate,
		"report_rate", p.Metrics.ReportRate,
	)
}

// checkEnhanced runs the frequent checks for numbers under close monitoring.
// Monitoring ends early once block and report rates fall under half their
// thresholds.
func (m *Monitor) checkEnhanced(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, st := range m.numbers {
		if st.enhancedUntil.IsZero() {
			continue
		}
		if now.After(st.enhancedUntil) {
			st.enhancedUntil = time.Time{}
			m.logger.Info("enhanced monitoring expired", "number", id)
			continue
		}

		mt := st.window.metrics(now)
		if mt.BlockRate < m.th.BlockRate/2 && mt.ReportRate < m.th.ReportRate/2 {
			st.enhancedUntil = time.Time{}
			m.logger.Info("enhanced monitoring ended, rates recovered", "number", id)
			continue
		}

		if mt.BlockRate > m.th.BlockRate || mt.ReportRate > m.th.ReportRate {
			m.bus.Publish(events.Event{
				Kind: events.QualityAlert,
				Data: events.Alert{
					NumberID:  id,
					Severity:  string(SeverityMedium),
					Message:   "enhanced monitoring: rates above threshold",
					Rate:      mt.BlockRate,
					Threshold: m.th.BlockRate,
				},
			})
		}
	}
}

// Enhanced reports whether a number is under close monitoring
func (m *Monitor) Enhanced(numberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.numbers[numberID]
	return ok && !st.enhancedUntil.IsZero() && !m.now().After(st.enhancedUntil)
}

func (m *Monitor) appendHistory(st *numberState, e HistoryEntry) {
	st.history = append(st.history, e)
	if len(st.history) > m.historySize {
		st.history = st.history[len(st.history)-m.historySize:]
	}
}
