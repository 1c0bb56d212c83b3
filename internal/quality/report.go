package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/model"
)

// Trend is the direction of a number's rating over recent history
type Trend string

const (
	TrendImproving Trend = "IMPROVING"
	TrendDegrading Trend = "DEGRADING"
	TrendStable    Trend = "STABLE"
)

// Health is the overall state shown on the dashboard
type Health string

const (
	HealthGood     Health = "GOOD"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
)

const trendEntries = 7

// Report is the quality view of one number
type Report struct {
	NumberID      string         `json:"number_id"`
	Quality       model.Quality  `json:"quality"`
	Severity      Severity       `json:"severity"`
	Metrics       Metrics        `json:"metrics"`
	Trend         Trend          `json:"trend"`
	Plan          *Plan          `json:"plan,omitempty"`
	Enhanced      bool           `json:"enhanced_monitoring"`
	EnhancedUntil *time.Time     `json:"enhanced_until,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
}

// Dashboard summarizes every tracked number
type Dashboard struct {
	Overall     Health    `json:"overall"`
	GeneratedAt time.Time `json:"generated_at"`
	Numbers     []Report  `json:"numbers"`
	AtRisk      int       `json:"at_risk"`
}

// Analysis is the daily quality review
type Analysis struct {
	Date            string    `json:"date"`
	Numbers         []Report  `json:"numbers"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Report returns the quality view of one number, false when untracked
func (m *Monitor) Report(numberID string) (*Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.numbers[numberID]
	if !ok {
		return nil, false
	}
	return m.reportLocked(numberID, st, m.now()), true
}

func (m *Monitor) reportLocked(id string, st *numberState, now time.Time) *Report {
	mt := st.window.metrics(now)
	r := &Report{
		NumberID: id,
		Quality:  st.quality,
		Severity: Assess(st.quality, mt, m.th),
		Metrics:  mt,
		Trend:    trend(st.history),
		History:  append([]HistoryEntry(nil), lastN(st.history, trendEntries)...),
	}
	if st.plan != nil {
		p := *st.plan
		r.Plan = &p
	}
	if !st.enhancedUntil.IsZero() && !now.After(st.enhancedUntil) {
		until := st.enhancedUntil
		r.Enhanced = true
		r.EnhancedUntil = &until
	}
	return r
}

func lastN(h []HistoryEntry, n int) []HistoryEntry {
	if len(h) > n {
		return h[len(h)-n:]
	}
	return h
}

// trend compares the oldest and newest of the last seven ratings
func trend(h []HistoryEntry) Trend {
	recent := lastN(h, trendEntries)
	if len(recent) < 2 {
		return TrendStable
	}
	first := recent[0].Quality.Ordinal()
	last := recent[len(recent)-1].Quality.Ordinal()
	switch {
	case last > first:
		return TrendImproving
	case last < first:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// Dashboard reports every number and the overall health
func (m *Monitor) Dashboard() *Dashboard {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	d := &Dashboard{Overall: HealthGood, GeneratedAt: now}

	for _, id := range m.sortedIDs() {
		r := m.reportLocked(id, m.numbers[id], now)
		r.History = nil
		d.Numbers = append(d.Numbers, *r)

		switch r.Severity {
		case SeverityCritical, SeverityHigh:
			d.Overall = HealthCritical
			d.AtRisk++
		case SeverityMedium:
			if d.Overall == HealthGood {
				d.Overall = HealthWarning
			}
			d.AtRisk++
		case SeverityLow:
		}
	}
	return d
}

// DailyAnalysis reviews the window for every number, publishes the result
// and returns it
func (m *Monitor) DailyAnalysis() *Analysis {
	m.mu.Lock()
	now := m.now()
	a := &Analysis{Date: now.Format("2006-01-02"), GeneratedAt: now}

	for _, id := range m.sortedIDs() {
		r := m.reportLocked(id, m.numbers[id], now)
		r.History = nil
		a.Numbers = append(a.Numbers, *r)
		a.Recommendations = append(a.Recommendations, m.recommend(r)...)
	}
	m.mu.Unlock()

	if len(a.Recommendations) == 0 {
		a.Recommendations = []string{"all numbers within thresholds; keep the current schedule"}
	}

	m.bus.Publish(events.Event{Kind: events.DailyAnalysisReady, Data: *a})
	m.logger.Info("daily quality analysis",
		"date", a.Date,
		"numbers", len(a.Numbers),
		"recommendations", len(a.Recommendations),
	)
	return a
}

func (m *Monitor) recommend(r *Report) []string {
	var out []string
	if r.Metrics.BlockRate > m.th.BlockRate {
		out = append(out, fmt.Sprintf("%s: block rate %.2f%% above %.2f%%, review template content and audience targeting",
			r.NumberID, r.Metrics.BlockRate*100, m.th.BlockRate*100))
	}
	if r.Metrics.ReportRate > m.th.ReportRate {
		out = append(out, fmt.Sprintf("%s: report rate %.2f%% above %.2f%%, rotate the affected templates",
			r.NumberID, r.Metrics.ReportRate*100, m.th.ReportRate*100))
	}
	if r.Metrics.FailureRate > m.th.FailureRate {
		out = append(out, fmt.Sprintf("%s: failure rate %.2f%% above %.2f%%, check recipient numbers and API errors",
			r.NumberID, r.Metrics.FailureRate*100, m.th.FailureRate*100))
	}
	if r.Quality.Below(m.th.MinQuality) {
		out = append(out, fmt.Sprintf("%s: quality %s below %s, shift volume to healthier numbers",
			r.NumberID, r.Quality, m.th.MinQuality))
	}
	if r.Trend == TrendDegrading {
		out = append(out, fmt.Sprintf("%s: rating trend is degrading, reduce send volume", r.NumberID))
	}
	return out
}

func (m *Monitor) sortedIDs() []string {
	ids := make([]string, 0, len(m.numbers))
	for id := range m.numbers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
