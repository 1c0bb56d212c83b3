package quality

import (
	"context"
	"strings"
	"testing"

	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/model"
)

func TestTrend(t *testing.T) {
	h := func(qs ...model.Quality) []HistoryEntry {
		var out []HistoryEntry
		for _, q := range qs {
			out = append(out, HistoryEntry{Quality: q})
		}
		return out
	}

	tests := []struct {
		name string
		h    []HistoryEntry
		want Trend
	}{
		{"empty", nil, TrendStable},
		{"single", h(model.QualityHigh), TrendStable},
		{"improving", h(model.QualityLow, model.QualityMedium, model.QualityHigh), TrendImproving},
		{"degrading", h(model.QualityHigh, model.QualityLow), TrendDegrading},
		{"flat ends", h(model.QualityHigh, model.QualityLow, model.QualityHigh), TrendStable},
		{"only last seven count", h(
			model.QualityLow,
			model.QualityHigh, model.QualityHigh, model.QualityHigh, model.QualityHigh,
			model.QualityHigh, model.QualityHigh, model.QualityHigh,
		), TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trend(tt.h); got != tt.want {
				t.Errorf("trend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReport(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	ctx := context.Background()
	m.Register("n1", model.QualityHigh)
	m.UpdateQualityRating(ctx, "n1", model.QualityMedium)
	m.UpdateQualityRating(ctx, "n1", model.QualityLow)
	track(m, "n1", 50, 0, 0, 0)

	r, ok := m.Report("n1")
	if !ok {
		t.Fatal("Report() not found")
	}
	if r.Quality != model.QualityLow || r.Trend != TrendDegrading {
		t.Errorf("report = %+v", r)
	}
	if r.Severity != SeverityMedium {
		t.Errorf("severity = %s, want MEDIUM for LOW quality", r.Severity)
	}
	if r.Metrics.Messages != 50 {
		t.Errorf("messages = %d", r.Metrics.Messages)
	}

	if _, ok := m.Report("missing"); ok {
		t.Error("Report(missing) found")
	}
}

func TestDashboard(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Monitor)
		want  Health
		risk  int
	}{
		{"good", func(m *Monitor) {
			m.Register("a", model.QualityHigh)
			m.Register("b", model.QualityMedium)
		}, HealthGood, 0},
		{"warning", func(m *Monitor) {
			m.Register("a", model.QualityHigh)
			m.Register("b", model.QualityLow)
		}, HealthWarning, 1},
		{"critical", func(m *Monitor) {
			m.Register("a", model.QualityFlagged)
			m.Register("b", model.QualityLow)
		}, HealthCritical, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, _ := newTestMonitor(t)
			tt.setup(m)
			d := m.Dashboard()
			if d.Overall != tt.want || d.AtRisk != tt.risk {
				t.Errorf("Dashboard() = %s at risk %d, want %s %d", d.Overall, d.AtRisk, tt.want, tt.risk)
			}
			if len(d.Numbers) != 2 || d.Numbers[0].NumberID != "a" {
				t.Errorf("numbers = %+v", d.Numbers)
			}
		})
	}
}

func TestDailyAnalysis(t *testing.T) {
	m, ch, _, _ := newTestMonitor(t)
	m.Register("clean", model.QualityHigh)
	m.Register("noisy", model.QualityHigh)
	track(m, "clean", 100, 0, 0, 0)
	track(m, "noisy", 100, 3, 0, 0)

	a := m.DailyAnalysis()
	if a.Date != "2026-03-01" || len(a.Numbers) != 2 {
		t.Errorf("analysis = %+v", a)
	}
	if len(a.Recommendations) != 1 || !strings.HasPrefix(a.Recommendations[0], "noisy: block rate") {
		t.Errorf("recommendations = %v", a.Recommendations)
	}
	if len(ofKind(collect(ch), events.DailyAnalysisReady)) != 1 {
		t.Error("no daily analysis event")
	}
}

func TestDailyAnalysisAllClear(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	m.Register("clean", model.QualityHigh)
	a := m.DailyAnalysis()
	if len(a.Recommendations) != 1 || !strings.Contains(a.Recommendations[0], "within thresholds") {
		t.Errorf("recommendations = %v", a.Recommendations)
	}
}
