package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 06:01 IST
	now := time.Date(2026, 3, 1, 0, 31, 0, 0, time.UTC)

	tests := []struct {
		name    string
		hhmm    string
		want    time.Time
		wantErr bool
	}{
		{"later today", "07:30", time.Date(2026, 3, 1, 7, 30, 0, 0, ist), false},
		{"already passed", "06:00", time.Date(2026, 3, 2, 6, 0, 0, 0, ist), false},
		{"single digit hour", "6:05", time.Date(2026, 3, 1, 6, 5, 0, 0, ist), false},
		{"invalid", "25:00", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.hhmm, ist, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NextRun() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDailyTrigger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Options{Logger: logger})

	if _, err := NewDailyTrigger(s, "6am", time.UTC, logger); err == nil {
		t.Error("NewDailyTrigger(6am) should fail")
	}

	trig, err := NewDailyTrigger(s, "06:00", time.UTC, logger)
	if err != nil {
		t.Fatalf("NewDailyTrigger() error = %v", err)
	}
	trig.Start()
	defer trig.Stop()

	next := trig.Next()
	if !next.After(time.Now()) || next.Sub(time.Now()) > 24*time.Hour {
		t.Errorf("Next() = %v", next)
	}
	if next.Hour() != 6 || next.Minute() != 0 {
		t.Errorf("Next() = %v, want 06:00", next)
	}
}
