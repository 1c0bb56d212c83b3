package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/wadispatch/internal/cloudapi"
)

func openTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	storage, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

var base = time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)

func TestAppendAttempt(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	a := &Attempt{
		RunID:       "run-1",
		RecipientID: "r1",
		Phone:       "919876543210",
		BatchID:     "b1",
		Attempt:     1,
		NumberID:    "primary-1",
		TemplateKey: "daily_update_en",
		MessageID:   "wamid.A",
		Outcome:     OutcomeSent,
		FinishedAt:  base,
	}
	if err := storage.AppendAttempt(ctx, a); err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}
	if a.ID == "" {
		t.Error("AppendAttempt() did not set ID")
	}
	if !a.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want FinishedAt", a.StartedAt)
	}

	// append-only
	if err := storage.AppendAttempt(ctx, a); !errors.Is(err, ErrExists) {
		t.Errorf("second AppendAttempt() error = %v, want ErrExists", err)
	}
}

func TestListAttempts(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	records := []*Attempt{
		{RunID: "run-1", RecipientID: "r1", Outcome: OutcomeSent, FinishedAt: base.Add(2 * time.Second)},
		{RunID: "run-1", RecipientID: "r2", Outcome: OutcomeFailed, ErrorKind: cloudapi.KindServerError, Retryable: true, FinishedAt: base.Add(time.Second)},
		{RunID: "run-1", RecipientID: "r2", Attempt: 2, Outcome: OutcomeSent, FinishedAt: base.Add(3 * time.Second)},
		{RunID: "run-10", RecipientID: "r9", Outcome: OutcomeSent, FinishedAt: base},
	}
	for _, a := range records {
		if err := storage.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		run    string
		filter AttemptFilter
		want   []string
	}{
		{"time order", "run-1", AttemptFilter{}, []string{"r2", "r1", "r2"}},
		{"failed only", "run-1", AttemptFilter{Outcome: OutcomeFailed}, []string{"r2"}},
		{"limit offset", "run-1", AttemptFilter{Offset: 1, Limit: 1}, []string{"r1"}},
		{"prefix is exact", "run-10", AttemptFilter{}, []string{"r9"}},
		{"unknown run", "run-2", AttemptFilter{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.ListAttempts(ctx, tt.run, tt.filter)
			if err != nil {
				t.Fatalf("ListAttempts() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListAttempts() = %d records, want %d", len(got), len(tt.want))
			}
			for i, a := range got {
				if a.RecipientID != tt.want[i] {
					t.Errorf("record %d = %s, want %s", i, a.RecipientID, tt.want[i])
				}
			}
		})
	}
}

func TestSaveAndListRuns(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	for i, date := range []string{"2026-03-01", "2026-03-02", "2026-03-03"} {
		run := &Run{
			ID:        "run-" + date,
			Date:      date,
			State:     StateFinalized,
			StartedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if err := storage.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	// corrected report replaces the provisional one
	provisional := &Run{ID: "run-2026-03-03", Date: "2026-03-03", State: StateMonitoring, Provisional: true, StartedAt: base.Add(48 * time.Hour)}
	storage.SaveRun(ctx, provisional)
	provisional.Provisional = false
	provisional.State = StateFinalized
	provisional.Delivered = 150
	if err := storage.SaveRun(ctx, provisional); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	runs, err := storage.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("ListRuns() = %d, want 3", len(runs))
	}
	if runs[0].Date != "2026-03-03" || runs[2].Date != "2026-03-01" {
		t.Errorf("order = %s..%s, want newest first", runs[0].Date, runs[2].Date)
	}
	if runs[0].Provisional || runs[0].Delivered != 150 {
		t.Errorf("latest = %+v", runs[0])
	}

	byDate, _ := storage.ListRuns(ctx, RunFilter{Date: "2026-03-02"})
	if len(byDate) != 1 || byDate[0].ID != "run-2026-03-02" {
		t.Errorf("ListRuns(date) = %+v", byDate)
	}

	got, err := storage.GetRun(ctx, "run-2026-03-01")
	if err != nil || got == nil {
		t.Fatalf("GetRun() = %v, %v", got, err)
	}
	if missing, _ := storage.GetRun(ctx, "nope"); missing != nil {
		t.Error("GetRun(missing) returned a run")
	}

	if err := storage.SaveRun(ctx, &Run{}); err == nil {
		t.Error("SaveRun() without id expected error")
	}
}

func TestPingAndStats(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()

	if err := storage.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	storage.SaveRun(ctx, &Run{ID: "run-1", StartedAt: base})
	storage.AppendAttempt(ctx, &Attempt{RunID: "run-1", Outcome: OutcomeSent})
	storage.AppendAttempt(ctx, &Attempt{RunID: "run-1", Outcome: OutcomeFailed})
	storage.AppendAttempt(ctx, &Attempt{RunID: "run-1", Outcome: OutcomeSent})

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Runs != 1 || stats.Attempts != 3 || stats.Sent != 2 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := storage.Ping(cancelled); err == nil {
		t.Error("Ping() with cancelled context expected error")
	}
}

func TestPingFailsWhenClosed(t *testing.T) {
	storage, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	storage.Close()
	if err := storage.Ping(context.Background()); err == nil {
		t.Error("Ping() on closed store expected error")
	}
}

func TestCleanupAttempts(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()
	storage.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }

	old := &Attempt{RunID: "run-old", RecipientID: "r1", Outcome: OutcomeSent, FinishedAt: base}
	recent := &Attempt{RunID: "run-new", RecipientID: "r2", Outcome: OutcomeSent, FinishedAt: base.Add(30 * 24 * time.Hour)}
	storage.AppendAttempt(ctx, old)
	storage.AppendAttempt(ctx, recent)
	storage.SaveRun(ctx, &Run{ID: "run-old", StartedAt: base})

	deleted, err := storage.CleanupAttempts(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupAttempts() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if got, _ := storage.ListAttempts(ctx, "run-old", AttemptFilter{}); len(got) != 0 {
		t.Errorf("old attempts remain: %d", len(got))
	}
	if got, _ := storage.ListAttempts(ctx, "run-new", AttemptFilter{}); len(got) != 1 {
		t.Errorf("recent attempts = %d, want 1", len(got))
	}
	if run, _ := storage.GetRun(ctx, "run-old"); run == nil {
		t.Error("run report removed with its attempts")
	}

	if n, _ := storage.CleanupAttempts(ctx, 0); n != 0 {
		t.Errorf("zero retention deleted %d", n)
	}
}

func TestCleanerRunsOnStart(t *testing.T) {
	storage := openTestStorage(t)
	ctx := context.Background()
	storage.now = func() time.Time { return base.Add(40 * 24 * time.Hour) }
	storage.AppendAttempt(ctx, &Attempt{RunID: "run-old", Outcome: OutcomeSent, FinishedAt: base})

	c := NewCleaner(storage, CleanerConfig{AttemptMaxAge: 30 * 24 * time.Hour, Interval: time.Hour},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Start(ctx)
	c.Stop()

	if got, _ := storage.ListAttempts(ctx, "run-old", AttemptFilter{}); len(got) != 0 {
		t.Errorf("cleaner left %d attempts", len(got))
	}
}
