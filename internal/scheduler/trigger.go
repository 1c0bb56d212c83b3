package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/wadispatch/internal/config"
)

// DailyTrigger fires a run at the configured local delivery time
type DailyTrigger struct {
	cron     *cron.Cron
	schedule cron.Schedule
	loc      *time.Location
	sched    *Scheduler
	logger   *slog.Logger
}

// ParseDaily parses an HH:MM delivery time into a cron schedule
func ParseDaily(hhmm string) (cron.Schedule, error) {
	spec, err := config.CronSpec(hhmm)
	if err != nil {
		return nil, err
	}
	return cron.ParseStandard(spec)
}

// NextRun returns the next delivery time after now in loc
func NextRun(hhmm string, loc *time.Location, now time.Time) (time.Time, error) {
	schedule, err := ParseDaily(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return schedule.Next(now.In(loc)), nil
}

// NewDailyTrigger creates a trigger that starts s every day at hhmm in loc
func NewDailyTrigger(s *Scheduler, hhmm string, loc *time.Location, logger *slog.Logger) (*DailyTrigger, error) {
	schedule, err := ParseDaily(hhmm)
	if err != nil {
		return nil, fmt.Errorf("delivery time: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	t := &DailyTrigger{
		cron:     cron.New(cron.WithLocation(loc)),
		schedule: schedule,
		loc:      loc,
		sched:    s,
		logger:   logger.With("component", "trigger"),
	}
	t.cron.Schedule(schedule, cron.FuncJob(t.fire))
	return t, nil
}

func (t *DailyTrigger) fire() {
	id, err := t.sched.Trigger(context.Background(), TriggerCron)
	if errors.Is(err, ErrRunInProgress) {
		t.logger.Warn("skipping scheduled run, previous run still active")
		return
	}
	if err != nil {
		t.logger.Error("failed to start scheduled run", "error", err)
		return
	}
	t.logger.Info("scheduled run started", "run_id", id)
}

// Start starts the cron loop
func (t *DailyTrigger) Start() {
	t.cron.Start()
	t.logger.Info("daily trigger armed", "next_run", t.Next())
}

// Stop stops the cron loop. A run already started keeps going.
func (t *DailyTrigger) Stop() {
	<-t.cron.Stop().Done()
}

// Next returns the next fire time
func (t *DailyTrigger) Next() time.Time {
	return t.schedule.Next(time.Now().In(t.loc))
}
