// Package scheduler runs the daily distribution: pre-flight checks, batch
// assembly, paced dispatch over the number pool, retries and the SLA report.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/config"
	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/metrics"
	"github.com/foxzi/wadispatch/internal/model"
	"github.com/foxzi/wadispatch/internal/source"
)

var (
	// ErrRunInProgress is returned when a trigger arrives during a run
	ErrRunInProgress = errors.New("a distribution run is already in progress")
	// ErrNoRun is returned by Cancel when nothing is running
	ErrNoRun = errors.New("no distribution run in progress")
)

// Abort reasons besides the ledger failure reasons
const (
	AbortNoContent    = "no_content"
	AbortContentError = "content_unavailable"
	AbortNoRecipients = "no_recipients"
	AbortDirectory    = "directory_unavailable"
	AbortStorage      = "storage_unavailable"
)

// Trigger names
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// Options configures a Scheduler
type Options struct {
	Config   config.SchedulerConfig
	Location *time.Location

	Sender    Sender
	Numbers   Numbers
	Templates Templates
	Quality   QualityTracker
	Ledger    ledger.Ledger
	Analytics analytics.Recorder
	Counters  Counters
	Content   source.ContentSource
	Directory source.Directory
	Bus       events.Publisher
	Logger    *slog.Logger

	// RefreshQuality pulls provider quality ratings before a run, optional
	RefreshQuality func(ctx context.Context) error

	Now  func() time.Time
	Rand func() float64
}

// Scheduler owns distribution runs. At most one run is active at a time.
type Scheduler struct {
	cfg       config.SchedulerConfig
	loc       *time.Location
	numbers   Numbers
	templates Templates
	ledger    ledger.Ledger
	analytics analytics.Recorder
	counters  Counters
	content   source.ContentSource
	directory source.Directory
	bus       events.Publisher
	logger    *slog.Logger
	refresh   func(ctx context.Context) error
	now       func() time.Time
	rand      func() float64
	processor *Processor

	mu      sync.Mutex
	current *runState
	last    *runState
	wg      sync.WaitGroup
}

// New creates a scheduler
func New(opts Options) *Scheduler {
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SLATarget <= 0 {
		cfg.SLATarget = 0.99
	}
	if cfg.SLAAlertThreshold <= 0 {
		cfg.SLAAlertThreshold = 0.97
	}
	if cfg.SLACheckInterval <= 0 {
		cfg.SLACheckInterval = 10 * time.Second
	}

	s := &Scheduler{
		cfg:       cfg,
		loc:       opts.Location,
		numbers:   opts.Numbers,
		templates: opts.Templates,
		ledger:    opts.Ledger,
		analytics: opts.Analytics,
		counters:  opts.Counters,
		content:   opts.Content,
		directory: opts.Directory,
		bus:       opts.Bus,
		logger:    opts.Logger,
		refresh:   opts.RefreshQuality,
		now:       opts.Now,
		rand:      opts.Rand,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.analytics == nil {
		s.analytics = analytics.Nop{}
	}
	if s.counters == nil {
		s.counters = nopCounters{}
	}
	if s.bus == nil {
		s.bus = events.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Float64
	}
	s.logger = s.logger.With("component", "scheduler")

	quality := opts.Quality
	if quality == nil {
		quality = nopQuality{}
	}
	s.processor = &Processor{
		sender:            opts.Sender,
		numbers:           s.numbers,
		templates:         s.templates,
		quality:           quality,
		ledger:            s.ledger,
		analytics:         s.analytics,
		counters:          s.counters,
		bus:               s.bus,
		logger:            s.logger,
		interMessageDelay: cfg.InterMessageDelay,
		now:               s.now,
	}
	return s
}

// Trigger starts a run in the background and returns its id.
// The run outlives ctx; use Cancel to stop it.
func (s *Scheduler) Trigger(ctx context.Context, trigger string) (string, error) {
	r, runCtx, err := s.begin(context.WithoutCancel(ctx), trigger)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, r)
	}()
	return r.id(), nil
}

// RunNow executes a run synchronously and returns its final report
func (s *Scheduler) RunNow(ctx context.Context, trigger string) (*ledger.Run, error) {
	r, runCtx, err := s.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	s.execute(runCtx, r)
	return r.snapshot(), nil
}

// Cancel stops dispatching new batches of the active run.
// Messages already handed to the provider are not recalled.
func (s *Scheduler) Cancel() error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return ErrNoRun
	}
	r.cancelled.Store(true)
	r.cancel()
	s.logger.Info("run cancellation requested", "run_id", r.id())
	return nil
}

// Wait blocks until background runs have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels the active run and waits for it
func (s *Scheduler) Stop() {
	s.Cancel()
	s.wg.Wait()
}

// Current returns a snapshot of the active run, nil when idle
func (s *Scheduler) Current() *ledger.Run {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Last returns the report of the most recent run since startup
func (s *Scheduler) Last() *ledger.Run {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Confirm counts a provider delivery receipt against the run that sent it
// and returns the recipient id. Receipts for an already finished run update
// its stored report. counted is false for unknown or repeated receipts.
func (s *Scheduler) Confirm(ctx context.Context, messageID string) (recipientID string, counted bool) {
	s.mu.Lock()
	cur, last := s.current, s.last
	s.mu.Unlock()

	if cur != nil {
		if rid, ok := cur.recipient(messageID); ok {
			_, counted = cur.confirm(messageID)
			return rid, counted
		}
	}
	if last == nil {
		return "", false
	}
	rid, counted := last.confirm(messageID)
	if !counted {
		return rid, false
	}
	if err := s.ledger.SaveRun(ctx, last.snapshot()); err != nil {
		s.logger.Warn("failed to update run confirmations", "run_id", last.id(), "error", err)
	}
	return rid, true
}

// RecipientFor maps a provider message id sent by the active or last run
// to the recipient id
func (s *Scheduler) RecipientFor(messageID string) string {
	s.mu.Lock()
	cur, last := s.current, s.last
	s.mu.Unlock()

	for _, r := range []*runState{cur, last} {
		if r == nil {
			continue
		}
		if rid, ok := r.recipient(messageID); ok {
			return rid
		}
	}
	return ""
}

// Today returns the local delivery date
func (s *Scheduler) Today() string {
	return s.now().In(s.loc).Format(time.DateOnly)
}

func (s *Scheduler) begin(ctx context.Context, trigger string) (*runState, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, nil, ErrRunInProgress
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	now := s.now()
	r := newRunState(ledger.Run{
		ID:        uuid.New().String(),
		Date:      now.In(s.loc).Format(time.DateOnly),
		State:     ledger.StateAssembling,
		Trigger:   trigger,
		StartedAt: now,
		SLATarget: s.cfg.SLATarget,
	})
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	s.current = r
	return r, runCtx, nil
}

func (s *Scheduler) end(r *runState) {
	r.cancel()
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.last = r
	s.mu.Unlock()
	close(r.done)
}

func (s *Scheduler) execute(ctx context.Context, r *runState) {
	defer s.end(r)

	logger := s.logger.With("run_id", r.id())
	logger.Info("distribution run starting", "trigger", r.rec.Trigger)

	content, recipients, reason := s.preflight(ctx, r, logger)
	if reason != "" {
		s.abort(ctx, r, reason, logger)
		return
	}

	start := s.now()
	batches := Assemble(r.id(), recipients, *content, s.cfg.BatchSize, s.cfg.InterBatchDelay, s.cfg.JitterMax, s.rand)
	total := 0
	for _, b := range batches {
		total += len(b.Recipients)
	}
	windowEnd := start.Add(s.cfg.Window)
	r.update(func(rec *ledger.Run) {
		rec.State = ledger.StateRunning
		rec.TotalRecipients = total
		rec.Batches = len(batches)
		rec.WindowStart = start
		rec.WindowEnd = windowEnd
	})
	s.save(ctx, r, logger)
	s.bus.Publish(events.Event{Kind: events.RunStarted, Time: start, Data: events.RunSignal{
		RunID:      r.id(),
		Recipients: total,
		Trigger:    r.rec.Trigger,
	}})
	logger.Info("dispatching", "recipients", total, "batches", len(batches), "window_end", windowEnd)

	window, closeWindow := context.WithDeadline(ctx, windowEnd)
	defer closeWindow()

	slaDone := make(chan struct{})
	go s.monitorSLA(window, r, windowEnd, slaDone)

	var work sync.WaitGroup
	s.dispatch(ctx, window, r, batches, start, &work)

	drained := make(chan struct{})
	go func() {
		work.Wait()
		close(drained)
	}()

	r.update(func(rec *ledger.Run) { rec.State = ledger.StateMonitoring })
	select {
	case <-drained:
	case <-window.Done():
		if ctx.Err() == nil {
			// window closed with retries or batches still in flight
			s.provisional(ctx, r, logger)
		}
		<-drained
	}
	close(slaDone)

	s.finalize(ctx, r, logger)
}

// preflight loads content and recipients, returning an abort reason when
// the run cannot proceed
func (s *Scheduler) preflight(ctx context.Context, r *runState, logger *slog.Logger) (*model.Content, []model.Recipient, string) {
	if s.refresh != nil {
		if err := s.refresh(ctx); err != nil {
			logger.Warn("quality refresh failed, using cached ratings", "error", err)
		}
	}

	content, err := s.content.GetApprovedContentForToday(ctx)
	if err != nil {
		logger.Error("failed to load content", "error", err)
		return nil, nil, AbortContentError
	}
	if content == nil {
		return nil, nil, AbortNoContent
	}
	r.update(func(rec *ledger.Run) {
		rec.ContentID = content.ID
		rec.Purpose = content.Purpose
	})

	if !s.templates.HasApproved(content.Purpose) {
		return nil, nil, ledger.ReasonNoTemplate
	}

	if reset, err := s.numbers.ResetDaily(ctx, r.rec.Date); err != nil {
		logger.Warn("failed to reset daily usage", "error", err)
	} else if reset {
		logger.Info("daily usage reset", "date", r.rec.Date)
	}
	healthy, err := s.numbers.HasHealthy(ctx)
	if err == nil && !healthy {
		// a standby number can still carry the run
		if n, berr := s.numbers.SelectBackup(ctx, backupFirstPick); berr == nil && n != nil {
			logger.Warn("no active number available, backup promoted", "number", n.ID)
			healthy = true
		}
	}
	if err != nil || !healthy {
		if err != nil {
			logger.Error("number pool unavailable", "error", err)
		}
		return nil, nil, ledger.ReasonNoNumber
	}

	if err := s.ledger.Ping(ctx); err != nil {
		logger.Error("ledger unavailable", "error", err)
		return nil, nil, AbortStorage
	}

	recipients, err := s.directory.GetActiveRecipients(ctx)
	if err != nil {
		logger.Error("failed to load recipients", "error", err)
		return nil, nil, AbortDirectory
	}
	if len(recipients) == 0 {
		return nil, nil, AbortNoRecipients
	}
	return content, recipients, ""
}

func (s *Scheduler) abort(ctx context.Context, r *runState, reason string, logger *slog.Logger) {
	if ctx.Err() != nil {
		reason = ledger.ReasonCancelled
	}
	r.finish(ledger.StateAborted, reason, s.now())
	rep := r.snapshot()
	logger.Warn("distribution run aborted", "reason", reason)

	s.bus.Publish(events.Event{Kind: events.RunAborted, Time: s.now(), Data: events.RunSignal{
		RunID:   rep.ID,
		Reason:  reason,
		Trigger: rep.Trigger,
	}})
	s.persist(ctx, rep, logger)
	s.counters.TrackRun(string(ledger.StateAborted))
}

// dispatch releases batches on their schedule, at most MaxConcurrentBatches
// at a time. Batches not started before the window closes are failed.
func (s *Scheduler) dispatch(ctx, window context.Context, r *runState, batches []*Batch, start time.Time, work *sync.WaitGroup) {
	sem := make(chan struct{}, s.cfg.MaxConcurrentBatches)

	for i, b := range batches {
		if err := sleepContext(window, start.Add(b.Delay).Sub(s.now())); err != nil {
			s.closeOut(ctx, r, batches[i:])
			return
		}
		select {
		case sem <- struct{}{}:
		case <-window.Done():
			s.closeOut(ctx, r, batches[i:])
			return
		}

		work.Add(1)
		go func(b *Batch) {
			defer work.Done()
			s.runBatch(ctx, window, r, b, sem, work)
		}(b)
	}
}

// runBatch processes b and routes failures to retry or final failure.
// sem, when set, is released once the batch has been sent.
func (s *Scheduler) runBatch(ctx, window context.Context, r *runState, b *Batch, sem chan struct{}, work *sync.WaitGroup) {
	res := s.processor.Process(ctx, b)
	if sem != nil {
		<-sem
	}

	r.attempted.Add(int64(len(res.Successful) + len(res.Failed)))
	for _, o := range res.Successful {
		r.success(o.Recipient.ID, o.NumberID, o.MessageID)
	}
	for _, o := range res.Failed {
		s.handleFailure(ctx, window, r, b, o, work)
	}
}

func (s *Scheduler) handleFailure(ctx, window context.Context, r *runState, b *Batch, o Outcome, work *sync.WaitGroup) {
	if !o.Retryable || o.Attempt > s.cfg.MaxRetries {
		reason := o.Reason
		if o.Retryable {
			reason = ledger.ReasonRetriesExceeded
		}
		r.failure(ledger.Violation{RecipientID: o.Recipient.ID, Reason: reason, Attempts: o.Attempt})
		return
	}

	delay := s.retryDelay(o.Attempt)
	if o.RetryAfter > delay {
		delay = o.RetryAfter
	}
	r.retried.Add(1)
	s.counters.TrackRetry(o.Reason)
	s.bus.Publish(events.Event{Kind: events.RetryScheduled, Time: s.now(), Data: events.RetrySignal{
		RunID:       b.RunID,
		RecipientID: o.Recipient.ID,
		Attempt:     o.Attempt + 1,
		Delay:       delay,
	}})

	retry := &Batch{
		ID:         uuid.New().String(),
		RunID:      b.RunID,
		Index:      b.Index,
		Recipients: []model.Recipient{o.Recipient},
		Content:    b.Content,
		Priority:   b.Priority,
		Attempt:    o.Attempt + 1,
	}
	if o.NumberID != "" {
		retry.Exclude = []string{o.NumberID}
	}

	work.Add(1)
	go func() {
		defer work.Done()
		if err := sleepContext(window, delay); err != nil {
			s.closeOut(ctx, r, []*Batch{retry})
			return
		}
		s.runBatch(ctx, window, r, retry, nil, work)
	}()
}

// retryDelay doubles RetryDelay per attempt already made
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	return time.Duration(float64(s.cfg.RetryDelay) * math.Pow(2, float64(attempt-1)))
}

// closeOut fails every recipient of batches that will not be sent
func (s *Scheduler) closeOut(ctx context.Context, r *runState, batches []*Batch) {
	reason := ledger.ReasonWindowClosed
	if ctx.Err() != nil {
		reason = ledger.ReasonCancelled
	}
	store := context.WithoutCancel(ctx)
	now := s.now()

	for _, b := range batches {
		for _, rc := range b.Recipients {
			a := &ledger.Attempt{
				ID:          uuid.New().String(),
				RunID:       b.RunID,
				RecipientID: rc.ID,
				Phone:       rc.Phone,
				BatchID:     b.ID,
				Attempt:     b.Attempt,
				Outcome:     ledger.OutcomeFailed,
				Reason:      reason,
				StartedAt:   now,
				FinishedAt:  now,
			}
			if err := s.ledger.AppendAttempt(store, a); err != nil {
				s.logger.Error("failed to record attempt", "run_id", b.RunID, "recipient", rc.ID, "error", err)
			}
			r.failure(ledger.Violation{RecipientID: rc.ID, Reason: reason, Attempts: b.Attempt})
		}
	}
}

// monitorSLA publishes sla.at_risk while the window is open and the
// delivery rate is below target
func (s *Scheduler) monitorSLA(window context.Context, r *runState, windowEnd time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SLACheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-window.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			cur := r.rate()
			if cur >= s.cfg.SLATarget {
				continue
			}
			level := "warning"
			if cur < s.cfg.SLAAlertThreshold {
				level = "critical"
			}
			s.bus.Publish(events.Event{Kind: events.SLAAtRisk, Time: s.now(), Data: events.SLASignal{
				RunID:         r.id(),
				Current:       cur,
				Target:        s.cfg.SLATarget,
				Level:         level,
				TimeRemaining: windowEnd.Sub(s.now()),
			}})
		}
	}
}

// provisional stores the report as it stands when the window closes
func (s *Scheduler) provisional(ctx context.Context, r *runState, logger *slog.Logger) {
	rep := r.snapshot()
	rep.Provisional = true
	logger.Warn("delivery window closed with work pending",
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"total", rep.TotalRecipients)
	s.persist(ctx, rep, logger)
	s.bus.Publish(events.Event{Kind: events.RunFinalized, Time: s.now(), Data: rep})
}

func (s *Scheduler) finalize(ctx context.Context, r *runState, logger *slog.Logger) {
	state, reason := ledger.StateFinalized, ""
	if r.cancelled.Load() || ctx.Err() != nil {
		state, reason = ledger.StateAborted, ledger.ReasonCancelled
	}
	r.finish(state, reason, s.now())
	rep := r.snapshot()

	s.persist(ctx, rep, logger)
	s.counters.TrackRun(string(state))
	metrics.SetRun(rep.TotalRecipients, rep.SLAAchieved)
	s.bus.Publish(events.Event{Kind: events.RunFinalized, Time: s.now(), Data: rep})

	logger.Info("distribution run finished",
		"state", rep.State,
		"total", rep.TotalRecipients,
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"retried", rep.Retried,
		"sla_achieved", rep.SLAAchieved,
		"sla_met", rep.SLAMet)
}

func (s *Scheduler) save(ctx context.Context, r *runState, logger *slog.Logger) {
	if err := s.ledger.SaveRun(context.WithoutCancel(ctx), r.snapshot()); err != nil {
		logger.Error("failed to save run", "error", err)
	}
}

// persist writes the report to the ledger and analytics
func (s *Scheduler) persist(ctx context.Context, rep *ledger.Run, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.SaveRun(ctx, rep); err != nil {
		logger.Error("failed to save run", "error", err)
	}
	if err := s.analytics.RecordRun(ctx, rep); err != nil {
		logger.Debug("analytics unavailable", "error", err)
	}
}
