// Package engine assembles the distribution components and reacts to the
// domain events they publish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/config"
	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/metrics"
	"github.com/foxzi/wadispatch/internal/model"
	"github.com/foxzi/wadispatch/internal/pool"
	"github.com/foxzi/wadispatch/internal/quality"
	"github.com/foxzi/wadispatch/internal/ratelimit"
	"github.com/foxzi/wadispatch/internal/scheduler"
	"github.com/foxzi/wadispatch/internal/source"
	"github.com/foxzi/wadispatch/internal/template"
)

const dispatchBuffer = 1024

// Options configures an Engine
type Options struct {
	Config     *config.Config
	DB         *bolt.DB // nil keeps pool and template state in memory
	Ledger     ledger.Ledger
	Analytics  analytics.Recorder
	Dedup      cloudapi.Deduper
	Source     source.Source
	Collector  *metrics.Collector // optional
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine owns the long-lived distribution components
type Engine struct {
	Bus       events.Bus
	Pool      *pool.Pool
	Limiter   *ratelimit.Limiter
	Client    *cloudapi.Client
	Templates *template.Manager
	Quality   *quality.Monitor
	Scheduler *scheduler.Scheduler
	Webhooks  *cloudapi.WebhookProcessor

	cfg       *config.Config
	loc       *time.Location
	ledger    ledger.Ledger
	analytics analytics.Recorder
	collector *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	trigger *scheduler.DailyTrigger
	cron    *cron.Cron
	unsub   func()
	wg      sync.WaitGroup
}

// New wires the components from configuration
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("engine: ledger is required")
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dedup == nil {
		opts.Dedup = cloudapi.NewMemoryDeduper(cfg.Webhook.DedupTTL)
	}

	e := &Engine{
		Bus:       events.NewBus(),
		cfg:       cfg,
		loc:       cfg.Location(),
		ledger:    opts.Ledger,
		analytics: opts.Analytics,
		collector: opts.Collector,
		logger:    opts.Logger,
		now:       opts.Now,
	}

	numbers := make([]pool.Number, 0, len(cfg.Numbers))
	for _, nc := range cfg.Numbers {
		status := pool.StatusActive
		if nc.IsBackup() {
			status = pool.StatusStandby
		}
		numbers = append(numbers, pool.Number{
			ID:                nc.ID,
			PhoneNumberID:     nc.PhoneNumberID,
			DisplayNumber:     nc.DisplayNumber,
			Role:              nc.Role,
			Quality:           nc.Quality,
			Status:            status,
			DailyLimit:        nc.DailyLimit,
			MessagesPerSecond: nc.MessagesPerSecond,
			Priority:          nc.Priority,
			CapacityFactor:    1,
		})
	}

	var err error
	e.Pool, err = pool.New(numbers, pool.Options{
		DB:            opts.DB,
		Bus:           e.Bus,
		Logger:        e.logger.With("component", "pool"),
		FlushInterval: cfg.Storage.FlushInterval,
		Now:           e.now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create number pool: %w", err)
	}

	// persisted quality wins over the configured starting tier
	snapshot, err := e.Pool.Snapshot(ctx)
	if err != nil {
		e.Pool.Close()
		return nil, fmt.Errorf("failed to read number pool: %w", err)
	}

	e.Limiter = ratelimit.NewLimiter(func(q model.Quality) int {
		return cfg.RateLimits.ForQuality(q).MessagesPerSecond
	})
	for _, n := range snapshot {
		e.Limiter.Register(n.ID, n.Quality, n.MessagesPerSecond)
	}

	e.Client = cloudapi.NewClient(cloudapi.Options{
		BaseURL:           cfg.CloudAPI.BaseURL,
		APIVersion:        cfg.CloudAPI.APIVersion,
		AccessToken:       cfg.CloudAPI.AccessToken,
		BusinessAccountID: cfg.CloudAPI.BusinessAccountID,
		Timeout:           cfg.CloudAPI.Timeout,
		MaxRetries:        cfg.CloudAPI.MaxRetries,
		RetryDelay:        cfg.CloudAPI.RetryDelay,
		DefaultRetryAfter: cfg.CloudAPI.DefaultRetryAfter,
		Limiter:           e.Limiter,
		HTTPClient:        opts.HTTPClient,
		Logger:            e.logger.With("component", "cloudapi"),
	})

	var storage *template.Storage
	if opts.DB != nil {
		storage, err = template.NewStorage(opts.DB)
		if err != nil {
			e.Pool.Close()
			return nil, fmt.Errorf("failed to create template storage: %w", err)
		}
	}
	e.Templates, err = template.NewManager(ctx, template.Options{
		Storage:         storage,
		Provider:        e.Client,
		Bus:             e.Bus,
		Logger:          e.logger.With("component", "templates"),
		DefaultLanguage: cfg.Templates.DefaultLanguage,
		PollInterval:    cfg.Templates.PollInterval,
		MaxBodyLength:   cfg.Templates.MaxBodyLength,
		BlockRate:       cfg.Quality.BlockRate,
		ReportRate:      cfg.Quality.ReportRate,
		MinSample:       100,
		Now:             e.now,
	})
	if err != nil {
		e.Pool.Close()
		return nil, fmt.Errorf("failed to create template manager: %w", err)
	}

	e.Quality = quality.NewMonitor(quality.Options{
		Thresholds: quality.Thresholds{
			BlockRate:   cfg.Quality.BlockRate,
			ReportRate:  cfg.Quality.ReportRate,
			FailureRate: cfg.Quality.FailureRate,
			MinQuality:  cfg.Quality.MinQuality,
		},
		Window:            cfg.Quality.Window,
		CheckInterval:     cfg.Quality.CheckInterval,
		EnhancedInterval:  cfg.Quality.EnhancedInterval,
		EnhancedDuration:  cfg.Quality.EnhancedDuration,
		EmergencyPause:    cfg.Quality.EmergencyPause,
		TemplateReportMax: cfg.Quality.TemplateReportMax,
		Ratings:           ratingSink{e},
		Bus:               e.Bus,
		Logger:            e.logger.With("component", "quality"),
		Now:               e.now,
	})
	for _, n := range snapshot {
		e.Quality.Register(n.ID, n.Quality)
	}

	e.Webhooks = &cloudapi.WebhookProcessor{
		Quality:   qualitySink{Monitor: e.Quality, templates: e.Templates},
		Templates: e.Templates,
		Dedup:     opts.Dedup,
		Numbers:   e.Pool,
		Bus:       e.Bus,
		Logger:    e.logger.With("component", "webhook"),
	}

	sopts := scheduler.Options{
		Config:    cfg.Scheduler,
		Location:  e.loc,
		Sender:    e.Client,
		Numbers:   e.Pool,
		Templates: e.Templates,
		Quality:   e.Quality,
		Ledger:    opts.Ledger,
		Analytics: opts.Analytics,
		Bus:       e.Bus,
		Logger:    e.logger,
		Now:       e.now,
	}
	if opts.Source != nil {
		sopts.Content = opts.Source
		sopts.Directory = opts.Source
	}
	if opts.Collector != nil {
		sopts.Counters = opts.Collector
	}
	if cfg.Quality.RefreshBeforeRun {
		sopts.RefreshQuality = e.RefreshQuality
	}
	e.Scheduler = scheduler.New(sopts)

	return e, nil
}

// Start begins background loops: event reactions, template polling,
// quality sweeps, the daily trigger and the daily analysis
func (e *Engine) Start(ctx context.Context) error {
	ch, unsub := e.Bus.Subscribe(dispatchBuffer)
	e.unsub = unsub
	e.wg.Add(1)
	go e.dispatch(ch)

	e.Templates.Start(ctx)
	e.Quality.Start(ctx)

	if e.cfg.Scheduler.Enabled {
		trig, err := scheduler.NewDailyTrigger(e.Scheduler, e.cfg.Scheduler.DeliveryTime, e.loc, e.logger)
		if err != nil {
			return err
		}
		e.trigger = trig
		e.trigger.Start()
	}

	schedule, err := scheduler.ParseDaily(e.cfg.Quality.DailyAnalysisAt)
	if err != nil {
		return fmt.Errorf("daily analysis time: %w", err)
	}
	e.cron = cron.New(cron.WithLocation(e.loc))
	e.cron.Schedule(schedule, cron.FuncJob(func() { e.dailyAnalysis(ctx) }))
	e.cron.Start()

	e.logger.Info("distribution engine started",
		"numbers", len(e.cfg.Numbers),
		"scheduler_enabled", e.cfg.Scheduler.Enabled,
		"delivery_time", e.cfg.Scheduler.DeliveryTime,
		"timezone", e.loc.String(),
	)
	return nil
}

// Stop stops the loops, waits for an active run and flushes the pool
func (e *Engine) Stop() error {
	if e.trigger != nil {
		e.trigger.Stop()
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.Scheduler.Stop()
	e.Templates.Stop()
	e.Quality.Stop()
	if e.unsub != nil {
		e.unsub()
		e.wg.Wait()
	}
	return e.Pool.Close()
}

// NextRun returns the next scheduled delivery time
func (e *Engine) NextRun() (time.Time, error) {
	return scheduler.NextRun(e.cfg.Scheduler.DeliveryTime, e.loc, e.now())
}

// RefreshQuality pulls the provider rating of every enabled number and feeds
// it through the quality monitor
func (e *Engine) RefreshQuality(ctx context.Context) error {
	numbers, err := e.Pool.Snapshot(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, n := range numbers {
		if n.Status == pool.StatusDisabled || n.PhoneNumberID == "" {
			continue
		}
		qm, err := e.Client.GetQualityMetrics(ctx, n.PhoneNumberID)
		if err != nil {
			errs = append(errs, fmt.Errorf("number %s: %w", n.ID, err))
			continue
		}
		if qm.Quality == model.QualityUnknown {
			continue
		}
		e.Quality.UpdateQualityRating(ctx, n.ID, qm.Quality)
	}
	return errors.Join(errs...)
}

func (e *Engine) dailyAnalysis(ctx context.Context) {
	e.Quality.DailyAnalysis()
	if rotated := e.Templates.CheckPerformance(ctx); len(rotated) > 0 {
		e.logger.Info("underperforming templates rotated", "templates", rotated)
	}
}

func (e *Engine) dispatch(ch <-chan events.Event) {
	defer e.wg.Done()
	for ev := range ch {
		e.handle(context.Background(), ev)
	}
}

// handle applies the reaction to one event
func (e *Engine) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.QualityDegraded:
		change, ok := ev.Data.(events.QualityChange)
		if ok && model.Quality(change.Current) == model.QualityLow {
			e.reduceCapacity(ctx, change.NumberID, e.cfg.Quality.LowCapacityFactor)
		}

	case events.RecoveryPlanned:
		if plan, ok := ev.Data.(quality.Plan); ok {
			e.applyPlan(ctx, plan)
		}

	case events.EmergencyPause:
		sig, ok := ev.Data.(events.NumberSignal)
		if !ok {
			return
		}
		e.pause(ctx, sig.NumberID, e.cfg.Quality.EmergencyPause, "emergency_pause")
		if healthy, err := e.Pool.HasHealthy(ctx); err == nil && !healthy {
			e.activateBackup(ctx, "emergency_pause")
		}

	case events.TemplateSuspend:
		if sig, ok := ev.Data.(events.TemplateSignal); ok {
			e.rotate(ctx, sig.Name, "suspended: "+sig.Reason)
		}

	case events.HighFailureRate, events.QualityAlert:
		if a, ok := ev.Data.(events.Alert); ok {
			e.logger.Warn("quality alert",
				"kind", ev.Kind,
				"number", a.NumberID,
				"severity", a.Severity,
				"message", a.Message,
				"rate", a.Rate,
				"threshold", a.Threshold,
			)
		}

	case events.MessageSent:
		e.trackStatus(analytics.StatusSent)

	case events.MessageDelivered:
		st, ok := ev.Data.(events.MessageStatus)
		if !ok {
			return
		}
		rid, counted := e.Scheduler.Confirm(ctx, st.MessageID)
		e.recordReceipt(ctx, st, analytics.StatusDelivered, rid)
		if counted {
			e.logger.Debug("delivery confirmed", "message_id", st.MessageID, "recipient_id", rid)
		}

	case events.MessageRead:
		if st, ok := ev.Data.(events.MessageStatus); ok {
			e.recordReceipt(ctx, st, analytics.StatusRead, e.Scheduler.RecipientFor(st.MessageID))
		}

	case events.MessageFailed:
		if st, ok := ev.Data.(events.MessageStatus); ok {
			e.recordReceipt(ctx, st, analytics.StatusFailed, e.Scheduler.RecipientFor(st.MessageID))
		}

	case events.RecipientOptedOut:
		e.logger.Info("recipient opted out", "data", ev.Data)

	case events.RunStarted, events.RunAborted, events.RunFinalized:
		e.logger.Debug("run event", "kind", ev.Kind, "data", ev.Data)

	case events.SLAAtRisk:
		sig, ok := ev.Data.(events.SLASignal)
		if !ok {
			return
		}
		log := e.logger.Warn
		if sig.Level == "critical" {
			log = e.logger.Error
		}
		log("delivery SLA at risk",
			"run_id", sig.RunID,
			"current", sig.Current,
			"target", sig.Target,
			"level", sig.Level,
			"time_remaining", sig.TimeRemaining,
		)
	}
}

// applyPlan executes the directives of a recovery plan in order
func (e *Engine) applyPlan(ctx context.Context, plan quality.Plan) {
	logger := e.logger.With("number", plan.NumberID, "severity", plan.Severity)

	for _, step := range plan.Steps() {
		switch step.Action {
		case quality.ActionPauseNonCritical:
			d := step.Duration
			if d <= 0 {
				d = e.cfg.Quality.EmergencyPause
			}
			e.pause(ctx, plan.NumberID, d, string(step.Action))

		case quality.ActionCooldown:
			d := step.Duration
			if d <= 0 {
				d = e.cfg.Quality.Cooldown
			}
			e.pause(ctx, plan.NumberID, d, string(step.Action))

		case quality.ActionActivateBackup:
			e.activateBackup(ctx, "recovery_"+string(plan.Severity))

		case quality.ActionAlertTeam:
			logger.Error("recovery plan requires operator attention",
				"block_rate", plan.Metrics.BlockRate,
				"report_rate", plan.Metrics.ReportRate,
				"failure_rate", plan.Metrics.FailureRate,
			)

		case quality.ActionReduceVolume:
			e.reduceCapacity(ctx, plan.NumberID, factorOr(step.Factor, e.cfg.Quality.LowCapacityFactor))

		case quality.ActionReduceFrequency:
			f := factorOr(step.Factor, e.cfg.Quality.LowCapacityFactor)
			e.Limiter.Scale(plan.NumberID, f)
			logger.Info("send frequency reduced", "factor", f)

		case quality.ActionRotateTemplates:
			for _, name := range plan.Templates {
				e.rotate(ctx, name, "recovery plan")
			}

		case quality.ActionTemplateReview,
			quality.ActionGradualRamp,
			quality.ActionContentReview,
			quality.ActionSegmentAudiences,
			quality.ActionMonitor48h,
			quality.ActionABTesting,
			quality.ActionMonitorClosely,
			quality.ActionOptimizeTiming,
			quality.ActionPersonalization:
			logger.Info("recovery directive noted", "action", step.Action)

		default:
			logger.Warn("unknown recovery directive", "action", step.Action)
		}
	}
}

func (e *Engine) pause(ctx context.Context, numberID string, d time.Duration, reason string) {
	until := e.now().Add(d)
	if err := e.Pool.Pause(ctx, numberID, until); err != nil {
		e.logger.Error("failed to pause number", "number", numberID, "error", err)
		return
	}
	e.logger.Warn("number paused for non-priority traffic", "number", numberID, "until", until, "reason", reason)
}

func (e *Engine) reduceCapacity(ctx context.Context, numberID string, factor float64) {
	limit, err := e.Pool.ScaleCapacity(ctx, numberID, factor)
	if err != nil {
		e.logger.Error("failed to reduce capacity", "number", numberID, "error", err)
		return
	}
	e.Limiter.Scale(numberID, factor)
	e.logger.Warn("number capacity reduced", "number", numberID, "factor", factor, "daily_limit", limit)
}

func (e *Engine) activateBackup(ctx context.Context, reason string) {
	n, err := e.Pool.SelectBackup(ctx, reason)
	if err != nil {
		e.logger.Error("no backup number available", "reason", reason, "error", err)
		return
	}
	e.logger.Warn("backup number activated", "number", n.ID, "reason", reason)
}

func (e *Engine) rotate(ctx context.Context, name, reason string) {
	if name == "" {
		return
	}
	if keys := e.Templates.RotateByName(ctx, name, reason); len(keys) > 0 {
		e.logger.Info("templates rotated", "template", name, "replacements", keys)
	}
}

func (e *Engine) recordReceipt(ctx context.Context, st events.MessageStatus, status, recipientID string) {
	at := st.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	if err := e.analytics.RecordStatus(ctx, status, at); err != nil {
		e.logger.Warn("failed to record status", "status", status, "error", err)
	}
	if recipientID != "" {
		d := analytics.Delivery{
			RecipientID: recipientID,
			Status:      status,
			MessageID:   st.MessageID,
			NumberID:    st.NumberID,
			Timestamp:   at,
		}
		if status == analytics.StatusFailed {
			d.Error = st.Reason
		}
		if err := e.analytics.RecordDelivery(ctx, d); err != nil {
			e.logger.Warn("failed to record delivery", "recipient_id", recipientID, "error", err)
		}
	}
	e.trackStatus(status)
}

func (e *Engine) trackStatus(status string) {
	if e.collector != nil {
		e.collector.TrackStatusUpdate(status)
	}
}

func factorOr(f, fallback float64) float64 {
	if f <= 0 || f > 1 {
		return fallback
	}
	return f
}

// ratingSink applies provider ratings to the pool and the rate limiter
type ratingSink struct{ e *Engine }

func (s ratingSink) ApplyRating(ctx context.Context, numberID string, q model.Quality) error {
	prev, err := s.e.Pool.UpdateQuality(ctx, numberID, q)
	if err != nil {
		return err
	}
	s.e.Limiter.SetQuality(numberID, q)

	if q == model.QualityHigh && prev != model.QualityHigh {
		if err := s.e.Pool.RestoreCapacity(ctx, numberID); err != nil {
			return err
		}
		s.e.Limiter.Restore(numberID)
		s.e.logger.Info("number recovered, capacity restored", "number", numberID, "previous", prev)
	}
	return nil
}

// qualitySink forwards webhook quality samples to the monitor and credits
// blocks and reports to the template that caused them
type qualitySink struct {
	*quality.Monitor
	templates *template.Manager
}

func (s qualitySink) TrackBlock(numberID, name string) {
	s.Monitor.TrackBlock(numberID, name)
	if name != "" {
		s.templates.RecordBlock(name)
	}
}

func (s qualitySink) TrackReport(numberID, name string) {
	s.Monitor.TrackReport(numberID, name)
	if name != "" {
		s.templates.RecordReport(name)
	}
}
