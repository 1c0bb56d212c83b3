package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/metrics"
	"github.com/foxzi/wadispatch/internal/model"
	"github.com/foxzi/wadispatch/internal/pool"
	"github.com/foxzi/wadispatch/internal/template"
)

// Sender delivers one template message
type Sender interface {
	SendTemplateMessage(ctx context.Context, req cloudapi.SendRequest) (*cloudapi.SendResult, error)
}

// Numbers is the part of the number pool used for dispatch
type Numbers interface {
	SelectBest(ctx context.Context, opts pool.SelectOptions) (*pool.Number, error)
	SelectBackup(ctx context.Context, reason string) (*pool.Number, error)
	Reserve(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	HasHealthy(ctx context.Context) (bool, error)
	ResetDaily(ctx context.Context, day string) (bool, error)
}

// Templates resolves approved templates
type Templates interface {
	GetBestTemplate(purpose, language string) *template.Template
	HasApproved(purpose string) bool
	RecordSend(key string)
}

// QualityTracker receives send failures per number
type QualityTracker interface {
	TrackFailure(numberID, reason string)
}

// Counters mirrors dispatch outcomes into metrics
type Counters interface {
	TrackMessageSent(number, tier string)
	TrackMessageFailed(number, errorType string)
	TrackRetry(reason string)
	TrackRun(state string)
}

type nopCounters struct{}

func (nopCounters) TrackMessageSent(string, string)   {}
func (nopCounters) TrackMessageFailed(string, string) {}
func (nopCounters) TrackRetry(string)                 {}
func (nopCounters) TrackRun(string)                   {}

type nopQuality struct{}

func (nopQuality) TrackFailure(string, string) {}

// Batch is a group of recipients sent through one number
type Batch struct {
	ID         string
	RunID      string
	Index      int
	Recipients []model.Recipient
	Content    model.Content
	Priority   bool
	Delay      time.Duration // offset from run start
	Attempt    int
	Exclude    []string // numbers to avoid, set on retries
}

// Outcome is the result for one recipient of a batch
type Outcome struct {
	Recipient  model.Recipient
	Attempt    int
	NumberID   string
	MessageID  string
	Success    bool
	Kind       cloudapi.Kind
	Reason     string
	Retryable  bool
	RetryAfter time.Duration
}

// BatchResult groups the outcomes of one batch
type BatchResult struct {
	BatchID    string
	NumberID   string
	Successful []Outcome
	Failed     []Outcome
}

// Assemble dedupes recipients by id, orders them by tier (premium first,
// input order kept within a tier) and splits them into batches. Each batch
// starts index*interBatchDelay plus a jitter in [0, jitterMax) after the run.
func Assemble(runID string, recipients []model.Recipient, content model.Content, size int, interBatchDelay, jitterMax time.Duration, rnd func() float64) []*Batch {
	if size < 1 {
		size = 1
	}
	if rnd == nil {
		rnd = func() float64 { return 0 }
	}

	seen := make(map[string]bool, len(recipients))
	unique := make([]model.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		unique = append(unique, r)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Tier.Rank() > unique[j].Tier.Rank()
	})

	var batches []*Batch
	for start := 0; start < len(unique); start += size {
		end := min(start+size, len(unique))
		idx := len(batches)
		b := &Batch{
			ID:         uuid.New().String(),
			RunID:      runID,
			Index:      idx,
			Recipients: unique[start:end],
			Content:    content,
			Priority:   unique[start].Tier == model.TierPremium,
			Delay:      time.Duration(idx)*interBatchDelay + time.Duration(rnd()*float64(jitterMax)),
			Attempt:    1,
		}
		batches = append(batches, b)
	}
	return batches
}

// Processor sends a batch through one number
type Processor struct {
	sender            Sender
	numbers           Numbers
	templates         Templates
	quality           QualityTracker
	ledger            ledger.Ledger
	analytics         analytics.Recorder
	counters          Counters
	bus               events.Publisher
	logger            *slog.Logger
	interMessageDelay time.Duration
	now               func() time.Time
}

// Process sends every recipient of b and reports per-recipient outcomes.
// Cancelling ctx stops the batch between sends; the rest are reported cancelled.
func (p *Processor) Process(ctx context.Context, b *Batch) *BatchResult {
	start := p.now()
	logger := p.logger.With("run_id", b.RunID, "batch_id", b.ID, "batch", b.Index, "attempt", b.Attempt)
	res := &BatchResult{BatchID: b.ID}

	var exhausted []string
	backupReason := backupFirstPick
	if b.Attempt > 1 {
		backupReason = backupRetry
	}
	number := p.selectNumber(ctx, b, exhausted, backupReason)
	if number != nil {
		res.NumberID = number.ID
	}

	tmpls := make(map[string]*template.Template)
	resolve := func(lang string) *template.Template {
		if t, ok := tmpls[lang]; ok {
			return t
		}
		t := p.templates.GetBestTemplate(b.Content.Purpose, lang)
		tmpls[lang] = t
		return t
	}

	for i, r := range b.Recipients {
		if i > 0 && p.interMessageDelay > 0 {
			if err := sleepContext(ctx, p.interMessageDelay); err != nil {
				for _, rest := range b.Recipients[i:] {
					p.fail(ctx, b, res, Outcome{Recipient: rest, Attempt: b.Attempt, Reason: ledger.ReasonCancelled}, nil, p.now())
				}
				break
			}
		}
		if ctx.Err() != nil {
			p.fail(ctx, b, res, Outcome{Recipient: r, Attempt: b.Attempt, Reason: ledger.ReasonCancelled}, nil, p.now())
			continue
		}

		sentAt := p.now()
		o := Outcome{Recipient: r, Attempt: b.Attempt}

		if !cloudapi.ValidPhone(r.Phone) {
			o.Reason = ledger.ReasonInvalidPhone
			p.fail(ctx, b, res, o, nil, sentAt)
			continue
		}

		tmpl := resolve(r.Language)
		if tmpl == nil {
			o.Reason = ledger.ReasonNoTemplate
			p.fail(ctx, b, res, o, nil, sentAt)
			continue
		}

		// reserve quota, switching numbers when the current one is spent
		reason := ""
		for number != nil {
			ok, err := p.numbers.Reserve(ctx, number.ID)
			if err == nil && ok {
				break
			}
			if err != nil {
				logger.Warn("failed to reserve quota", "number", number.ID, "error", err)
			}
			exhausted = append(exhausted, number.ID)
			reason = ledger.ReasonQuotaExceeded
			number = p.selectNumber(ctx, b, exhausted, backupQuota)
			if number != nil {
				logger.Info("switched sending number", "number", number.ID, "exhausted", exhausted)
				res.NumberID = number.ID
			}
		}
		if number == nil {
			if reason == "" {
				reason = ledger.ReasonNoNumber
			}
			o.Reason = reason
			o.Retryable = true
			p.fail(ctx, b, res, o, nil, sentAt)
			continue
		}
		o.NumberID = number.ID

		req := cloudapi.SendRequest{
			NumberID:      number.ID,
			PhoneNumberID: number.PhoneNumberID,
			To:            r.Phone,
			TemplateName:  tmpl.Name,
			Language:      tmpl.Language,
			BodyParams:    bodyParams(tmpl, r, b.Content),
		}
		if r.Tier.MediaEligible() {
			req.Media = b.Content.MediaRef
		}

		sent, err := p.sender.SendTemplateMessage(ctx, req)
		if err != nil {
			if rerr := p.numbers.Release(context.WithoutCancel(ctx), number.ID); rerr != nil {
				logger.Warn("failed to release quota", "number", number.ID, "error", rerr)
			}
			o.Kind = cloudapi.KindOf(err)
			o.Reason = string(o.Kind)
			o.Retryable = cloudapi.IsRetryable(err)
			var apiErr *cloudapi.APIError
			if errors.As(err, &apiErr) {
				o.RetryAfter = apiErr.RetryAfter
			}
			logger.Warn("send failed", "recipient", r.ID, "number", number.ID, "kind", o.Kind, "error", err)
			p.quality.TrackFailure(number.ID, string(o.Kind))
			p.fail(ctx, b, res, o, tmpl, sentAt)
			continue
		}

		o.Success = true
		o.MessageID = sent.MessageID
		p.templates.RecordSend(tmpl.Key)
		p.counters.TrackMessageSent(number.ID, string(r.Tier))
		p.record(ctx, b, o, tmpl, sentAt)
		res.Successful = append(res.Successful, o)
	}

	p.finish(b, res, start, logger)
	return res
}

// Reasons passed to SelectBackup from the send path
const (
	backupFirstPick = "no_active_number"
	backupRetry     = "retry"
	backupQuota     = "quota"
)

// selectNumber prefers active numbers outside b.Exclude, then promotes a
// standby backup, and only then falls back to an excluded number that is
// not exhausted in this batch
func (p *Processor) selectNumber(ctx context.Context, b *Batch, exhausted []string, reason string) *pool.Number {
	exclude := append(append([]string(nil), b.Exclude...), exhausted...)
	n, err := p.numbers.SelectBest(ctx, pool.SelectOptions{Priority: b.Priority, Exclude: exclude})
	if err == nil && n != nil {
		return n
	}

	n, err = p.numbers.SelectBackup(ctx, reason)
	if err != nil {
		p.logger.Warn("backup selection failed", "run_id", b.RunID, "reason", reason, "error", err)
	} else if n != nil && !slices.Contains(exclude, n.ID) {
		return n
	}

	if len(b.Exclude) == 0 {
		return nil
	}
	n, err = p.numbers.SelectBest(ctx, pool.SelectOptions{Priority: b.Priority, Exclude: exhausted})
	if err != nil {
		return nil
	}
	return n
}

func (p *Processor) fail(ctx context.Context, b *Batch, res *BatchResult, o Outcome, tmpl *template.Template, at time.Time) {
	kind := o.Reason
	if o.Kind != "" {
		kind = string(o.Kind)
	}
	p.counters.TrackMessageFailed(o.NumberID, kind)
	p.record(ctx, b, o, tmpl, at)
	res.Failed = append(res.Failed, o)
}

// record appends the attempt to the ledger and mirrors it into analytics
func (p *Processor) record(ctx context.Context, b *Batch, o Outcome, tmpl *template.Template, at time.Time) {
	ctx = context.WithoutCancel(ctx)
	finished := p.now()

	a := &ledger.Attempt{
		ID:          uuid.New().String(),
		RunID:       b.RunID,
		RecipientID: o.Recipient.ID,
		Phone:       o.Recipient.Phone,
		BatchID:     b.ID,
		Attempt:     o.Attempt,
		NumberID:    o.NumberID,
		MessageID:   o.MessageID,
		Outcome:     ledger.OutcomeSent,
		StartedAt:   at,
		FinishedAt:  finished,
	}
	if tmpl != nil {
		a.TemplateKey = tmpl.Key
	}
	status := analytics.StatusSent
	if !o.Success {
		a.Outcome = ledger.OutcomeFailed
		a.ErrorKind = o.Kind
		a.Reason = o.Reason
		a.Retryable = o.Retryable
		status = analytics.StatusFailed
	}

	if err := p.ledger.AppendAttempt(ctx, a); err != nil {
		p.logger.Error("failed to record attempt", "run_id", b.RunID, "recipient", o.Recipient.ID, "error", err)
	}
	if err := p.analytics.RecordSend(ctx, status, finished); err != nil {
		p.logger.Debug("analytics unavailable", "error", err)
	}
	d := analytics.Delivery{
		RecipientID: o.Recipient.ID,
		Status:      status,
		MessageID:   o.MessageID,
		NumberID:    o.NumberID,
		Timestamp:   finished,
	}
	if !o.Success {
		d.Error = o.Reason
	}
	if err := p.analytics.RecordDelivery(ctx, d); err != nil {
		p.logger.Debug("analytics unavailable", "error", err)
	}
}

func (p *Processor) finish(b *Batch, res *BatchResult, start time.Time, logger *slog.Logger) {
	elapsed := p.now().Sub(start)
	metrics.ObserveBatch(elapsed.Seconds())

	kind := events.BatchCompleted
	if len(res.Successful) == 0 && len(res.Failed) > 0 {
		kind = events.BatchFailed
	}
	p.bus.Publish(events.Event{Kind: kind, Time: p.now(), Data: events.BatchSignal{
		RunID:      b.RunID,
		BatchID:    b.ID,
		Index:      b.Index,
		NumberID:   res.NumberID,
		Successful: len(res.Successful),
		Failed:     len(res.Failed),
	}})

	logger.Info("batch processed",
		"number", res.NumberID,
		"successful", len(res.Successful),
		"failed", len(res.Failed),
		"duration", elapsed)
}

// bodyParams fills {{1}} with the recipient name and {{2}} with the content body
func bodyParams(t *template.Template, r model.Recipient, c model.Content) []string {
	params := []string{r.DisplayName(), c.Body}
	n := t.BodyParamCount()
	if n < len(params) {
		params = params[:n]
	}
	return params
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
