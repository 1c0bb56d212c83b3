// Package template tracks message template approval and selects templates for sends.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/events"
)

var (
	// ErrInvalidTemplateName is returned for names outside [a-z0-9_]
	ErrInvalidTemplateName = errors.New("invalid template name")
	// ErrNotFound is returned for unknown template keys
	ErrNotFound = errors.New("template not found")
)

// Provider is the template side of the Cloud API
type Provider interface {
	SubmitTemplate(ctx context.Context, sub cloudapi.TemplateSubmission) (*cloudapi.TemplateState, error)
	GetTemplateStatus(ctx context.Context, providerID string) (*cloudapi.TemplateState, error)
	ListTemplates(ctx context.Context) ([]cloudapi.TemplateInfo, error)
}

// Options configures a Manager
type Options struct {
	Storage         *Storage // nil keeps templates in memory only
	Provider        Provider
	Bus             events.Publisher
	Logger          *slog.Logger
	DefaultLanguage string
	PollInterval    time.Duration
	MaxBodyLength   int // replacement bodies are shortened to this length

	// performance thresholds for automatic rotation
	BlockRate  float64
	ReportRate float64
	MinSample  int64

	Now func() time.Time
}

// Manager owns the template index. All state transitions are serialized by mu.
type Manager struct {
	mu        sync.Mutex
	templates map[string]*Template

	storage         *Storage
	provider        Provider
	bus             events.Publisher
	logger          *slog.Logger
	engine          *Engine
	defaultLanguage string
	pollInterval    time.Duration
	maxBodyLength   int
	blockRate       float64
	reportRate      float64
	minSample       int64
	now             func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager and loads persisted templates
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = 160
	}
	if opts.BlockRate <= 0 {
		opts.BlockRate = 0.02
	}
	if opts.ReportRate <= 0 {
		opts.ReportRate = 0.01
	}
	if opts.MinSample <= 0 {
		opts.MinSample = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		templates:       make(map[string]*Template),
		storage:         opts.Storage,
		provider:        opts.Provider,
		bus:             opts.Bus,
		logger:          opts.Logger,
		engine:          NewEngine(),
		defaultLanguage: opts.DefaultLanguage,
		pollInterval:    opts.PollInterval,
		maxBodyLength:   opts.MaxBodyLength,
		blockRate:       opts.BlockRate,
		reportRate:      opts.ReportRate,
		minSample:       opts.MinSample,
		now:             opts.Now,
		stopCh:          make(chan struct{}),
	}

	if m.storage != nil {
		list, err := m.storage.List(ctx, ListFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to load templates: %w", err)
		}
		for _, t := range list {
			m.templates[t.Key] = t
		}
	}

	return m, nil
}

// Start begins periodic approval polling and performance checks
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if _, err := m.PollPending(ctx); err != nil {
					m.logger.Error("template approval poll failed", "error", err)
				}
				m.CheckPerformance(ctx)
			}
		}
	}()
}

// Stop stops the polling loop
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// SubmitTemplate validates and submits one template per language. Per-language
// provider failures are reported in the results, not as an error.
func (m *Manager) SubmitTemplate(ctx context.Context, name string, category Category, languages []string, components Components) ([]SubmitResult, error) {
	if err := m.engine.ValidateName(name); err != nil {
		return nil, err
	}
	if category == "" {
		category = CategoryUtility
	}
	if !category.Valid() {
		return nil, fmt.Errorf("invalid template category %q", category)
	}
	if err := m.engine.Validate(components); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	if len(languages) == 0 {
		languages = []string{m.defaultLanguage}
	}
	if m.provider == nil {
		return nil, fmt.Errorf("template provider is not configured")
	}

	results := make([]SubmitResult, 0, len(languages))
	for _, lang := range languages {
		key := Key(name, lang)
		res := SubmitResult{Key: key, Language: lang}

		state, err := m.provider.SubmitTemplate(ctx, cloudapi.TemplateSubmission{
			Name:       name,
			Category:   string(category),
			Language:   lang,
			Components: toProvider(components),
		})
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			m.logger.Warn("template submission failed", "key", key, "error", err)
			continue
		}

		now := m.now()
		t := &Template{
			Key:         key,
			Name:        name,
			Language:    lang,
			Category:    category,
			Status:      StatusPending,
			Components:  components,
			ProviderID:  state.ID,
			SubmittedAt: now,
			UpdatedAt:   now,
		}

		m.mu.Lock()
		if prev, ok := m.templates[key]; ok {
			t.Metrics = prev.Metrics
		}
		m.templates[key] = t
		// some categories are approved synchronously
		if Status(strings.ToUpper(state.Status)) == StatusApproved {
			m.transitionLocked(t, StatusApproved, "")
		}
		err = m.persistLocked(ctx, t)
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("failed to persist template", "key", key, "error", err)
		}

		res.Success = true
		res.ProviderID = state.ID
		results = append(results, res)

		m.logger.Info("template submitted", "key", key, "provider_id", state.ID, "category", category)
	}

	return results, nil
}

// GetBestTemplate resolves an APPROVED template for purpose and language:
// exact match, then the default language (Fallback), then any approved
// template whose name contains purpose (Alternative). Returns nil when none.
func (m *Manager) GetBestTemplate(purpose, language string) *Template {
	m.mu.Lock()
	defer m.mu.Unlock()

	if language == "" {
		language = m.defaultLanguage
	}

	if t, ok := m.templates[Key(purpose, language)]; ok && t.Status == StatusApproved {
		cp := *t
		return &cp
	}

	if language != m.defaultLanguage {
		if t, ok := m.templates[Key(purpose, m.defaultLanguage)]; ok && t.Status == StatusApproved {
			cp := *t
			cp.Fallback = true
			return &cp
		}
	}

	var keys []string
	for k, t := range m.templates {
		if t.Status == StatusApproved && strings.Contains(t.Name, purpose) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	cp := *m.templates[keys[0]]
	cp.Alternative = true
	return &cp
}

// HasApproved reports whether GetBestTemplate can resolve purpose in any language
func (m *Manager) HasApproved(purpose string) bool {
	return m.GetBestTemplate(purpose, m.defaultLanguage) != nil
}

// PollPending queries the provider for every PENDING template
func (m *Manager) PollPending(ctx context.Context) ([]Update, error) {
	if m.provider == nil {
		return nil, nil
	}

	m.mu.Lock()
	var pending []*Template
	for _, t := range m.templates {
		if t.Status == StatusPending && t.ProviderID != "" {
			cp := *t
			pending = append(pending, &cp)
		}
	}
	m.mu.Unlock()

	var updates []Update
	var errs []error
	for _, p := range pending {
		state, err := m.provider.GetTemplateStatus(ctx, p.ProviderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Key, err))
			continue
		}

		next := Status(strings.ToUpper(state.Status))
		if next != StatusApproved && next != StatusRejected {
			continue
		}

		m.mu.Lock()
		t, ok := m.templates[p.Key]
		if ok && t.Status == StatusPending {
			m.transitionLocked(t, next, state.Reason)
			if err := m.persistLocked(ctx, t); err != nil {
				m.logger.Error("failed to persist template", "key", t.Key, "error", err)
			}
			updates = append(updates, Update{Key: t.Key, OldStatus: StatusPending, NewStatus: next, Reason: state.Reason})
		}
		m.mu.Unlock()
	}

	return updates, errors.Join(errs...)
}

// ApplyStatus applies a provider status pushed by webhook. Unknown approved
// templates are adopted so templates created outside the service can be used.
func (m *Manager) ApplyStatus(ctx context.Context, name, language, status, reason string) error {
	key := Key(name, language)
	next := Status(strings.ToUpper(status))

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[key]
	if !ok {
		if next != StatusApproved {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		now := m.now()
		t = &Template{
			Key:         key,
			Name:        name,
			Language:    language,
			Category:    CategoryUtility,
			Status:      StatusPending,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		m.templates[key] = t
	}

	switch next {
	case StatusApproved, StatusRejected:
		if t.Status != StatusPending {
			return nil // transitions only move forward
		}
		m.transitionLocked(t, next, reason)
	case "PAUSED", "DISABLED", "FLAGGED":
		if t.Status != StatusApproved {
			return nil
		}
		m.rotateLocked(t, strings.ToLower(string(next)))
	default:
		return nil
	}

	return m.persistLocked(ctx, t)
}

// Sync imports the provider's template list. Existing entries only move forward.
func (m *Manager) Sync(ctx context.Context) (int, error) {
	if m.provider == nil {
		return 0, nil
	}
	list, err := m.provider.ListTemplates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list provider templates: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	imported := 0
	for _, info := range list {
		key := Key(info.Name, info.Language)
		status := Status(strings.ToUpper(info.Status))

		if t, ok := m.templates[key]; ok {
			if t.Status == StatusPending && (status == StatusApproved || status == StatusRejected) {
				m.transitionLocked(t, status, info.Reason)
				if err := m.persistLocked(ctx, t); err != nil {
					return imported, err
				}
			}
			continue
		}

		if status != StatusApproved && status != StatusPending {
			continue
		}
		now := m.now()
		t := &Template{
			Key:         key,
			Name:        info.Name,
			Language:    info.Language,
			Category:    Category(strings.ToUpper(info.Category)),
			Status:      StatusPending,
			ProviderID:  info.ID,
			Components:  Components{Body: Body{Text: info.Body}},
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		m.templates[key] = t
		if status == StatusApproved {
			m.transitionLocked(t, StatusApproved, "")
		}
		if err := m.persistLocked(ctx, t); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Rotate retires an APPROVED template and submits an adjusted replacement
// named <name>_v<unix>. The replacement key is returned.
func (m *Manager) Rotate(ctx context.Context, key, reason string) (string, error) {
	m.mu.Lock()
	t, ok := m.templates[key]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if t.Status != StatusApproved {
		m.mu.Unlock()
		return "", fmt.Errorf("template %s is %s, only APPROVED templates rotate", key, t.Status)
	}
	m.rotateLocked(t, reason)
	if err := m.persistLocked(ctx, t); err != nil {
		m.logger.Error("failed to persist template", "key", key, "error", err)
	}
	original := *t
	m.mu.Unlock()

	name := fmt.Sprintf("%s_v%d", original.Name, m.now().Unix())
	components := m.engine.Improve(original.Components, m.maxBodyLength)

	results, err := m.SubmitTemplate(ctx, name, original.Category, []string{original.Language}, components)
	if err != nil {
		return "", fmt.Errorf("failed to submit replacement for %s: %w", key, err)
	}
	if len(results) == 0 || !results[0].Success {
		msg := "no result"
		if len(results) > 0 {
			msg = results[0].Error
		}
		return "", fmt.Errorf("failed to submit replacement for %s: %s", key, msg)
	}

	replacement := results[0].Key
	m.mu.Lock()
	if t, ok := m.templates[key]; ok {
		t.Replacement = replacement
		_ = m.persistLocked(ctx, t)
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Kind: events.TemplateRotated,
		Data: events.TemplateSignal{
			Key:         key,
			Name:        original.Name,
			Status:      string(StatusRotated),
			Reason:      reason,
			Replacement: replacement,
		},
	})
	m.logger.Warn("template rotated", "key", key, "replacement", replacement, "reason", reason)

	return replacement, nil
}

// RotateByName rotates every APPROVED language of a template name
func (m *Manager) RotateByName(ctx context.Context, name, reason string) []string {
	m.mu.Lock()
	var keys []string
	for k, t := range m.templates {
		if (t.Name == name || k == name) && t.Status == StatusApproved {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	var replaced []string
	for _, k := range keys {
		r, err := m.Rotate(ctx, k, reason)
		if err != nil {
			m.logger.Error("template rotation failed", "key", k, "error", err)
			continue
		}
		replaced = append(replaced, r)
	}
	return replaced
}

// RecordSend counts a send against a template key
func (m *Manager) RecordSend(key string) {
	m.record(key, func(mt *Metrics) { mt.Messages++ })
}

// RecordBlock counts a block against a template key or name
func (m *Manager) RecordBlock(nameOrKey string) {
	m.record(nameOrKey, func(mt *Metrics) { mt.Blocks++ })
}

// RecordReport counts a report against a template key or name
func (m *Manager) RecordReport(nameOrKey string) {
	m.record(nameOrKey, func(mt *Metrics) { mt.Reports++ })
}

func (m *Manager) record(nameOrKey string, fn func(*Metrics)) {
	if nameOrKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.templates[nameOrKey]; ok {
		fn(&t.Metrics)
		t.Metrics.recompute()
		return
	}
	// by name: count on the approved languages only once
	for _, t := range m.templates {
		if t.Name == nameOrKey && t.Status == StatusApproved {
			fn(&t.Metrics)
			t.Metrics.recompute()
			return
		}
	}
}

// CheckPerformance rotates APPROVED templates whose block or report rate is
// above threshold once they have a meaningful sample
func (m *Manager) CheckPerformance(ctx context.Context) []string {
	m.mu.Lock()
	var keys []string
	for k, t := range m.templates {
		if t.Status != StatusApproved || t.Metrics.Messages < m.minSample {
			continue
		}
		if t.Metrics.BlockRate > m.blockRate || t.Metrics.ReportRate > m.reportRate {
			keys = append(keys, k)
		}
	}
	// flush metrics while holding the lock
	for _, t := range m.templates {
		if t.Metrics.Messages > 0 {
			_ = m.persistLocked(ctx, t)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	var rotated []string
	for _, k := range keys {
		if _, err := m.Rotate(ctx, k, "performance"); err != nil {
			m.logger.Error("template rotation failed", "key", k, "error", err)
			continue
		}
		rotated = append(rotated, k)
	}
	return rotated
}

// Get returns a copy of one template
func (m *Manager) Get(key string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *t
	return &cp, nil
}

// List returns template copies in key order
func (m *Manager) List(filter ListFilter) []*Template {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.templates))
	for k := range m.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Template
	skipped := 0
	for _, k := range keys {
		t := m.templates[k]
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(k), strings.ToLower(filter.Search)) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *t
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Stats counts templates by status, language and category
func (m *Manager) Stats() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Stats{ByLanguage: map[string]int64{}, ByCategory: map[string]int64{}}
	for _, t := range m.templates {
		st.Total++
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusApproved:
			st.Approved++
		case StatusRejected:
			st.Rejected++
		case StatusRotated:
			st.Rotated++
		}
		st.ByLanguage[t.Language]++
		st.ByCategory[string(t.Category)]++
	}
	return st
}

func (m *Manager) transitionLocked(t *Template, next Status, reason string) {
	now := m.now()
	t.Status = next
	t.UpdatedAt = now

	switch next {
	case StatusApproved:
		t.ApprovedAt = &now
		m.logger.Info("template approved", "key", t.Key)
	case StatusRejected:
		t.RejectedAt = &now
		t.RejectionReason = reason
		m.logger.Warn("template rejected", "key", t.Key, "reason", reason)
	}

	m.bus.Publish(events.Event{
		Kind: events.TemplateStatus,
		Data: events.TemplateSignal{Key: t.Key, Name: t.Name, Status: string(next), Reason: reason},
	})
}

func (m *Manager) rotateLocked(t *Template, reason string) {
	now := m.now()
	t.Status = StatusRotated
	t.RotatedAt = &now
	t.RotationReason = reason
	t.UpdatedAt = now
}

func (m *Manager) persistLocked(ctx context.Context, t *Template) error {
	if m.storage == nil {
		return nil
	}
	return m.storage.Put(ctx, t)
}

// toProvider converts components to the provider submission format
func toProvider(c Components) []cloudapi.Component {
	var out []cloudapi.Component
	if c.Header != nil {
		out = append(out, cloudapi.Component{Type: "HEADER", Format: c.Header.Format, Text: c.Header.Text})
	}
	out = append(out, cloudapi.Component{Type: "BODY", Text: c.Body.Text})
	if c.Footer != "" {
		out = append(out, cloudapi.Component{Type: "FOOTER", Text: c.Footer})
	}
	if len(c.Buttons) > 0 {
		comp := cloudapi.Component{Type: "BUTTONS"}
		for _, b := range c.Buttons {
			comp.Buttons = append(comp.Buttons, cloudapi.Button{Type: b.Type, Text: b.Text, URL: b.URL, PhoneNumber: b.PhoneNumber})
		}
		out = append(out, comp)
	}
	return out
}
