package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/cloudapi"
	"github.com/foxzi/wadispatch/internal/config"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/model"
	"github.com/foxzi/wadispatch/internal/pool"
	"github.com/foxzi/wadispatch/internal/quality"
	"github.com/foxzi/wadispatch/internal/ratelimit"
	"github.com/foxzi/wadispatch/internal/scheduler"
	"github.com/foxzi/wadispatch/internal/template"
)

type fakeRuns struct {
	current    *ledger.Run
	last       *ledger.Run
	triggerErr error
	cancelErr  error
	triggers   []string
	cancels    int
}

func (f *fakeRuns) Trigger(_ context.Context, trigger string) (string, error) {
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.triggers = append(f.triggers, trigger)
	return "run-new", nil
}

func (f *fakeRuns) Cancel() error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels++
	return nil
}

func (f *fakeRuns) Current() *ledger.Run { return f.current }
func (f *fakeRuns) Last() *ledger.Run    { return f.last }

type fakeNumbers struct {
	numbers []pool.Number
}

func (f *fakeNumbers) Snapshot(context.Context) ([]pool.Number, error) {
	return append([]pool.Number(nil), f.numbers...), nil
}

func (f *fakeNumbers) HasHealthy(context.Context) (bool, error) {
	for _, n := range f.numbers {
		if n.Healthy() {
			return true, nil
		}
	}
	return false, nil
}

type fakeTemplates struct {
	templates map[string]*template.Template
	submitted []string
}

func (f *fakeTemplates) List(filter template.ListFilter) []*template.Template {
	var out []*template.Template
	for _, t := range f.templates {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (f *fakeTemplates) Get(key string) (*template.Template, error) {
	t, ok := f.templates[key]
	if !ok {
		return nil, template.ErrNotFound
	}
	return t, nil
}

func (f *fakeTemplates) Stats() *template.Stats {
	return &template.Stats{Total: int64(len(f.templates))}
}

func (f *fakeTemplates) SubmitTemplate(_ context.Context, name string, _ template.Category, languages []string, _ template.Components) ([]template.SubmitResult, error) {
	if strings.ContainsAny(name, " -") {
		return nil, template.ErrInvalidTemplateName
	}
	var out []template.SubmitResult
	for _, l := range languages {
		f.submitted = append(f.submitted, template.Key(name, l))
		out = append(out, template.SubmitResult{Key: template.Key(name, l), Language: l, Success: l != "xx"})
	}
	return out, nil
}

func (f *fakeTemplates) Rotate(_ context.Context, key, _ string) (string, error) {
	t, ok := f.templates[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", template.ErrNotFound, key)
	}
	if t.Status != template.StatusApproved {
		return "", fmt.Errorf("template %s is %s", key, t.Status)
	}
	return key + "_v2", nil
}

type fakeWebhooks struct {
	bodies [][]byte
}

func (f *fakeWebhooks) Process(_ context.Context, body []byte) (*cloudapi.WebhookResult, error) {
	if !json.Valid(body) {
		return nil, errors.New("decode webhook")
	}
	f.bodies = append(f.bodies, body)
	return &cloudapi.WebhookResult{Statuses: 1}, nil
}

type testEnv struct {
	server    *Server
	runs      *fakeRuns
	templates *fakeTemplates
	webhooks  *fakeWebhooks
	ledger    *ledger.BoltStorage
}

func newTestEnv(t *testing.T, mutate func(o *ServerOptions)) *testEnv {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.NewLimiter(func(q model.Quality) int { return 80 })
	limiter.Register("n1", model.QualityHigh, 0)

	monitor := quality.NewMonitor(quality.Options{})
	monitor.Register("n1", model.QualityHigh)

	env := &testEnv{
		runs: &fakeRuns{},
		templates: &fakeTemplates{templates: map[string]*template.Template{
			"daily_update_en": {Key: "daily_update_en", Name: "daily_update", Language: "en", Status: template.StatusApproved},
			"daily_update_hi": {Key: "daily_update_hi", Name: "daily_update", Language: "hi", Status: template.StatusPending},
		}},
		webhooks: &fakeWebhooks{},
		ledger:   store,
	}

	opts := ServerOptions{
		Config:  config.APIConfig{ListenAddr: ":0"},
		Webhook: config.WebhookConfig{AppSecret: "app-secret", VerifyToken: "verify-me", MaxBody: 1 << 16},
		Runs:    env.runs,
		Numbers: &fakeNumbers{numbers: []pool.Number{
			{ID: "n1", Quality: model.QualityHigh, Status: pool.StatusActive, DailyLimit: 1000, CapacityFactor: 1, CurrentUsage: 10},
			{ID: "b1", Quality: model.QualityHigh, Status: pool.StatusStandby, DailyLimit: 500, CapacityFactor: 1},
		}},
		Limits:    limiter,
		Templates: env.templates,
		Quality:   monitor,
		Webhooks:  env.webhooks,
		Ledger:    store,
		NextRun: func() (time.Time, error) {
			return time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.server = NewServer(opts)
	return env
}

func (e *testEnv) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rr.Code)
	}
	resp := decode[HealthResponse](t, rr)
	if resp.Status != "ok" || resp.Checks["ledger"] != "ok" || resp.Checks["numbers"] != "ok" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthDegradedWithoutHealthyNumber(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions) {
		o.Numbers = &fakeNumbers{}
	})

	rr := env.do(http.MethodGet, "/health", nil, nil)
	resp := decode[HealthResponse](t, rr)
	if rr.Code != http.StatusOK || resp.Status != "degraded" {
		t.Errorf("GET /health = %d %s, want 200 degraded", rr.Code, resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	tests := []struct {
		name   string
		cfg    config.APIConfig
		header map[string]string
		want   int
	}{
		{"no key configured", config.APIConfig{}, nil, http.StatusOK},
		{"missing key", config.APIConfig{APIKey: "k1"}, nil, http.StatusUnauthorized},
		{"wrong key", config.APIConfig{APIKey: "k1"}, map[string]string{"X-API-Key": "k2"}, http.StatusUnauthorized},
		{"x-api-key", config.APIConfig{APIKey: "k1"}, map[string]string{"X-API-Key": "k1"}, http.StatusOK},
		{"bearer", config.APIConfig{APIKey: "k1"}, map[string]string{"Authorization": "Bearer k1"}, http.StatusOK},
		{"bcrypt match", config.APIConfig{APIKeyHash: string(hash)}, map[string]string{"Authorization": "Bearer hashed-key"}, http.StatusOK},
		{"bcrypt mismatch", config.APIConfig{APIKeyHash: string(hash)}, map[string]string{"Authorization": "Bearer other"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *ServerOptions) { o.Config = tt.cfg })
			rr := env.do(http.MethodGet, "/api/v1/pool", nil, tt.header)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if resp := decode[ErrorResponse](t, rr); resp.Error != "unauthorized" {
					t.Errorf("error = %q", resp.Error)
				}
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		remote  string
		xff     string
		want    int
	}{
		{"allowed network", nil, "10.1.2.3:5000", "", http.StatusOK},
		{"denied network", nil, "192.0.2.1:5000", "", http.StatusForbidden},
		{"spoofed header ignored", nil, "192.0.2.1:5000", "10.1.2.3", http.StatusForbidden},
		{"trusted proxy header honoured", []string{"192.0.2.0/24"}, "192.0.2.1:5000", "10.1.2.3", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *ServerOptions) {
				o.Config.AllowedIPs = []string{"10.0.0.0/8"}
				o.Config.TrustedProxies = tt.proxies
			})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rr := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusForbidden {
				if resp := decode[ErrorResponse](t, rr); resp.Error != "forbidden" {
					t.Errorf("error = %q, want forbidden", resp.Error)
				}
			}
		})
	}
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/api/v1/broadcast", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /broadcast = %d, want 202", rr.Code)
	}
	if resp := decode[BroadcastResponse](t, rr); resp.RunID != "run-new" {
		t.Errorf("run id = %q", resp.RunID)
	}
	if len(env.runs.triggers) != 1 || env.runs.triggers[0] != scheduler.TriggerManual {
		t.Errorf("triggers = %v", env.runs.triggers)
	}

	env.runs.triggerErr = scheduler.ErrRunInProgress
	if rr := env.do(http.MethodPost, "/api/v1/broadcast", nil, nil); rr.Code != http.StatusConflict {
		t.Errorf("POST /broadcast during run = %d, want 409", rr.Code)
	}
}

func TestBroadcastCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	env.runs.cancelErr = scheduler.ErrNoRun
	if rr := env.do(http.MethodPost, "/api/v1/broadcast/cancel", nil, nil); rr.Code != http.StatusConflict {
		t.Errorf("cancel while idle = %d, want 409", rr.Code)
	}

	env.runs.cancelErr = nil
	env.runs.current = &ledger.Run{ID: "run-live", State: ledger.StateRunning}
	rr := env.do(http.MethodPost, "/api/v1/broadcast/cancel", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d, want 202", rr.Code)
	}
	if resp := decode[BroadcastResponse](t, rr); resp.RunID != "run-live" || resp.Status != "cancelling" {
		t.Errorf("cancel response = %+v", resp)
	}
	if env.runs.cancels != 1 {
		t.Errorf("cancels = %d, want 1", env.runs.cancels)
	}
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, date := range []string{"2026-03-01", "2026-03-02"} {
		run := &ledger.Run{
			ID:        fmt.Sprintf("run-%d", i+1),
			Date:      date,
			State:     ledger.StateFinalized,
			StartedAt: time.Date(2026, 3, 1+i, 0, 30, 0, 0, time.UTC),
		}
		if err := env.ledger.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}
	env.runs.current = &ledger.Run{ID: "run-live", State: ledger.StateRunning}

	rr := env.do(http.MethodGet, "/api/v1/runs", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /runs = %d", rr.Code)
	}
	resp := decode[RunsResponse](t, rr)
	if len(resp.Runs) != 2 || resp.Current == nil || resp.Current.ID != "run-live" {
		t.Errorf("runs = %d current = %v", len(resp.Runs), resp.Current)
	}

	rr = env.do(http.MethodGet, "/api/v1/runs?date=2026-03-02", nil, nil)
	if resp := decode[RunsResponse](t, rr); len(resp.Runs) != 1 || resp.Runs[0].ID != "run-2" {
		t.Errorf("filtered runs = %+v", resp.Runs)
	}

	tests := []struct {
		id   string
		want int
	}{
		{"run-1", http.StatusOK},
		{"run-live", http.StatusOK},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rr := env.do(http.MethodGet, "/api/v1/runs/"+tt.id, nil, nil); rr.Code != tt.want {
			t.Errorf("GET /runs/%s = %d, want %d", tt.id, rr.Code, tt.want)
		}
	}
}

func TestRunAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	for i, outcome := range []ledger.Outcome{ledger.OutcomeSent, ledger.OutcomeFailed, ledger.OutcomeSent} {
		a := &ledger.Attempt{
			ID:          fmt.Sprintf("a%d", i),
			RunID:       "run-1",
			RecipientID: fmt.Sprintf("r%d", i),
			Attempt:     1,
			Outcome:     outcome,
			StartedAt:   now,
			FinishedAt:  now,
		}
		if err := env.ledger.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt() error = %v", err)
		}
	}

	rr := env.do(http.MethodGet, "/api/v1/runs/run-1/attempts", nil, nil)
	if resp := decode[AttemptsResponse](t, rr); len(resp.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(resp.Attempts))
	}

	rr = env.do(http.MethodGet, "/api/v1/runs/run-1/attempts?outcome=failed", nil, nil)
	if resp := decode[AttemptsResponse](t, rr); len(resp.Attempts) != 1 || resp.Attempts[0].RecipientID != "r1" {
		t.Errorf("failed attempts = %+v", resp.Attempts)
	}
}

func TestDailyMetricsFallsBackToRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	run := &ledger.Run{ID: "run-1", Date: "2026-03-01", State: ledger.StateFinalized, Sent: 99, Failed: 1, Confirmed: 99, StartedAt: time.Now()}
	if err := env.ledger.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	rr := env.do(http.MethodGet, "/api/v1/metrics/2026-03-01", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rr.Code)
	}
	s := decode[analytics.Summary](t, rr)
	if s.Source != "ledger" || s.Total != 100 || s.SLA != "MET" {
		t.Errorf("summary = %+v", s)
	}

	if rr := env.do(http.MethodGet, "/api/v1/metrics/March-1", nil, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", rr.Code)
	}
}

func TestDailyMetricsFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := analytics.NewRedisStore(rdb, analytics.RedisOptions{})

	at := time.Date(2026, 3, 1, 6, 1, 0, 0, time.UTC)
	ctx := context.Background()
	for _, status := range []string{analytics.StatusSent, analytics.StatusSent, analytics.StatusFailed} {
		if err := store.RecordSend(ctx, status, at); err != nil {
			t.Fatalf("RecordSend() error = %v", err)
		}
	}

	env := newTestEnv(t, func(o *ServerOptions) { o.Analytics = store })
	rr := env.do(http.MethodGet, "/api/v1/metrics/2026-03-01", nil, nil)
	s := decode[analytics.Summary](t, rr)
	if s.Total != 3 || s.Sent != 2 || s.Failed != 1 || !s.FailureAlert {
		t.Errorf("summary = %+v", s)
	}
}

func TestPool(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/api/v1/pool", nil, nil)
	resp := decode[PoolResponse](t, rr)
	if resp.Total != 2 || resp.Healthy != 1 {
		t.Fatalf("pool = %d total %d healthy", resp.Total, resp.Healthy)
	}
	n1 := resp.Numbers[0]
	if n1.ID != "n1" || n1.Remaining != 990 || n1.Rate == nil || n1.Rate.Rate != 80 {
		t.Errorf("n1 view = %+v", n1)
	}
	if resp.Numbers[1].Rate != nil {
		t.Error("unregistered number should have no rate stats")
	}
}

func TestQuality(t *testing.T) {
	env := newTestEnv(t, nil)

	if rr := env.do(http.MethodGet, "/api/v1/quality", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("GET /quality = %d", rr.Code)
	}
	rr := env.do(http.MethodGet, "/api/v1/quality/n1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /quality/n1 = %d", rr.Code)
	}
	if r := decode[quality.Report](t, rr); r.NumberID != "n1" || r.Quality != model.QualityHigh {
		t.Errorf("report = %+v", r)
	}
	if rr := env.do(http.MethodGet, "/api/v1/quality/nope", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("GET /quality/nope = %d, want 404", rr.Code)
	}
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, "/api/v1/templates?status=approved", nil, nil)
	if resp := decode[TemplateListResponse](t, rr); len(resp.Templates) != 1 || resp.Stats.Total != 2 {
		t.Errorf("list = %d templates, stats %+v", len(resp.Templates), resp.Stats)
	}

	if rr := env.do(http.MethodGet, "/api/v1/templates/daily_update_en", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("GET template = %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/v1/templates/missing", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("GET missing template = %d, want 404", rr.Code)
	}

	submit := func(req TemplateSubmitRequest) *httptest.ResponseRecorder {
		body, _ := json.Marshal(req)
		return env.do(http.MethodPost, "/api/v1/templates", body, nil)
	}
	components := template.Components{Body: template.Body{Text: "Hi {{1}}, {{2}}"}}

	if rr := submit(TemplateSubmitRequest{Name: "morning_brief", Languages: []string{"en", "hi"}, Components: components}); rr.Code != http.StatusCreated {
		t.Errorf("submit = %d, want 201", rr.Code)
	}
	if rr := submit(TemplateSubmitRequest{Name: "morning_brief", Languages: []string{"en", "xx"}, Components: components}); rr.Code != http.StatusMultiStatus {
		t.Errorf("partial submit = %d, want 207", rr.Code)
	}
	if rr := submit(TemplateSubmitRequest{Name: "bad name", Components: components}); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid name = %d, want 400", rr.Code)
	}
	if rr := submit(TemplateSubmitRequest{Components: components}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing name = %d, want 400", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/templates", []byte("{"), nil); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rr.Code)
	}
}

func TestTemplatesRotate(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, "/api/v1/templates/daily_update_en/rotate", []byte(`{"reason":"high block rate"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate = %d, want 200", rr.Code)
	}
	if resp := decode[TemplateRotateResponse](t, rr); resp.Replacement != "daily_update_en_v2" {
		t.Errorf("replacement = %q", resp.Replacement)
	}

	if rr := env.do(http.MethodPost, "/api/v1/templates/daily_update_hi/rotate", nil, nil); rr.Code != http.StatusConflict {
		t.Errorf("rotate pending = %d, want 409", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/v1/templates/missing/rotate", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("rotate missing = %d, want 404", rr.Code)
	}
}

func TestSchedule(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runs.last = &ledger.Run{ID: "run-1", State: ledger.StateFinalized}

	rr := env.do(http.MethodGet, "/api/v1/schedule", nil, nil)
	resp := decode[ScheduleResponse](t, rr)
	if !resp.NextRun.Equal(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)) || resp.Last == nil {
		t.Errorf("schedule = %+v", resp)
	}
}

func TestWebhookVerify(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		query string
		want  int
		body  string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing params", "hub.mode=subscribe", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodGet, "/webhook/whatsapp?"+tt.query, nil, nil)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.body != "" && rr.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.body)
			}
		})
	}
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions) {
		// operator auth does not apply to provider callbacks
		o.Config.APIKey = "operator-key"
	})
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      int
		processed int
	}{
		{"missing signature", body, "", http.StatusUnauthorized, 0},
		{"wrong secret", body, cloudapi.Sign("other-secret", body), http.StatusUnauthorized, 0},
		{"valid", body, cloudapi.Sign("app-secret", body), http.StatusOK, 1},
		{"valid signature, bad payload", []byte("not json"), cloudapi.Sign("app-secret", []byte("not json")), http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{"Content-Type": "application/json"}
			if tt.signature != "" {
				header[cloudapi.SignatureHeader] = tt.signature
			}
			rr := env.do(http.MethodPost, "/webhook/whatsapp", tt.body, header)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if len(env.webhooks.bodies) != tt.processed {
				t.Errorf("processed = %d, want %d", len(env.webhooks.bodies), tt.processed)
			}
		})
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions) { o.Webhook.MaxBody = 16 })
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	rr := env.do(http.MethodPost, "/webhook/whatsapp", body, map[string]string{
		cloudapi.SignatureHeader: cloudapi.Sign("app-secret", body),
	})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}
