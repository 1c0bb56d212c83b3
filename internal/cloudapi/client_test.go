package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/wadispatch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts.BaseURL = server.URL
	opts.APIVersion = "v18.0"
	opts.AccessToken = "test-token"
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	opts.RetryDelay = 100 * time.Millisecond
	opts.Logger = testLogger()

	c := NewClient(opts)
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func validRequest() SendRequest {
	return SendRequest{
		NumberID:      "primary-1",
		PhoneNumberID: "1000001",
		To:            "9876543210",
		TemplateName:  "daily_update",
		Language:      "en",
		BodyParams:    []string{"Asha", "Markets opened higher"},
	}
}

func TestSendTemplateMessage(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v18.0/1000001/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"919876543210","wa_id":"919876543210"}],"messages":[{"id":"wamid.1"}]}`))
	}, Options{})

	res, err := c.SendTemplateMessage(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("SendTemplateMessage() error = %v", err)
	}
	if !res.Success || res.MessageID != "wamid.1" || res.WaID != "919876543210" {
		t.Errorf("result = %+v", res)
	}

	if got["to"] != "919876543210" {
		t.Errorf("to = %v, want 919876543210", got["to"])
	}
	tpl := got["template"].(map[string]any)
	if tpl["name"] != "daily_update" {
		t.Errorf("template name = %v", tpl["name"])
	}
	components := tpl["components"].([]any)
	if len(components) != 1 {
		t.Fatalf("components = %d, want 1 (body only)", len(components))
	}
	body := components[0].(map[string]any)
	params := body["parameters"].([]any)
	if len(params) != 2 || params[0].(map[string]any)["text"] != "Asha" {
		t.Errorf("body parameters = %v", params)
	}
}

func TestSendTemplateMessageWithMedia(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.2"}]}`))
	}, Options{})

	req := validRequest()
	req.Media = "https://cdn.example.com/today.png"
	if _, err := c.SendTemplateMessage(context.Background(), req); err != nil {
		t.Fatalf("SendTemplateMessage() error = %v", err)
	}

	components := got["template"].(map[string]any)["components"].([]any)
	header := components[0].(map[string]any)
	if header["type"] != "header" {
		t.Fatalf("first component = %v, want header", header["type"])
	}
	image := header["parameters"].([]any)[0].(map[string]any)["image"].(map[string]any)
	if image["link"] != "https://cdn.example.com/today.png" {
		t.Errorf("image = %v, want link", image)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.3"}]}`))
	}, Options{})

	res, err := c.SendTemplateMessage(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("SendTemplateMessage() error = %v", err)
	}
	if res.MessageID != "wamid.3" {
		t.Errorf("MessageID = %s", res.MessageID)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","code":1}}`))
	}, Options{})

	_, err := c.SendTemplateMessage(context.Background(), validRequest())
	if KindOf(err) != KindServerError {
		t.Fatalf("error kind = %s, want SERVER_ERROR (err = %v)", KindOf(err), err)
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4 (first + 3 retries)", calls.Load())
	}
}

func TestSendClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    string
		wantKind  Kind
		wantCalls int32
		retryable bool
	}{
		{"bad request", 400, `{"error":{"message":"Invalid parameter","code":100}}`, "", KindBadRequest, 1, false},
		{"unauthorized", 401, `{"error":{"message":"token expired","code":190}}`, "", KindUnauthorized, 1, false},
		{"forbidden", 403, `{"error":{"message":"no permission","code":10}}`, "", KindUnauthorized, 1, false},
		{"rate limited", 429, `{"error":{"message":"slow down","code":130429}}`, "7", KindRateLimit, 4, true},
		{"temporary code", 400, `{"error":{"message":"try later","code":131056}}`, "", KindUnknown, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, Options{})

			_, err := c.SendTemplateMessage(context.Background(), validRequest())
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", apiErr.Kind, tt.wantKind)
			}
			if apiErr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", apiErr.Retryable(), tt.retryable)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if tt.wantKind == KindRateLimit {
				if apiErr.RetryAfter != 7*time.Second {
					t.Errorf("RetryAfter = %v, want 7s", apiErr.RetryAfter)
				}
				if len(*slept) == 0 || (*slept)[0] != 7*time.Second {
					t.Errorf("rate limit backoff = %v, want retry-after 7s", *slept)
				}
			}
		})
	}
}

func TestRateLimitDefaultRetryAfter(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, Options{MaxRetries: -1})

	_, err := c.SendTemplateMessage(context.Background(), validRequest())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter != 60*time.Second {
		t.Errorf("error = %v, want RATE_LIMIT with 60s retry-after", err)
	}
}

func TestRetryStopsAtDeadline(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.SendTemplateMessage(ctx, validRequest())
	if KindOf(err) != KindRateLimit {
		t.Fatalf("error = %v, want RATE_LIMIT", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 when retry-after exceeds the deadline", calls.Load())
	}
}

func TestNetworkErrorClassified(t *testing.T) {
	c := NewClient(Options{
		BaseURL:    "http://127.0.0.1:1",
		MaxRetries: -1,
		Logger:     testLogger(),
	})
	_, err := c.SendTemplateMessage(context.Background(), validRequest())
	if KindOf(err) != KindNetworkError {
		t.Errorf("error kind = %s, want NETWORK_ERROR", KindOf(err))
	}
	if !IsRetryable(err) {
		t.Error("network errors should be retryable")
	}
}

func TestSendValidatesRequest(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called")
	}, Options{})

	req := validRequest()
	req.To = "12345"
	if _, err := c.SendTemplateMessage(context.Background(), req); KindOf(err) != KindBadRequest {
		t.Errorf("invalid phone error = %v, want BAD_REQUEST", err)
	}

	req = validRequest()
	req.TemplateName = ""
	if _, err := c.SendTemplateMessage(context.Background(), req); KindOf(err) != KindBadRequest {
		t.Errorf("missing template error = %v, want BAD_REQUEST", err)
	}
}

type countingWaiter struct {
	calls atomic.Int32
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

func TestSendUsesLimiter(t *testing.T) {
	waiter := &countingWaiter{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"id":"wamid.4"}]}`))
	}, Options{Limiter: waiter})

	for i := 0; i < 3; i++ {
		if _, err := c.SendTemplateMessage(context.Background(), validRequest()); err != nil {
			t.Fatalf("SendTemplateMessage() error = %v", err)
		}
	}
	if waiter.calls.Load() != 3 {
		t.Errorf("limiter waits = %d, want 3", waiter.calls.Load())
	}

	blocked := &countingWaiter{err: errors.New("no budget")}
	c2, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called when the limiter refuses")
	}, Options{Limiter: blocked})
	if _, err := c2.SendTemplateMessage(context.Background(), validRequest()); KindOf(err) != KindRateLimit {
		t.Errorf("error = %v, want RATE_LIMIT", err)
	}
}

func TestGetQualityMetrics(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v18.0/1000001" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("fields") == "" {
			t.Error("fields query missing")
		}
		w.Write([]byte(`{"quality_rating":"YELLOW","status":"CONNECTED","display_phone_number":"+91 90000 00001","verified_name":"Daily Desk"}`))
	}, Options{})

	m, err := c.GetQualityMetrics(context.Background(), "1000001")
	if err != nil {
		t.Fatalf("GetQualityMetrics() error = %v", err)
	}
	if m.Quality != model.QualityMedium || m.Status != "CONNECTED" {
		t.Errorf("metrics = %+v, want MEDIUM CONNECTED", m)
	}
}

func TestSubmitAndPollTemplate(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v18.0/waba-1/message_templates":
			var sub TemplateSubmission
			json.NewDecoder(r.Body).Decode(&sub)
			if sub.Name != "daily_update" || sub.Language != "hi" {
				t.Errorf("submission = %+v", sub)
			}
			w.Write([]byte(`{"id":"tpl-1","status":"PENDING","category":"UTILITY"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v18.0/tpl-1":
			w.Write([]byte(`{"id":"tpl-1","name":"daily_update","status":"REJECTED","rejected_reason":"INVALID_FORMAT"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}, Options{BusinessAccountID: "waba-1"})

	st, err := c.SubmitTemplate(context.Background(), TemplateSubmission{
		Name:     "daily_update",
		Category: "UTILITY",
		Language: "hi",
		Components: []Component{
			{Type: "BODY", Text: "Namaste {{1}}, {{2}}"},
		},
	})
	if err != nil {
		t.Fatalf("SubmitTemplate() error = %v", err)
	}
	if st.ID != "tpl-1" || st.Status != "PENDING" {
		t.Errorf("submit state = %+v", st)
	}

	st, err = c.GetTemplateStatus(context.Background(), "tpl-1")
	if err != nil {
		t.Fatalf("GetTemplateStatus() error = %v", err)
	}
	if st.Status != "REJECTED" || st.Reason != "INVALID_FORMAT" {
		t.Errorf("status = %+v", st)
	}
}

func TestListTemplatesPages(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v18.0/waba-1/message_templates" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("after") == "" {
			w.Write([]byte(`{"data":[{"id":"1","name":"daily_update","language":"en","category":"UTILITY","status":"APPROVED",
				"components":[{"type":"BODY","text":"Hi {{1}}"}]}],
				"paging":{"cursors":{"after":"c1"},"next":"https://graph/next"}}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":"2","name":"promo","language":"hi","category":"MARKETING","status":"REJECTED","rejected_reason":"PROMOTIONAL"}],"paging":{"cursors":{"after":"c2"}}}`))
	}, Options{BusinessAccountID: "waba-1"})

	list, err := c.ListTemplates(context.Background())
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(list) != 2 || calls != 2 {
		t.Fatalf("got %d templates in %d calls", len(list), calls)
	}
	if list[0].Body != "Hi {{1}}" || list[0].Status != "APPROVED" {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].Reason != "PROMOTIONAL" || list[1].Language != "hi" {
		t.Errorf("second = %+v", list[1])
	}
}

func TestSubmitRequiresBusinessAccount(t *testing.T) {
	c := NewClient(Options{Logger: testLogger()})
	if _, err := c.SubmitTemplate(context.Background(), TemplateSubmission{Name: "x"}); KindOf(err) != KindBadRequest {
		t.Errorf("error = %v, want BAD_REQUEST", err)
	}
}

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"9876543210", "919876543210", true},
		{"+91 98765 43210", "919876543210", true},
		{"(987) 654-3210", "919876543210", true},
		{"12345", "12345", false},
		{"449876543210", "449876543210", false},
	}
	for _, tt := range tests {
		got := FormatPhone(tt.in)
		if got != tt.want {
			t.Errorf("FormatPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if ValidPhone(got) != tt.valid {
			t.Errorf("ValidPhone(%q) = %v, want %v", got, !tt.valid, tt.valid)
		}
	}
}
