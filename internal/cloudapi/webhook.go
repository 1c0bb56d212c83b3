package cloudapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/wadispatch/internal/events"
	"github.com/foxzi/wadispatch/internal/model"
)

// SignatureHeader carries the HMAC of the raw webhook body
const SignatureHeader = "X-Hub-Signature-256"

// Provider error codes reported on failed deliveries
const (
	CodeUserBlocked  = 131049
	CodeUserReported = 131051
)

// ErrInvalidSignature is returned for payloads that fail HMAC verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks an X-Hub-Signature-256 header against body
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value for body, used by tests and tooling
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// QualitySink receives quality samples derived from callbacks
type QualitySink interface {
	TrackMessage(numberID string)
	TrackFailure(numberID, reason string)
	TrackBlock(numberID, template string)
	TrackReport(numberID, template string)
	UpdateQualityRating(ctx context.Context, numberID string, q model.Quality)
}

// TemplateSink receives template review transitions
type TemplateSink interface {
	ApplyStatus(ctx context.Context, name, language, status, reason string) error
}

// Deduper claims idempotency keys. Claim returns true the first time a key is seen.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// NumberResolver maps a provider phone-number id or display number to a pool id
type NumberResolver interface {
	Lookup(ctx context.Context, phoneNumberID string) (string, error)
}

// WebhookProcessor turns provider callbacks into domain events
type WebhookProcessor struct {
	Quality   QualitySink
	Templates TemplateSink
	Dedup     Deduper
	Numbers   NumberResolver
	Bus       events.Publisher
	Logger    *slog.Logger
}

// WebhookResult summarises one processed payload
type WebhookResult struct {
	Statuses   int `json:"statuses"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
	Messages   int `json:"messages"`
	Templates  int `json:"templates"`
	Quality    int `json:"quality"`
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string          `json:"field"`
			Value json.RawMessage `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type messagesValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Statuses []struct {
		ID          string         `json:"id"`
		Status      string         `json:"status"`
		Timestamp   string         `json:"timestamp"`
		RecipientID string         `json:"recipient_id"`
		Errors      []webhookError `json:"errors"`
	} `json:"statuses"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
		Button struct {
			Text string `json:"text"`
		} `json:"button"`
	} `json:"messages"`
	Errors []webhookError `json:"errors"`
}

type webhookError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

type templateStatusValue struct {
	TemplateID json.Number `json:"message_template_id"`
	Name       string      `json:"message_template_name"`
	Language   string      `json:"message_template_language"`
	Event      string      `json:"event"`
	Status     string      `json:"status"`
	Reason     string      `json:"reason"`
}

type qualityValue struct {
	PhoneNumber    string `json:"phone_number"`
	PhoneNumberID  string `json:"phone_number_id"`
	Event          string `json:"event"`
	CurrentRating  string `json:"current_quality_rating"`
	PreviousRating string `json:"previous_quality_rating"`
	CurrentLimit   string `json:"current_limit"`
}

var optOutKeywords = map[string]bool{
	"stop":        true,
	"unsubscribe": true,
	"opt out":     true,
}

// Process parses a verified payload and applies it. Status updates are
// applied at most once per message id and status.
func (w *WebhookProcessor) Process(ctx context.Context, body []byte) (*WebhookResult, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Entry == nil {
		return nil, fmt.Errorf("decode webhook: missing entry")
	}

	res := &WebhookResult{}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				var v messagesValue
				if err := json.Unmarshal(change.Value, &v); err != nil {
					w.logger().Warn("skipping malformed messages change", "error", err)
					continue
				}
				w.processMessages(ctx, &v, res)
			case "message_template_status_update":
				var v templateStatusValue
				if err := json.Unmarshal(change.Value, &v); err != nil {
					w.logger().Warn("skipping malformed template change", "error", err)
					continue
				}
				w.processTemplateStatus(ctx, &v, res)
			case "phone_number_quality_update":
				var v qualityValue
				if err := json.Unmarshal(change.Value, &v); err != nil {
					w.logger().Warn("skipping malformed quality change", "error", err)
					continue
				}
				w.processQuality(ctx, &v, res)
			default:
				w.logger().Debug("ignoring webhook field", "field", change.Field)
			}
		}
	}
	return res, nil
}

func (w *WebhookProcessor) processMessages(ctx context.Context, v *messagesValue, res *WebhookResult) {
	numberID := w.resolve(ctx, v.Metadata.PhoneNumberID)

	for _, st := range v.Statuses {
		key := st.ID + ":" + st.Status
		if w.Dedup != nil {
			first, err := w.Dedup.Claim(ctx, key)
			if err != nil {
				w.logger().Warn("dedup claim failed, applying update", "key", key, "error", err)
			} else if !first {
				res.Duplicates++
				continue
			}
		}
		res.Statuses++

		ev := events.MessageStatus{
			MessageID:   st.ID,
			NumberID:    numberID,
			RecipientID: st.RecipientID,
			Status:      st.Status,
			Timestamp:   parseUnix(st.Timestamp),
		}

		switch st.Status {
		case "sent":
			if w.Quality != nil {
				w.Quality.TrackMessage(numberID)
			}
			w.publish(events.MessageSent, ev)
		case "delivered":
			w.publish(events.MessageDelivered, ev)
		case "read":
			w.publish(events.MessageRead, ev)
		case "failed":
			ev.Reason = "Unknown error"
			if len(st.Errors) > 0 && st.Errors[0].Title != "" {
				ev.Reason = st.Errors[0].Title
			}
			if w.Quality != nil {
				w.Quality.TrackFailure(numberID, ev.Reason)
			}
			for _, e := range st.Errors {
				w.trackErrorCode(numberID, e)
			}
			w.publish(events.MessageFailed, ev)
		default:
			w.logger().Debug("unknown message status", "status", st.Status, "message_id", st.ID)
		}
	}

	for _, e := range v.Errors {
		res.Errors++
		w.logger().Warn("cloud api error callback", "number_id", numberID, "code", e.Code, "title", e.Title)
		if w.Quality != nil {
			w.Quality.TrackFailure(numberID, e.Title)
		}
		w.trackErrorCode(numberID, e)
	}

	for _, m := range v.Messages {
		res.Messages++
		text := strings.ToLower(strings.TrimSpace(m.Text.Body))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(m.Button.Text))
		}
		if optOutKeywords[text] {
			w.logger().Info("recipient opted out", "number_id", numberID)
			w.publish(events.RecipientOptedOut, events.MessageStatus{
				MessageID:   m.ID,
				NumberID:    numberID,
				RecipientID: m.From,
				Status:      "opted_out",
				Timestamp:   parseUnix(m.Timestamp),
			})
		}
	}
}

// trackErrorCode maps block and report codes to quality samples.
// The template name, when known, is carried in error details.
func (w *WebhookProcessor) trackErrorCode(numberID string, e webhookError) {
	if w.Quality == nil {
		return
	}
	switch e.Code {
	case CodeUserBlocked:
		w.Quality.TrackBlock(numberID, e.ErrorData.Details)
	case CodeUserReported:
		w.Quality.TrackReport(numberID, e.ErrorData.Details)
	}
}

func (w *WebhookProcessor) processTemplateStatus(ctx context.Context, v *templateStatusValue, res *WebhookResult) {
	status := v.Status
	if status == "" {
		status = v.Event
	}
	if v.Name == "" || status == "" {
		return
	}
	res.Templates++

	if w.Dedup != nil {
		key := "template:" + v.Name + ":" + v.Language + ":" + status
		if first, err := w.Dedup.Claim(ctx, key); err == nil && !first {
			res.Duplicates++
			return
		}
	}

	if w.Templates != nil {
		if err := w.Templates.ApplyStatus(ctx, v.Name, v.Language, strings.ToUpper(status), v.Reason); err != nil {
			w.logger().Warn("failed to apply template status",
				"name", v.Name,
				"language", v.Language,
				"status", status,
				"error", err,
			)
		}
	}
}

func (w *WebhookProcessor) processQuality(ctx context.Context, v *qualityValue, res *WebhookResult) {
	key := v.PhoneNumberID
	if key == "" {
		key = v.PhoneNumber
	}
	numberID := w.resolve(ctx, key)
	current := model.ParseQuality(v.CurrentRating)
	if current == model.QualityUnknown && v.Event == "FLAGGED" {
		current = model.QualityFlagged
	}
	res.Quality++

	w.logger().Info("quality rating update",
		"number_id", numberID,
		"previous", v.PreviousRating,
		"current", current,
	)
	if w.Quality != nil {
		w.Quality.UpdateQualityRating(ctx, numberID, current)
	}
}

func (w *WebhookProcessor) resolve(ctx context.Context, phoneNumberID string) string {
	if w.Numbers == nil || phoneNumberID == "" {
		return phoneNumberID
	}
	id, err := w.Numbers.Lookup(ctx, phoneNumberID)
	if err != nil {
		return phoneNumberID
	}
	return id
}

func (w *WebhookProcessor) publish(kind events.Kind, data events.MessageStatus) {
	if w.Bus == nil {
		return
	}
	w.Bus.Publish(events.Event{Kind: kind, Data: data})
}

func (w *WebhookProcessor) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func parseUnix(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// MemoryDeduper is an in-process Deduper with a fixed TTL
type MemoryDeduper struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDeduper creates a deduper that forgets keys after ttl
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Claim implements Deduper
func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)

	// opportunistic sweep keeps the map bounded
	if len(d.seen)%1024 == 0 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}
