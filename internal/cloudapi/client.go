// Package cloudapi is the outbound client for the WhatsApp Business Cloud API
// and the parser for its webhook callbacks.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/wadispatch/internal/model"
)

// Waiter blocks until a sending number may issue one more request
type Waiter interface {
	Wait(ctx context.Context, numberID string) error
}

// Options configures a Client
type Options struct {
	BaseURL           string
	APIVersion        string
	AccessToken       string
	BusinessAccountID string
	Timeout           time.Duration
	MaxRetries        int           // retries after the first call
	RetryDelay        time.Duration // base backoff, doubled per retry
	DefaultRetryAfter time.Duration
	Limiter           Waiter // nil disables pacing
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client talks to the Graph API on behalf of all sending numbers
type Client struct {
	baseURL           string
	accessToken       string
	businessAccountID string
	maxRetries        int
	retryDelay        time.Duration
	defaultRetryAfter time.Duration
	limiter           Waiter
	httpClient        *http.Client
	logger            *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Cloud API client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://graph.facebook.com"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "v18.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.DefaultRetryAfter == 0 {
		opts.DefaultRetryAfter = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		baseURL:           strings.TrimRight(opts.BaseURL, "/") + "/" + opts.APIVersion,
		accessToken:       opts.AccessToken,
		businessAccountID: opts.BusinessAccountID,
		maxRetries:        opts.MaxRetries,
		retryDelay:        opts.RetryDelay,
		defaultRetryAfter: opts.DefaultRetryAfter,
		limiter:           opts.Limiter,
		httpClient:        opts.HTTPClient,
		logger:            opts.Logger,
		sleep:             sleepContext,
	}
}

// SendRequest is one outbound template message
type SendRequest struct {
	NumberID      string // pool id, used for pacing
	PhoneNumberID string // provider id of the sending number
	To            string
	TemplateName  string
	Language      string
	BodyParams    []string
	Media         string // media id or https link for the header, optional
}

// SendResult is the provider acknowledgement of a send
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	WaID      string `json:"wa_id,omitempty"`
}

// QualityMetrics is the provider view of one sending number
type QualityMetrics struct {
	Quality        model.Quality `json:"quality"`
	Status         string        `json:"status"`
	DisplayNumber  string        `json:"display_number"`
	VerifiedName   string        `json:"verified_name"`
	MessagingLimit string        `json:"messaging_limit,omitempty"`
}

// TemplateSubmission is a new template for provider review
type TemplateSubmission struct {
	Name       string      `json:"name"`
	Category   string      `json:"category"`
	Language   string      `json:"language"`
	Components []Component `json:"components"`
}

// Component is one part of a submitted template
type Component struct {
	Type    string   `json:"type"`
	Format  string   `json:"format,omitempty"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is a template button definition
type Button struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// TemplateState is the provider review state of a template
type TemplateState struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Reason string `json:"rejected_reason,omitempty"`
}

// TemplateInfo is one entry of the business account's template list
type TemplateInfo struct {
	ID       string
	Name     string
	Language string
	Category string
	Status   string
	Reason   string
	Body     string
}

type templateListPage struct {
	Data []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Language   string `json:"language"`
		Category   string `json:"category"`
		Status     string `json:"status"`
		Reason     string `json:"rejected_reason"`
		Components []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"components"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		TraceID      string `json:"fbtrace_id"`
		ErrorData    struct {
			Details    string `json:"details"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error_data"`
	} `json:"error"`
}

// SendTemplateMessage sends an approved template to one recipient.
// Retryable failures are retried with exponential backoff; the returned
// error is always an *APIError when the provider was reached.
func (c *Client) SendTemplateMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.PhoneNumberID == "" {
		return nil, &APIError{Kind: KindBadRequest, Message: "phone number id is required"}
	}
	if req.TemplateName == "" {
		return nil, &APIError{Kind: KindBadRequest, Message: "template name is required"}
	}
	to := FormatPhone(req.To)
	if !ValidPhone(to) {
		return nil, &APIError{Kind: KindBadRequest, Message: fmt.Sprintf("invalid recipient phone %q", req.To)}
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template": map[string]any{
			"name":       req.TemplateName,
			"language":   map[string]string{"code": language},
			"components": buildComponents(req.BodyParams, req.Media),
		},
	}

	var resp struct {
		Contacts []struct {
			WaID string `json:"wa_id"`
		} `json:"contacts"`
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}

	numberID := req.NumberID
	if numberID == "" {
		numberID = req.PhoneNumberID
	}
	if err := c.call(ctx, numberID, http.MethodPost, "/"+req.PhoneNumberID+"/messages", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, &APIError{Kind: KindUnknown, StatusCode: http.StatusOK, Message: "response carries no message id"}
	}

	result := &SendResult{Success: true, MessageID: resp.Messages[0].ID}
	if len(resp.Contacts) > 0 {
		result.WaID = resp.Contacts[0].WaID
	}
	return result, nil
}

// GetQualityMetrics fetches the current quality rating of a sending number
func (c *Client) GetQualityMetrics(ctx context.Context, phoneNumberID string) (*QualityMetrics, error) {
	var resp struct {
		QualityRating  string `json:"quality_rating"`
		Status         string `json:"status"`
		DisplayNumber  string `json:"display_phone_number"`
		VerifiedName   string `json:"verified_name"`
		MessagingLimit string `json:"messaging_limit_tier"`
	}

	path := "/" + phoneNumberID + "?fields=quality_rating,status,display_phone_number,verified_name,messaging_limit_tier"
	if err := c.call(ctx, "", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &QualityMetrics{
		Quality:        model.ParseQuality(resp.QualityRating),
		Status:         resp.Status,
		DisplayNumber:  resp.DisplayNumber,
		VerifiedName:   resp.VerifiedName,
		MessagingLimit: resp.MessagingLimit,
	}, nil
}

// SubmitTemplate submits one template language for review
func (c *Client) SubmitTemplate(ctx context.Context, sub TemplateSubmission) (*TemplateState, error) {
	if c.businessAccountID == "" {
		return nil, &APIError{Kind: KindBadRequest, Message: "business account id is not configured"}
	}

	var resp TemplateState
	path := "/" + c.businessAccountID + "/message_templates"
	if err := c.call(ctx, "", http.MethodPost, path, sub, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		resp.Status = "PENDING"
	}
	resp.Name = sub.Name
	return &resp, nil
}

// GetTemplateStatus fetches the review state of a submitted template
func (c *Client) GetTemplateStatus(ctx context.Context, providerID string) (*TemplateState, error) {
	var resp TemplateState
	path := "/" + url.PathEscape(providerID) + "?fields=name,status,rejected_reason"
	if err := c.call(ctx, "", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = providerID
	}
	return &resp, nil
}

// ListTemplates pages through every template of the business account
func (c *Client) ListTemplates(ctx context.Context) ([]TemplateInfo, error) {
	if c.businessAccountID == "" {
		return nil, &APIError{Kind: KindBadRequest, Message: "business account id is not configured"}
	}

	var out []TemplateInfo
	after := ""
	for {
		q := url.Values{}
		q.Set("fields", "id,name,language,category,status,rejected_reason,components")
		q.Set("limit", "100")
		if after != "" {
			q.Set("after", after)
		}

		var page templateListPage
		path := "/" + c.businessAccountID + "/message_templates?" + q.Encode()
		if err := c.call(ctx, "", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		for _, d := range page.Data {
			info := TemplateInfo{
				ID:       d.ID,
				Name:     d.Name,
				Language: d.Language,
				Category: d.Category,
				Status:   d.Status,
				Reason:   d.Reason,
			}
			for _, comp := range d.Components {
				if strings.EqualFold(comp.Type, "BODY") {
					info.Body = comp.Text
				}
			}
			out = append(out, info)
		}

		if page.Paging.Next == "" || page.Paging.Cursors.After == "" {
			return out, nil
		}
		after = page.Paging.Cursors.After
	}
}

// call performs a request with pacing and retries
func (c *Client) call(ctx context.Context, numberID, method, path string, body, result any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return lastErr
			}
			c.logger.Debug("retrying cloud api call",
				"path", path,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		if c.limiter != nil && numberID != "" {
			if err := c.limiter.Wait(ctx, numberID); err != nil {
				return &APIError{Kind: KindRateLimit, Message: "rate limiter", Err: err, RetryAfter: c.defaultRetryAfter}
			}
		}

		err := c.request(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// backoff returns retryDelay * 2^(attempt-1), or the provider hint for rate limits
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.Kind == KindRateLimit && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return c.retryDelay * time.Duration(1<<uint(attempt-1))
}

// request performs one HTTP round trip to the Graph API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindNetworkError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &APIError{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
		}
	}

	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var ge graphError
	_ = json.Unmarshal(data, &ge)

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       ge.Error.Code,
		Subcode:    ge.Error.ErrorSubcode,
		Message:    ge.Error.Message,
		TraceID:    ge.Error.TraceID,
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	apiErr.Kind = classify(resp.StatusCode, apiErr.Code)

	if apiErr.Kind == KindRateLimit {
		apiErr.RetryAfter = c.defaultRetryAfter
		if ge.Error.ErrorData.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ge.Error.ErrorData.RetryAfter) * time.Second
		}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	return apiErr
}

// buildComponents assembles header media and positional body parameters
func buildComponents(bodyParams []string, media string) []map[string]any {
	components := make([]map[string]any, 0, 2)

	if media != "" {
		image := map[string]string{"id": media}
		if strings.HasPrefix(media, "http://") || strings.HasPrefix(media, "https://") {
			image = map[string]string{"link": media}
		}
		components = append(components, map[string]any{
			"type": "header",
			"parameters": []map[string]any{
				{"type": "image", "image": image},
			},
		})
	}

	if len(bodyParams) > 0 {
		params := make([]map[string]string, 0, len(bodyParams))
		for _, p := range bodyParams {
			params = append(params, map[string]string{"type": "text", "text": p})
		}
		components = append(components, map[string]any{
			"type":       "body",
			"parameters": params,
		})
	}

	return components
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
