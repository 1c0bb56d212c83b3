package cloudapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a Cloud API failure
type Kind string

const (
	KindRateLimit    Kind = "RATE_LIMIT"
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindServerError  Kind = "SERVER_ERROR"
	KindNetworkError Kind = "NETWORK_ERROR"
	KindUnknown      Kind = "UNKNOWN"
)

// Provider error codes that mark a temporary condition
const (
	codeRateLimitHit  = 130429
	codeUnavailable   = 131048
	codeTemporaryFail = 131056
)

// APIError is a classified Cloud API failure
type APIError struct {
	Kind       Kind
	StatusCode int
	Code       int
	Subcode    int
	Message    string
	TraceID    string
	RetryAfter time.Duration // set for RATE_LIMIT
	Err        error         // underlying transport error, if any
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("cloud api %s: %v", e.Kind, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("cloud api %s (HTTP %d, code %d): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("cloud api %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServerError, KindNetworkError:
		return true
	case KindBadRequest, KindUnauthorized:
		return false
	case KindUnknown:
		return e.Code == codeUnavailable || e.Code == codeTemporaryFail
	}
	return false
}

// classify maps an HTTP status and provider code to a Kind
func classify(status, code int) Kind {
	switch {
	case status == http.StatusTooManyRequests || code == codeRateLimitHit:
		return KindRateLimit
	case status == http.StatusBadRequest:
		if code == codeUnavailable || code == codeTemporaryFail {
			return KindUnknown
		}
		return KindBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// KindOf extracts the classification from err, UNKNOWN when err is not an APIError
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable APIError
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
