package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
)

// HTTPFailure describes a failed provider call before it is mapped onto the error taxonomy.
type HTTPFailure struct {
	Err        error
	Header     http.Header
	Provider   string
	Code       string
	Message    string
	StatusCode int
}

// MapError converts a provider failure into AuthenticationError, RateLimitError,
// NetworkError, ValidationError or APIError.
func MapError(f HTTPFailure) error {
	if f.StatusCode == 0 {
		if f.Err == nil {
			return nil
		}
		if errors.Is(f.Err, context.Canceled) {
			return f.Err
		}
		return &common.NetworkError{Provider: f.Provider, Message: f.Message, Err: f.Err}
	}

	switch {
	case f.StatusCode == http.StatusUnauthorized || f.StatusCode == http.StatusForbidden:
		return &common.AuthenticationError{Provider: f.Provider, Message: describe(f), Err: f.Err}
	case f.StatusCode == http.StatusTooManyRequests:
		return &common.RateLimitError{
			Provider:   f.Provider,
			Message:    describe(f),
			RetryAfter: retryAfter(f.Header),
			Err:        f.Err,
		}
	case f.StatusCode >= http.StatusInternalServerError:
		return &common.NetworkError{Provider: f.Provider, Message: describe(f), Err: f.Err}
	case f.StatusCode == http.StatusBadRequest || f.StatusCode == http.StatusUnprocessableEntity:
		return &common.ValidationError{Field: f.Code, Message: describe(f), Err: f.Err}
	case f.StatusCode == http.StatusNotFound:
		apiErr := &common.APIError{Provider: f.Provider, Code: f.Code, Message: f.Message, StatusCode: f.StatusCode, Err: common.ErrNotFound}
		return apiErr
	default:
		return &common.APIError{Provider: f.Provider, Code: f.Code, Message: f.Message, StatusCode: f.StatusCode, Err: f.Err}
	}
}

func describe(f HTTPFailure) string {
	switch {
	case f.Code != "" && f.Message != "":
		return f.Code + " - " + f.Message
	case f.Message != "":
		return f.Message
	case f.Code != "":
		return f.Code
	default:
		return http.StatusText(f.StatusCode)
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
