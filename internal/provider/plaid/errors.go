package plaid

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/provider"
	"github.com/plaid/plaid-go/v20/plaid"
)

// mapError extracts the Plaid error body, when there is one, and classifies it.
func mapError(err error, httpResp *http.Response) error {
	f := provider.HTTPFailure{Provider: ProviderID, Err: err}
	if httpResp != nil {
		f.StatusCode = httpResp.StatusCode
		f.Header = httpResp.Header
	}
	if pe, convErr := plaid.ToPlaidError(err); convErr == nil {
		f.Code = pe.ErrorCode
		f.Message = pe.ErrorMessage
	}
	return classify(f)
}

// classify maps Plaid error codes first and falls back to the HTTP status.
func classify(f provider.HTTPFailure) error {
	switch f.Code {
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "INVALID_API_KEYS", "ACCESS_NOT_GRANTED",
		"USER_PERMISSION_REVOKED", "ITEM_LOCKED", "INVALID_CREDENTIALS":
		return &common.AuthenticationError{Provider: ProviderID, Message: f.Code + " - " + f.Message, Err: f.Err}
	case "ITEM_NOT_FOUND", "INSTITUTION_NOT_FOUND", "INVALID_INSTITUTION":
		return &common.APIError{Provider: ProviderID, Code: f.Code, Message: f.Message, StatusCode: f.StatusCode, Err: common.ErrNotFound}
	case "INSTITUTION_DOWN", "INSTITUTION_NOT_RESPONDING", "INTERNAL_SERVER_ERROR", "PLANNED_MAINTENANCE":
		return &common.NetworkError{Provider: ProviderID, Message: f.Code + " - " + f.Message, Err: f.Err}
	}
	if f.Code == "RATE_LIMIT_EXCEEDED" || strings.HasSuffix(f.Code, "_RATE_LIMIT") {
		f.StatusCode = http.StatusTooManyRequests
	}
	return provider.MapError(f)
}

// isMissing reports whether err means the item or institution does not exist.
func isMissing(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
