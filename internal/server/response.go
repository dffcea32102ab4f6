package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/webhook"
)

// Response is the JSON body returned to providers.
type Response struct {
	Error            string            `json:"error,omitempty"`
	ErrorDescription *ErrorDescription `json:"error_description,omitempty"`
	EventID          string            `json:"event_id,omitempty"`
	Timestamp        string            `json:"timestamp"`
	Success          bool              `json:"success"`
}

// ErrorDescription carries the human-readable reason for a rejection.
type ErrorDescription struct {
	Message string `json:"message"`
}

// StatusFor maps a Receive error onto the HTTP status providers see. 4xx tells the
// provider not to retry; 5xx asks it to redeliver.
func StatusFor(err error) int {
	var vErr *common.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, webhook.ErrInvalidSignature),
		errors.Is(err, webhook.ErrUnknownProvider),
		errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrQueueFull), errors.Is(err, webhook.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Success builds the acknowledgement for an accepted event.
func Success(eventID string) Response {
	return Response{
		Success:   true,
		EventID:   eventID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Failure builds the body for a rejected event. Internal errors are not echoed back.
func Failure(status int, err error) Response {
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError && err != nil {
		msg = err.Error()
	}
	return Response{
		Success:          false,
		Error:            strconv.Itoa(status),
		ErrorDescription: &ErrorDescription{Message: msg},
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Warn("Failed to write response", "error", err)
	}
}
