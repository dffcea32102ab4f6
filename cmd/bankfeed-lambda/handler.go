package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/server"
	"github.com/aws/aws-lambda-go/events"
)

// Pipeline is the webhook manager as seen by the function.
type Pipeline interface {
	server.Receiver
	Drain(ctx context.Context) error
}

type handler struct {
	pipeline Pipeline
	logger   *slog.Logger
}

func newHandler(p Pipeline) *handler {
	return &handler{pipeline: p, logger: slog.Default().With("component", "lambda")}
}

// Handle serves POST /webhooks/{provider}. The provider comes from the path parameter,
// the last path segment or the X-Provider-ID header.
func (h *handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, server.Failure(http.StatusMethodNotAllowed, nil)), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			verr := &common.ValidationError{Field: "body", Message: "invalid base64 body", Err: err}
			return respond(http.StatusBadRequest, server.Failure(http.StatusBadRequest, verr)), nil
		}
		body = decoded
	}
	if len(body) > server.MaxBodyBytes {
		return respond(http.StatusRequestEntityTooLarge, server.Failure(http.StatusRequestEntityTooLarge, nil)), nil
	}

	get := headerGetter(req.Headers)
	providerID := providerFrom(req, get)
	status, resp := server.Handle(ctx, h.pipeline, providerID, body, server.Signature(get))

	// No worker outlives the invocation, so queued events run before responding. The
	// status is already decided; failures here are retried or parked by the manager.
	if status == http.StatusOK {
		if err := h.pipeline.Drain(ctx); err != nil {
			h.logger.Warn("Drain interrupted", "provider", providerID, "error", err)
		}
	}

	h.logger.Info("Webhook handled",
		"provider", providerID,
		"status", status,
		"event_id", resp.EventID,
		"request_id", req.RequestContext.RequestID)
	return respond(status, resp), nil
}

func providerFrom(req events.APIGatewayProxyRequest, get func(string) string) string {
	if id := req.PathParameters["provider"]; id != "" {
		return id
	}
	path := strings.Trim(req.Path, "/")
	if prefix, id, ok := strings.Cut(path, "/"); ok && prefix == "webhooks" && id != "" && !strings.Contains(id, "/") {
		return id
	}
	return get("X-Provider-ID")
}

// headerGetter looks headers up case-insensitively; API Gateway preserves the sender's case.
func headerGetter(headers map[string]string) func(string) string {
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		canonical[http.CanonicalHeaderKey(k)] = v
	}
	return func(name string) string {
		return canonical[http.CanonicalHeaderKey(name)]
	}
}

func respond(status int, body server.Response) events.APIGatewayProxyResponse {
	data, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"success":false}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}
