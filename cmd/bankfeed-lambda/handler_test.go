package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/server"
	"github.com/Veraticus/bankfeed/internal/webhook"
	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type refresher struct {
	calls []string
	mu    sync.Mutex
}

func (r *refresher) RefreshAccount(_ context.Context, connectionID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, connectionID+"/"+accountID)
	return nil
}

func newPipeline(t *testing.T) (*webhook.Manager, *refresher) {
	t.Helper()
	r := &refresher{}
	m := webhook.NewManager(nil, webhook.WithAccountRefresher(r))
	require.NoError(t, m.Register("acme", webhook.ProviderConfig{Secret: secret, Active: true}))
	return m, r
}

func accountEvent(eventID string) string {
	body, _ := json.Marshal(model.WebhookEnvelope{
		EventID:      eventID,
		Type:         model.EventAccountUpdated,
		ConnectionID: "conn-1",
		Data:         json.RawMessage(`{"account_id":"acc-1"}`),
	})
	return string(body)
}

func decodeResponse(t *testing.T, resp events.APIGatewayProxyResponse) server.Response {
	t.Helper()
	var out server.Response
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	return out
}

func TestHandleDrainsAcceptedEvent(t *testing.T) {
	m, r := newPipeline(t)
	body := accountEvent("evt-1")

	resp, err := newHandler(m).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodPost,
		Path:           "/webhooks/acme",
		PathParameters: map[string]string{"provider": "acme"},
		Headers:        map[string]string{"x-signature": encryption.Sign([]byte(body), secret)},
		Body:           body,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeResponse(t, resp).Success)

	assert.Equal(t, []string{"conn-1/acc-1"}, r.calls)
	stats := m.Stats()
	assert.Zero(t, stats.Queued)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestHandle(t *testing.T) {
	body := accountEvent("evt-2")
	signed := encryption.Sign([]byte(body), secret)

	tests := []struct {
		name       string
		req        events.APIGatewayProxyRequest
		wantStatus int
	}{
		{
			name: "provider from path",
			req: events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/webhooks/acme",
				Headers:    map[string]string{"X-Signature": signed},
				Body:       body,
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "provider from header with base64 body",
			req: events.APIGatewayProxyRequest{
				HTTPMethod:      http.MethodPost,
				Path:            "/webhooks",
				Headers:         map[string]string{"X-Provider-Id": "acme", "X-SIGNATURE": signed},
				Body:            base64.StdEncoding.EncodeToString([]byte(body)),
				IsBase64Encoded: true,
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "bad signature",
			req: events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/webhooks/acme",
				Headers:    map[string]string{"X-Signature": "sha256=00"},
				Body:       body,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown provider",
			req: events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/webhooks/other",
				Headers:    map[string]string{"X-Signature": signed},
				Body:       body,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "no provider",
			req: events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/",
				Body:       body,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "invalid base64",
			req: events.APIGatewayProxyRequest{
				HTTPMethod:      http.MethodPost,
				Path:            "/webhooks/acme",
				Body:            "%%%",
				IsBase64Encoded: true,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "oversized",
			req: events.APIGatewayProxyRequest{
				HTTPMethod: http.MethodPost,
				Path:       "/webhooks/acme",
				Body:       strings.Repeat("x", server.MaxBodyBytes+1),
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "wrong method",
			req:        events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/webhooks/acme"},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newPipeline(t)
			resp, err := newHandler(m).Handle(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Headers["Content-Type"])
			assert.Equal(t, tt.wantStatus == http.StatusOK, decodeResponse(t, resp).Success)
		})
	}
}
