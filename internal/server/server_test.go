package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Veraticus/bankfeed/internal/certs"
	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/encryption"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

func newManager(t *testing.T, opts ...webhook.Option) *webhook.Manager {
	t.Helper()
	m := webhook.NewManager(nil, opts...)
	require.NoError(t, m.Register("acme", webhook.ProviderConfig{Secret: secret, Active: true}))
	return m
}

func payload(eventID string) []byte {
	body, _ := json.Marshal(model.WebhookEnvelope{
		EventID:      eventID,
		Type:         model.EventAccountUpdated,
		ConnectionID: "conn-1",
		Data:         json.RawMessage(`{"account_id":"acc-1"}`),
	})
	return body
}

func post(t *testing.T, h http.Handler, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestWebhookEndpoint(t *testing.T) {
	h := New(":0", newManager(t)).Handler()
	body := payload("evt-1")

	tests := []struct {
		headers    map[string]string
		name       string
		path       string
		body       []byte
		wantStatus int
	}{
		{
			name:       "accepted",
			path:       "/webhooks/acme",
			body:       body,
			headers:    map[string]string{"X-Signature": encryption.Sign(body, secret)},
			wantStatus: http.StatusOK,
		},
		{
			name:       "provider from header",
			path:       "/webhooks",
			body:       payload("evt-2"),
			headers:    map[string]string{"X-Provider-ID": "acme", "X-Signature": "sha256=" + encryption.Sign(payload("evt-2"), secret)},
			wantStatus: http.StatusOK,
		},
		{
			name:       "bad signature",
			path:       "/webhooks/acme",
			body:       body,
			headers:    map[string]string{"X-Signature": encryption.Sign(body, "wrong")},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown provider",
			path:       "/webhooks/nobody",
			body:       body,
			headers:    map[string]string{"X-Signature": encryption.Sign(body, secret)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no provider",
			path:       "/webhooks",
			body:       body,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed payload",
			path:       "/webhooks/acme",
			body:       []byte(`{"type":`),
			headers:    map[string]string{"X-Signature": encryption.Sign([]byte(`{"type":`), secret)},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, h, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantStatus == http.StatusOK {
				assert.True(t, resp.Success)
				assert.Len(t, resp.EventID, 26)
			} else {
				assert.False(t, resp.Success)
				require.NotNil(t, resp.ErrorDescription)
				assert.NotEmpty(t, resp.ErrorDescription.Message)
			}
		})
	}
}

func TestQueueFullReturns503(t *testing.T) {
	h := New(":0", newManager(t, webhook.WithQueueSize(1))).Handler()

	first := payload("evt-1")
	rec, _ := post(t, h, "/webhooks/acme", first, map[string]string{"X-Signature": encryption.Sign(first, secret)})
	require.Equal(t, http.StatusOK, rec.Code)

	second := payload("evt-2")
	rec, resp := post(t, h, "/webhooks/acme", second, map[string]string{"Plaid-Verification": encryption.Sign(second, secret)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Service Unavailable", resp.ErrorDescription.Message)
}

func TestHealthz(t *testing.T) {
	h := New(":0", newManager(t)).Handler()
	body := payload("evt-1")
	post(t, h, "/webhooks/acme", body, map[string]string{"X-Signature": encryption.Sign(body, secret)})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, 1, got.Queued)
}

func TestOversizedBody(t *testing.T) {
	h := New(":0", newManager(t)).Handler()
	body := []byte(strings.Repeat("x", MaxBodyBytes+1))
	rec, _ := post(t, h, "/webhooks/acme", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type panicReceiver struct{}

func (panicReceiver) Receive(context.Context, string, []byte, string) (*model.WebhookEvent, error) {
	panic("boom")
}

func (panicReceiver) Stats() webhook.Stats { return webhook.Stats{} }

func TestRecovery(t *testing.T) {
	h := New(":0", panicReceiver{}).Handler()
	rec, resp := post(t, h, "/webhooks/acme", []byte(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Internal Server Error", resp.ErrorDescription.Message)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "signature", err: webhook.ErrInvalidSignature, want: http.StatusBadRequest},
		{name: "unknown provider", err: webhook.ErrUnknownProvider, want: http.StatusBadRequest},
		{name: "validation", err: common.NewValidationError("type", "missing"), want: http.StatusBadRequest},
		{name: "queue full", err: webhook.ErrQueueFull, want: http.StatusServiceUnavailable},
		{name: "stopped", err: webhook.ErrStopped, want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestMaskHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Plaid-Verification", "eyJ...")
	h.Set("Content-Type", "application/json")

	masked := MaskHeaders(h)
	assert.Equal(t, "***", masked["Authorization"])
	assert.Equal(t, "***", masked["Plaid-Verification"])
	assert.Equal(t, "application/json", masked["Content-Type"])
}

func TestWebhookOverTLS(t *testing.T) {
	tlsConfig, err := certs.NewStore(t.TempDir()).TLSConfig()
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(New(":0", newManager(t)).Handler())
	ts.TLS = tlsConfig
	ts.StartTLS()
	defer ts.Close()

	body := payload("evt-tls")
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/acme", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Signature", encryption.Sign(body, secret))

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
