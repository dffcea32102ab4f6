// Package server exposes the webhook pipeline over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/webhook"
)

// MaxBodyBytes caps webhook payloads.
const MaxBodyBytes = 1 << 20

// Receiver is the part of *webhook.Manager the server drives.
type Receiver interface {
	Receive(ctx context.Context, providerID string, body []byte, signature string) (*model.WebhookEvent, error)
	Stats() webhook.Stats
}

// SignatureHeaders lists where providers put their signature, in lookup order.
var SignatureHeaders = []string{"X-Signature", "Plaid-Verification", "BridgeApi-Signature"}

// Signature returns the first signature header present.
func Signature(get func(string) string) string {
	for _, h := range SignatureHeaders {
		if v := get(h); v != "" {
			return v
		}
	}
	return ""
}

// Handle runs one webhook through the receiver and returns the status and body to send.
// Both the HTTP server and the Lambda entry point go through it.
func Handle(ctx context.Context, recv Receiver, providerID string, body []byte, signature string) (int, Response) {
	if providerID == "" {
		err := common.NewValidationError("provider", "provider id missing from path and X-Provider-ID")
		return http.StatusBadRequest, Failure(http.StatusBadRequest, err)
	}
	ev, err := recv.Receive(ctx, providerID, body, signature)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			common.LogError(err, "Webhook receive failed", common.Fields{"provider": providerID})
		}
		return status, Failure(status, err)
	}
	return http.StatusOK, Success(ev.ID)
}

// Server serves POST /webhooks/{provider} and GET /healthz.
type Server struct {
	recv   Receiver
	logger *slog.Logger
	http   *http.Server
}

// New builds a server listening on addr.
func New(addr string, recv Receiver) *Server {
	s := &Server{
		recv:   recv,
		logger: slog.Default().With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging and panic recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("POST /webhooks", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return Chain(mux, Logging(s.logger), Recovery(s.logger))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	if providerID == "" {
		providerID = r.Header.Get("X-Provider-ID")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Failure(http.StatusRequestEntityTooLarge, err))
			return
		}
		writeJSON(w, http.StatusBadRequest, Failure(http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err)))
		return
	}

	status, resp := Handle(r.Context(), s.recv, providerID, body, Signature(r.Header.Get))
	writeJSON(w, status, resp)
}

type healthResponse struct {
	Status    string `json:"status"`
	Queued    int    `json:"queued"`
	Scheduled int    `json:"scheduled"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.recv.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Queued:    st.Queued,
		Scheduled: st.Scheduled,
		Processed: st.Processed,
		Failed:    st.Failed,
		Retried:   st.Retried,
	})
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	return s.serve(ctx, s.http.ListenAndServe)
}

// ListenAndServeTLS is ListenAndServe over TLS with the given config.
func (s *Server) ListenAndServeTLS(ctx context.Context, tlsConfig *tls.Config) error {
	s.http.TLSConfig = tlsConfig
	return s.serve(ctx, func() error { return s.http.ListenAndServeTLS("", "") })
}

func (s *Server) serve(ctx context.Context, listen func() error) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening for webhooks", "addr", s.http.Addr, "tls", s.http.TLSConfig != nil)
		errCh <- listen()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	}
}
