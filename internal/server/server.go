package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nholik/ec2-state-notifier/internal/ec2event"
	"github.com/nholik/ec2-state-notifier/internal/handler"
	"github.com/nholik/ec2-state-notifier/internal/healthcheck"
	"github.com/nholik/ec2-state-notifier/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = 5 * time.Second
	maxEventBytes   = 256 << 10
	requestIDHeader = "X-Request-Id"
)

// EventHandler processes raw EventBridge payloads.
type EventHandler interface {
	HandleJSON(ctx context.Context, data []byte) (handler.DeliveryResult, error)
}

// Response is the body returned by POST /events.
type Response struct {
	RequestID string                 `json:"request_id"`
	Result    handler.DeliveryResult `json:"result"`
	Error     string                 `json:"error,omitempty"`
}

// NewRouter wires the local-mode routes.
func NewRouter(logger zerolog.Logger, events EventHandler, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, failureThreshold int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/events", eventsHandler(logger, events))
	r.Get("/healthz", healthcheck.HealthHandler(tracker, failureThreshold))
	r.Get("/readyz", healthcheck.ReadyHandler(tracker))
	r.Method(http.MethodGet, "/metrics", metricsCollector.Handler())

	return r
}

func eventsHandler(logger zerolog.Logger, events EventHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, Response{RequestID: requestID, Error: err.Error()})
			return
		}

		ctx := handler.WithRequestID(r.Context(), requestID)
		result, err := events.HandleJSON(ctx, body)
		resp := Response{RequestID: requestID, Result: result}
		if err == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}

		resp.Error = err.Error()
		var malformed *ec2event.MalformedError
		if errors.As(err, &malformed) {
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}
		logger.Debug().Err(err).Str("request_id", requestID).Msg("event handling failed")
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Run serves h on port until ctx is canceled, then shuts down gracefully.
func Run(ctx context.Context, logger zerolog.Logger, port int, h http.Handler, tracker *healthcheck.Tracker) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(ctx, logger, listener, h, tracker)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, logger zerolog.Logger, listener net.Listener, h http.Handler, tracker *healthcheck.Tracker) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listener.Addr().String()).Msg("local http server starting")
		errCh <- server.Serve(listener)
	}()
	tracker.MarkReady()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("local http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("local http server shutdown: %w", err)
	}
	logger.Info().Msg("local http server stopped")
	return nil
}
