package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/nholik/ec2-state-notifier/internal/ec2event"
	"github.com/nholik/ec2-state-notifier/internal/handler"
	"github.com/nholik/ec2-state-notifier/internal/healthcheck"
	"github.com/nholik/ec2-state-notifier/internal/metrics"
	"github.com/nholik/ec2-state-notifier/internal/notify"
	"github.com/rs/zerolog"
)

type stubEvents struct {
	result    handler.DeliveryResult
	err       error
	requestID string
	body      string
}

func (s *stubEvents) HandleJSON(ctx context.Context, data []byte) (handler.DeliveryResult, error) {
	s.requestID = handler.RequestID(ctx)
	s.body = string(data)
	return s.result, s.err
}

func postEvent(t *testing.T, router http.Handler, body string, header http.Header) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestEventsStatusCodes(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"delivered": {nil, http.StatusOK},
		"malformed": {&ec2event.MalformedError{Field: "detail.state", Reason: "missing"}, http.StatusBadRequest},
		"webhook":   {&notify.DeliveryError{Service: "slack", StatusCode: 500}, http.StatusBadGateway},
		"transport": {errors.New("dial tcp: connection refused"), http.StatusBadGateway},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			events := &stubEvents{result: handler.DeliveryResult{InstanceID: "i-0abc", State: "running"}, err: tc.err}
			router := NewRouter(zerolog.New(io.Discard), events, healthcheck.NewTracker(), metrics.New(), 0)

			rec, resp := postEvent(t, router, `{"detail":{}}`, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if resp.Result.InstanceID != "i-0abc" {
				t.Fatalf("expected result in body, got %+v", resp)
			}
			if (tc.err != nil) != (resp.Error != "") {
				t.Fatalf("unexpected error field %q", resp.Error)
			}
			if events.body != `{"detail":{}}` {
				t.Fatalf("unexpected body forwarded: %q", events.body)
			}
		})
	}
}

func TestEventsBodyReadErrors(t *testing.T) {
	events := &stubEvents{}
	router := NewRouter(zerolog.New(io.Discard), events, nil, nil, 0)

	rec := httptest.NewRecorder()
	oversized := strings.NewReader(`{"detail":"` + strings.Repeat("x", maxEventBytes) + `"}`)
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", oversized))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	broken := iotest.ErrReader(errors.New("connection reset"))
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", broken))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unreadable body, got %d", rec.Code)
	}

	if events.body != "" {
		t.Fatalf("handler must not run on read errors, got %q", events.body)
	}
}

func TestEventsRequestID(t *testing.T) {
	events := &stubEvents{}
	router := NewRouter(zerolog.New(io.Discard), events, nil, nil, 0)

	rec, resp := postEvent(t, router, `{}`, http.Header{requestIDHeader: []string{"given-id"}})
	if resp.RequestID != "given-id" || events.requestID != "given-id" || rec.Header().Get(requestIDHeader) != "given-id" {
		t.Fatalf("expected caller request id to propagate, got %q / %q", resp.RequestID, events.requestID)
	}

	_, resp = postEvent(t, router, `{}`, nil)
	if len(resp.RequestID) != 36 || events.requestID != resp.RequestID {
		t.Fatalf("expected generated uuid, got %q", resp.RequestID)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	tracker := healthcheck.NewTracker()
	m := metrics.New()
	m.IncMalformed()
	router := NewRouter(zerolog.New(io.Discard), &stubEvents{}, tracker, m, 0)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /events, got %d", rec.Code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tracker := healthcheck.NewTracker()
	router := NewRouter(zerolog.New(io.Discard), &stubEvents{}, tracker, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, zerolog.New(io.Discard), listener, router, tracker)
	}()

	url := "http://" + listener.Addr().String() + "/readyz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
