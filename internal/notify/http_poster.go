package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const httpErrorBodyLimit = 1024

const defaultTimeout = 10 * time.Second

// httpPoster performs exactly one POST per call. Redelivery is left to the invoking runtime.
type httpPoster struct {
	logger      zerolog.Logger
	serviceName string
	webhookURL  string
	contentType string
	client      *retryablehttp.Client
	timeout     time.Duration
}

func newHTTPPoster(logger zerolog.Logger, serviceName, webhookURL, contentType string, timeout time.Duration) *httpPoster {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	// Hand the final response back instead of retryablehttp's "giving up" error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &httpPoster{
		logger:      logger,
		serviceName: serviceName,
		webhookURL:  webhookURL,
		contentType: contentType,
		client:      client,
		timeout:     timeout,
	}
}

func (p *httpPoster) postOnce(ctx context.Context, payload []byte) (Delivery, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return Delivery{}, fmt.Errorf("build %s request: %w", p.serviceName, err)
	}
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return Delivery{Duration: time.Since(started)}, fmt.Errorf("%s request failed: %w", p.serviceName, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
	delivery := Delivery{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Duration:   time.Since(started),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return delivery, nil
	}

	deliveryErr := &DeliveryError{
		Service:    p.serviceName,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       delivery.Body,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			deliveryErr.RetryAfter = wait
		}
	}
	return delivery, deliveryErr
}

func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
	return 0, false
}

// DeliveryError reports a non-2xx webhook response.
type DeliveryError struct {
	Service    string
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	status := e.Status
	if status == "" {
		status = strconv.Itoa(e.StatusCode)
	}
	msg := fmt.Sprintf("%s request failed: %s", e.Service, status)
	if e.Body != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Body)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s; retry after %s", msg, e.RetryAfter)
	}
	return msg
}
