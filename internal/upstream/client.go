// Package upstream is the JSON-over-HTTP client for the back-office API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

const maxErrorBody = 4 << 10

// ErrUnavailable marks transport failures and open breakers.
var ErrUnavailable = errors.New("upstream: unavailable")

// StatusError reports a non-2xx response from the back-office API.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s %s returned %d", e.Method, e.Path, e.Status)
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client issues JSON requests against a single base URL.
type Client struct {
	BaseURL string
	// Service labels metrics and spans, e.g. "coupon" or "payment".
	Service string
	HTTP    resilience.Doer
	Header  http.Header
}

// NewHTTPClient builds the resilient transport shared by upstream clients.
func NewHTTPClient(timeout time.Duration, maxAttempts int, breaker *resilience.Breaker) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
		BaseBackoff: 200 * time.Millisecond,
		Jitter:      0.2,
	}
}

// WithService returns a copy of c labelled for service.
func (c Client) WithService(service string) Client {
	c.Service = service
	return c
}

// DoJSON sends in (when non-nil) as the JSON body and decodes a 2xx response
// into out (when non-nil).
func (c Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	if c.HTTP == nil {
		return errors.New("upstream: http client not configured")
	}
	ctx, span := otel.Tracer("upstream").Start(ctx, "upstream."+c.service())
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("upstream.path", path))

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("upstream: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range c.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		c.observe(start, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(start, "status_"+fmt.Sprint(resp.StatusCode/100)+"xx")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		span.SetStatus(codes.Error, resp.Status)
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	c.observe(start, "ok")
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upstream: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Ping issues a GET against path and reports any transport or 5xx failure.
func (c Client) Ping(ctx context.Context, path string) error {
	err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status < http.StatusInternalServerError {
		return nil
	}
	return err
}

func (c Client) url(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

func (c Client) service() string {
	if c.Service == "" {
		return "backoffice"
	}
	return c.Service
}

func (c Client) observe(start time.Time, result string) {
	if obs.UpstreamLatency == nil {
		return
	}
	obs.UpstreamLatency.WithLabelValues(c.service(), result).Observe(obs.DurationMillis(time.Since(start)))
}
