package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/storefront-checkout/internal/health"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
)

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(name string, critical bool, err error) health.Probe {
	return health.Probe{Name: name, Critical: critical, Check: func(context.Context) error { return err }}
}

func ready(t *testing.T, h health.Handler) (int, readiness) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var out readiness
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rr.Code, out
}

func TestLive(t *testing.T) {
	handler := health.Handler{}
	rr := httptest.NewRecorder()
	handler.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestReadyWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	code, out := ready(t, health.Handler{Probes: []health.Probe{health.RedisProbe(client)}, Timeout: 100 * time.Millisecond})
	if code != http.StatusOK || out.Checks["redis"] != "ok" {
		t.Fatalf("unexpected readiness %d %#v", code, out)
	}
}

func TestReadyNonCriticalFailureStaysReady(t *testing.T) {
	code, out := ready(t, health.Handler{Probes: []health.Probe{
		probe("redis", true, nil),
		probe("backoffice", false, errors.New("timeout")),
	}})
	if code != http.StatusOK {
		t.Fatalf("expected 200 got %d", code)
	}
	if out.Checks["backoffice"] != "timeout" {
		t.Fatalf("unexpected checks %#v", out.Checks)
	}
}

func TestReadyCriticalFailure(t *testing.T) {
	code, out := ready(t, health.Handler{Probes: []health.Probe{probe("redis", true, errors.New("redis down"))}})
	if code != http.StatusServiceUnavailable || out.Status != "degraded" {
		t.Fatalf("expected 503 degraded, got %d %q", code, out.Status)
	}
}

func TestBreakerProbe(t *testing.T) {
	b := resilience.NewBreaker(1, 0.5, time.Minute).WithTarget("backoffice")
	p := health.BreakerProbe(b)
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker reported %v", err)
	}
	b.Report(context.Background(), false)
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected open breaker to be reported")
	}
}
