// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness; the server clears it when draining.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency. A failing non-critical probe is reported but
// keeps the instance ready.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// RedisProbe pings Redis, which holds carts and sessions.
func RedisProbe(client redis.Cmdable) Probe {
	return Probe{Name: "redis", Critical: true, Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// UpstreamProbe issues a GET against the back-office API.
func UpstreamProbe(name string, api upstream.Client, path string) Probe {
	return Probe{Name: name, Check: func(ctx context.Context) error {
		return api.Ping(ctx, path)
	}}
}

// BreakerProbe reports an open circuit.
func BreakerProbe(b *resilience.Breaker) Probe {
	return Probe{Name: "breaker:" + b.Target(), Check: func(context.Context) error {
		if b.State() == resilience.Open {
			return errors.New("circuit open")
		}
		return nil
	}}
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes  []Probe
	Timeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 when a critical one
// fails or the server is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	var (
		mu      sync.Mutex
		checks  = make(map[string]string, len(h.Probes))
		healthy = true
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range h.Probes {
		g.Go(func() error {
			status := "ok"
			if err := p.Check(gctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[p.Name] = status
			if status != "ok" && p.Critical {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	common.JSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (h Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.Timeout
}
