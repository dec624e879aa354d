package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// Handler serves the post-checkout screen.
type Handler struct {
	Poller *Poller
	// RedirectTo is where a session without a result is sent.
	RedirectTo string
	Logger     zerolog.Logger
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request) {
	to := h.RedirectTo
	if to == "" {
		to = "/"
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// Result handles GET /api/v1/checkout/result with a single status check.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	step, err := h.Poller.Step(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, step)
}

// Stream handles GET /api/v1/checkout/result/stream as server-sent events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.JSONError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported", nil)
		return
	}

	started := false
	err := h.Poller.Run(r.Context(), owner, func(step Step) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(step)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", step.Phase, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err == nil || r.Context().Err() != nil {
		return
	}
	if !started {
		h.writeError(w, r, err)
		return
	}
	obs.LoggerFrom(r.Context(), h.Logger).Warn().Err(err).Msg("result stream ended")
	_, _ = fmt.Fprint(w, "event: error\ndata: {}\n\n")
	flusher.Flush()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoResult):
		h.redirect(w, r)
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, resilience.ErrOpenCircuit):
		common.JSONError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "order status unavailable", nil)
	default:
		obs.LoggerFrom(r.Context(), h.Logger).Error().Err(err).Msg("checkout result failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load checkout result", nil)
	}
}
