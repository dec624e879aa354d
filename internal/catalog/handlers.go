package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Handler exposes product snapshots with their display price.
type Handler struct {
	lookup Lookup
	plan   pricing.InstallmentPlan
}

// NewHandler constructs a Handler.
func NewHandler(lookup Lookup, plan pricing.InstallmentPlan) *Handler {
	return &Handler{lookup: lookup, plan: plan}
}

type productResponse struct {
	Product
	DisplayPrice string `json:"displayPrice"`
}

// Get handles GET /api/v1/catalog/{kind}/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
		return
	}
	p, err := h.lookup.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	display := h.plan.DisplayPrice(p.LineItem(1).Line())
	common.Data(w, http.StatusOK, productResponse{Product: p, DisplayPrice: display})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
	default:
		common.JSONError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", "catalog unavailable", nil)
	}
}
