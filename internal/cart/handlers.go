package cart

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/storage"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// Handler wires the cart to HTTP.
type Handler struct {
	Catalog catalog.Lookup
	Storage storage.Store
	Plan    pricing.InstallmentPlan
	Logger  zerolog.Logger
}

type itemView struct {
	catalog.LineItem
	DisplayPrice string `json:"displayPrice"`
}

type cartView struct {
	Items      []itemView      `json:"items"`
	Total      decimal.Decimal `json:"total"`
	TotalLabel string          `json:"totalLabel"`
}

func (h *Handler) view(s *Store) cartView {
	v := cartView{Items: make([]itemView, 0, len(s.state.Items)), Total: s.Total()}
	currency := pricing.DefaultCurrency
	for _, it := range s.state.Items {
		v.Items = append(v.Items, itemView{LineItem: it, DisplayPrice: h.Plan.DisplayPrice(it.Line())})
		currency = it.Currency
	}
	v.TotalLabel = h.Plan.TotalLabel(catalog.Lines(s.state.Items), pricing.Totals{Currency: currency, Total: v.Total})
	return v
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) (*Store, bool) {
	sid, ok := common.RequireSession(w, r)
	if !ok {
		return nil, false
	}
	s, err := Open(r.Context(), h.Storage, sid)
	if err != nil {
		h.Logger.Error().Err(err).Msg("cart load failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load cart", nil)
		return nil, false
	}
	return s, true
}

// Get handles GET /api/v1/cart.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}
	common.Data(w, http.StatusOK, h.view(s))
}

// Rehydrate handles POST /api/v1/cart/rehydrate, called once when the client
// starts. Quantities come back as one.
func (h *Handler) Rehydrate(w http.ResponseWriter, r *http.Request) {
	sid, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	s, err := Rehydrate(r.Context(), h.Storage, sid)
	if err != nil {
		h.Logger.Error().Err(err).Msg("cart rehydrate failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load cart", nil)
		return
	}
	common.Data(w, http.StatusOK, h.view(s))
}

// AddItem handles POST /api/v1/cart/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProductID string `json:"productId"`
		Kind      string `json:"kind"`
		Quantity  int    `json:"quantity"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	productID := strings.TrimSpace(payload.ProductID)
	kind, err := catalog.ParseKind(payload.Kind)
	if err != nil || productID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "productId and kind are required", nil)
		return
	}
	s, ok := h.open(w, r)
	if !ok {
		return
	}
	product, err := h.Catalog.Get(r.Context(), kind, productID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := s.AddItem(r.Context(), product.LineItem(1), payload.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.DirectCheckout {
		common.Data(w, http.StatusOK, map[string]any{"directCheckout": true, "productId": res.ProductID, "kind": kind})
		return
	}
	common.Data(w, http.StatusCreated, h.view(s))
}

// UpdateItem handles PATCH /api/v1/cart/items/{id}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	s, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := s.UpdateQuantity(r.Context(), chi.URLParam(r, "id"), payload.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(s))
}

// RemoveItem handles DELETE /api/v1/cart/items/{id}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := s.RemoveItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(s))
}

// Clear handles DELETE /api/v1/cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.open(w, r)
	if !ok {
		return
	}
	if err := s.Clear(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "item not in cart", nil)
	case errors.Is(err, catalog.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "product not found", nil)
	case errors.Is(err, catalog.ErrInvalidKind):
		common.JSONError(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, resilience.ErrOpenCircuit):
		common.JSONError(w, http.StatusBadGateway, "CATALOG_UNAVAILABLE", "catalog unavailable", nil)
	default:
		h.Logger.Error().Err(err).Msg("cart request failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to update cart", nil)
	}
}
