package checkout

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/orderbump"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// Handler exposes checkout sessions over HTTP.
type Handler struct {
	Service       *Service
	Plan          pricing.InstallmentPlan
	DefaultLocale locale.Locale
	Logger        zerolog.Logger
	// Guard wraps the routes that reach a payment rail (idempotency, rate limit).
	Guard func(http.Handler) http.Handler
	// CouponGuard wraps coupon verification.
	CouponGuard func(http.Handler) http.Handler
}

// Routes mounts the handlers on r, relative to /api/v1/checkout/sessions.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Open)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/bumps/{bumpId}", h.SelectBump)
		r.Delete("/bumps/{bumpId}", h.DeselectBump)
		r.With(orPass(h.CouponGuard)).Post("/coupon", h.ApplyCoupon)
		r.Delete("/coupon", h.RemoveCoupon)
		r.Put("/buyer", h.SetBuyer)
		r.Group(func(r chi.Router) {
			r.Use(orPass(h.Guard))
			r.Post("/submit", h.Submit)
			r.Post("/paypal/orders", h.CreatePayPalOrder)
			r.Post("/paypal/orders/{orderId}/capture", h.CapturePayPalOrder)
		})
	})
}

func orPass(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

type itemView struct {
	catalog.LineItem
	DisplayPrice string `json:"displayPrice"`
}

type bumpView struct {
	orderbump.Resolved
	Selected   bool   `json:"selected"`
	PriceLabel string `json:"priceLabel"`
}

type totalsView struct {
	pricing.Totals
	SubtotalLabel string `json:"subtotalLabel"`
	ShippingLabel string `json:"shippingLabel"`
	DiscountLabel string `json:"discountLabel"`
	TotalLabel    string `json:"totalLabel"`
}

type sessionView struct {
	Session
	Items        []itemView        `json:"items"`
	Bumps        []bumpView        `json:"bumps"`
	Totals       []totalsView      `json:"totals"`
	Methods      []payment.Method  `json:"methods"`
	Physical     bool              `json:"physical"`
	FieldErrors  map[string]string `json:"fieldErrors,omitempty"`
	PricingError string            `json:"pricingError,omitempty"`
}

func (h *Handler) view(sess Session) sessionView {
	v := sessionView{
		Session:  sess,
		Items:    make([]itemView, 0, len(sess.Items)),
		Bumps:    make([]bumpView, 0, len(sess.Bumps)),
		Totals:   []totalsView{},
		Methods:  payment.Methods(sess.Locale),
		Physical: sess.Physical(),
	}
	for _, it := range sess.Items {
		v.Items = append(v.Items, itemView{LineItem: it, DisplayPrice: h.Plan.DisplayPrice(it.Line())})
	}
	for _, b := range sess.Bumps {
		v.Bumps = append(v.Bumps, bumpView{
			Resolved:   b,
			Selected:   sess.selected(b.ID),
			PriceLabel: pricing.FormatMoney(b.Currency, b.Price),
		})
	}
	comp, err := sess.Compose()
	if err != nil {
		v.PricingError = err.Error()
		return v
	}
	lines := sess.Lines()
	for _, t := range comp.Totals {
		v.Totals = append(v.Totals, totalsView{
			Totals:        t,
			SubtotalLabel: pricing.FormatMoney(t.Currency, t.Subtotal),
			ShippingLabel: pricing.FormatMoney(t.Currency, t.Shipping),
			DiscountLabel: pricing.FormatMoney(t.Currency, t.Discount),
			TotalLabel:    h.Plan.TotalLabel(lines, t),
		})
	}
	return v
}

// Open handles POST /api/v1/checkout/sessions.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	var payload struct {
		Origin    string `json:"origin"`
		Locale    string `json:"locale"`
		Source    string `json:"source"`
		Kind      string `json:"kind"`
		ProductID string `json:"productId"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	loc := h.DefaultLocale
	if strings.TrimSpace(payload.Locale) != "" {
		parsed, err := locale.Parse(payload.Locale)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_LOCALE", err.Error(), nil)
			return
		}
		loc = parsed
	}
	if loc == "" {
		loc = locale.BR
	}

	var (
		sess Session
		err  error
	)
	switch Origin(strings.ToLower(strings.TrimSpace(payload.Origin))) {
	case FromCart, "":
		sess, err = h.Service.OpenFromCart(r.Context(), owner, loc, payload.Source)
	case Direct:
		kind, kerr := catalog.ParseKind(payload.Kind)
		if kerr != nil || strings.TrimSpace(payload.ProductID) == "" {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "productId and kind are required for a direct checkout", nil)
			return
		}
		sess, err = h.Service.OpenDirect(r.Context(), owner, loc, payload.Source, kind, payload.ProductID)
	default:
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "origin must be cart or direct", nil)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, h.view(sess))
}

// Get handles GET /api/v1/checkout/sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	sess, err := h.Service.Get(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

// SelectBump handles PUT /api/v1/checkout/sessions/{id}/bumps/{bumpId}.
func (h *Handler) SelectBump(w http.ResponseWriter, r *http.Request) { h.toggle(w, r, true) }

// DeselectBump handles DELETE /api/v1/checkout/sessions/{id}/bumps/{bumpId}.
func (h *Handler) DeselectBump(w http.ResponseWriter, r *http.Request) { h.toggle(w, r, false) }

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, selected bool) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	sess, err := h.Service.ToggleBump(r.Context(), owner, chi.URLParam(r, "id"), chi.URLParam(r, "bumpId"), selected)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

// ApplyCoupon handles POST /api/v1/checkout/sessions/{id}/coupon.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	sess, err := h.Service.ApplyCoupon(r.Context(), owner, chi.URLParam(r, "id"), payload.Code)
	if errors.Is(err, ErrCouponRejected) {
		common.JSONError(w, http.StatusUnprocessableEntity, "COUPON_INVALID", sess.CouponError, h.view(sess))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

// RemoveCoupon handles DELETE /api/v1/checkout/sessions/{id}/coupon.
func (h *Handler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	sess, err := h.Service.RemoveCoupon(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

// SetBuyer handles PUT /api/v1/checkout/sessions/{id}/buyer. Field errors
// are part of the form state, so they come back with a 200.
func (h *Handler) SetBuyer(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	var in BuyerInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	sess, err := h.Service.SetBuyer(r.Context(), owner, chi.URLParam(r, "id"), in)
	var verr *ValidationError
	if err != nil && !errors.As(err, &verr) {
		h.writeError(w, r, err)
		return
	}
	v := h.view(sess)
	if verr != nil {
		v.FieldErrors = verr.Fields
	}
	common.Data(w, http.StatusOK, v)
}

// Submit handles POST /api/v1/checkout/sessions/{id}/submit for PIX and credit.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	var payload struct {
		Method string `json:"method"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	method, err := payment.ParseMethod(payload.Method)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_METHOD", err.Error(), nil)
		return
	}
	sess, err := h.Service.Submit(r.Context(), owner, chi.URLParam(r, "id"), method)
	if err != nil {
		h.writeSubmitError(w, r, sess, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

// CreatePayPalOrder handles POST /api/v1/checkout/sessions/{id}/paypal/orders.
func (h *Handler) CreatePayPalOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	sess, orderID, err := h.Service.CreatePayPalOrder(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeSubmitError(w, r, sess, err)
		return
	}
	common.Data(w, http.StatusCreated, map[string]any{"orderId": orderID, "session": h.view(sess)})
}

// CapturePayPalOrder handles POST /api/v1/checkout/sessions/{id}/paypal/orders/{orderId}/capture.
func (h *Handler) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := common.RequireSession(w, r)
	if !ok {
		return
	}
	sess, err := h.Service.CapturePayPalOrder(r.Context(), owner, chi.URLParam(r, "id"), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeSubmitError(w, r, sess, err)
		return
	}
	common.Data(w, http.StatusOK, h.view(sess))
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, sess Session, err error) {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		common.JSONError(w, http.StatusBadGateway, "PAYMENT_FAILED", sess.Payment.Error, h.view(sess))
		return
	}
	h.writeError(w, r, err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *ValidationError
		stockErr *pricing.StockError
	)
	switch {
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "please review the highlighted fields", verr.Fields)
	case errors.As(err, &stockErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "OUT_OF_STOCK", "requested quantity exceeds stock", map[string]any{
			"id": stockErr.ID, "requested": stockErr.Requested, "stock": stockErr.Stock,
		})
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "CHECKOUT_NOT_FOUND", "checkout session not found", nil)
	case errors.Is(err, ErrBumpNotFound):
		common.JSONError(w, http.StatusNotFound, "BUMP_NOT_FOUND", "order bump not offered", nil)
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusUnprocessableEntity, "EMPTY_CART", "nothing to check out", nil)
	case errors.Is(err, ErrInProgress):
		common.JSONError(w, http.StatusConflict, "PAYMENT_IN_PROGRESS", "a payment is already in progress", nil)
	case errors.Is(err, ErrCompleted):
		common.JSONError(w, http.StatusConflict, "ALREADY_PAID", "checkout already paid", nil)
	case errors.Is(err, ErrPayPalOrderMismatch):
		common.JSONError(w, http.StatusConflict, "PAYPAL_ORDER_MISMATCH", "paypal order does not match this checkout", nil)
	case errors.Is(err, payment.ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, payment.ErrMethodNotAllowed):
		common.JSONError(w, http.StatusUnprocessableEntity, "METHOD_NOT_ALLOWED", err.Error(), nil)
	case errors.Is(err, catalog.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "product not found", nil)
	case errors.Is(err, catalog.ErrInvalidKind):
		common.JSONError(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, resilience.ErrOpenCircuit):
		common.JSONError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "back-office unavailable", nil)
	default:
		obs.LoggerFrom(r.Context(), h.Logger).Error().Err(err).Msg("checkout request failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to process checkout", nil)
	}
}
