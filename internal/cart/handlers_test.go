package cart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/storage"
)

type stubCatalog map[string]catalog.Product

func (s stubCatalog) Get(_ context.Context, kind catalog.Kind, id string) (catalog.Product, error) {
	p, ok := s[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	p.Kind = kind
	return p, nil
}

type cartResponse struct {
	Data struct {
		Items []struct {
			ID           string `json:"id"`
			Quantity     int    `json:"quantity"`
			DisplayPrice string `json:"displayPrice"`
		} `json:"items"`
		Total          decimal.Decimal `json:"total"`
		TotalLabel     string          `json:"totalLabel"`
		DirectCheckout bool            `json:"directCheckout"`
		ProductID      string          `json:"productId"`
	} `json:"data"`
}

func newRouter() http.Handler {
	h := &Handler{
		Catalog: stubCatalog{
			"c1":     {ID: "c1", Title: "Cardiology", Price: decimal.NewFromInt(100)},
			"single": {ID: "single", Title: "Masterclass", Price: decimal.NewFromInt(997), SingleSale: true},
		},
		Storage: storage.NewMemory(),
		Logger:  zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Use(common.Sessions{}.Middleware)
	r.Get("/api/v1/cart", h.Get)
	r.Post("/api/v1/cart/items", h.AddItem)
	r.Patch("/api/v1/cart/items/{id}", h.UpdateItem)
	r.Delete("/api/v1/cart/items/{id}", h.RemoveItem)
	r.Delete("/api/v1/cart", h.Clear)
	r.Post("/api/v1/cart/rehydrate", h.Rehydrate)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, cartResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(common.SessionHeader, "0b7d6c6e-2f7a-4f36-9f0e-0d9a3d1f2a11")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out cartResponse
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func TestCartHandlersFlow(t *testing.T) {
	r := newRouter()

	rr, out := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"c1","kind":"course","quantity":2}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, out.Data.Items, 1)
	require.Equal(t, 2, out.Data.Items[0].Quantity)
	require.Equal(t, "R$ 100,00", out.Data.Items[0].DisplayPrice)
	require.Equal(t, "R$ 200,00", out.Data.TotalLabel)

	rr, out = do(t, r, http.MethodPatch, "/api/v1/cart/items/c1", `{"quantity":0}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, out.Data.Items[0].Quantity)

	rr, out = do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"single","kind":"course","quantity":4}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, out.Data.DirectCheckout)
	require.Equal(t, "single", out.Data.ProductID)

	rr, out = do(t, r, http.MethodGet, "/api/v1/cart", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, out.Data.Items, 1)
	require.True(t, out.Data.Total.Equal(decimal.NewFromInt(100)))

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/cart/items/nope", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/cart", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr, out = do(t, r, http.MethodGet, "/api/v1/cart", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, out.Data.Items)
}

func TestCartQuantitySurvivesLaterRequests(t *testing.T) {
	r := newRouter()

	rr, out := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"c1","kind":"course","quantity":3}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, 3, out.Data.Items[0].Quantity)

	rr, out = do(t, r, http.MethodPatch, "/api/v1/cart/items/c1", `{"quantity":5}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 5, out.Data.Items[0].Quantity)

	rr, out = do(t, r, http.MethodGet, "/api/v1/cart", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 5, out.Data.Items[0].Quantity)
	require.True(t, out.Data.Total.Equal(decimal.NewFromInt(500)), "total %s", out.Data.Total)

	rr, out = do(t, r, http.MethodPost, "/api/v1/cart/rehydrate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, out.Data.Items[0].Quantity)
	require.True(t, out.Data.Total.Equal(decimal.NewFromInt(100)))
}

func TestAddItemValidation(t *testing.T) {
	r := newRouter()

	rr, _ := do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"c1","kind":"banner"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"ghost","kind":"book"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, r, http.MethodPost, "/api/v1/cart/items", `{"productId":"c1","kind":"course","extra":1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
