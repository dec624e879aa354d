package coupon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

func newVerifier(t *testing.T, h http.HandlerFunc) HTTPVerifier {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return HTTPVerifier{API: upstream.Client{BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}}}
}

func TestVerifyAccepted(t *testing.T) {
	v := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cupons/SAVE20/verify", r.URL.Path)
		require.Equal(t, "CONTENT", r.URL.Query().Get("flow"))
		require.Equal(t, "ana@example.com", r.URL.Query().Get("ref"))
		_, _ = w.Write([]byte(`{"_id":"cp1","discount":{"amount":2000,"type":"PERCENTAGE"},"paymentMethodsAllowed":["PIX"],"flows":["CONTENT"]}`))
	})

	c, err := v.Verify(context.Background(), " SAVE20 ", "", "ana@example.com")
	require.NoError(t, err)
	require.Equal(t, "cp1", c.ID)
	require.Equal(t, pricing.Discount{CouponID: "cp1", Amount: 2000, Type: pricing.Percentage}, c.Discount)
	require.True(t, c.AllowsMethod("pix"))
	require.False(t, c.AllowsMethod("PAYPAL"))
}

func TestVerifyNotFound(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
		"no id":  func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"discount":{"amount":5}}`)) },
		"type": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"_id":"x","discount":{"amount":5,"type":"BOGUS"}}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newVerifier(t, h).Verify(context.Background(), "BAD", FlowContent, "")
			require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestVerifyEmptyCodeSkipsNetwork(t *testing.T) {
	v := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request")
	})
	_, err := v.Verify(context.Background(), "  ", FlowContent, "")
	require.ErrorIs(t, err, ErrEmptyCode)
}

func TestAllowsMethodWithoutList(t *testing.T) {
	require.True(t, Coupon{}.AllowsMethod("PAYPAL"))
}
