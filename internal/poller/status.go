// Package poller follows a submitted order until the back-office reports it
// paid.
package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

// OrderStatus is the payment status of one order.
type OrderStatus struct {
	ID       string          `json:"_id"`
	Paid     bool            `json:"paid"`
	PaidAt   *time.Time      `json:"paidAt,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// StatusSource reports order status.
type StatusSource interface {
	Status(ctx context.Context, orderID string) (OrderStatus, error)
}

// StatusClient calls GET /orders/{id}/status.
type StatusClient struct {
	API upstream.Client
}

// Status implements StatusSource.
func (c StatusClient) Status(ctx context.Context, orderID string) (OrderStatus, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderStatus{}, errors.New("poller: order id is required")
	}
	var st OrderStatus
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.API.DoJSON(ctx, http.MethodGet, path, nil, &st); err != nil {
		return OrderStatus{}, fmt.Errorf("poller: order status: %w", err)
	}
	if st.ID == "" {
		st.ID = orderID
	}
	return st, nil
}
