package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

const (
	pixPath      = "/checkout/pix/content"
	redirectPath = "/checkout/redirect/content"
	paypalPath   = "/checkout/redirect/paypal/content"
)

// ErrEmptyResponse is returned when a rail answers 2xx without an order.
var ErrEmptyResponse = errors.New("payment: rail returned no order")

// Address is the delivery address for physical orders.
type Address struct {
	ZipCode      string `json:"zipCode" validate:"required,min=8,max=9"`
	Street       string `json:"street" validate:"required"`
	Number       string `json:"number" validate:"required"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood" validate:"required"`
	City         string `json:"city" validate:"required"`
	State        string `json:"state" validate:"required,len=2"`
}

// Payload is the body sent to every rail.
type Payload struct {
	Token    string   `json:"token"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	CPF      string   `json:"cpf"`
	CouponID string   `json:"couponId,omitempty"`
	Address  *Address `json:"address,omitempty"`
}

// ResultKind tells the post-checkout screen what to render.
type ResultKind string

const (
	KindPix      ResultKind = "pix"
	KindRedirect ResultKind = "redirect"
	KindPayPal   ResultKind = "paypal"
)

// Result is the normalised rail response persisted for the poller.
type Result struct {
	Kind       ResultKind      `json:"kind"`
	OrderID    string          `json:"_id"`
	Text       string          `json:"text,omitempty"`
	Image      string          `json:"image,omitempty"`
	Expiration string          `json:"expiration,omitempty"`
	URL        string          `json:"url,omitempty"`
	Capture    json.RawMessage `json:"capture,omitempty"`
}

// ResultKey is where the result of owner's last successful checkout lives.
func ResultKey(owner string) string { return "checkout:result:" + owner }

// Rails submits payloads to the payment endpoints.
type Rails interface {
	Pix(ctx context.Context, p Payload) (Result, error)
	Redirect(ctx context.Context, p Payload) (Result, error)
	PayPalCreate(ctx context.Context, p Payload) (string, error)
	PayPalCapture(ctx context.Context, p Payload, paypalOrderID string) (Result, error)
}

// HTTPRails talks to the back-office checkout endpoints.
type HTTPRails struct {
	API upstream.Client
}

type pixResponse struct {
	ID         string `json:"_id"`
	Text       string `json:"text"`
	Image      string `json:"image"`
	Expiration string `json:"expiration"`
}

type redirectResponse struct {
	ID  string `json:"_id"`
	URL string `json:"url"`
}

// Pix implements Rails.
func (r HTTPRails) Pix(ctx context.Context, p Payload) (Result, error) {
	var resp pixResponse
	if err := r.API.DoJSON(ctx, http.MethodPost, pixPath, p, &resp); err != nil {
		return Result{}, fmt.Errorf("payment: pix: %w", err)
	}
	if resp.ID == "" || resp.Text == "" {
		return Result{}, fmt.Errorf("payment: pix: %w", ErrEmptyResponse)
	}
	return Result{Kind: KindPix, OrderID: resp.ID, Text: resp.Text, Image: resp.Image, Expiration: resp.Expiration}, nil
}

// Redirect implements Rails.
func (r HTTPRails) Redirect(ctx context.Context, p Payload) (Result, error) {
	var resp redirectResponse
	if err := r.API.DoJSON(ctx, http.MethodPost, redirectPath, p, &resp); err != nil {
		return Result{}, fmt.Errorf("payment: redirect: %w", err)
	}
	if strings.TrimSpace(resp.URL) == "" {
		return Result{}, fmt.Errorf("payment: redirect: %w", ErrEmptyResponse)
	}
	return Result{Kind: KindRedirect, OrderID: resp.ID, URL: resp.URL}, nil
}

type paypalRequest struct {
	Payload
	Capture bool   `json:"capture,omitempty"`
	OrderID string `json:"orderID,omitempty"`
}

// PayPalCreate implements Rails and returns the PayPal order id.
func (r HTTPRails) PayPalCreate(ctx context.Context, p Payload) (string, error) {
	var resp struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
		OrderID string `json:"orderID"`
	}
	if err := r.API.DoJSON(ctx, http.MethodPost, paypalPath, paypalRequest{Payload: p}, &resp); err != nil {
		return "", fmt.Errorf("payment: paypal create: %w", err)
	}
	for _, id := range []string{resp.ID, resp.OrderID, resp.MongoID} {
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("payment: paypal create: %w", ErrEmptyResponse)
}

// PayPalCapture implements Rails. The capture body is kept opaque.
func (r HTTPRails) PayPalCapture(ctx context.Context, p Payload, paypalOrderID string) (Result, error) {
	if strings.TrimSpace(paypalOrderID) == "" {
		return Result{}, errors.New("payment: paypal capture: order id is required")
	}
	var raw json.RawMessage
	req := paypalRequest{Payload: p, Capture: true, OrderID: paypalOrderID}
	if err := r.API.DoJSON(ctx, http.MethodPost, paypalPath, req, &raw); err != nil {
		return Result{}, fmt.Errorf("payment: paypal capture: %w", err)
	}
	var ids struct {
		ID string `json:"_id"`
	}
	_ = json.Unmarshal(raw, &ids)
	orderID := ids.ID
	if orderID == "" {
		orderID = paypalOrderID
	}
	return Result{Kind: KindPayPal, OrderID: orderID, Capture: raw}, nil
}
