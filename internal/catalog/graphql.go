package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

const productFields = `_id title description price currency physical shippingPrice stock singleSale orderBump { type data }`

var queries = map[Kind]string{
	Course: "query($id: ID!) { product: publicGetCourse(id: $id) { " + productFields + " } }",
	Book:   "query($id: ID!) { product: publicGetBook(id: $id) { " + productFields + " } }",
	Combo:  "query($id: ID!) { product: publicGetCombo(id: $id) { " + productFields + " } }",
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlProduct struct {
	ID            string           `json:"_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Price         decimal.Decimal  `json:"price"`
	Currency      string           `json:"currency"`
	Physical      bool             `json:"physical"`
	ShippingPrice *decimal.Decimal `json:"shippingPrice"`
	Stock         *int             `json:"stock"`
	SingleSale    bool             `json:"singleSale"`
	OrderBump     []RawOrderBump   `json:"orderBump"`
}

type gqlResponse struct {
	Data struct {
		Product *gqlProduct `json:"product"`
	} `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

// GraphQLClient reads public products from the catalog GraphQL endpoint.
type GraphQLClient struct {
	// API points at the GraphQL endpoint itself.
	API upstream.Client
}

// Get implements Lookup.
func (c GraphQLClient) Get(ctx context.Context, kind Kind, id string) (Product, error) {
	q, ok := queries[kind]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, ErrNotFound
	}

	var resp gqlResponse
	err := c.API.DoJSON(ctx, http.MethodPost, "", gqlRequest{Query: q, Variables: map[string]any{"id": id}}, &resp)
	if err != nil {
		if upstream.IsStatus(err, http.StatusNotFound) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("catalog: get %s %s: %w", kind, id, err)
	}
	if len(resp.Errors) > 0 {
		if notFound(resp) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("catalog: get %s %s: %s", kind, id, resp.Errors[0].Message)
	}
	if resp.Data.Product == nil {
		return Product{}, ErrNotFound
	}
	p := resp.Data.Product
	return Product{
		ID:            p.ID,
		Title:         p.Title,
		Description:   p.Description,
		Kind:          kind,
		Price:         p.Price,
		Currency:      p.Currency,
		Physical:      p.Physical && kind != Course,
		ShippingPrice: p.ShippingPrice,
		Stock:         p.Stock,
		SingleSale:    p.SingleSale,
		OrderBumps:    p.OrderBump,
	}, nil
}

func notFound(resp gqlResponse) bool {
	for _, e := range resp.Errors {
		if code, _ := e.Extensions["code"].(string); strings.EqualFold(code, "NOT_FOUND") {
			return true
		}
		if strings.Contains(strings.ToLower(e.Message), "not found") {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means the product does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
