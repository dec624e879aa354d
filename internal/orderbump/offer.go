// Package orderbump turns raw add-on declarations into priced, selectable offers.
package orderbump

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/locale"
)

// ErrUnknownType is wrapped by ParseError for unrecognised bump types.
var ErrUnknownType = errors.New("orderbump: unknown type")

// ParseError reports a bump declaration that cannot be interpreted.
type ParseError struct {
	Type catalog.BumpType
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("orderbump: parse %s: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Offer is one parsed bump: CourseRef, BookRef, CIOffer or MEDOffer.
type Offer interface {
	Type() catalog.BumpType
}

// CatalogRef points at a catalog product, optionally with an inlined snapshot
// that makes the lookup unnecessary.
type CatalogRef struct {
	ID       string
	Snapshot *Resolved
}

// CourseRef is a COURSE bump.
type CourseRef struct{ CatalogRef }

// BookRef is a BOOK bump.
type BookRef struct{ CatalogRef }

// CIOffer is an Initial Conversation service priced for a market.
type CIOffer struct {
	Value  decimal.Decimal
	Locale locale.Locale
}

// MEDOffer is a Medical Consultation service, always in BRL.
type MEDOffer struct {
	Value decimal.Decimal
}

func (CourseRef) Type() catalog.BumpType { return catalog.BumpCourse }
func (BookRef) Type() catalog.BumpType   { return catalog.BumpBook }
func (CIOffer) Type() catalog.BumpType   { return catalog.BumpCI }
func (MEDOffer) Type() catalog.BumpType  { return catalog.BumpMED }

type inlineProduct struct {
	ID            string           `json:"id"`
	MongoID       string           `json:"_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Price         *decimal.Decimal `json:"price"`
	Currency      string           `json:"currency"`
	Physical      bool             `json:"physical"`
	ShippingPrice *decimal.Decimal `json:"shippingPrice"`
}

type serviceData struct {
	Value  *decimal.Decimal `json:"value"`
	Locale string           `json:"locale"`
}

// Parse interprets raw. It never panics; anything it cannot make sense of is
// returned as a *ParseError.
func Parse(raw catalog.RawOrderBump) (Offer, error) {
	t := catalog.BumpType(strings.ToUpper(strings.TrimSpace(string(raw.Type))))
	switch t {
	case catalog.BumpCourse, catalog.BumpBook:
		ref, err := parseRef(t, raw.Data)
		if err != nil {
			return nil, &ParseError{Type: t, Err: err}
		}
		if t == catalog.BumpCourse {
			return CourseRef{ref}, nil
		}
		return BookRef{ref}, nil
	case catalog.BumpCI:
		svc, err := parseService(raw.Data)
		if err != nil {
			return nil, &ParseError{Type: t, Err: err}
		}
		loc, err := locale.Parse(svc.Locale)
		if err != nil {
			return nil, &ParseError{Type: t, Err: err}
		}
		return CIOffer{Value: *svc.Value, Locale: loc}, nil
	case catalog.BumpMED:
		svc, err := parseService(raw.Data)
		if err != nil {
			return nil, &ParseError{Type: t, Err: err}
		}
		return MEDOffer{Value: *svc.Value}, nil
	default:
		return nil, &ParseError{Type: t, Err: fmt.Errorf("%w %q", ErrUnknownType, raw.Type)}
	}
}

// parseRef accepts a bare id, a JSON string or number id, or an inlined
// product object. Data that is not JSON is taken as a literal id.
func parseRef(t catalog.BumpType, data string) (CatalogRef, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return CatalogRef{}, errors.New("empty data")
	}
	if !json.Valid([]byte(data)) {
		return CatalogRef{ID: data}, nil
	}
	switch data[0] {
	case '{':
		var p inlineProduct
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return CatalogRef{}, fmt.Errorf("decode inlined product: %w", err)
		}
		id := p.ID
		if id == "" {
			id = p.MongoID
		}
		if id == "" {
			return CatalogRef{}, errors.New("inlined product without id")
		}
		if p.Title == "" || p.Price == nil {
			return CatalogRef{ID: id}, nil
		}
		snap := &Resolved{
			ID:          id,
			Title:       p.Title,
			Description: p.Description,
			Price:       *p.Price,
			Currency:    p.Currency,
			Type:        t,
			Physical:    p.Physical && t == catalog.BumpBook,
		}
		if snap.Physical {
			snap.ShippingPrice = p.ShippingPrice
		}
		snap.normalize()
		return CatalogRef{ID: id, Snapshot: snap}, nil
	case '"':
		var id string
		if err := json.Unmarshal([]byte(data), &id); err != nil || strings.TrimSpace(id) == "" {
			return CatalogRef{}, errors.New("empty id")
		}
		return CatalogRef{ID: strings.TrimSpace(id)}, nil
	case '[', 'n', 't', 'f':
		return CatalogRef{}, fmt.Errorf("unsupported data %q", data)
	default:
		// JSON number: an all-digit catalog id.
		return CatalogRef{ID: data}, nil
	}
}

func parseService(data string) (serviceData, error) {
	var svc serviceData
	if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &svc); err != nil {
		return svc, fmt.Errorf("decode: %w", err)
	}
	if svc.Value == nil {
		return svc, errors.New("missing value")
	}
	if svc.Value.IsNegative() {
		return svc, errors.New("negative value")
	}
	return svc, nil
}
