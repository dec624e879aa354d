package orderbump

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
)

// Resolved is a priced, selectable add-on offer.
type Resolved struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	Price         decimal.Decimal  `json:"price"`
	Currency      string           `json:"currency"`
	Type          catalog.BumpType `json:"type"`
	Physical      bool             `json:"physical,omitempty"`
	ShippingPrice *decimal.Decimal `json:"shippingPrice,omitempty"`
	// Locale is set on CI offers only.
	Locale        locale.Locale    `json:"locale,omitempty"`
}

func (r *Resolved) normalize() {
	if r.Currency == "" {
		r.Currency = pricing.DefaultCurrency
	}
	if !r.Physical {
		r.ShippingPrice = nil
	}
}

// Line projects the bump for the pricing engine with quantity one.
func (r Resolved) Line() pricing.Line {
	l := pricing.Line{ID: r.ID, UnitPrice: r.Price, Currency: r.Currency, Quantity: 1, Physical: r.Physical}
	if r.Physical && r.ShippingPrice != nil {
		l.ShippingPrice = *r.ShippingPrice
	}
	return l
}

// Service is true for the synthetic CI and MED offers.
func (r Resolved) Service() bool {
	return r.Type == catalog.BumpCI || r.Type == catalog.BumpMED
}

// Resolver resolves raw bumps concurrently, dropping the ones that fail.
type Resolver struct {
	lookup      catalog.Lookup
	logger      zerolog.Logger
	concurrency int
	now         func() time.Time

	seq   atomic.Uint64
	group singleflight.Group
}

// NewResolver constructs a Resolver. concurrency bounds in-flight catalog lookups.
func NewResolver(lookup catalog.Lookup, logger zerolog.Logger, concurrency int) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{lookup: lookup, logger: logger, concurrency: concurrency, now: time.Now}
}

// Resolve materialises every bump declared on items. A bump that fails to
// parse or look up is logged and left out; the others are returned in
// declaration order with duplicate ids collapsed. Only ctx cancellation is
// reported as an error.
func (r *Resolver) Resolve(ctx context.Context, items []catalog.LineItem) ([]Resolved, error) {
	var raws []catalog.RawOrderBump
	for _, it := range items {
		raws = append(raws, it.OrderBumps...)
	}
	if len(raws) == 0 {
		return nil, nil
	}

	slots := make([]*Resolved, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, raw := range raws {
		g.Go(func() error {
			res, err := r.resolveOne(gctx, raw)
			if err != nil {
				r.logger.Warn().Err(err).Str("bump_type", string(raw.Type)).Int("index", i).Msg("order bump dropped")
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Resolved, 0, len(slots))
	seen := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		if s == nil {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, *s)
	}
	return out, nil
}

// ResolveOnce collapses concurrent resolutions sharing key into one call.
func (r *Resolver) ResolveOnce(ctx context.Context, key string, items []catalog.LineItem) ([]Resolved, error) {
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.Resolve(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	res, _ := v.([]Resolved)
	return res, nil
}

func (r *Resolver) resolveOne(ctx context.Context, raw catalog.RawOrderBump) (Resolved, error) {
	offer, err := Parse(raw)
	if err != nil {
		obs.Count(obs.BumpResolutionTotal, string(raw.Type), "parse_error")
		return Resolved{}, err
	}

	var res Resolved
	switch o := offer.(type) {
	case CourseRef:
		res, err = r.fromCatalog(ctx, catalog.Course, o.Type(), o.CatalogRef)
	case BookRef:
		res, err = r.fromCatalog(ctx, catalog.Book, o.Type(), o.CatalogRef)
	case CIOffer:
		res = Resolved{
			ID:       r.syntheticID("ci"),
			Title:    fmt.Sprintf("Initial Conversation (%s)", o.Locale),
			Price:    o.Value,
			Currency: o.Locale.Currency(),
			Type:     catalog.BumpCI,
			Locale:   o.Locale,
		}
	case MEDOffer:
		res = Resolved{
			ID:       r.syntheticID("med"),
			Title:    "Medical Consultation",
			Price:    o.Value,
			Currency: "BRL",
			Type:     catalog.BumpMED,
		}
	default:
		err = fmt.Errorf("orderbump: unhandled offer %T", offer)
	}
	if err != nil {
		obs.Count(obs.BumpResolutionTotal, string(offer.Type()), "lookup_error")
		return Resolved{}, err
	}
	obs.Count(obs.BumpResolutionTotal, string(offer.Type()), "resolved")
	return res, nil
}

func (r *Resolver) fromCatalog(ctx context.Context, kind catalog.Kind, t catalog.BumpType, ref CatalogRef) (Resolved, error) {
	if ref.Snapshot != nil {
		return *ref.Snapshot, nil
	}
	if r.lookup == nil {
		return Resolved{}, errors.New("orderbump: catalog lookup not configured")
	}
	p, err := r.lookup.Get(ctx, kind, ref.ID)
	if err != nil {
		return Resolved{}, fmt.Errorf("orderbump: lookup %s %s: %w", kind, ref.ID, err)
	}
	res := Resolved{
		ID:            p.ID,
		Title:         p.Title,
		Description:   p.Description,
		Price:         p.Price,
		Currency:      p.Currency,
		Type:          t,
		Physical:      p.Physical,
		ShippingPrice: p.ShippingPrice,
	}
	if res.ID == "" {
		res.ID = ref.ID
	}
	res.normalize()
	return res, nil
}

func (r *Resolver) syntheticID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, r.now().UnixNano(), r.seq.Add(1))
}

// Selected filters bumps down to the chosen ones, keeping their order.
func Selected(bumps []Resolved, ids []string) []Resolved {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Resolved
	for _, b := range bumps {
		if _, ok := want[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}
