package catalog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/storage"
)

// CachedLookup serves snapshots from a JSON store before asking Next.
// Cache errors are logged and never fail the lookup.
type CachedLookup struct {
	Next   Lookup
	Cache  storage.Store
	Logger zerolog.Logger
}

func cacheKey(kind Kind, id string) string {
	return fmt.Sprintf("catalog:%s:%s", kind, id)
}

// Get implements Lookup.
func (c CachedLookup) Get(ctx context.Context, kind Kind, id string) (Product, error) {
	if c.Cache == nil {
		return c.Next.Get(ctx, kind, id)
	}
	key := cacheKey(kind, id)
	var cached Product
	hit, err := c.Cache.Load(ctx, key, &cached)
	if err != nil {
		c.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if hit {
		return cached, nil
	}
	p, err := c.Next.Get(ctx, kind, id)
	if err != nil {
		return Product{}, err
	}
	if err := c.Cache.Save(ctx, key, p); err != nil {
		c.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return p, nil
}
