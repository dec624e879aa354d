// Package cart keeps the browsing session's cart in durable storage.
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/storage"
)

// ErrItemNotFound is returned when the cart holds no item with the given id.
var ErrItemNotFound = errors.New("cart: item not found")

// Key is the storage key of a session's cart.
func Key(sessionID string) string { return "cart:" + sessionID }

// State is the persisted cart blob.
type State struct {
	Items []catalog.LineItem `json:"items"`
	Total decimal.Decimal    `json:"total"`
}

// AddResult tells the caller where an add landed. DirectCheckout means the
// item is single-sale: the cart was left untouched and the caller must open a
// one-item checkout for ProductID instead.
type AddResult struct {
	DirectCheckout bool   `json:"directCheckout"`
	ProductID      string `json:"productId,omitempty"`
}

// Store is one session's cart. It is not safe for concurrent use; concurrent
// writers for the same session follow last-write-wins.
type Store struct {
	backend storage.Store
	key     string
	state   State
}

// Open reads the persisted cart of sessionID as it was last saved.
func Open(ctx context.Context, backend storage.Store, sessionID string) (*Store, error) {
	s := &Store{backend: backend, key: Key(sessionID)}
	if _, err := backend.Load(ctx, s.key, &s.state); err != nil {
		return nil, fmt.Errorf("cart: load: %w", err)
	}
	for i := range s.state.Items {
		s.state.Items[i].Normalize()
	}
	s.recompute()
	return s, nil
}

// Load rehydrates the cart of sessionID by replaying each persisted entry
// through the add path. Persisted quantities are not carried over, so every
// entry comes back with quantity one. Only client startup goes through here;
// request handling uses Open.
func Load(ctx context.Context, backend storage.Store, sessionID string) (*Store, error) {
	s := &Store{backend: backend, key: Key(sessionID)}
	var persisted State
	if _, err := backend.Load(ctx, s.key, &persisted); err != nil {
		return nil, fmt.Errorf("cart: load: %w", err)
	}
	for _, it := range persisted.Items {
		if it.SingleSale {
			continue
		}
		s.add(it, 1)
	}
	s.recompute()
	return s, nil
}

// Rehydrate is Load followed by a save, so later Opens see the reset cart.
func Rehydrate(ctx context.Context, backend storage.Store, sessionID string) (*Store, error) {
	s, err := Load(ctx, backend, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Empty() {
		return s, nil
	}
	return s, s.save(ctx)
}

// State returns a copy of the current cart.
func (s *Store) State() State {
	items := make([]catalog.LineItem, len(s.state.Items))
	copy(items, s.state.Items)
	return State{Items: items, Total: s.state.Total}
}

// Items returns a copy of the cart entries in insertion order.
func (s *Store) Items() []catalog.LineItem { return s.State().Items }

// Total is the item subtotal plus the highest physical shipping price.
func (s *Store) Total() decimal.Decimal { return s.state.Total }

// Empty reports whether the cart has no entries.
func (s *Store) Empty() bool { return len(s.state.Items) == 0 }

// AddItem appends item or increments the quantity of an entry with the same
// id. Stock is not checked here.
func (s *Store) AddItem(ctx context.Context, item catalog.LineItem, qty int) (AddResult, error) {
	if item.SingleSale {
		return AddResult{DirectCheckout: true, ProductID: item.ID}, nil
	}
	if item.ID == "" {
		return AddResult{}, errors.New("cart: item id is required")
	}
	s.add(item, qty)
	return AddResult{}, s.save(ctx)
}

// RemoveItem deletes the entry with id.
func (s *Store) RemoveItem(ctx context.Context, id string) error {
	i := s.index(id)
	if i < 0 {
		return ErrItemNotFound
	}
	s.state.Items = append(s.state.Items[:i], s.state.Items[i+1:]...)
	return s.save(ctx)
}

// UpdateQuantity sets the quantity of id, clamped to at least one and to the
// item's stock when defined.
func (s *Store) UpdateQuantity(ctx context.Context, id string, qty int) error {
	i := s.index(id)
	if i < 0 {
		return ErrItemNotFound
	}
	if qty < 1 {
		qty = 1
	}
	if st := s.state.Items[i].Stock; st != nil && *st >= 1 && qty > *st {
		qty = *st
	}
	s.state.Items[i].Quantity = qty
	return s.save(ctx)
}

// Clear empties the cart and removes it from storage.
func (s *Store) Clear(ctx context.Context) error {
	s.state = State{Total: decimal.Zero}
	if err := s.backend.Clear(ctx, s.key); err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}
	return nil
}

func (s *Store) add(item catalog.LineItem, qty int) {
	if qty < 1 {
		qty = 1
	}
	if i := s.index(item.ID); i >= 0 {
		s.state.Items[i].Quantity += qty
		return
	}
	item.Quantity = qty
	item.Normalize()
	s.state.Items = append(s.state.Items, item)
}

func (s *Store) index(id string) int {
	for i, it := range s.state.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recompute() {
	s.state.Total = pricing.CartTotal(catalog.Lines(s.state.Items))
}

func (s *Store) save(ctx context.Context) error {
	s.recompute()
	if err := s.backend.Save(ctx, s.key, s.state); err != nil {
		return fmt.Errorf("cart: save: %w", err)
	}
	return nil
}
