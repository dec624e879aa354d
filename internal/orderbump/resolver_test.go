package orderbump

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/catalog"
)

type fakeLookup struct {
	mu       sync.Mutex
	calls    int32
	products map[string]catalog.Product
	failing  map[string]bool
	delay    time.Duration
}

func (f *fakeLookup) Get(ctx context.Context, kind catalog.Kind, id string) (catalog.Product, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return catalog.Product{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return catalog.Product{}, errors.New("network unreachable")
	}
	p, ok := f.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	p.Kind = kind
	return p, nil
}

func product(id, title, price string) catalog.Product {
	return catalog.Product{ID: id, Title: title, Price: decimal.RequireFromString(price), Currency: "BRL"}
}

func TestResolveDropsFailedLookupOnly(t *testing.T) {
	lookup := &fakeLookup{
		products: map[string]catalog.Product{"c1": product("c1", "Pediatrics", "90"), "c3": product("c3", "Surgery", "120")},
		failing:  map[string]bool{"c2": true},
	}
	r := NewResolver(lookup, zerolog.Nop(), 2)
	items := []catalog.LineItem{{
		ID: "main",
		OrderBumps: []catalog.RawOrderBump{
			{Type: catalog.BumpCourse, Data: "c1"},
			{Type: catalog.BumpCourse, Data: "c2"},
			{Type: catalog.BumpCourse, Data: "c3"},
		},
	}}

	got, err := r.Resolve(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].ID)
	require.Equal(t, "c3", got[1].ID)
}

func TestResolveSynthesisesServices(t *testing.T) {
	r := NewResolver(&fakeLookup{}, zerolog.Nop(), 4)
	r.now = func() time.Time { return time.Unix(0, 42) }
	items := []catalog.LineItem{
		{ID: "a", OrderBumps: []catalog.RawOrderBump{{Type: catalog.BumpCI, Data: `{"value":30,"locale":"ES"}`}}},
		{ID: "b", OrderBumps: []catalog.RawOrderBump{
			{Type: catalog.BumpCI, Data: `{"value":150,"locale":"BR"}`},
			{Type: catalog.BumpMED, Data: `{"value":200}`},
			{Type: catalog.BumpCI, Data: `{"value":1,"locale":"FR"}`},
		}},
	}

	got, err := r.Resolve(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "Initial Conversation (ES)", got[0].Title)
	require.Equal(t, "USD", got[0].Currency)
	require.Equal(t, "Initial Conversation (BR)", got[1].Title)
	require.Equal(t, "BRL", got[1].Currency)
	require.Equal(t, "Medical Consultation", got[2].Title)
	require.Equal(t, "BRL", got[2].Currency)
	require.True(t, got[2].Service())

	require.True(t, strings.HasPrefix(got[0].ID, "ci-42-"))
	require.True(t, strings.HasPrefix(got[2].ID, "med-42-"))
	require.NotEqual(t, got[0].ID, got[1].ID)
}

func TestResolveUsesInlinedSnapshotWithoutLookup(t *testing.T) {
	lookup := &fakeLookup{}
	r := NewResolver(lookup, zerolog.Nop(), 1)
	items := []catalog.LineItem{{ID: "a", OrderBumps: []catalog.RawOrderBump{
		{Type: catalog.BumpBook, Data: `{"id":"b1","title":"Atlas","price":49.9,"currency":"USD"}`},
		{Type: catalog.BumpBook, Data: `{"id":"b1","title":"Atlas","price":49.9,"currency":"USD"}`},
	}}}

	got, err := r.Resolve(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "USD", got[0].Currency)
	require.Zero(t, atomic.LoadInt32(&lookup.calls))
}

func TestResolveOnceCollapsesConcurrentCalls(t *testing.T) {
	lookup := &fakeLookup{
		products: map[string]catalog.Product{"c1": product("c1", "Pediatrics", "90")},
		delay:    50 * time.Millisecond,
	}
	r := NewResolver(lookup, zerolog.Nop(), 1)
	items := []catalog.LineItem{{ID: "a", OrderBumps: []catalog.RawOrderBump{{Type: catalog.BumpCourse, Data: "c1"}}}}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.ResolveOnce(context.Background(), "session-1", items)
			if err != nil || len(got) != 1 {
				t.Errorf("ResolveOnce = %v, %v", got, err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&lookup.calls))
}

func TestResolveReportsCancellation(t *testing.T) {
	lookup := &fakeLookup{delay: time.Second}
	r := NewResolver(lookup, zerolog.Nop(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, []catalog.LineItem{{ID: "a", OrderBumps: []catalog.RawOrderBump{{Type: catalog.BumpCourse, Data: "c1"}}}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSelectedKeepsOrder(t *testing.T) {
	bumps := []Resolved{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := Selected(bumps, []string{"c", "a", "zzz"})
	require.Equal(t, []Resolved{{ID: "a"}, {ID: "c"}}, got)
	require.Nil(t, Selected(bumps, nil))
}
