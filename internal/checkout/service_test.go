package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/cart"
	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/coupon"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/lock"
	"github.com/noah-isme/storefront-checkout/internal/orderbump"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/storage"
)

const owner = "7c1e4a8e-5d0f-4c43-9b4f-2b8a0e6f1d22"

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

type stubCatalog map[string]catalog.Product

func (s stubCatalog) Get(_ context.Context, kind catalog.Kind, id string) (catalog.Product, error) {
	p, ok := s[id]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	p.Kind = kind
	return p, nil
}

type fakeMinter struct {
	mu   sync.Mutex
	reqs []TokenRequest
	err  error
}

func (f *fakeMinter) Mint(_ context.Context, req TokenRequest) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return Token{}, f.err
	}
	return Token{Value: "tok-" + req.Email, Currency: req.Currency}, nil
}

func (f *fakeMinter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeRails struct {
	mu       sync.Mutex
	payloads []payment.Payload
	err      error
}

func (f *fakeRails) record(p payment.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return f.err
}

func (f *fakeRails) Pix(_ context.Context, p payment.Payload) (payment.Result, error) {
	if err := f.record(p); err != nil {
		return payment.Result{}, err
	}
	return payment.Result{Kind: payment.KindPix, OrderID: "ord-1", Text: "000201pix"}, nil
}

func (f *fakeRails) Redirect(_ context.Context, p payment.Payload) (payment.Result, error) {
	if err := f.record(p); err != nil {
		return payment.Result{}, err
	}
	return payment.Result{Kind: payment.KindRedirect, OrderID: "ord-2", URL: "https://pay.example.com/ord-2"}, nil
}

func (f *fakeRails) PayPalCreate(_ context.Context, p payment.Payload) (string, error) {
	if err := f.record(p); err != nil {
		return "", err
	}
	return "PP-123", nil
}

func (f *fakeRails) PayPalCapture(_ context.Context, p payment.Payload, id string) (payment.Result, error) {
	if err := f.record(p); err != nil {
		return payment.Result{}, err
	}
	return payment.Result{Kind: payment.KindPayPal, OrderID: "ord-" + id}, nil
}

func (f *fakeRails) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type stubVerifier map[string]coupon.Coupon

func (s stubVerifier) Verify(_ context.Context, code, _, _ string) (coupon.Coupon, error) {
	if code == "" {
		return coupon.Coupon{}, coupon.ErrEmptyCode
	}
	c, ok := s[code]
	if !ok {
		return coupon.Coupon{}, coupon.ErrNotFound
	}
	return c, nil
}

type memEvents struct {
	mu     sync.Mutex
	topics []string
}

func (m *memEvents) Append(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, ev.Topic)
	return nil
}

type fixture struct {
	svc     *Service
	carts   storage.Store
	results storage.Store
	minter  *fakeMinter
	rails   *fakeRails
	events  *memEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lookup := stubCatalog{
		"c1": {
			ID: "c1", Title: "Cardiology", Price: money("100"), Currency: "BRL",
			OrderBumps: []catalog.RawOrderBump{
				{Type: catalog.BumpBook, Data: "b9"},
				{Type: catalog.BumpCI, Data: `{"value":50,"locale":"BR"}`},
			},
		},
		"b1":     {ID: "b1", Title: "Atlas", Price: money("80"), Currency: "BRL", Physical: true, ShippingPrice: ptr(money("15")), Stock: ptr(3)},
		"b9":     {ID: "b9", Title: "Pocket guide", Price: money("30"), Currency: "BRL", Physical: true, ShippingPrice: ptr(money("10"))},
		"single": {ID: "single", Title: "Masterclass", Price: money("997"), Currency: "BRL", SingleSale: true},
	}
	coupons := stubVerifier{
		"TENOFF": {
			ID: "cp1", Code: "TENOFF",
			Discount: pricing.Discount{CouponID: "cp1", Amount: 1000, Type: pricing.Percentage},
		},
		"PIXONLY": {
			ID: "cp2", Code: "PIXONLY", PaymentMethodsAllowed: []string{"PIX"},
			Discount: pricing.Discount{CouponID: "cp2", Amount: 500, Currency: "BRL", Type: pricing.Value},
		},
	}
	f := &fixture{
		carts:   storage.NewMemory(),
		results: storage.NewMemory(),
		minter:  &fakeMinter{},
		rails:   &fakeRails{},
		events:  &memEvents{},
	}
	f.svc = &Service{
		Sessions: storage.NewMemory(),
		Carts:    f.carts,
		Results:  f.results,
		Catalog:  lookup,
		Bumps:    orderbump.NewResolver(lookup, zerolog.Nop(), 2),
		Coupons:  coupons,
		Tokens:   f.minter,
		Rails:    f.rails,
		Events:   &events.Bus{Store: f.events},
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return f
}

func validBuyer() BuyerInput {
	return BuyerInput{Buyer: Buyer{Name: "Ana Souza", Email: "Ana@Example.com ", CPF: "529.982.247-25", Phone: "11999990000"}}
}

func validAddress() *payment.Address {
	return &payment.Address{ZipCode: "01310-100", Street: "Av. Paulista", Number: "1000", Neighborhood: "Bela Vista", City: "São Paulo", State: "SP"}
}

func (f *fixture) fillCart(t *testing.T, ids ...string) {
	t.Helper()
	ctx := context.Background()
	c, err := cart.Open(ctx, f.carts, owner)
	require.NoError(t, err)
	for _, id := range ids {
		p, err := f.svc.Catalog.Get(ctx, catalog.Course, id)
		require.NoError(t, err)
		_, err = c.AddItem(ctx, p.LineItem(1), 1)
		require.NoError(t, err)
	}
}

func TestOpenDirectFixesQuantityAndResolvesBumps(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.OpenDirect(context.Background(), owner, locale.BR, "instagram", catalog.Course, "c1")
	require.NoError(t, err)
	require.Equal(t, Direct, sess.Origin)
	require.Len(t, sess.Items, 1)
	require.Equal(t, 1, sess.Items[0].Quantity)
	require.True(t, sess.BumpsResolved)
	require.Len(t, sess.Bumps, 2)
	require.Equal(t, "b9", sess.Bumps[0].ID)
	require.Equal(t, catalog.BumpCI, sess.Bumps[1].Type)

	again, err := f.svc.Get(context.Background(), owner, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Bumps[1].ID, again.Bumps[1].ID)
}

func TestGetHidesOtherOwnersSessions(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.OpenDirect(context.Background(), owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "someone-else", sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFromEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OpenFromCart(context.Background(), owner, locale.BR, "")
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestOpenFromCartKeepsCartQuantities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := cart.Open(ctx, f.carts, owner)
	require.NoError(t, err)
	p, err := f.svc.Catalog.Get(ctx, catalog.Course, "c1")
	require.NoError(t, err)
	_, err = c.AddItem(ctx, p.LineItem(1), 3)
	require.NoError(t, err)
	c, err = cart.Open(ctx, f.carts, owner)
	require.NoError(t, err)
	require.NoError(t, c.UpdateQuantity(ctx, "c1", 5))

	sess, err := f.svc.OpenFromCart(ctx, owner, locale.BR, "")
	require.NoError(t, err)
	require.Len(t, sess.Items, 1)
	require.Equal(t, 5, sess.Items[0].Quantity)

	comp, err := sess.Compose()
	require.NoError(t, err)
	totals, ok := comp.For("BRL")
	require.True(t, ok)
	require.True(t, totals.Subtotal.Equal(money("500")), "subtotal %s", totals.Subtotal)

	sess.Buyer = Buyer{Name: "Ana", Email: "ana@example.com", CPF: "529.982.247-25"}
	req, err := BuildTokenRequest(sess)
	require.NoError(t, err)
	require.Equal(t, []TokenItem{{ID: "c1", Quantity: 5}}, req.Items)
}

func TestToggleBumpChangesComposition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)

	sess, err = f.svc.ToggleBump(ctx, owner, sess.ID, "b9", true)
	require.NoError(t, err)
	require.True(t, sess.Physical())
	comp, err := sess.Compose()
	require.NoError(t, err)
	brl, ok := comp.For("BRL")
	require.True(t, ok)
	require.True(t, brl.Total.Equal(money("140")), brl.Total.String())

	sess, err = f.svc.ToggleBump(ctx, owner, sess.ID, "b9", false)
	require.NoError(t, err)
	require.Empty(t, sess.SelectedBumps)

	_, err = f.svc.ToggleBump(ctx, owner, sess.ID, "nope", true)
	require.ErrorIs(t, err, ErrBumpNotFound)
}

func TestApplyCouponRejectedClearsOnlyCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)

	sess, err = f.svc.ApplyCoupon(ctx, owner, sess.ID, "TENOFF")
	require.NoError(t, err)
	require.NotNil(t, sess.Coupon)
	comp, err := sess.Compose()
	require.NoError(t, err)
	require.True(t, comp.Totals[0].Total.Equal(money("90")))

	sess, err = f.svc.ApplyCoupon(ctx, owner, sess.ID, "BOGUS")
	require.ErrorIs(t, err, ErrCouponRejected)
	require.Nil(t, sess.Coupon)
	require.NotEmpty(t, sess.CouponError)
	require.Len(t, sess.Items, 1)

	sess, err = f.svc.RemoveCoupon(ctx, owner, sess.ID)
	require.NoError(t, err)
	require.Empty(t, sess.CouponError)
}

func TestSetBuyerMintsOnceWhenIdentityCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)

	partial := validBuyer()
	partial.Buyer.CPF = "529.982"
	sess, err = f.svc.SetBuyer(ctx, owner, sess.ID, partial)
	require.NoError(t, err)
	require.Equal(t, 0, f.minter.calls())

	sess, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", sess.Buyer.Email)
	require.NotNil(t, sess.Token)
	require.Equal(t, 1, f.minter.calls())
	require.Equal(t, "52998224725", f.minter.reqs[0].CPF)
	require.Equal(t, "BRL", f.minter.reqs[0].Currency)

	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)
	require.Equal(t, 1, f.minter.calls())
}

func TestSetBuyerReportsInvalidFilledFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)

	in := validBuyer()
	in.Buyer.Email = "not-an-email"
	in.Buyer.CPF = "111.111.111-11"
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "buyer.email")
	require.Contains(t, verr.Fields, "buyer.cpf")
	require.Equal(t, 0, f.minter.calls())
}

func TestSubmitValidationNeverReachesNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fillCart(t, "b1")
	sess, err := f.svc.OpenFromCart(ctx, owner, locale.BR, "")
	require.NoError(t, err)
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)
	mintsBefore := f.minter.calls()

	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "address")
	require.Equal(t, mintsBefore, f.minter.calls())
	require.Equal(t, 0, f.rails.calls())
}

func TestSubmitRejectsMethodOutsideLocale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.ES, "", catalog.Course, "c1")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	require.ErrorIs(t, err, payment.ErrMethodNotAllowed)
	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PayPal)
	require.ErrorIs(t, err, payment.ErrMethodNotAllowed)
	require.Equal(t, 0, f.rails.calls())
}

func TestSubmitPixSuccessClearsCartAndStoresResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fillCart(t, "b1")
	sess, err := f.svc.OpenFromCart(ctx, owner, locale.BR, "newsletter")
	require.NoError(t, err)
	in := validBuyer()
	in.Address = validAddress()
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, in)
	require.NoError(t, err)

	sess, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	require.NoError(t, err)
	require.Equal(t, payment.Success, sess.Payment.State)
	require.Equal(t, "ord-1", sess.Result.OrderID)

	// the token is re-minted right before submission
	require.Equal(t, 2, f.minter.calls())
	last := f.minter.reqs[1]
	require.Equal(t, "newsletter", last.Source)
	require.NotNil(t, last.Address)
	require.Equal(t, []TokenItem{{ID: "b1", Quantity: 1}}, last.Items)
	require.Equal(t, "tok-ana@example.com", f.rails.payloads[0].Token)

	var stored payment.Result
	found, err := f.results.Load(ctx, payment.ResultKey(owner), &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payment.KindPix, stored.Kind)

	c, err := cart.Open(ctx, f.carts, owner)
	require.NoError(t, err)
	require.True(t, c.Empty())
	require.Equal(t, []string{events.TopicCheckoutSubmitted}, f.events.topics)

	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	require.ErrorIs(t, err, ErrCompleted)
}

func TestSubmitFailureReturnsToIdleAndKeepsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fillCart(t, "c1")
	f.rails.err = errors.New("gateway timeout")
	sess, err := f.svc.OpenFromCart(ctx, owner, locale.BR, "")
	require.NoError(t, err)
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)

	sess, err = f.svc.Submit(ctx, owner, sess.ID, payment.Credit)
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, payment.Credit, subErr.Method)
	require.Equal(t, payment.Idle, sess.Payment.State)
	require.Equal(t, pageError, sess.Payment.Error)

	c, err := cart.Open(ctx, f.carts, owner)
	require.NoError(t, err)
	require.False(t, c.Empty())
	require.Equal(t, []string{events.TopicCheckoutFailed}, f.events.topics)

	f.rails.err = nil
	sess, err = f.svc.Submit(ctx, owner, sess.ID, payment.Credit)
	require.NoError(t, err)
	require.Equal(t, payment.KindRedirect, sess.Result.Kind)
}

func TestSubmitHonoursCouponMethodRestriction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)
	_, err = f.svc.ApplyCoupon(ctx, owner, sess.ID, "PIXONLY")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.Credit)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "coupon")
	require.Equal(t, 0, f.rails.calls())
}

func TestPayPalCreateAndCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.ES, "", catalog.Course, "c1")
	require.NoError(t, err)
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)

	sess, orderID, err := f.svc.CreatePayPalOrder(ctx, owner, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "PP-123", orderID)
	require.Equal(t, payment.Submitting, sess.Payment.State)

	_, err = f.svc.CapturePayPalOrder(ctx, owner, sess.ID, "PP-999")
	require.ErrorIs(t, err, ErrPayPalOrderMismatch)

	// a closed popup followed by a new order starts over cleanly
	_, orderID, err = f.svc.CreatePayPalOrder(ctx, owner, sess.ID)
	require.NoError(t, err)

	sess, err = f.svc.CapturePayPalOrder(ctx, owner, sess.ID, orderID)
	require.NoError(t, err)
	require.Equal(t, payment.Success, sess.Payment.State)
	require.Equal(t, "ord-PP-123", sess.Result.OrderID)
}

func TestSubmitFailsFastWhileLocked(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	f.svc.Locker = lock.Locker{R: client}
	ctx := context.Background()
	sess, err := f.svc.OpenDirect(ctx, owner, locale.BR, "", catalog.Course, "c1")
	require.NoError(t, err)
	_, err = f.svc.SetBuyer(ctx, owner, sess.ID, validBuyer())
	require.NoError(t, err)

	require.NoError(t, mr.Set(submitLockKey(sess.ID), "other-holder"))
	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	require.ErrorIs(t, err, ErrInProgress)
	require.Equal(t, 0, f.rails.calls())

	mr.Del(submitLockKey(sess.ID))
	_, err = f.svc.Submit(ctx, owner, sess.ID, payment.PIX)
	require.NoError(t, err)
}

func TestBuildTokenRequestRoutesServiceBumps(t *testing.T) {
	sess := Session{
		Locale: locale.BR,
		Items:  []catalog.LineItem{{ID: "c1", UnitPrice: money("100"), Currency: "BRL", Quantity: 1}},
		Bumps: []orderbump.Resolved{
			{ID: "b9", Price: money("30"), Currency: "BRL", Type: catalog.BumpBook},
			{ID: "ci-1-1", Price: money("50"), Currency: "BRL", Type: catalog.BumpCI, Locale: locale.BR},
			{ID: "med-1-2", Price: money("70"), Currency: "BRL", Type: catalog.BumpMED},
		},
		SelectedBumps: []string{"b9", "ci-1-1", "med-1-2"},
		Buyer:         Buyer{Name: "Ana", Email: "ana@example.com", CPF: "529.982.247-25"},
	}
	req, err := BuildTokenRequest(sess)
	require.NoError(t, err)
	require.Equal(t, []TokenItem{{ID: "c1", Quantity: 1}, {ID: "b9", Quantity: 1}}, req.Items)
	require.NotNil(t, req.CI)
	require.Equal(t, "BR", req.CI.Locale)
	require.True(t, req.MED.Value.Equal(money("70")))
	require.Nil(t, req.Address)
	require.Equal(t, "52998224725", req.CPF)
}
