package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/cart"
	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/coupon"
	"github.com/noah-isme/storefront-checkout/internal/cpf"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/lock"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/orderbump"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/storage"
)

var (
	ErrNotFound            = errors.New("checkout: session not found")
	ErrEmptyCart           = errors.New("checkout: nothing to check out")
	ErrBumpNotFound        = errors.New("checkout: order bump not offered")
	ErrInProgress          = errors.New("checkout: payment already in progress")
	ErrCompleted           = errors.New("checkout: session already paid")
	ErrPayPalOrderMismatch = errors.New("checkout: paypal order does not belong to session")
	ErrCouponRejected      = errors.New("checkout: coupon rejected")
)

// pageError is what the buyer sees after a failed attempt.
const pageError = "We could not complete your payment. Please review your details and try again."

// SubmissionError is a token or rail failure after the attempt began.
type SubmissionError struct {
	Method payment.Method
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("checkout: %s submission failed: %v", e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Locker runs fn while holding key and fails fast when the key is taken.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

var defaultValidator = NewValidator()

// Service owns the checkout sessions of every browsing session.
type Service struct {
	Sessions storage.Store
	Carts    storage.Store
	Results  storage.Store
	Catalog  catalog.Lookup
	Bumps    *orderbump.Resolver
	Coupons  coupon.Verifier
	Tokens   TokenMinter
	Rails    payment.Rails
	Events   *events.Bus
	Locker   Locker
	LockTTL  time.Duration
	Validate *validator.Validate
	Logger   zerolog.Logger
	Now      func() time.Time
}

func sessionKey(id string) string { return "checkout:session:" + id }

func submitLockKey(id string) string { return "checkout:submit:" + id }

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) validate() *validator.Validate {
	if s.Validate != nil {
		return s.Validate
	}
	return defaultValidator
}

func (s *Service) ready() error {
	if s == nil || s.Sessions == nil {
		return errors.New("checkout service not configured")
	}
	return nil
}

// OpenFromCart starts a checkout over the current cart of owner.
func (s *Service) OpenFromCart(ctx context.Context, owner string, loc locale.Locale, source string) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	if s.Carts == nil {
		return Session{}, errors.New("checkout: cart storage not configured")
	}
	c, err := cart.Open(ctx, s.Carts, owner)
	if err != nil {
		return Session{}, err
	}
	if c.Empty() {
		return Session{}, ErrEmptyCart
	}
	return s.open(ctx, owner, FromCart, loc, source, c.Items())
}

// OpenDirect starts a one-item checkout for a single product. Quantity is
// always one.
func (s *Service) OpenDirect(ctx context.Context, owner string, loc locale.Locale, source string, kind catalog.Kind, productID string) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	if s.Catalog == nil {
		return Session{}, errors.New("checkout: catalog not configured")
	}
	p, err := s.Catalog.Get(ctx, kind, strings.TrimSpace(productID))
	if err != nil {
		return Session{}, err
	}
	return s.open(ctx, owner, Direct, loc, source, []catalog.LineItem{p.LineItem(1)})
}

func (s *Service) open(ctx context.Context, owner string, origin Origin, loc locale.Locale, source string, items []catalog.LineItem) (Session, error) {
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Origin:    origin,
		Source:    strings.TrimSpace(source),
		Locale:    loc,
		Items:     items,
		Payment:   payment.Machine{State: payment.Idle},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ensureBumps(ctx, &sess); err != nil {
		return Session{}, err
	}
	if err := s.save(ctx, &sess); err != nil {
		return Session{}, err
	}
	obs.LoggerFrom(ctx, s.Logger).Info().
		Str("checkout_id", sess.ID).
		Str("origin", string(origin)).
		Int("items", len(items)).
		Int("bumps", len(sess.Bumps)).
		Msg("checkout opened")
	return sess, nil
}

// Get returns the session id of owner.
func (s *Service) Get(ctx context.Context, owner, id string) (Session, error) {
	sess, err := s.load(ctx, owner, id)
	if err != nil {
		return Session{}, err
	}
	if !sess.BumpsResolved {
		if err := s.ensureBumps(ctx, &sess); err != nil {
			return Session{}, err
		}
		if err := s.save(ctx, &sess); err != nil {
			return Session{}, err
		}
	}
	return sess, nil
}

// ensureBumps resolves the bumps of sess at most once.
func (s *Service) ensureBumps(ctx context.Context, sess *Session) error {
	if sess.BumpsResolved {
		return nil
	}
	if s.Bumps != nil {
		bumps, err := s.Bumps.ResolveOnce(ctx, sess.ID, sess.Items)
		if err != nil {
			return err
		}
		sess.Bumps = bumps
	}
	sess.BumpsResolved = true
	return nil
}

// ToggleBump selects or deselects one resolved bump.
func (s *Service) ToggleBump(ctx context.Context, owner, id, bumpID string, selected bool) (Session, error) {
	return s.mutate(ctx, owner, id, func(sess *Session) error {
		if err := s.ensureBumps(ctx, sess); err != nil {
			return err
		}
		if !sess.hasBump(bumpID) {
			return ErrBumpNotFound
		}
		switch {
		case selected && !sess.selected(bumpID):
			sess.SelectedBumps = append(sess.SelectedBumps, bumpID)
		case !selected:
			kept := sess.SelectedBumps[:0]
			for _, sel := range sess.SelectedBumps {
				if sel != bumpID {
					kept = append(kept, sel)
				}
			}
			sess.SelectedBumps = kept
		}
		return nil
	})
}

// ApplyCoupon verifies code and attaches it. A rejected code clears the
// current coupon and leaves a field error on the session.
func (s *Service) ApplyCoupon(ctx context.Context, owner, id, code string) (Session, error) {
	if s.Coupons == nil {
		return Session{}, errors.New("checkout: coupon verifier not configured")
	}
	var verifyErr error
	sess, err := s.mutate(ctx, owner, id, func(sess *Session) error {
		c, err := s.Coupons.Verify(ctx, code, coupon.FlowContent, sess.Buyer.Email)
		if err != nil {
			sess.Coupon = nil
			switch {
			case errors.Is(err, coupon.ErrNotFound), errors.Is(err, coupon.ErrEmptyCode):
				sess.CouponError = "Invalid or expired coupon."
				verifyErr = fmt.Errorf("%w: %w", ErrCouponRejected, err)
			default:
				sess.CouponError = "We could not verify this coupon right now."
				verifyErr = err
			}
			return nil
		}
		sess.Coupon = &c
		sess.CouponError = ""
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, verifyErr
}

// RemoveCoupon drops the coupon and any coupon error.
func (s *Service) RemoveCoupon(ctx context.Context, owner, id string) (Session, error) {
	return s.mutate(ctx, owner, id, func(sess *Session) error {
		sess.Coupon = nil
		sess.CouponError = ""
		return nil
	})
}

// BuyerInput is the identity step of the form.
type BuyerInput struct {
	Buyer   Buyer            `json:"buyer"`
	Address *payment.Address `json:"address,omitempty"`
}

// SetBuyer stores the identity and address as typed so far. Field errors
// for filled-in fields are returned alongside the saved session; a CPF that
// is still being typed raises none. The first time the identity becomes
// complete a token is minted.
func (s *Service) SetBuyer(ctx context.Context, owner, id string, in BuyerInput) (Session, error) {
	var live *ValidationError
	sess, err := s.mutate(ctx, owner, id, func(sess *Session) error {
		sess.Buyer = normalizeBuyer(in.Buyer)
		sess.Address = in.Address
		live = s.liveErrors(*sess)
		if sess.Token == nil && s.identityComplete(sess.Buyer) {
			s.mintLazily(ctx, sess)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, live.orNil()
}

func normalizeBuyer(b Buyer) Buyer {
	return Buyer{
		Name:  strings.Join(strings.Fields(b.Name), " "),
		Email: strings.ToLower(strings.TrimSpace(b.Email)),
		CPF:   strings.TrimSpace(b.CPF),
		Phone: strings.TrimSpace(b.Phone),
	}
}

func (s *Service) identityComplete(b Buyer) bool {
	v := s.validate()
	return v.Var(b.Name, "required,min=2") == nil &&
		v.Var(b.Email, "required,email") == nil &&
		cpf.Valid(b.CPF)
}

// liveErrors reports problems in fields the buyer already filled in.
func (s *Service) liveErrors(sess Session) *ValidationError {
	ve := &ValidationError{}
	collect := func(err error, prefix string) {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return
		}
		for _, fe := range verrs {
			if fe.Tag() == "required" || fe.Tag() == "cpf" {
				continue
			}
			ve.add(prefix+fe.Field(), message(fe))
		}
	}
	collect(s.validate().Struct(sess.Buyer), "buyer.")
	if err := cpf.Check(sess.Buyer.CPF); err != nil {
		ve.add("buyer.cpf", "is not a valid CPF")
	}
	if sess.Address != nil {
		collect(s.validate().Struct(sess.Address), "address.")
	}
	return ve
}

// validateForSubmit is the full check run before any submission.
func (s *Service) validateForSubmit(sess Session) error {
	ve := &ValidationError{}
	if err := fieldErrors(s.validate().Struct(sess.Buyer), "buyer.", ve); err != nil {
		return err
	}
	if sess.Physical() {
		if sess.Address == nil {
			ve.add("address", "is required for physical items")
		} else if err := fieldErrors(s.validate().Struct(sess.Address), "address.", ve); err != nil {
			return err
		}
	}
	return ve.orNil()
}

func (s *Service) mintLazily(ctx context.Context, sess *Session) {
	tok, err := s.mint(ctx, *sess)
	if err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Str("checkout_id", sess.ID).Msg("checkout token mint failed")
		sess.TokenError = "We could not prepare your payment yet."
		return
	}
	sess.Token = &tok
	sess.TokenError = ""
}

func (s *Service) mint(ctx context.Context, sess Session) (Token, error) {
	if s.Tokens == nil {
		return Token{}, errors.New("checkout: token service not configured")
	}
	req, err := BuildTokenRequest(sess)
	if err != nil {
		return Token{}, err
	}
	tok, err := s.Tokens.Mint(ctx, req)
	if err != nil {
		obs.Count(obs.CheckoutTokenTotal, "error")
		return Token{}, err
	}
	obs.Count(obs.CheckoutTokenTotal, "minted")
	return tok, nil
}

// BuildTokenRequest assembles the token request of sess. Catalog items and
// catalog bumps go in items; CI and MED offers travel on their own keys.
func BuildTokenRequest(sess Session) (TokenRequest, error) {
	comp, err := sess.Compose()
	if err != nil {
		return TokenRequest{}, err
	}
	currency := sess.Locale.Currency()
	if _, ok := comp.For(currency); !ok {
		if cs := comp.Currencies(); len(cs) > 0 {
			currency = cs[0]
		}
	}
	req := TokenRequest{
		Source:   sess.Source,
		Name:     sess.Buyer.Name,
		Email:    sess.Buyer.Email,
		CPF:      cpf.Strip(sess.Buyer.CPF),
		Phone:    sess.Buyer.Phone,
		Currency: currency,
	}
	for _, it := range sess.Items {
		req.Items = append(req.Items, TokenItem{ID: it.ID, Quantity: it.Quantity})
	}
	for _, b := range sess.SelectedBumpOffers() {
		switch b.Type {
		case catalog.BumpCI:
			req.CI = &ServiceOffer{Value: b.Price, Locale: b.Locale.String()}
		case catalog.BumpMED:
			req.MED = &ServiceOffer{Value: b.Price}
		default:
			req.Items = append(req.Items, TokenItem{ID: b.ID, Quantity: 1})
		}
	}
	if sess.Coupon != nil {
		req.CouponID = sess.Coupon.ID
	}
	if sess.Physical() {
		req.Address = sess.Address
	}
	return req, nil
}

func (s *Service) payload(sess Session) payment.Payload {
	p := payment.Payload{
		Email: sess.Buyer.Email,
		Name:  sess.Buyer.Name,
		CPF:   cpf.Strip(sess.Buyer.CPF),
	}
	if sess.Token != nil {
		p.Token = sess.Token.Value
	}
	if sess.Coupon != nil {
		p.CouponID = sess.Coupon.ID
	}
	if sess.Physical() {
		p.Address = sess.Address
	}
	return p
}

// precheck runs every local check of a submission: method routing, coupon
// restrictions, form validation and stock. None of it touches the network.
func (s *Service) precheck(sess Session, method payment.Method) error {
	if sess.Payment.Done() {
		return ErrCompleted
	}
	if err := payment.CheckAllowed(sess.Locale, method); err != nil {
		return err
	}
	if err := s.validateForSubmit(sess); err != nil {
		return err
	}
	if sess.Coupon != nil && !sess.Coupon.AllowsMethod(string(method)) {
		return &ValidationError{Fields: map[string]string{"coupon": "is not valid for this payment method"}}
	}
	comp, err := sess.Compose()
	if err != nil {
		return err
	}
	if comp.Empty() {
		return ErrEmptyCart
	}
	return nil
}

// Submit pays a PIX or credit checkout. Validation failures return before
// any network call. A failed attempt leaves the machine in Idle with a page
// error and keeps the cart untouched.
func (s *Service) Submit(ctx context.Context, owner, id string, method payment.Method) (Session, error) {
	if method == payment.PayPal {
		return Session{}, fmt.Errorf("%w: paypal is paid through its order endpoints", payment.ErrMethodNotAllowed)
	}
	if s.Rails == nil {
		return Session{}, errors.New("checkout: payment rails not configured")
	}
	sess, err := s.load(ctx, owner, id)
	if err != nil {
		return Session{}, err
	}
	if err := s.precheck(sess, method); err != nil {
		return Session{}, err
	}

	err = s.locked(ctx, id, func(ctx context.Context) error {
		if sess, err = s.reload(ctx, owner, id); err != nil {
			return err
		}
		if err := s.begin(ctx, &sess, method); err != nil {
			return err
		}
		var res payment.Result
		var railErr error
		if method == payment.PIX {
			res, railErr = s.Rails.Pix(ctx, s.payload(sess))
		} else {
			res, railErr = s.Rails.Redirect(ctx, s.payload(sess))
		}
		if railErr != nil {
			return s.fail(ctx, &sess, railErr)
		}
		return s.complete(ctx, &sess, res)
	})
	if err != nil {
		return sess, err
	}
	return sess, nil
}

// CreatePayPalOrder mints a fresh token and opens a PayPal order. An
// attempt left in flight by a closed PayPal window is reset first.
func (s *Service) CreatePayPalOrder(ctx context.Context, owner, id string) (Session, string, error) {
	if s.Rails == nil {
		return Session{}, "", errors.New("checkout: payment rails not configured")
	}
	sess, err := s.load(ctx, owner, id)
	if err != nil {
		return Session{}, "", err
	}
	if err := s.precheck(sess, payment.PayPal); err != nil {
		return Session{}, "", err
	}

	var orderID string
	err = s.locked(ctx, id, func(ctx context.Context) error {
		if sess, err = s.reload(ctx, owner, id); err != nil {
			return err
		}
		if err := s.begin(ctx, &sess, payment.PayPal); err != nil {
			return err
		}
		created, err := s.Rails.PayPalCreate(ctx, s.payload(sess))
		if err != nil {
			return s.fail(ctx, &sess, err)
		}
		orderID = created
		sess.PayPalOrderID = created
		return s.save(ctx, &sess)
	})
	if err != nil {
		return sess, "", err
	}
	return sess, orderID, nil
}

// CapturePayPalOrder captures the PayPal order opened for this session.
func (s *Service) CapturePayPalOrder(ctx context.Context, owner, id, paypalOrderID string) (Session, error) {
	if s.Rails == nil {
		return Session{}, errors.New("checkout: payment rails not configured")
	}
	var sess Session
	err := s.locked(ctx, id, func(ctx context.Context) error {
		var err error
		if sess, err = s.load(ctx, owner, id); err != nil {
			return err
		}
		if sess.Payment.Done() {
			return ErrCompleted
		}
		if sess.Payment.State != payment.Submitting || sess.Payment.Method != payment.PayPal ||
			sess.PayPalOrderID == "" || sess.PayPalOrderID != strings.TrimSpace(paypalOrderID) {
			return ErrPayPalOrderMismatch
		}
		res, err := s.Rails.PayPalCapture(ctx, s.payload(sess), sess.PayPalOrderID)
		if err != nil {
			return s.fail(ctx, &sess, err)
		}
		return s.complete(ctx, &sess, res)
	})
	if err != nil {
		return sess, err
	}
	return sess, nil
}

func (s *Service) locked(ctx context.Context, id string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := s.Locker.TryWithLock(ctx, submitLockKey(id), ttl, fn)
	if errors.Is(err, lock.ErrLocked) {
		return ErrInProgress
	}
	return err
}

// reload fetches the session again under the lock. Nobody else holds the
// lock, so an attempt still marked in flight was abandoned.
func (s *Service) reload(ctx context.Context, owner, id string) (Session, error) {
	sess, err := s.load(ctx, owner, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Payment.Done() {
		return sess, ErrCompleted
	}
	if sess.Payment.Busy() {
		_ = sess.Payment.Fail(nil)
		sess.PayPalOrderID = ""
	}
	return sess, nil
}

// begin walks the machine to Submitting, minting a fresh token on the way.
func (s *Service) begin(ctx context.Context, sess *Session, method payment.Method) error {
	if err := sess.Payment.Begin(method); err != nil {
		return err
	}
	sess.Result = nil
	sess.PayPalOrderID = ""
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	tok, err := s.mint(ctx, *sess)
	if err != nil {
		return s.fail(ctx, sess, err)
	}
	sess.Token = &tok
	sess.TokenError = ""
	if err := sess.Payment.Submit(); err != nil {
		return err
	}
	return s.save(ctx, sess)
}

func (s *Service) fail(ctx context.Context, sess *Session, cause error) error {
	method := sess.Payment.Method
	_ = sess.Payment.Fail(errors.New(pageError))
	sess.PayPalOrderID = ""
	obs.Count(obs.CheckoutSubmissionTotal, string(method), "failed")
	obs.LoggerFrom(ctx, s.Logger).Warn().Err(cause).
		Str("checkout_id", sess.ID).
		Str("method", string(method)).
		Msg("checkout submission failed")
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	s.emit(ctx, events.TopicCheckoutFailed, *sess, map[string]any{"method": method, "error": cause.Error()})
	return &SubmissionError{Method: method, Err: cause}
}

func (s *Service) complete(ctx context.Context, sess *Session, res payment.Result) error {
	if err := sess.Payment.Succeed(); err != nil {
		return err
	}
	sess.Result = &res
	obs.Count(obs.CheckoutSubmissionTotal, string(sess.Payment.Method), "succeeded")
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	log := obs.LoggerFrom(ctx, s.Logger)
	if s.Results != nil {
		if err := s.Results.Save(ctx, payment.ResultKey(sess.Owner), res); err != nil {
			log.Error().Err(err).Str("checkout_id", sess.ID).Msg("persist checkout result failed")
		}
	}
	if sess.Origin == FromCart && s.Carts != nil {
		if err := s.Carts.Clear(ctx, cart.Key(sess.Owner)); err != nil {
			log.Error().Err(err).Str("checkout_id", sess.ID).Msg("clear cart after checkout failed")
		}
	}
	comp, _ := sess.Compose()
	s.emit(ctx, events.TopicCheckoutSubmitted, *sess, map[string]any{
		"method":  sess.Payment.Method,
		"orderId": res.OrderID,
		"kind":    res.Kind,
		"totals":  comp.Totals,
	})
	log.Info().Str("checkout_id", sess.ID).Str("order_id", res.OrderID).Msg("checkout submitted")
	return nil
}

func (s *Service) emit(ctx context.Context, topic string, sess Session, payload map[string]any) {
	if s.Events == nil {
		return
	}
	payload["owner"] = sess.Owner
	if _, err := s.Events.Emit(ctx, topic, sess.ID, payload); err != nil {
		obs.LoggerFrom(ctx, s.Logger).Warn().Err(err).Str("topic", topic).Msg("checkout event emit failed")
	}
}

// mutate loads, edits and saves a session that is not mid-payment.
func (s *Service) mutate(ctx context.Context, owner, id string, fn func(*Session) error) (Session, error) {
	sess, err := s.load(ctx, owner, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Payment.Done() {
		return Session{}, ErrCompleted
	}
	if awaitingPayPalCapture(sess) {
		// Editing the form abandons an uncaptured PayPal order.
		_ = sess.Payment.Fail(nil)
		sess.PayPalOrderID = ""
	}
	if sess.Payment.Busy() {
		return Session{}, ErrInProgress
	}
	if err := fn(&sess); err != nil {
		return Session{}, err
	}
	if err := s.save(ctx, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func awaitingPayPalCapture(sess Session) bool {
	return sess.Payment.State == payment.Submitting && sess.Payment.Method == payment.PayPal
}

func (s *Service) load(ctx context.Context, owner, id string) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Session{}, ErrNotFound
	}
	var rec record
	found, err := s.Sessions.Load(ctx, sessionKey(id), &rec)
	if err != nil {
		return Session{}, fmt.Errorf("checkout: load session: %w", err)
	}
	if !found || rec.Owner != owner {
		return Session{}, ErrNotFound
	}
	return rec.session(), nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.now()
	if err := s.Sessions.Save(ctx, sessionKey(sess.ID), sess.toRecord()); err != nil {
		return fmt.Errorf("checkout: save session: %w", err)
	}
	return nil
}
