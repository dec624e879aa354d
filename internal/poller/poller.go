package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/storage"
)

// DefaultInterval is the pause between two status checks.
const DefaultInterval = 5 * time.Second

// ErrNoResult means the browsing session has no submitted checkout.
var ErrNoResult = errors.New("poller: no checkout result")

// Phase is what the post-checkout screen shows.
type Phase string

const (
	Redirecting     Phase = "REDIRECTING"
	AwaitingPixScan Phase = "AWAITING_PIX_SCAN"
	AwaitingPayment Phase = "AWAITING_PAYMENT"
	Paid            Phase = "PAID"
)

// Step is one observation of the order.
type Step struct {
	Phase     Phase          `json:"phase"`
	Result    payment.Result `json:"result"`
	Status    *OrderStatus   `json:"status,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// Final reports whether polling should stop after s.
func (s Step) Final() bool { return s.Phase == Paid || s.Phase == Redirecting }

// Poller reads the persisted result of a browsing session and polls its
// order status.
type Poller struct {
	Results  storage.Store
	Status   StatusSource
	Interval time.Duration
	Events   *events.Bus
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

// Step loads the result of owner and, unless it redirects away or is a
// captured PayPal payment, checks the order once. A failed status check keeps the awaiting phase.
func (p *Poller) Step(ctx context.Context, owner string) (Step, error) {
	if p == nil || p.Results == nil {
		return Step{}, errors.New("poller not configured")
	}
	var res payment.Result
	found, err := p.Results.Load(ctx, payment.ResultKey(owner), &res)
	if err != nil {
		return Step{}, fmt.Errorf("poller: load result: %w", err)
	}
	if !found || (res.OrderID == "" && res.URL == "") {
		return Step{}, ErrNoResult
	}
	step := Step{Result: res, CheckedAt: p.now()}
	switch {
	case res.URL != "":
		step.Phase = Redirecting
		return step, nil
	case res.Kind == payment.KindPayPal:
		// A successful capture has already settled the payment.
		step.Phase = Paid
		return step, nil
	case res.Kind == payment.KindPix:
		step.Phase = AwaitingPixScan
	default:
		step.Phase = AwaitingPayment
	}
	if p.Status == nil || res.OrderID == "" {
		return step, nil
	}
	st, err := p.Status.Status(ctx, res.OrderID)
	if err != nil {
		if ctx.Err() != nil {
			return Step{}, ctx.Err()
		}
		obs.Count(obs.OrderStatusPollTotal, "error")
		obs.LoggerFrom(ctx, p.Logger).Warn().Err(err).Str("order_id", res.OrderID).Msg("order status check failed")
		return step, nil
	}
	step.Status = &st
	if st.Paid {
		obs.Count(obs.OrderStatusPollTotal, "paid")
		step.Phase = Paid
	} else {
		obs.Count(obs.OrderStatusPollTotal, "pending")
	}
	return step, nil
}

// Run emits a step immediately and then every interval until the order is
// paid, the result redirects away, emit fails or ctx ends.
func (p *Poller) Run(ctx context.Context, owner string, emit func(Step) error) error {
	step, err := p.Step(ctx, owner)
	if err != nil {
		return err
	}
	if err := emit(step); err != nil {
		return err
	}
	if step.Final() {
		p.paid(ctx, owner, step)
		return nil
	}

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		step, err := p.Step(ctx, owner)
		if err != nil {
			return err
		}
		if err := emit(step); err != nil {
			return err
		}
		if step.Final() {
			p.paid(ctx, owner, step)
			return nil
		}
	}
}

func (p *Poller) paid(ctx context.Context, owner string, step Step) {
	if step.Phase != Paid {
		return
	}
	obs.LoggerFrom(ctx, p.Logger).Info().Str("order_id", step.Result.OrderID).Msg("order paid")
	if p.Events == nil {
		return
	}
	payload := map[string]any{"owner": owner, "kind": step.Result.Kind}
	if step.Status != nil {
		payload["value"] = step.Status.Value
		payload["currency"] = step.Status.Currency
		payload["paidAt"] = step.Status.PaidAt
	}
	if _, err := p.Events.Emit(ctx, events.TopicCheckoutPaid, step.Result.OrderID, payload); err != nil {
		obs.LoggerFrom(ctx, p.Logger).Warn().Err(err).Msg("checkout paid event emit failed")
	}
}
