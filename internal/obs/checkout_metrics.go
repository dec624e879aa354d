package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	checkoutOnce sync.Once

	// BumpResolutionTotal counts order bump resolution outcomes by bump type.
	BumpResolutionTotal *prometheus.CounterVec
	// CouponVerifyTotal counts coupon verification outcomes.
	CouponVerifyTotal *prometheus.CounterVec
	// CheckoutTokenTotal counts checkout token mint attempts.
	CheckoutTokenTotal *prometheus.CounterVec
	// CheckoutSubmissionTotal counts payment submissions by method and outcome.
	CheckoutSubmissionTotal *prometheus.CounterVec
	// OrderStatusPollTotal counts order status polls by observed state.
	OrderStatusPollTotal *prometheus.CounterVec
	// UpstreamLatency records backoffice call latency in milliseconds.
	UpstreamLatency *prometheus.HistogramVec
)

// MustRegisterCheckoutMetrics initialises and registers checkout collectors.
// Safe to call more than once; only the first call registers.
func MustRegisterCheckoutMetrics(namespace string, reg prometheus.Registerer) {
	checkoutOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BumpResolutionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bump_resolution_total",
			Help:      "Order bump resolutions by type and result.",
		}, []string{"type", "result"}))
		CouponVerifyTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_verify_total",
			Help:      "Coupon verification outcomes.",
		}, []string{"result"}))
		CheckoutTokenTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_token_total",
			Help:      "Checkout token mint attempts by result.",
		}, []string{"result"}))
		CheckoutSubmissionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_submission_total",
			Help:      "Payment submissions by method and result.",
		}, []string{"method", "result"}))
		OrderStatusPollTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_poll_total",
			Help:      "Order status polls by observed state.",
		}, []string{"result"}))
		UpstreamLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_ms",
			Help:      "Backoffice request latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"service", "result"}))
	})
}

// Count increments vec for labels when the collector has been registered.
func Count(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
