package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/storefront-checkout/internal/cart"
	"github.com/noah-isme/storefront-checkout/internal/catalog"
	"github.com/noah-isme/storefront-checkout/internal/checkout"
	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/config"
	"github.com/noah-isme/storefront-checkout/internal/coupon"
	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/health"
	"github.com/noah-isme/storefront-checkout/internal/locale"
	"github.com/noah-isme/storefront-checkout/internal/lock"
	"github.com/noah-isme/storefront-checkout/internal/obs"
	"github.com/noah-isme/storefront-checkout/internal/orderbump"
	"github.com/noah-isme/storefront-checkout/internal/payment"
	"github.com/noah-isme/storefront-checkout/internal/poller"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/ratelimit"
	"github.com/noah-isme/storefront-checkout/internal/resilience"
	"github.com/noah-isme/storefront-checkout/internal/security"
	"github.com/noah-isme/storefront-checkout/internal/storage"
	"github.com/noah-isme/storefront-checkout/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "storefront")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterCheckoutMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "storefront-checkout",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	defaultLocale, err := locale.Parse(cfg.DefaultLocale)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse default locale")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	// One breaker per upstream so a failing catalog cannot block payments.
	newBreaker := func(target string) *resilience.Breaker {
		return resilience.NewBreaker(
			envInt("RESILIENCE_BREAKER_MIN_REQUESTS", 10),
			envFloat("RESILIENCE_BREAKER_FAILURE_RATIO", 0.5),
			envDurationMillis("RESILIENCE_BREAKER_OPEN_MS", 30000),
		).WithTarget(target).WithLogger(logger)
	}
	catalogBreaker := newBreaker("catalog")
	backofficeBreaker := newBreaker("backoffice")

	backoffice := upstream.Client{
		BaseURL: cfg.BackofficeAPIURL,
		HTTP:    upstream.NewHTTPClient(cfg.UpstreamTimeout, cfg.UpstreamMaxAttempts, backofficeBreaker),
	}
	graphql := upstream.Client{
		BaseURL: cfg.CatalogGraphQLURL,
		Service: "catalog",
		HTTP:    upstream.NewHTTPClient(cfg.UpstreamTimeout, cfg.UpstreamMaxAttempts, catalogBreaker),
	}

	carts := storage.NewRedis(redisClient, "", cfg.CartTTL)
	sessions := carts.WithTTL(cfg.CheckoutSessionTTL)
	catalogCache := carts.WithTTL(cfg.CatalogCacheTTL)

	lookup := catalog.CachedLookup{
		Next:   catalog.GraphQLClient{API: graphql},
		Cache:  catalogCache,
		Logger: logger,
	}
	plan := pricing.InstallmentPlan{
		ProductID: cfg.InstallmentProductID,
		Count:     cfg.InstallmentCount,
		Amount:    cfg.InstallmentAmount,
	}

	bus := &events.Bus{
		Store:     events.RedisStore{Client: redisClient, Stream: envOrDefault("EVENTS_STREAM", "checkout:events")},
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
	}

	checkoutSvc := &checkout.Service{
		Sessions: sessions,
		Carts:    carts,
		Results:  sessions,
		Catalog:  lookup,
		Bumps:    orderbump.NewResolver(lookup, logger, cfg.BumpResolveParallel),
		Coupons:  coupon.HTTPVerifier{API: backoffice.WithService("coupon")},
		Tokens:   checkout.TokenClient{API: backoffice.WithService("token")},
		Rails:    payment.HTTPRails{API: backoffice.WithService("payment")},
		Events:   bus,
		Locker:   lock.Locker{R: redisClient},
		LockTTL:  cfg.SubmitLockTTL,
		Logger:   logger,
	}

	limiter := ratelimit.SlidingWindow{Client: redisClient, Prefix: "rl:"}
	onLimiterError := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }
	submitLimit := ratelimit.Handler{
		Limiter: limiter,
		Config:  ratelimit.Config{Key: ratelimit.BySession("submit"), Window: cfg.RateLimitWindow, Max: cfg.RateLimitSubmitMax},
		OnError: onLimiterError,
	}
	couponLimit := ratelimit.Handler{
		Limiter: limiter,
		Config:  ratelimit.Config{Key: ratelimit.BySession("coupon"), Window: cfg.RateLimitWindow, Max: cfg.RateLimitCouponMax},
		OnError: onLimiterError,
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	catalogHandler := catalog.NewHandler(lookup, plan)
	cartHandler := &cart.Handler{Catalog: lookup, Storage: carts, Plan: plan, Logger: logger}
	checkoutHandler := &checkout.Handler{
		Service:       checkoutSvc,
		Plan:          plan,
		DefaultLocale: defaultLocale,
		Logger:        logger,
		Guard: func(next http.Handler) http.Handler {
			return submitLimit.Middleware(idem.Middleware(next))
		},
		CouponGuard: couponLimit.Middleware,
	}
	resultHandler := &poller.Handler{
		Poller: &poller.Poller{
			Results:  sessions,
			Status:   poller.StatusClient{API: backoffice.WithService("orders")},
			Interval: cfg.StatusPollInterval,
			Events:   bus,
			Logger:   logger,
		},
		RedirectTo: envOrDefault("CHECKOUT_EMPTY_REDIRECT", "/"),
		Logger:     logger,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-CSRF-Token", common.SessionHeader},
		ExposedHeaders:   []string{common.SessionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{
		Enable:                envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS:            envBool("SECURE_HSTS_ENABLE", cfg.CookieSecure),
		HSTSMaxAge:            envInt("SECURE_HSTS_MAX_AGE", 31536000),
		HSTSIncludeSubdomains: envBool("SECURE_HSTS_INCLUDE_SUBDOMAINS", false),
	}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Probes: []health.Probe{
			health.RedisProbe(redisClient),
			health.UpstreamProbe("backoffice", backoffice.WithService("health"), envOrDefault("HEALTH_BACKOFFICE_PATH", "/health")),
			health.BreakerProbe(catalogBreaker),
			health.BreakerProbe(backofficeBreaker),
		},
		Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: int64(envInt("SECURE_BODY_LIMIT_BYTES", 64<<10))}.Middleware)
		v.Use(common.Sessions{CookieSecure: cfg.CookieSecure, MaxAge: int(cfg.CartTTL / time.Second)}.Middleware)
		v.Use(security.CSRF{Secure: cfg.CookieSecure}.Middleware)

		v.Get("/catalog/{kind}/{id}", catalogHandler.Get)

		v.Route("/cart", func(c chi.Router) {
			c.Get("/", cartHandler.Get)
			c.Delete("/", cartHandler.Clear)
			c.Post("/rehydrate", cartHandler.Rehydrate)
			c.Post("/items", cartHandler.AddItem)
			c.Patch("/items/{id}", cartHandler.UpdateItem)
			c.Delete("/items/{id}", cartHandler.RemoveItem)
		})

		v.Route("/checkout", func(c chi.Router) {
			c.Group(func(noStore chi.Router) {
				noStore.Use(security.Headers{Enable: true, NoStore: true}.Middleware)
				noStore.Route("/sessions", checkoutHandler.Routes)
				noStore.Get("/result", resultHandler.Result)
				noStore.Get("/result/stream", resultHandler.Stream)
			})
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case sig := <-stop:
		drain(srv, logger, sig)
	}
}

// drain fails readiness first so the balancer stops routing, then lets
// in-flight requests and SSE streams finish.
func drain(srv *http.Server, logger zerolog.Logger, sig os.Signal) {
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	health.SetReady(false)
	time.Sleep(envDurationMillis("SHUTDOWN_DRAIN_DELAY_MS", 2000))

	ctx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
