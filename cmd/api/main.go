package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
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

	"github.com/vibethread/storefront/internal/account"
	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/catalog"
	"github.com/vibethread/storefront/internal/checkout"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/config"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/health"
	"github.com/vibethread/storefront/internal/lock"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/orders"
	"github.com/vibethread/storefront/internal/ratelimit"
	"github.com/vibethread/storefront/internal/security"
	"github.com/vibethread/storefront/internal/session"
	"github.com/vibethread/storefront/internal/shipping"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	if err := cfg.RequireRedis(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "storefront-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      "otlp",
			SamplingRatio: cfg.TracingSampling,
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	var clientMetrics *obs.ClientMetrics
	if cfg.MetricsEnabled {
		clientMetrics = obs.NewClientMetrics(cfg.MetricsNamespace, nil)
	}
	api, err := backend.New(backend.Options{
		BaseURL:        cfg.BackendBaseURL,
		Timeout:        cfg.HTTPClientTimeout,
		MaxAttempts:    cfg.HTTPClientMaxAttempts,
		Backoff:        cfg.HTTPClientBackoff,
		Jitter:         cfg.HTTPClientJitter,
		BreakerMinReq:  cfg.BreakerMinRequests,
		BreakerRatio:   cfg.BreakerFailureRatio,
		BreakerOpenFor: cfg.BreakerOpenFor,
		Metrics:        clientMetrics,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise backend client")
	}

	locker := lock.Locker{R: redisClient, TTL: cfg.LockTTL}
	sessions := cart.Sessions{
		Redis:       redisClient,
		Locker:      locker,
		TTL:         cfg.CartTTL,
		LockTTL:     cfg.LockTTL,
		MaxQuantity: cfg.CartMaxQuantity,
		Logger:      logger,
	}
	bus := &events.Bus{Notifiers: events.DefaultNotifiers(redisClient, logger, events.WebhookNotifier{
		URL:       cfg.WebhookURL,
		Secret:    cfg.WebhookSecret,
		Topics:    cfg.WebhookTopics,
		Client:    events.WebhookClient(cfg.WebhookTimeout),
		Replay:    redisClient,
		ReplayTTL: 24 * time.Hour,
	})}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Backend: api,
		Cache:   catalog.NewCache(redisClient, "storefront:catalog:", cfg.CatalogCacheTTL),
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Service: catalogService})

	shipSvc := shipping.Service{Backend: api, Default: cfg.DefaultShipping, Logger: logger}
	resolver := discount.Resolver{Backend: api, Logger: logger}
	cartHandler := &cart.Handler{
		Sessions:    sessions,
		Discounts:   resolver,
		Shipping:    shipSvc,
		GiftWrapFee: cfg.GiftWrapFee,
		Currency:    cfg.Currency,
	}

	checkoutHandler := &checkout.Handler{
		Sessions: sessions,
		Shipping: shipSvc,
		Deps: checkout.Deps{
			Backend:     api,
			Shipping:    shipSvc,
			Pincodes:    shipSvc,
			Enricher:    catalogService,
			Guard:       checkout.LockGuard{Locker: locker, TTL: cfg.HTTPClientTimeout * 2},
			Events:      bus,
			Logger:      logger,
			GatewayKey:  cfg.RazorpayKeyID,
			Currency:    cfg.Currency,
			StoreName:   "THE VIBE THREAD",
			GiftWrapFee: cfg.GiftWrapFee,
		},
	}

	watch := &orders.RedisTargets{Client: redisClient, KV: sessions.KV}
	orderHandler := &orders.Handler{
		Service: orders.Service{Backend: api, Logger: logger},
		Redis:   redisClient,
		Watch:   watch,
	}
	accountHandler := &account.Handler{Backend: api, KV: sessions.KV, Logger: logger}

	healthHandler := health.Handler{Probes: []health.Probe{
		health.RedisProbe{Client: redisClient},
		health.BackendProbe{Backend: api},
	}}

	perIP, err := ratelimit.NewFixed(redisClient, "storefront:ratelimit", cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	discountLimit := ratelimit.Middleware{
		Limiter: ratelimit.Sliding{Client: redisClient, Prefix: "storefront:ratelimit:discount", Window: time.Minute, Max: cfg.DiscountApplyLimit},
		Key:     ratelimit.BySession,
		Logger:  logger,
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	sessionManager := session.Manager{
		Cookie:   cfg.SessionCookie,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
		MaxAge:   cfg.CartTTL,
		KV:       sessions.KV,
		Logger:   logger,
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(envOrDefault("METRICS_BUCKETS_MS", "")), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(security.Headers{HSTS: cfg.CookieSecure}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("PPROF_ENABLED", false) {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), envOrDefault("PPROF_BASIC_AUTH_USER", ""), envOrDefault("PPROF_BASIC_AUTH_PASS", "")))
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api", func(v chi.Router) {
		v.Use(ratelimit.Middleware{Limiter: perIP, Key: ratelimit.ByIP, Logger: logger}.Handler)
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
		v.Use(sessionManager.Middleware)
		v.Use(obs.RequestLogger{Logger: logger}.Middleware)
		v.Use(security.CSRF{Secure: cfg.CookieSecure, SameSite: cfg.CookieSameSite}.Middleware)

		v.Route("/products", catalogHandler.Routes)
		v.Route("/cart", func(c chi.Router) {
			c.Use(limitDiscountApply(discountLimit))
			cartHandler.Routes(c)
		})
		v.Route("/checkout", func(c chi.Router) {
			c.Use(idem.Middleware)
			checkoutHandler.Routes(c)
		})
		v.Route("/orders", func(o chi.Router) {
			o.Use(idem.Middleware)
			orderHandler.Routes(o)
		})
		v.Route("/account", accountHandler.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	logger.Info().Msg("server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("server stopped")
}

// limitDiscountApply applies m only to coupon submissions.
func limitDiscountApply(m ratelimit.Middleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := m.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/discount") {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
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

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
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
