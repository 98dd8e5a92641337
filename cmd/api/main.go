package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/donasi-payments/internal/app"
	"github.com/noah-isme/donasi-payments/internal/auth"
	"github.com/noah-isme/donasi-payments/internal/common"
	"github.com/noah-isme/donasi-payments/internal/config"
	"github.com/noah-isme/donasi-payments/internal/health"
	"github.com/noah-isme/donasi-payments/internal/lock"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/payment"
	"github.com/noah-isme/donasi-payments/internal/queue"
	"github.com/noah-isme/donasi-payments/internal/ratelimit"
	"github.com/noah-isme/donasi-payments/internal/resilience"
	"github.com/noah-isme/donasi-payments/internal/security"
)

const (
	shutdownTimeout = 15 * time.Second
	callbackPath    = "/api/v1/payments/callback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, cfg.Obs.ServiceName).
		With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNS, nil)
	resilience.MustRegisterMetrics(nil)
	queue.MustRegisterMetrics(nil)
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.TracingEnabled,
		ServiceName:   cfg.Obs.ServiceName,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Insecure:      cfg.Obs.OTLPInsecure,
		SamplingRatio: cfg.Obs.TraceSampleRate,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.Obs.TracingEnabled = false
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	deps, err := app.New(ctx, cfg, logger, cfg.Obs.ServiceName+"-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	router, err := newRouter(deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise router")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	// fail readiness first so the load balancer stops routing here
	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

func newRouter(deps *app.Dependencies) (http.Handler, error) {
	cfg := deps.Config
	logger := deps.Logger

	gateway, err := payment.NewECPay(cfg.ECPay.MerchantID, cfg.ECPay.HashKey, cfg.ECPay.HashIV, cfg.ECPay.ActionURL, cfg.Payment.TradeDesc, cfg.ECPay.Timezone)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, err
	}

	urls := payment.CallbackURLs{ReturnURL: cfg.Payment.ReturnURL, ClientBackURL: cfg.Payment.ClientBackURL}
	svc := &payment.Service{
		Store:      deps.Store,
		Gateway:    gateway,
		Reconciler: deps.Reconciler,
		Events:     deps.Bus,
		URLs:       urls,
		Logger:     &logger,
	}
	webhook := payment.Webhook{
		Gateway:    gateway,
		Store:      deps.Store,
		Reconciler: deps.Reconciler,
		Replay:     payment.RedisReplayGuard{Client: deps.Redis, Prefix: cfg.Queue.Prefix},
		ReplayTTL:  cfg.Payment.CallbackReplayTTL,
		Retry: payment.QueueRetry{
			Enqueuer:    deps.Enqueuer,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Delay:       cfg.Queue.RetryDelay,
		},
		Events: deps.Bus,
		Logger: &logger,
	}
	resubmitter := &payment.Resubmitter{
		Store:   deps.Store,
		Service: svc,
		Locker:  lock.Locker{R: deps.Redis, RetryBackoff: cfg.Lock.RetryBackoff},
		LockTTL: cfg.Lock.TTL,
		Window:  cfg.Payment.ResubmitWindow,
		Events:  deps.Bus,
		Logger:  &logger,
	}
	handler := &payment.Handler{Svc: svc, Resubmit: resubmitter, Validate: validator.New()}

	authMW := auth.Middleware{Tokens: tokens}
	idem := common.Idem{R: deps.Redis, TTL: cfg.Payment.IdempotencyTTL, Prefix: cfg.Queue.Prefix + ":idem"}
	limiter := ratelimit.Limiter{Client: deps.Redis, Prefix: cfg.Queue.Prefix + ":rl:"}
	limiterFor := func(key func(*http.Request) string, max int) ratelimit.Handler {
		return ratelimit.Handler{
			Limiter: limiter,
			Config:  ratelimit.Config{Key: key, Window: cfg.Limits.Window, Max: max},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
		}
	}
	limit := func(key func(*http.Request) string, max int) func(http.Handler) http.Handler {
		return limiterFor(key, max).Middleware
	}
	callbackLimit := limiterFor(ratelimit.ByClientIP("callback"), cfg.Limits.CallbackMax)
	callbackLimit.Reject = payment.RejectCallback

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Obs.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Obs.MetricsEnabled {
		buckets := obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets)
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.Obs.MetricsNS, buckets, nil)}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTS: hsts(cfg), NoStore: true}.Middleware)
	r.Use(security.BodyLimit{
		Max:  cfg.Payment.MaxBodyBytes,
		Form: cfg.Payment.CallbackMaxBodyBytes,
		// the gateway only understands ack tokens
		Reject: func(w http.ResponseWriter, req *http.Request, status int) {
			if req.URL.Path == callbackPath {
				payment.RejectCallback(w, req)
				return
			}
			security.WriteBodyRejection(w, status)
		},
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	if cfg.Obs.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{Probes: deps.Probes(), Timeout: 500 * time.Millisecond}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments", func(p chi.Router) {
			// the gateway authenticates with CheckMacValue, not a bearer token
			p.With(callbackLimit.Middleware).Post("/callback", webhook.Handle)

			p.Group(func(g chi.Router) {
				g.Use(authMW.RequireAuth)
				g.With(limit(ratelimit.ByClientIP("checkout"), cfg.Limits.CheckoutMax), idem.Middleware).Post("/checkout", handler.Checkout)
				g.With(limit(ratelimit.ByClientIP("status"), cfg.Limits.StatusMax)).Get("/{tradeNo}/status", handler.Status)
			})
		})

		v.With(authMW.RequireAuth, limit(ratelimit.ByURLParam("resubmit", "orderId"), cfg.Limits.ResubmitMax)).
			Post("/orders/{orderId}/resubmit", handler.Resubmission)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMW.RequireAuth)
			admin.Use(auth.RequireRole("admin"))
			admin.Post("/orders/{orderId}/mark-paid", handler.MarkPaid)
		})
	})

	return r, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

// protectPprof requires basic auth; config validation guarantees credentials
// when pprof is enabled.
func protectPprof(handler http.Handler, user, pass string) http.Handler {
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

func hsts(cfg *config.Config) time.Duration {
	if !cfg.IsProduction() {
		return 0
	}
	return 2 * 365 * 24 * time.Hour
}
