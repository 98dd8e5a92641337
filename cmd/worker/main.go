package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/donasi-payments/internal/app"
	"github.com/noah-isme/donasi-payments/internal/config"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/payment"
	"github.com/noah-isme/donasi-payments/internal/queue"
	"github.com/noah-isme/donasi-payments/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, cfg.Obs.ServiceName).
		With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNS, nil)
	resilience.MustRegisterMetrics(nil)
	queue.MustRegisterMetrics(nil)
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.TracingEnabled,
		ServiceName:   cfg.Obs.ServiceName + "-worker",
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Insecure:      cfg.Obs.OTLPInsecure,
		SamplingRatio: cfg.Obs.TraceSampleRate,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	deps, err := app.New(ctx, cfg, logger, cfg.Obs.ServiceName+"-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	retry := payment.RetryHandler{
		Reconciler: deps.Reconciler,
		Store:      deps.Store,
		Events:     deps.Bus,
		Logger:     &logger,
	}
	settleWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.Queue.Prefix,
		Kind:              payment.RetryKind,
		Concurrency:       cfg.Queue.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		SoftDeadline:      cfg.Queue.VisibilityTimeout / 2,
		RetryBase:         cfg.Queue.RetryBase,
		RetryJitter:       cfg.Queue.RetryJitter,
		Handler:           retry.Handle,
		DeadLetter:        retry.DeadLetter,
		Logger:            &logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return settleWorker.Run(gctx) })
	if relay := deps.Relay(); relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if cfg.Obs.MetricsEnabled {
		srv := &http.Server{Addr: cfg.WorkerMetricsAddr(), Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Str("kind", payment.RetryKind).Int("concurrency", cfg.Queue.Concurrency).Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
}
