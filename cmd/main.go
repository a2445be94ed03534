package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/reflection"

	"github.com/dtroode/deskauth/internal/api/grpc/health"
	"github.com/dtroode/deskauth/internal/api/grpc/router"
	grpcServer "github.com/dtroode/deskauth/internal/api/grpc/server"
	"github.com/dtroode/deskauth/internal/breaker"
	"github.com/dtroode/deskauth/internal/config"
	"github.com/dtroode/deskauth/internal/crypto"
	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
	"github.com/dtroode/deskauth/internal/provider"
	"github.com/dtroode/deskauth/internal/queue"
	"github.com/dtroode/deskauth/internal/ratelimit"
	"github.com/dtroode/deskauth/internal/repository/postgres"
	"github.com/dtroode/deskauth/internal/repository/sqlite"
	"github.com/dtroode/deskauth/internal/server"
	"github.com/dtroode/deskauth/internal/service"
	storage "github.com/dtroode/deskauth/internal/storage/minio"
	"github.com/dtroode/deskauth/internal/vault"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

// tokenEndpoint names the breaker guarding the provider's token endpoint and
// the matching health service.
const tokenEndpoint = "token_endpoint"

// stores groups the persistence interfaces of the selected backend.
type stores struct {
	credentials model.CredentialStore
	rateLog     model.RateLogStore
	breakers    model.BreakerStateStore
	queue       model.QueueStore
	closer      io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)
	logAppVersion()

	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer st.closer.Close()

	clock := model.SystemClock{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	reporter := health.NewReporter(logger)

	cb, err := breaker.New(tokenEndpoint, breaker.Settings{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		VolumeThreshold:          cfg.Breaker.VolumeThreshold,
		ErrorThresholdPercentage: cfg.Breaker.ErrorThresholdPercentage,
		RollingWindow:            cfg.Breaker.RollingWindow,
	}, clock, m, logger,
		breaker.WithStateStore(st.breakers),
		breaker.WithFailurePredicate(provider.CountsAsFailure),
		breaker.WithStateChangeHook(reporter.Hook(tokenEndpoint)),
	)
	if err != nil {
		logger.Fatal("failed to create circuit breaker", "error", err)
	}
	if err := cb.Restore(ctx); err != nil {
		logger.Warn("failed to restore circuit breaker state", "error", err)
	}
	reporter.Set(tokenEndpoint, cb.Snapshot().State)

	coordinator := ratelimit.NewCoordinator(rateLimitConfig(cfg.RateLimit), clock, st.rateLog, m, logger)

	v, err := vault.New(ctx, st.credentials, model.StaticKey(cfg.Vault.Secret), vault.Config{
		KDF: crypto.KDFParams{
			Time:   cfg.KDF.Time,
			MemKiB: cfg.KDF.MemKiB,
			Par:    cfg.KDF.Par,
			Salt:   cfg.KDF.Salt,
		},
		MaxUsageCount: cfg.Vault.MaxUsageCount,
	}, clock, logger)
	if err != nil {
		logger.Fatal("failed to initialize credential vault", "error", err)
	}

	oauth := provider.NewOAuth2Client(provider.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		AuthInParams: cfg.OAuth.AuthInParams,
		Timeout:      cfg.OAuth.Timeout,
	}, &http.Client{})

	tokenService := service.NewTokenService(v, oauth, coordinator, cb, service.TokenConfig{
		CacheTTL:            cfg.Vault.CacheTTL,
		CacheSize:           cfg.Vault.CacheSize,
		ExpiryLeeway:        cfg.Vault.ExpiryLeeway,
		DefaultExpiresIn:    cfg.OAuth.DefaultExpiresIn,
		RequireRefreshToken: cfg.OAuth.RequireRefreshToken,
	}, clock, m, logger)

	queueOpts := []queue.Option{
		queue.WithAdmission(coordinator),
		queue.WithSelfRecorded(model.OperationRefresh),
		queue.WithGate(model.OperationRefresh, cb),
	}
	if cfg.Storage.Enabled {
		objects, err := storage.Connect(ctx, storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal("failed to initialize archive storage", "error", err)
		}
		queueOpts = append(queueOpts, queue.WithArchiver(storage.NewArchive(objects, cfg.Storage.Prefix, clock, logger)))
	}

	q := queue.New(st.queue, queue.Config{
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		MaxRetries:        cfg.Queue.MaxRetries,
		RetryDelay:        cfg.Queue.RetryDelay,
		MaxRetryDelay:     cfg.Queue.MaxRetryDelay,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		Retention:         cfg.Queue.Retention,
		MaxPending:        cfg.Queue.MaxPending,
		PollInterval:      cfg.Queue.PollInterval,
		SweepInterval:     cfg.Queue.SweepInterval,
		DispatchRate:      cfg.Queue.DispatchRate,
		DispatchBurst:     cfg.Queue.DispatchBurst,
	}, clock, m, logger, queueOpts...)
	q.Handle(model.OperationRefresh, queue.HandlerFunc(tokenService.HandleQueued))

	cleanup := service.NewCleanup(v, st.rateLog, service.CleanupConfig{
		Interval:             cfg.Vault.CleanupInterval,
		AccessTokenRetention: cfg.Vault.AccessTokenRetention,
		RateLogHorizon:       coordinator.Horizon(),
	}, clock, m, logger)

	gs := router.New(reporter, logger).Register()
	reflection.Register(gs)
	healthServer := grpcServer.NewGRPCServer(gs, fmt.Sprintf(":%s", cfg.GRPC.Port))

	sl := server.NewListener(cfg.GRPC.CertFileName, cfg.GRPC.PrivateKeyFileName)

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting health server", "address", healthServer.Address())
		return healthServer.Start(sl)
	})
	g.Go(func() error {
		logger.Info("Starting metrics server", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return cleanup.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		reporter.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Error("error during health server shutdown", "error", err, "address", healthServer.Address())
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during metrics server shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", "error", err)
	}
	logger.Info("shutdown complete")
}

func openStores(ctx context.Context, cfg config.Database) (stores, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.NewConnection(ctx, cfg.DSN)
		if err != nil {
			return stores{}, err
		}
		return stores{
			credentials: postgres.NewCredentialRepository(db),
			rateLog:     postgres.NewRateLogRepository(db),
			breakers:    postgres.NewBreakerStateRepository(db),
			queue:       postgres.NewQueueRepository(db),
			closer:      db,
		}, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return stores{}, err
		}
		return stores{credentials: db, rateLog: db, breakers: db, queue: db, closer: db}, nil
	default:
		return stores{}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func rateLimitConfig(cfg config.RateLimit) ratelimit.Config {
	api := ratelimit.Policy{Quotas: []ratelimit.Quota{{Limit: cfg.APILimit, Window: cfg.APIWindow}}}
	if cfg.APIBurstLimit > 0 {
		api.Quotas = append(api.Quotas, ratelimit.Quota{Limit: cfg.APIBurstLimit, Window: cfg.APIBurstWindow})
	}

	return ratelimit.Config{
		Policies: map[model.Operation]ratelimit.Policy{
			model.OperationRefresh: {
				Quotas:     []ratelimit.Quota{{Limit: cfg.RefreshLimit, Window: cfg.RefreshWindow}},
				MinSpacing: cfg.RefreshMinSpacing,
			},
			model.OperationAPICall: api,
		},
		SafetyMargin: cfg.SafetyMargin,
		Horizon:      cfg.Horizon,
	}
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
