package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	// .env é opcional; variáveis já definidas no ambiente têm precedência
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config
	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Reverse proxy with rate limit rules, bans and a management API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, log, cfg); err != nil {
				log.Error("gateway stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	bindFlags(cmd, &cfg)
	return cmd
}

func newLogger(cfg config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.logLevel)
	if err != nil {
		return nil, ConfigError.New("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.logDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func run(ctx context.Context, log *zap.Logger, cfg config) (err error) {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return ConfigError.New("invalid UPSTREAM_URL: %w", err)
	}

	kv, err := infra.OpenKV(ctx, log.Named("kv"), cfg.backend)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, kv.Close()) }()

	engine, err := application.NewEngine(ctx, log.Named("engine"), kv)
	if err != nil {
		return err
	}
	if cfg.seedRules != "" {
		if _, err := seedRules(ctx, log, engine, cfg.seedRules); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stats, closeStats, err := newStats(ctx, reg, cfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, closeStats()) }()

	err = infra.RegisterEngineGauges(reg, cfg.metricsNamespace, map[string]func() float64{
		"rules":    func() float64 { return float64(engine.Counts().Rules) },
		"bans":     func() float64 { return float64(engine.Counts().Bans) },
		"counters": func() float64 { return float64(engine.Counts().Counters) },
		"exceeds":  func() float64 { return float64(engine.Counts().Exceeds) },
	})
	if err != nil {
		return err
	}

	var (
		guard *infra.BurstGuard
		burst domain.LimiterStore
	)
	if cfg.burstRPS > 0 {
		guard = infra.NewBurstGuard(cfg.burstRPS, cfg.burstBurst,
			infra.WithIdleTTL(cfg.burstIdleTTL),
			infra.WithGuardLogger(log.Named("burst")),
		)
		burst = guard
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cfg.concurrencyTimeout,
		Log:            log.Named("concurrency"),
	})(h)
	if cfg.rateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Engine:              engine,
			Burst:               burst,
			Stats:               stats,
			Log:                 log.Named("ratelimit"),
			APIKeyHeader:        cfg.apiKeyHeader,
			APIKeyQueryParam:    cfg.apiKeyParam,
			TrustXForwardedFor:  cfg.trustXFF,
			RejectStatus:        http.StatusTooManyRequests,
			RetryAfter:          cfg.retryAfter,
			AddRateLimitHeaders: cfg.addHeaders,
		})(h)
	}

	servers := []*http.Server{newServer(cfg.listenAddr, h)}
	if cfg.adminAddr != "" {
		admin := chi.NewRouter()
		admin.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		admin.Mount("/", ratelimit.NewAdminHandler(engine, log.Named("admin")))
		servers = append(servers, newServer(cfg.adminAddr, admin))
	}

	log.Info("gateway starting",
		zap.String("listen", cfg.listenAddr),
		zap.String("upstream", target.String()),
		zap.String("admin", cfg.adminAddr),
		zap.String("backend", infra.RedactBackend(cfg.backend)),
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.Float64("burst_rps", cfg.burstRPS),
		zap.Int("burst", cfg.burstBurst),
		zap.Int("concurrency_max", cfg.concurrencyMax),
		zap.Bool("redis_stats", cfg.rateStatsEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var group errs.Group
		for _, srv := range servers {
			group.Add(srv.Shutdown(shutdownCtx))
		}
		return group.Err()
	})
	if guard != nil {
		g.Go(func() error { return guard.Run(gctx) })
	}
	return g.Wait()
}

// newStats monta os gravadores de estatística: sempre Prometheus, e Redis
// quando habilitado.
func newStats(ctx context.Context, reg prometheus.Registerer, cfg config) (domain.StatsStore, func() error, error) {
	prom, err := infra.NewPrometheusStatsStore(reg, cfg.metricsNamespace)
	if err != nil {
		return nil, nil, err
	}
	stats := infra.StatsStores{prom}
	if !cfg.rateStatsEnabled {
		return stats, func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.rateStatsRedisAddr,
		Password: cfg.rateStatsRedisPassword,
		DB:       cfg.rateStatsRedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, errs.New("redis stats ping: %w", err)
	}
	stats = append(stats, infra.NewRedisStatsStore(rdb,
		infra.WithStatsPrefix(cfg.rateStatsPrefix),
		infra.WithStatsTTL(cfg.rateStatsTTL),
		infra.WithStatsBucket(cfg.rateStatsBucket),
		infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
	))
	return stats, rdb.Close, nil
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}
