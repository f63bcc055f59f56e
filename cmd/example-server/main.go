package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"
)

// Regras de exemplo: 60/min por IP, e uma API key de parceiro sem limite.
var exampleRules = []string{
	`{"action":"throttle","ip_addresses":[".*"],"max_requests_1m":60,"apply_limit_per_entity":true,"auto_ban_threshold_num":3,"auto_ban_num_hours":1}`,
	`{"action":"allow","api_keys":["partner-key"],"priority":10}`,
}

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("example server stopped", zap.Error(err))
	}
}

// run injeta o middleware direto no webserver (sem proxy), com o motor em memória.
func run(log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := application.NewEngine(ctx, log.Named("engine"), infra.NewMemoryKV())
	if err != nil {
		return err
	}
	for _, doc := range exampleRules {
		if _, err := engine.AddRule(ctx, []byte(doc)); err != nil {
			return err
		}
	}

	guard := infra.NewBurstGuard(5, 10, infra.WithGuardLogger(log.Named("burst")))
	go func() { _ = guard.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	admin := ratelimit.NewAdminHandler(engine, log.Named("admin"))
	mux.Handle("/limits", admin)
	mux.Handle("/limits/", admin)

	h := http.Handler(mux)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, Log: log})(h)
	h = ratelimit.Middleware(ratelimit.Options{
		Engine:              engine,
		Burst:               guard,
		Stats:               infra.NewMemoryStatsStore(),
		Log:                 log.Named("ratelimit"),
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
