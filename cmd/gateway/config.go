package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
)

// ConfigError agrupa os erros de validação da configuração.
var ConfigError = errs.Class("gateway configuration")

type config struct {
	listenAddr  string
	upstreamURL string
	adminAddr   string

	backend   string
	seedRules string

	rateEnabled  bool
	apiKeyHeader string
	apiKeyParam  string
	trustXFF     bool
	retryAfter   time.Duration
	addHeaders   bool

	burstRPS     float64
	burstBurst   int
	burstIdleTTL time.Duration

	concurrencyMax     int
	concurrencyTimeout time.Duration

	metricsNamespace string

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
	rateStatsTrackKeys     bool

	logLevel       string
	logDevelopment bool
}

// bindFlags registra as flags; o valor padrão de cada uma vem do ambiente.
func bindFlags(cmd *cobra.Command, cfg *config) {
	f := cmd.Flags()
	f.StringVar(&cfg.listenAddr, "listen-addr", getenvDefault("LISTEN_ADDR", ":8080"), "endereço do proxy")
	f.StringVar(&cfg.upstreamURL, "upstream-url", os.Getenv("UPSTREAM_URL"), "URL do serviço protegido")
	f.StringVar(&cfg.adminAddr, "admin-addr", getenvDefault("ADMIN_ADDR", "127.0.0.1:9090"), "endereço da API /limits e /metrics (vazio desliga)")

	f.StringVar(&cfg.backend, "backend", getenvDefault("RATELIMIT_BACKEND", "memory"), "persistência de regras e bans (memory, badger://, redis://, sqlite3://, postgres://, mysql://, etcd://, consul://)")
	f.StringVar(&cfg.seedRules, "seed-rules", os.Getenv("RATELIMIT_SEED_RULES"), "arquivo YAML com regras aplicadas quando o motor está vazio")

	f.BoolVar(&cfg.rateEnabled, "rate-enabled", getenvBoolDefault("RATE_ENABLED", true), "liga o motor de admissão")
	f.StringVar(&cfg.apiKeyHeader, "api-key-header", getenvDefault("API_KEY_HEADER", "X-Api-Key"), "header com a API key")
	f.StringVar(&cfg.apiKeyParam, "api-key-param", os.Getenv("API_KEY_PARAM"), "query param alternativo com a API key")
	f.BoolVar(&cfg.trustXFF, "trust-xff", getenvBoolDefault("TRUST_XFF", false), "usa o primeiro hop do X-Forwarded-For como IP")
	f.DurationVar(&cfg.retryAfter, "retry-after", getenvDurationDefault("RETRY_AFTER", 1*time.Second), "Retry-After para recusas por janela")
	f.BoolVar(&cfg.addHeaders, "add-ratelimit-headers", getenvBoolDefault("ADD_RATELIMIT_HEADERS", false), "adiciona os headers X-RateLimit-*")

	f.Float64Var(&cfg.burstRPS, "burst-rps", getenvFloatDefault("BURST_RPS", 0), "token bucket por chamador antes do motor (0 desliga)")
	f.IntVar(&cfg.burstBurst, "burst-burst", defaultBurst(), "tamanho do bucket do burst guard")
	f.DurationVar(&cfg.burstIdleTTL, "burst-idle-ttl", getenvDurationDefault("BURST_IDLE_TTL", 10*time.Minute), "tempo até descartar buckets ociosos")

	f.IntVar(&cfg.concurrencyMax, "concurrency-max", getenvIntDefault("CONCURRENCY_MAX", 100), "requisições em voo (0 desliga)")
	f.DurationVar(&cfg.concurrencyTimeout, "concurrency-timeout", getenvDurationDefault("CONCURRENCY_TIMEOUT", 0), "espera máxima por uma vaga")

	f.StringVar(&cfg.metricsNamespace, "metrics-namespace", getenvDefault("METRICS_NAMESPACE", "admission"), "namespace das métricas Prometheus")

	f.BoolVar(&cfg.rateStatsEnabled, "rate-stats-enabled", getenvBoolDefault("RATE_STATS_ENABLED", false), "grava estatísticas no Redis")
	f.StringVar(&cfg.rateStatsRedisAddr, "rate-stats-redis-addr", os.Getenv("RATE_STATS_REDIS_ADDR"), "endereço do Redis de estatísticas")
	f.StringVar(&cfg.rateStatsRedisPassword, "rate-stats-redis-password", os.Getenv("RATE_STATS_REDIS_PASSWORD"), "senha do Redis de estatísticas")
	f.IntVar(&cfg.rateStatsRedisDB, "rate-stats-redis-db", getenvIntDefault("RATE_STATS_REDIS_DB", 0), "db do Redis de estatísticas")
	f.StringVar(&cfg.rateStatsPrefix, "rate-stats-prefix", getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats"), "prefixo das chaves de estatística")
	f.DurationVar(&cfg.rateStatsTTL, "rate-stats-ttl", getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour), "TTL das séries por minuto")
	f.StringVar(&cfg.rateStatsBucket, "rate-stats-bucket", getenvDefault("RATE_STATS_BUCKET", "minute"), "bucket de tempo (minute ou none)")
	f.BoolVar(&cfg.rateStatsTrackKeys, "rate-stats-track-keys", getenvBoolDefault("RATE_STATS_TRACK_KEYS", false), "conta por chamador (cardinalidade alta)")

	f.StringVar(&cfg.logLevel, "log-level", getenvDefault("LOG_LEVEL", "info"), "nível do log (debug, info, warn, error)")
	f.BoolVar(&cfg.logDevelopment, "log-development", getenvBoolDefault("LOG_DEVELOPMENT", false), "log legível em vez de JSON")
}

// defaultBurst segue BURST_BURST; sem ele, 20, ou 1 quando BURST_RPS < 1.
// Com RPS muito baixo (ex: 0.02) um bucket de 20 deixa passar as primeiras ~20
// e parece que o limiter não funciona.
func defaultBurst() int {
	if burst, ok := getenvInt("BURST_BURST"); ok {
		return burst
	}
	if rps := getenvFloatDefault("BURST_RPS", 0); rps > 0 && rps < 1 {
		return 1
	}
	return 20
}

func (cfg config) validate() error {
	if strings.TrimSpace(cfg.upstreamURL) == "" {
		return ConfigError.New("UPSTREAM_URL is required")
	}
	if cfg.burstRPS < 0 {
		return ConfigError.New("BURST_RPS must be >= 0")
	}
	if cfg.burstRPS > 0 && cfg.burstBurst <= 0 {
		return ConfigError.New("BURST_BURST must be > 0")
	}
	if cfg.concurrencyMax < 0 {
		return ConfigError.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return ConfigError.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	if i, ok := getenvInt(k); ok {
		return i
	}
	return def
}

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
