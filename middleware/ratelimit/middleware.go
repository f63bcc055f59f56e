package ratelimit

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

// DefaultAPIKeyHeader é o header lido quando Options.APIKeyHeader está vazio.
const DefaultAPIKeyHeader = "X-Api-Key"

// EntitiesFunc extrai as entidades de identidade (IP, API key) da requisição.
type EntitiesFunc func(r *http.Request) []domain.Entity

type Options struct {
	// Engine decide cada requisição; sem Engine tudo passa (salvo o Burst).
	Engine application.Evaluator
	// Burst é um token bucket opcional consultado antes do Engine.
	Burst domain.LimiterStore
	Stats domain.StatsStore
	Log   *zap.Logger

	EntitiesFn         EntitiesFunc
	APIKeyHeader       string
	APIKeyQueryParam   string
	TrustXForwardedFor bool

	RejectStatus        int
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
}

type rateInfo interface {
	RPS() float64
	Burst() int
}

// ClientIP devolve o IP do cliente: primeiro hop do X-Forwarded-For quando
// confiável e for um IP válido, senão o host de RemoteAddr.
// Nunca devolve o Wildcard; nesse caso o resultado é vazio.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	ip := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(ip); err == nil && host != "" {
		ip = host
	}
	if ip == domain.Wildcard {
		return ""
	}
	return ip
}

// DefaultEntitiesFunc lê a API key do header (e, se configurado, do query param)
// e o IP via ClientIP. Entidades vazias ou iguais ao Wildcard ficam de fora, e o
// motor as trata como Wildcard.
func DefaultEntitiesFunc(apiKeyHeader, apiKeyParam string, trustXFF bool) EntitiesFunc {
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return func(r *http.Request) []domain.Entity {
		var out []domain.Entity
		if ip := ClientIP(r, trustXFF); ip != "" {
			out = append(out, domain.IP(ip))
		}
		key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if key == "" && apiKeyParam != "" {
			key = strings.TrimSpace(r.URL.Query().Get(apiKeyParam))
		}
		// o Wildcard vindo do cliente casaria com qualquer chave
		if key != "" && key != domain.Wildcard {
			out = append(out, domain.APIKey(key))
		}
		return out
	}
}

// CallerKey identifica o chamador como "<api-key>_<ip>", com Wildcard no que faltar.
func CallerKey(entities []domain.Entity) domain.Key {
	ip, apiKey := domain.SplitEntities(entities)
	return domain.Key(apiKey.Value + "_" + ip.Value)
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.EntitiesFn == nil {
		opts.EntitiesFn = DefaultEntitiesFunc(opts.APIKeyHeader, opts.APIKeyQueryParam, opts.TrustXForwardedFor)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	svc := application.Service{
		Engine:     opts.Engine,
		RetryAfter: opts.RetryAfter,
	}
	// recusas podem vir em rajada; loga as primeiras e depois uma por intervalo
	denyLog := &rate.Sometimes{First: 10, Interval: 10 * time.Second}
	statsLog := &rate.Sometimes{First: 1, Interval: time.Minute}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entities := opts.EntitiesFn(r)
			key := CallerKey(entities)

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", string(key))
				if ri, ok := opts.Burst.(rateInfo); ok {
					w.Header().Set("X-RateLimit-RPS", formatFloat(ri.RPS()))
					w.Header().Set("X-RateLimit-Burst", formatInt(ri.Burst()))
				}
			}

			var dec domain.Decision
			if opts.Burst != nil && !opts.Burst.Get(key).Allow() {
				dec = domain.Decision{Reason: domain.ReasonBurst, RetryAfter: opts.RetryAfter}
			} else {
				dec = svc.Decide(r.Context(), entities)
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Reason", string(dec.Reason))
				if dec.Matched {
					w.Header().Set("X-RateLimit-Rule", formatUint(dec.RuleID))
				}
			}

			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     key,
					Allowed: dec.Allowed,
					Reason:  dec.Reason,
					Matched: dec.Matched,
					RuleID:  dec.RuleID,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				})
				if err != nil {
					statsLog.Do(func() { opts.Log.Warn("failed to record rate limit stats", zap.Error(err)) })
				}
			}

			if !dec.Allowed {
				if dec.RetryAfter > 0 {
					w.Header().Set("Retry-After", formatInt(int(math.Ceil(dec.RetryAfter.Seconds()))))
				}
				denyLog.Do(func() {
					opts.Log.Info("request rejected",
						zap.String("key", string(key)),
						zap.String("reason", string(dec.Reason)),
						zap.Uint64("rule", dec.RuleID),
						zap.String("path", r.URL.Path),
					)
				})
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
