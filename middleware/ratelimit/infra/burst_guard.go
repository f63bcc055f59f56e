package infra

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"admission-gateway/middleware/ratelimit/domain"
)

// BurstGuard é um token bucket por chamador (x/time/rate) que fica na frente do
// motor e corta rajadas antes de elas chegarem aos contadores por minuto.
// Chaves paradas há mais de idleTTL são descartadas pelo janitor.
type BurstGuard struct {
	log *zap.Logger
	now func() time.Time

	mu           sync.Mutex
	entries      map[domain.Key]*guardEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type BurstGuardOption func(*BurstGuard)

func WithIdleTTL(d time.Duration) BurstGuardOption {
	return func(g *BurstGuard) { g.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) BurstGuardOption {
	return func(g *BurstGuard) { g.cleanupEvery = d }
}

func WithGuardLogger(log *zap.Logger) BurstGuardOption {
	return func(g *BurstGuard) {
		if log != nil {
			g.log = log
		}
	}
}

func WithGuardClock(now func() time.Time) BurstGuardOption {
	return func(g *BurstGuard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewBurstGuard(rps float64, burst int, opts ...BurstGuardOption) *BurstGuard {
	g := &BurstGuard{
		log:          zap.NewNop(),
		now:          time.Now,
		entries:      make(map[domain.Key]*guardEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *BurstGuard) RPS() float64                { return float64(g.rps) }
func (g *BurstGuard) Burst() int                  { return g.burst }
func (g *BurstGuard) CleanupEvery() time.Duration { return g.cleanupEvery }

// Get implementa domain.LimiterStore.
func (g *BurstGuard) Get(key domain.Key) domain.Limiter {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if ent, ok := g.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(g.rps, g.burst)
	g.entries[key] = &guardEntry{lim: lim, lastSeen: now}
	return lim
}

func (g *BurstGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Cleanup descarta as chaves ociosas e devolve quantas saíram.
func (g *BurstGuard) Cleanup() int {
	cutoff := g.now().Add(-g.idleTTL)

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for k, ent := range g.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(g.entries, k)
			evicted++
		}
	}
	return evicted
}

// Run limpa chaves ociosas a cada cleanupEvery até o ctx encerrar.
func (g *BurstGuard) Run(ctx context.Context) error {
	if g.cleanupEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(g.cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := g.Cleanup(); n > 0 {
				g.log.Debug("burst guard evicted idle keys", zap.Int("evicted", n), zap.Int("remaining", g.Len()))
			}
		}
	}
}
