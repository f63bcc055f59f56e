package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/middleware/ratelimit/domain"
)

func TestBurstGuard_SameKeySameLimiter(t *testing.T) {
	g := NewBurstGuard(10, 1)
	assert.Same(t, g.Get(domain.Key("k")), g.Get(domain.Key("k")))
	assert.NotSame(t, g.Get(domain.Key("k")), g.Get(domain.Key("other")))
}

func TestBurstGuard_LowBurstRejectsSecondImmediateAllow(t *testing.T) {
	g := NewBurstGuard(0.02, 1)
	lim := g.Get(domain.Key("k"))
	require.True(t, lim.Allow())
	assert.False(t, lim.Allow())
}

func TestBurstGuard_CleanupEvictsIdleKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	g := NewBurstGuard(10, 1,
		WithIdleTTL(time.Minute),
		WithCleanupEvery(0),
		WithGuardClock(func() time.Time { return now }),
	)

	before := g.Get(domain.Key("old"))
	now = now.Add(2 * time.Minute)
	g.Get(domain.Key("fresh"))

	assert.Equal(t, 1, g.Cleanup())
	assert.Equal(t, 1, g.Len())
	assert.NotSame(t, before, g.Get(domain.Key("old")))
}

func TestBurstGuard_RunStopsWithContext(t *testing.T) {
	g := NewBurstGuard(10, 1, WithCleanupEvery(time.Millisecond), WithIdleTTL(0))
	g.Get(domain.Key("k"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
