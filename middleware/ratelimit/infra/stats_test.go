package infra

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/middleware/ratelimit/domain"
)

func sampleEvents() []domain.StatsEvent {
	return []domain.StatsEvent{
		{Key: "k1_1.1.1.1", Allowed: true, Reason: domain.ReasonWithinLimits, Matched: true, RuleID: 3, Method: "GET", Path: "/search"},
		{Key: "k1_1.1.1.1", Allowed: false, Reason: domain.ReasonMinuteThreshold, Matched: true, RuleID: 3, Method: "GET", Path: "/search"},
		{Key: ".*_2.2.2.2", Allowed: true, Reason: domain.ReasonNoRule, Method: "POST", Path: "/docs"},
	}
}

func TestMemoryStatsStore_Aggregates(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	for _, ev := range sampleEvents() {
		require.NoError(t, s.Record(context.Background(), ev))
	}

	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, s.Total())
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.ByRoute()["GET /search"])
	assert.Equal(t, int64(1), s.ByReason()[domain.ReasonMinuteThreshold])
	assert.Equal(t, Counters{Allowed: 1}, s.ByKey()[".*_2.2.2.2"])
}

func TestMemoryStatsStore_KeysNotTrackedByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	require.NoError(t, s.Record(context.Background(), sampleEvents()[0]))
	assert.Empty(t, s.ByKey())
}

func TestPrometheusStatsStore_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewPrometheusStatsStore(reg, "test")
	require.NoError(t, err)
	for _, ev := range sampleEvents() {
		require.NoError(t, s.Record(context.Background(), ev))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(s.decisions.WithLabelValues("denied", "minute_threshold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.decisions.WithLabelValues("allowed", "no_rule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.rules.WithLabelValues("3", "allowed")))

	_, err = NewPrometheusStatsStore(reg, "test")
	assert.True(t, Error.Has(err), "registering twice must fail")
}

func TestRegisterEngineGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterEngineGauges(reg, "test", map[string]func() float64{
		"rules": func() float64 { return 4 },
	}))
	n, err := testutil.GatherAndCount(reg, "test_ratelimit_rules")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingStats struct{}

func (failingStats) Record(context.Context, domain.StatsEvent) error { return errors.New("down") }

func TestStatsStores_FansOut(t *testing.T) {
	mem := NewMemoryStatsStore()
	err := StatsStores{mem, nil, failingStats{}}.Record(context.Background(), sampleEvents()[0])
	require.Error(t, err)
	assert.Equal(t, int64(1), mem.Total().Allowed)
}

func TestRedisStatsStore_Record(t *testing.T) {
	addr := os.Getenv("RATELIMIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RATELIMIT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	prefix := "ratelimit:test:" + time.Now().Format("150405.000000")
	s := NewRedisStatsStore(rdb, WithStatsPrefix(prefix), WithStatsTTL(time.Minute), WithStatsTrackKeys(true))
	for _, ev := range sampleEvents() {
		require.NoError(t, s.Record(ctx, ev))
	}

	total, err := rdb.HGetAll(ctx, prefix+":total").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"allowed": "2", "denied": "1"}, total)

	reasons, err := rdb.HGetAll(ctx, prefix+":reason").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", reasons["minute_threshold"])

	rules, err := rdb.HGetAll(ctx, prefix+":rule").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"3:allowed": "1", "3:denied": "1"}, rules)

	keys, err := rdb.Keys(ctx, prefix+"*").Result()
	require.NoError(t, err)
	require.NoError(t, rdb.Del(ctx, keys...).Err())
}
