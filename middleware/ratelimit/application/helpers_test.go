package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"admission-gateway/middleware/ratelimit/domain"
)

var errBoom = errors.New("boom")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyKV falha nas operações ligadas.
type flakyKV struct {
	domain.KV
	failInsert    bool
	failIncrement bool
	failRemove    bool
}

func (k *flakyKV) Insert(ctx context.Context, key string, value []byte) error {
	if k.failInsert {
		return errBoom
	}
	return k.KV.Insert(ctx, key, value)
}

func (k *flakyKV) Increment(ctx context.Context, key string, delta int64) error {
	if k.failIncrement {
		return errBoom
	}
	return k.KV.Increment(ctx, key, delta)
}

func (k *flakyKV) Remove(ctx context.Context, key string) (bool, error) {
	if k.failRemove {
		return false, errBoom
	}
	return k.KV.Remove(ctx, key)
}

func newEngine(t *testing.T, kv domain.KV, clock *testClock) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), zaptest.NewLogger(t), kv, WithClock(clock.Now))
	require.NoError(t, err)
	return e
}

func mustAddRule(t *testing.T, e *Engine, doc string) domain.Rule {
	t.Helper()
	rule, err := e.AddRule(context.Background(), []byte(doc))
	require.NoError(t, err)
	return rule
}

func req(ip, apiKey string) []domain.Entity {
	var out []domain.Entity
	if ip != "" {
		out = append(out, domain.IP(ip))
	}
	if apiKey != "" {
		out = append(out, domain.APIKey(apiKey))
	}
	return out
}

func scanDocs(t *testing.T, kv domain.KV, prefix string) [][]byte {
	t.Helper()
	lo, hi := scanRange(prefix)
	docs, err := kv.ScanPrefix(context.Background(), lo, hi)
	require.NoError(t, err)
	return docs
}
