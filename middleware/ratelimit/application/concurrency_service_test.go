package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingPool struct{}

func (p *blockingPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(5 * time.Second):
		// não deve chegar aqui nos testes
		return nil, false
	}
}

func (p *blockingPool) InUse() int { return 0 }

type countingPool struct {
	inUse int
}

func (p *countingPool) Acquire(ctx context.Context) (func(), bool) {
	p.inUse++
	return func() { p.inUse-- }, true
}

func (p *countingPool) InUse() int { return p.inUse }

func TestConcurrencyService_AllowsWithoutPool(t *testing.T) {
	svc := ConcurrencyService{}
	release, ok := svc.Acquire(context.Background())
	require.True(t, ok)
	release()
	assert.Zero(t, svc.InUse())
}

func TestConcurrencyService_TimesOut(t *testing.T) {
	svc := ConcurrencyService{Pool: &blockingPool{}, AcquireTimeout: 10 * time.Millisecond}

	_, ok := svc.Acquire(context.Background())
	assert.False(t, ok)
}

func TestConcurrencyService_TracksSlotsInUse(t *testing.T) {
	pool := &countingPool{}
	svc := ConcurrencyService{Pool: pool}

	release, ok := svc.Acquire(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, svc.InUse())

	release()
	assert.Equal(t, 0, svc.InUse())
}
