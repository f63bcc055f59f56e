package infra

import (
	"context"

	"github.com/zeebo/errs"

	"admission-gateway/middleware/ratelimit/domain"
)

// StatsStores repassa cada evento para todas as stores e junta os erros.
type StatsStores []domain.StatsStore

func (ss StatsStores) Record(ctx context.Context, ev domain.StatsEvent) error {
	var group errs.Group
	for _, s := range ss {
		if s != nil {
			group.Add(s.Record(ctx, ev))
		}
	}
	return group.Err()
}
