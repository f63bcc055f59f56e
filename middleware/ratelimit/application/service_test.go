package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"admission-gateway/middleware/ratelimit/domain"
)

type fixedEvaluator struct {
	verdict domain.Verdict
	seen    []domain.Entity
}

func (f *fixedEvaluator) Evaluate(_ context.Context, entities []domain.Entity) domain.Verdict {
	f.seen = entities
	return f.verdict
}

func TestService_AllowsWithoutEngine(t *testing.T) {
	dec := Service{}.Decide(context.Background(), nil)
	assert.True(t, dec.Allowed)
	assert.Zero(t, dec.RetryAfter)
}

func TestService_PassesEntitiesAndVerdict(t *testing.T) {
	ev := &fixedEvaluator{verdict: domain.Verdict{Reason: domain.ReasonAllowRule, Matched: true, RuleID: 7}}
	entities := []domain.Entity{domain.IP("1.2.3.4"), domain.APIKey("k")}

	dec := Service{Engine: ev}.Decide(context.Background(), entities)

	assert.Equal(t, entities, ev.seen)
	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.ReasonAllowRule, dec.Reason)
	assert.Equal(t, uint64(7), dec.RuleID)
	assert.Zero(t, dec.RetryAfter)
}

func TestService_RetryAfterByReason(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	clock := func() time.Time { return now }

	cases := []struct {
		name    string
		verdict domain.Verdict
		cfg     time.Duration
		want    time.Duration
	}{
		{"default for threshold", domain.Verdict{Limited: true, Reason: domain.ReasonMinuteThreshold}, 0, time.Second},
		{"configured for threshold", domain.Verdict{Limited: true, Reason: domain.ReasonHourThreshold}, 2500 * time.Millisecond, 2500 * time.Millisecond},
		{"block has none", domain.Verdict{Limited: true, Reason: domain.ReasonBlockRule}, 5 * time.Second, 0},
		{"ban until expiry", domain.Verdict{Limited: true, Reason: domain.ReasonBanned, BannedUntil: now.Unix() + 90}, 0, 90 * time.Second},
		{"ban at least one second", domain.Verdict{Limited: true, Reason: domain.ReasonBanned, BannedUntil: now.Unix()}, 0, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := Service{Engine: &fixedEvaluator{verdict: tc.verdict}, RetryAfter: tc.cfg, Now: clock}
			dec := svc.Decide(context.Background(), nil)
			assert.False(t, dec.Allowed)
			assert.Equal(t, tc.want, dec.RetryAfter)
			assert.Equal(t, tc.verdict.Reason, dec.Reason)
		})
	}
}
