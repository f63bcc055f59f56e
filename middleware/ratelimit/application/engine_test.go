package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func TestEngine_AddRuleAssignsMonotonicIDs(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())

	a := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)
	b := mustAddRule(t, e, `{"action":"allow","api_keys":["k"],"id":99}`)

	assert.Equal(t, uint64(0), a.ID)
	assert.Equal(t, uint64(1), b.ID)
	assert.Equal(t, []uint64{0, 1}, candidateIDs(e.Rules()))
}

func TestEngine_AddRuleValidation(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())

	_, err := e.AddRule(context.Background(), []byte(`{"action":"throttle","ip_addresses":["1.1.1.1"]}`))
	require.Error(t, err)
	assert.True(t, domain.ErrValidation.Has(err))
	var fe *domain.FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "max_requests_1m", fe.Field)
	assert.Empty(t, e.Rules())
}

func TestEngine_AddRulePersistenceFailureLeavesNothing(t *testing.T) {
	kv := &flakyKV{KV: infra.NewMemoryKV()}
	e := newEngine(t, kv, newTestClock())
	ctx := context.Background()

	kv.failInsert = true
	_, err := e.AddRule(ctx, []byte(`{"action":"block","ip_addresses":["1.1.1.1"]}`))
	require.Error(t, err)
	assert.True(t, domain.ErrPersistence.Has(err))
	assert.Empty(t, e.Rules())

	kv.failInsert = false
	kv.failIncrement = true
	_, err = e.AddRule(ctx, []byte(`{"action":"block","ip_addresses":["1.1.1.1"]}`))
	require.Error(t, err)
	assert.Empty(t, e.Rules())
	assert.Empty(t, scanDocs(t, kv, RulesPrefix))

	kv.failIncrement = false
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)
	assert.Equal(t, uint64(0), rule.ID)
	assert.False(t, e.IsRateLimited(ctx, req("2.2.2.2", "")))
	assert.True(t, e.IsRateLimited(ctx, req("1.1.1.1", "")))
}

func TestEngine_EditRuleReindexes(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())
	ctx := context.Background()
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)

	edited, err := e.EditRule(ctx, rule.ID, []byte(`{"action":"block","ip_addresses":["2.2.2.2"],"priority":3}`))
	require.NoError(t, err)
	assert.Equal(t, rule.ID, edited.ID)
	assert.Equal(t, int32(3), edited.Priority)

	assert.False(t, e.IsRateLimited(ctx, req("1.1.1.1", "")))
	assert.True(t, e.IsRateLimited(ctx, req("2.2.2.2", "")))

	_, err = e.EditRule(ctx, 77, []byte(`{"action":"block","ip_addresses":["2.2.2.2"]}`))
	assert.True(t, domain.ErrNotFound.Has(err))
}

func TestEngine_EditRuleUnknownIDWinsOverBadDocument(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())
	ctx := context.Background()
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)

	_, err := e.EditRule(ctx, 999, []byte(`{"action":"nope"}`))
	assert.True(t, domain.ErrNotFound.Has(err))

	_, err = e.EditRule(ctx, rule.ID, []byte(`{"action":"nope"}`))
	assert.True(t, domain.ErrValidation.Has(err))
}

func TestEngine_MutationPersistenceFailuresLeaveMemoryUnchanged(t *testing.T) {
	kv := &flakyKV{KV: infra.NewMemoryKV()}
	e := newEngine(t, kv, newTestClock())
	ctx := context.Background()
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)
	ban, err := e.BanEntity(ctx, domain.APIKey("k"), 1)
	require.NoError(t, err)

	t.Run("edit rule", func(t *testing.T) {
		kv.failInsert = true
		defer func() { kv.failInsert = false }()

		_, err := e.EditRule(ctx, rule.ID, []byte(`{"action":"block","ip_addresses":["2.2.2.2"]}`))
		assert.True(t, domain.ErrPersistence.Has(err))
		found, err := e.FindRule(rule.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"1.1.1.1"}, found.EntitiesOf(domain.EntityIP))
		assert.True(t, e.IsRateLimited(ctx, req("1.1.1.1", "")))
		assert.False(t, e.IsRateLimited(ctx, req("2.2.2.2", "")))
	})

	t.Run("delete rule", func(t *testing.T) {
		kv.failRemove = true
		defer func() { kv.failRemove = false }()

		deleted, err := e.DeleteRule(ctx, rule.ID)
		assert.True(t, domain.ErrPersistence.Has(err))
		assert.False(t, deleted)
		assert.Len(t, e.Rules(), 1)
		assert.True(t, e.IsRateLimited(ctx, req("1.1.1.1", "")))
	})

	t.Run("delete ban", func(t *testing.T) {
		kv.failRemove = true
		defer func() { kv.failRemove = false }()

		deleted, err := e.DeleteBan(ctx, ban.ID)
		assert.True(t, domain.ErrPersistence.Has(err))
		assert.False(t, deleted)
		require.Len(t, e.Throttles(), 1)
		assert.Equal(t, ban.ID, e.Throttles()[0].ID)
	})

	t.Run("ban entity insert", func(t *testing.T) {
		kv.failInsert = true
		defer func() { kv.failInsert = false }()

		_, err := e.BanEntity(ctx, domain.IP("3.3.3.3"), 1)
		assert.True(t, domain.ErrPersistence.Has(err))
		assert.Len(t, e.Throttles(), 1)
		assert.Len(t, scanDocs(t, kv, BansPrefix), 1)
	})

	t.Run("ban entity increment", func(t *testing.T) {
		kv.failIncrement = true
		defer func() { kv.failIncrement = false }()

		_, err := e.BanEntity(ctx, domain.IP("3.3.3.3"), 1)
		assert.True(t, domain.ErrPersistence.Has(err))
		assert.Len(t, e.Throttles(), 1)
		assert.Len(t, scanDocs(t, kv, BansPrefix), 1)
	})

	// o id que falhou não foi consumido
	next, err := e.BanEntity(ctx, domain.IP("3.3.3.3"), 1)
	require.NoError(t, err)
	assert.Equal(t, ban.ID+1, next.ID)
	assert.Len(t, e.Throttles(), 2)
}

func TestEngine_DeleteAndFindRule(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())
	ctx := context.Background()
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["1.1.1.1"]}`)

	found, err := e.FindRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule, found)

	deleted, err := e.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = e.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = e.FindRule(rule.ID)
	assert.True(t, domain.ErrNotFound.Has(err))
	assert.False(t, e.IsRateLimited(ctx, req("1.1.1.1", "")))
}

func TestEngine_RestartRestoresState(t *testing.T) {
	kv := infra.NewMemoryKV()
	clock := newTestClock()
	ctx := context.Background()

	first := newEngine(t, kv, clock)
	mustAddRule(t, first, `{"action":"block","ip_addresses":["1.1.1.1"]}`)
	mustAddRule(t, first, `{"action":"throttle","api_keys":["k"],"max_requests_1m":5,"auto_ban_threshold_num":1,"auto_ban_num_hours":2,"apply_limit_per_entity":true}`)
	_, err := first.BanEntity(ctx, domain.APIKey("k"), 1)
	require.NoError(t, err)

	second := newEngine(t, kv, clock)
	assert.Equal(t, first.Rules(), second.Rules())
	assert.Equal(t, first.Throttles(), second.Throttles())

	rule := mustAddRule(t, second, `{"action":"allow","ip_addresses":["3.3.3.3"]}`)
	assert.Equal(t, uint64(2), rule.ID)
	ban, err := second.BanEntity(ctx, domain.IP("3.3.3.3"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ban.ID)
}

func TestEngine_LoadBumpsNextRuleID(t *testing.T) {
	kv := infra.NewMemoryKV()
	ctx := context.Background()
	doc, err := domain.MarshalRule(domain.Rule{ID: 9, Action: domain.ActionBlock, Entities: []domain.Entity{domain.IP("1.1.1.1")}})
	require.NoError(t, err)
	require.NoError(t, kv.Insert(ctx, ruleKey(9), doc))

	e := newEngine(t, kv, newTestClock())
	rule := mustAddRule(t, e, `{"action":"allow","ip_addresses":["2.2.2.2"]}`)
	assert.Equal(t, uint64(10), rule.ID)
}

func TestEngine_LoadRejectsCorruptRecords(t *testing.T) {
	cases := map[string]struct{ key, doc string }{
		"not json":          {ruleKey(1), `{"id":1,`},
		"unknown action":    {ruleKey(1), `{"id":1,"action":"drop","ip_addresses":["1.1.1.1"]}`},
		"unknown ban type":  {banKey(1), `{"id":1,"throttling_from":1,"throttling_to":2,"value":"x","entity_type":"user"}`},
		"bad next id value": {RulesNextID, `abc`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			kv := infra.NewMemoryKV()
			require.NoError(t, kv.Insert(context.Background(), tc.key, []byte(tc.doc)))

			_, err := NewEngine(context.Background(), zaptest.NewLogger(t), kv)
			require.Error(t, err)
			assert.True(t, domain.ErrLoad.Has(err), "got %v", err)
		})
	}
}

func TestEngine_ClearAll(t *testing.T) {
	kv := infra.NewMemoryKV()
	e := newEngine(t, kv, newTestClock())
	ctx := context.Background()

	mustAddRule(t, e, `{"action":"block","ip_addresses":["10.0.0.5"]}`)
	mustAddRule(t, e, `{"action":"throttle","api_keys":["k"],"max_requests_1m":1}`)
	_, err := e.BanEntity(ctx, domain.APIKey("k"), 1)
	require.NoError(t, err)
	require.True(t, e.IsRateLimited(ctx, req("10.0.0.5", "")))

	require.NoError(t, e.ClearAll(ctx))

	assert.Empty(t, e.Rules())
	assert.Empty(t, e.Throttles())
	assert.Empty(t, e.Exceeds())
	assert.False(t, e.IsRateLimited(ctx, req("10.0.0.5", "")))
	assert.Empty(t, scanDocs(t, kv, RulesPrefix))
	assert.Empty(t, scanDocs(t, kv, BansPrefix))
	assert.Equal(t, Counts{}, e.Counts())

	// ids não voltam
	rule := mustAddRule(t, e, `{"action":"block","ip_addresses":["10.0.0.5"]}`)
	assert.Equal(t, uint64(2), rule.ID)
}

func TestEngine_BanEntity(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())
	ctx := context.Background()
	mustAddRule(t, e, `{"action":"throttle","ip_addresses":[".*"],"max_requests_1m":100}`)

	ban, err := e.BanEntity(ctx, domain.IP("1.1.1.1"), 2)
	require.NoError(t, err)
	assert.Equal(t, ".*_1.1.1.1", ban.Key())
	assert.Equal(t, int64(2*3600), ban.ThrottlingTo-ban.ThrottlingFrom)

	v := e.Evaluate(ctx, req("1.1.1.1", "any"))
	assert.True(t, v.Limited)
	assert.Equal(t, domain.ReasonBanned, v.Reason)
	assert.Equal(t, ban.ThrottlingTo, v.BannedUntil)
	assert.False(t, e.IsRateLimited(ctx, req("1.1.1.2", "any")))

	assert.Len(t, e.Bans(domain.EntityIP), 1)
	assert.Empty(t, e.Bans(domain.EntityAPIKey))

	_, err = e.BanEntity(ctx, domain.IP("1.1.1.1"), 0)
	assert.True(t, domain.ErrValidation.Has(err))
	_, err = e.BanEntity(ctx, domain.WildcardOf(domain.EntityAPIKey), 1)
	assert.True(t, domain.ErrValidation.Has(err))
}

func TestEngine_DeleteBan(t *testing.T) {
	kv := infra.NewMemoryKV()
	e := newEngine(t, kv, newTestClock())
	ctx := context.Background()

	ban, err := e.BanEntity(ctx, domain.APIKey("k"), 1)
	require.NoError(t, err)

	deleted, err := e.DeleteBan(ctx, ban.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, e.Throttles())
	assert.Empty(t, scanDocs(t, kv, BansPrefix))

	deleted, err = e.DeleteBan(ctx, ban.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestEngine_BansListsBlockRulesAsPermanent(t *testing.T) {
	e := newEngine(t, infra.NewMemoryKV(), newTestClock())
	mustAddRule(t, e, `{"action":"block","api_keys":["bad"]}`)

	bans := e.Bans(domain.EntityAPIKey)
	require.Len(t, bans, 1)
	assert.True(t, bans[0].Permanent)
	assert.Equal(t, domain.APIKey("bad"), bans[0].Entity)
}
