package application

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// IsRateLimited diz se a requisição com essas entidades deve ser recusada.
func (e *Engine) IsRateLimited(ctx context.Context, entities []domain.Entity) bool {
	return e.Evaluate(ctx, entities).Limited
}

// Evaluate decide uma requisição e atualiza contadores, excessos e bans.
// Nunca falha: erros de persistência viram log.
func (e *Engine) Evaluate(ctx context.Context, entities []domain.Entity) domain.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().Unix()
	ip, apiKey := domain.SplitEntities(entities)

	rule, ok := e.winner(ip, apiKey)
	if !ok {
		return domain.Verdict{Reason: domain.ReasonNoRule}
	}
	verdict := domain.Verdict{Matched: true, RuleID: rule.ID}

	switch rule.Action {
	case domain.ActionBlock:
		verdict.Limited = true
		verdict.Reason = domain.ReasonBlockRule
		return verdict
	case domain.ActionAllow:
		verdict.Reason = domain.ReasonAllowRule
		return verdict
	}

	for {
		key, found := e.bans.ActiveKey(ip, apiKey)
		if !found {
			break
		}
		ban, _ := e.bans.Get(key)
		if ban.ActiveAt(now) {
			verdict.Limited = true
			verdict.Reason = domain.ReasonBanned
			verdict.BannedUntil = ban.ThrottlingTo
			return verdict
		}
		e.counters.Reset(key)
		if err := e.bans.Lift(ctx, key); err != nil {
			e.log.Warn("failed to remove expired ban", zap.String("key", key), zap.Uint64("id", ban.ID), zap.Error(err))
		}
	}

	key, ipLiteral := counterKey(rule, ip, apiKey)
	counter := e.counters.GetOrCreate(key)
	e.counters.Rotate(counter, now)

	if rule.MinuteThreshold != nil && e.counters.MinuteRate(counter, now) >= float64(*rule.MinuteThreshold) {
		if e.counters.RecordExceed(key) {
			counter.ThresholdExceedCountMinute++
		}
		if rule.AutoBanEnabled() && counter.ThresholdExceedCountMinute > *rule.AutoBanThresholdNum {
			e.autoBan(ctx, rule, key, ip, apiKey, ipLiteral, now)
		}
		verdict.Limited = true
		verdict.Reason = domain.ReasonMinuteThreshold
		return verdict
	}

	if rule.HourThreshold != nil && e.counters.HourRate(counter, now) >= float64(*rule.HourThreshold) {
		e.counters.RecordExceed(key)
		verdict.Limited = true
		verdict.Reason = domain.ReasonHourThreshold
		return verdict
	}

	e.counters.Increment(counter)
	e.counters.ClearExceed(key)
	verdict.Reason = domain.ReasonWithinLimits
	return verdict
}

// winner escolhe, entre as candidatas, a de maior prioridade; empate fica com o menor id.
func (e *Engine) winner(ip, apiKey domain.Entity) (domain.Rule, bool) {
	candidates := e.rules.Candidates(ip, apiKey)
	if len(candidates) == 0 {
		return domain.Rule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// counterKey monta "<api>_<ip>" para a regra vencedora. Um segmento fica
// Wildcard quando a regra não distingue aquele tipo; o IP também é literal
// quando a regra pede limite por entidade.
func counterKey(rule domain.Rule, ip, apiKey domain.Entity) (key string, ipLiteral bool) {
	apiSeg := domain.Wildcard
	if present, onlyWildcard := rule.Constraint(domain.EntityAPIKey); present && !onlyWildcard {
		apiSeg = apiKey.Value
	}
	ipSeg := domain.Wildcard
	present, onlyWildcard := rule.Constraint(domain.EntityIP)
	if (present && !onlyWildcard) || rule.ApplyLimitPerEntity {
		ipSeg = ip.Value
		ipLiteral = true
	}
	return apiSeg + "_" + ipSeg, ipLiteral
}

func (e *Engine) autoBan(ctx context.Context, rule domain.Rule, key string, ip, apiKey domain.Entity, ipLiteral bool, now int64) {
	target := apiKey
	if present, onlyWildcard := rule.Constraint(domain.EntityAPIKey); !present || onlyWildcard {
		target = domain.WildcardOf(domain.EntityAPIKey)
	}
	var and *domain.Entity
	if ipLiteral {
		and = &ip
	}
	ban, created, err := e.bans.Create(ctx, target, *rule.AutoBanNumHours, and, now)
	if err != nil {
		e.log.Error("failed to persist auto ban", zap.String("key", key), zap.Uint64("rule", rule.ID), zap.Error(err))
		return
	}
	if created {
		e.log.Info("auto ban created",
			zap.String("key", ban.Key()),
			zap.Uint64("id", ban.ID),
			zap.Uint64("rule", rule.ID),
			zap.Int64("until", ban.ThrottlingTo),
		)
	}
}
