package application

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Evaluator é a parte do Engine que o Service usa.
type Evaluator interface {
	Evaluate(ctx context.Context, entities []domain.Entity) domain.Verdict
}

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Engine Evaluator
	// RetryAfter é a recomendação para recusas por limite de janela.
	RetryAfter time.Duration
	Now        func() time.Time
}

func (s Service) Decide(ctx context.Context, entities []domain.Entity) domain.Decision {
	if s.Engine == nil {
		return domain.Decision{Allowed: true, Reason: domain.ReasonNoRule}
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}

	v := s.Engine.Evaluate(ctx, entities)
	dec := domain.Decision{
		Allowed: !v.Limited,
		Reason:  v.Reason,
		RuleID:  v.RuleID,
		Matched: v.Matched,
	}
	if dec.Allowed {
		return dec
	}

	switch v.Reason {
	case domain.ReasonBlockRule:
		// bloqueio permanente: não há quando tentar de novo
	case domain.ReasonBanned:
		left := time.Unix(v.BannedUntil, 0).Sub(s.Now())
		if left < time.Second {
			left = time.Second
		}
		dec.RetryAfter = left
	default:
		dec.RetryAfter = s.RetryAfter
	}
	return dec
}
