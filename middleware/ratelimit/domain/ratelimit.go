package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import "time"

type Key string

// Limiter representa algo que pode decidir se uma ação é permitida agora.
// Usado pelo burst guard (token bucket) que fica na frente do motor.
type Limiter interface {
	Allow() bool
}

// LimiterStore obtém um limiter por chave (ex: IP, API key, par dos dois).
type LimiterStore interface {
	Get(Key) Limiter
}

// Reason explica por que o motor chegou ao veredicto.
type Reason string

const (
	ReasonNoRule          Reason = "no_rule"
	ReasonAllowRule       Reason = "allow_rule"
	ReasonBlockRule       Reason = "block_rule"
	ReasonBanned          Reason = "banned"
	ReasonMinuteThreshold Reason = "minute_threshold"
	ReasonHourThreshold   Reason = "hour_threshold"
	ReasonWithinLimits    Reason = "within_limits"
	// ReasonBurst vem do burst guard, antes de o motor ser consultado.
	ReasonBurst Reason = "burst"
)

// Verdict é o resultado de uma avaliação do motor.
type Verdict struct {
	Limited bool
	Reason  Reason
	// Matched indica se alguma regra venceu; RuleID só vale nesse caso.
	Matched bool
	RuleID  uint64
	// BannedUntil é o throttling_to (Unix) da ban ativa, quando Reason == ReasonBanned.
	BannedUntil int64
}

type Decision struct {
	Allowed bool
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	Reason     Reason
	RuleID     uint64
	Matched    bool
}
