package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do motor de admissão.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas.
// Cuidado com cardinalidade: Key (par api-key/ip) só deve ser indexada quando
// explicitamente habilitado na implementação.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Reason  Reason

	Matched bool
	RuleID  uint64

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas das decisões.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// O middleware trata erro como best-effort (não derruba a request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
