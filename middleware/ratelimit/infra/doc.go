// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - OpenKV: persistência de regras e bans (memória, Badger, Redis, SQL, etcd, Consul)
//   - BurstGuard: token bucket por chamador usando golang.org/x/time/rate
//   - ChanPool: semáforo simples para limite de concorrência
//   - MemoryStatsStore, RedisStatsStore, PrometheusStatsStore: estatísticas das decisões
package infra
