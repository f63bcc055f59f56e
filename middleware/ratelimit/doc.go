// Package ratelimit fornece os adapters HTTP (net/http) do motor de admissão:
// middleware de rate limit/ban, limite de concorrência e a API de gerenciamento.
//
// Visão geral (camadas):
//
//   - domain: entidades, regras, bans, contadores e contratos (sem net/http)
//   - application: o Engine (índice de regras, contadores, bans, avaliação) e os casos de uso
//   - infra: persistência (KV), burst guard, semáforo e estatísticas
//   - ratelimit (este pacote): middlewares HTTP, extração de IP/API key e rotas /limits
//
// Fluxo no gateway:
//
//  1. Extrai IP (RemoteAddr ou X-Forwarded-For) e API key (header)
//  2. Passa pelo burst guard, se configurado
//  3. Pede ao Engine o veredicto (regra vencedora, ban ativo, janelas por minuto/hora)
//  4. Se recusado, responde 429 com Retry-After (ou 503 no limite de concorrência)
//  5. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RATELIMIT_BACKEND, BURST_RPS, CONCURRENCY_MAX e ADMIN_ADDR.
package ratelimit
