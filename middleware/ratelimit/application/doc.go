// Package application contém o motor de admissão (regras, contadores, bans) e
// os casos de uso que o expõem.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(ctx, entities) avalia a requisição no Engine e devolve
// uma Decision (allow/deny + retry-after + motivo).
package application
