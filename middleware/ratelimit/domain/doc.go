// Package domain define os tipos de valor e contratos do motor de admissão:
// entidades (IP / API key), regras, contadores, bans, veredictos e a interface
// de persistência (KV).
//
// Este pacote não depende de net/http nem de implementações concretas.
// Além dos tipos, ele sabe codificar/decodificar os documentos JSON de regras e
// bans, que é o formato gravado no KV e aceito pela API de gerenciamento.
package domain
