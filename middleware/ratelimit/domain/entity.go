package domain

import "strings"

// Wildcard casa com qualquer valor do mesmo tipo de entidade.
const Wildcard = ".*"

type EntityKind int

const (
	EntityIP EntityKind = iota + 1
	EntityAPIKey
)

func (k EntityKind) String() string {
	switch k {
	case EntityIP:
		return "ip"
	case EntityAPIKey:
		return "api_key"
	default:
		return "unknown"
	}
}

// ParseEntityKind aceita os nomes usados nos documentos ("ip", "api_key").
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.TrimSpace(s) {
	case "ip":
		return EntityIP, nil
	case "api_key":
		return EntityAPIKey, nil
	}
	return 0, ErrValidation.Wrap(&FieldError{Field: "entity_type", Reason: "must be one of `ip`, `api_key`"})
}

// Entity é um eixo de identidade (IP ou API key) com valor literal ou Wildcard.
// É comparável, então pode ser usada direto como chave de map.
type Entity struct {
	Kind  EntityKind
	Value string
}

func IP(v string) Entity     { return Entity{Kind: EntityIP, Value: v} }
func APIKey(v string) Entity { return Entity{Kind: EntityAPIKey, Value: v} }

func WildcardOf(kind EntityKind) Entity { return Entity{Kind: kind, Value: Wildcard} }

func (e Entity) IsWildcard() bool { return e.Value == Wildcard }

func (e Entity) String() string { return e.Kind.String() + ":" + e.Value }

// SplitEntities separa o conjunto de entidades de uma requisição em IP e API key.
// Tipos ausentes viram Wildcard. Se houver mais de uma do mesmo tipo, vale a última.
func SplitEntities(entities []Entity) (ip, apiKey Entity) {
	ip = WildcardOf(EntityIP)
	apiKey = WildcardOf(EntityAPIKey)
	for _, e := range entities {
		switch e.Kind {
		case EntityIP:
			ip = e
		case EntityAPIKey:
			apiKey = e
		}
	}
	return ip, apiKey
}
