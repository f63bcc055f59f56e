package domain

import "encoding/json"

// Ban é uma restrição temporária sobre uma entidade, opcionalmente conjugada com
// uma segunda (ex.: "esta API key, só quando vier deste IP").
//
// Permanent marca as entradas sintéticas derivadas de regras block na listagem;
// essas nunca são gravadas e têm ID 0.
type Ban struct {
	ID             uint64
	ThrottlingFrom int64
	ThrottlingTo   int64
	Entity         Entity
	AndEntity      *Entity
	Permanent      bool
}

// BanKey monta a chave composta "<entity>_<and_entity ou .*>".
func BanKey(entity Entity, and *Entity) string {
	second := Wildcard
	if and != nil {
		second = and.Value
	}
	return entity.Value + "_" + second
}

func (b Ban) Key() string { return BanKey(b.Entity, b.AndEntity) }

func (b Ban) ActiveAt(now int64) bool { return b.ThrottlingTo > now }

// Involves diz se a ban restringe um valor literal do tipo pedido.
func (b Ban) Involves(kind EntityKind) bool {
	if b.Entity.Kind == kind && !b.Entity.IsWildcard() {
		return true
	}
	return b.AndEntity != nil && b.AndEntity.Kind == kind && !b.AndEntity.IsWildcard()
}

type entityDocument struct {
	Value      string `json:"value"`
	EntityType string `json:"entity_type"`
}

type banDocument struct {
	ID             uint64          `json:"id"`
	ThrottlingFrom int64           `json:"throttling_from"`
	ThrottlingTo   int64           `json:"throttling_to"`
	Value          string          `json:"value"`
	EntityType     string          `json:"entity_type"`
	AndEntity      *entityDocument `json:"and_entity,omitempty"`
	Permanent      bool            `json:"permanent,omitempty"`
}

func toBanDocument(b Ban) banDocument {
	doc := banDocument{
		ID:             b.ID,
		ThrottlingFrom: b.ThrottlingFrom,
		ThrottlingTo:   b.ThrottlingTo,
		Value:          b.Entity.Value,
		EntityType:     b.Entity.Kind.String(),
		Permanent:      b.Permanent,
	}
	if b.AndEntity != nil {
		doc.AndEntity = &entityDocument{Value: b.AndEntity.Value, EntityType: b.AndEntity.Kind.String()}
	}
	return doc
}

func MarshalBan(b Ban) ([]byte, error) { return json.Marshal(toBanDocument(b)) }

func (b Ban) MarshalJSON() ([]byte, error) { return MarshalBan(b) }

// DecodeStoredBan lê um documento de ban do KV; entity_type desconhecido é ErrLoad.
func DecodeStoredBan(data []byte) (Ban, error) {
	var doc banDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Ban{}, ErrLoad.New("ban document: %v", err)
	}
	kind, err := ParseEntityKind(doc.EntityType)
	if err != nil {
		return Ban{}, ErrLoad.Wrap(err)
	}
	b := Ban{
		ID:             doc.ID,
		ThrottlingFrom: doc.ThrottlingFrom,
		ThrottlingTo:   doc.ThrottlingTo,
		Entity:         Entity{Kind: kind, Value: doc.Value},
	}
	if doc.AndEntity != nil {
		andKind, err := ParseEntityKind(doc.AndEntity.EntityType)
		if err != nil {
			return Ban{}, ErrLoad.Wrap(err)
		}
		b.AndEntity = &Entity{Kind: andKind, Value: doc.AndEntity.Value}
	}
	return b, nil
}

// FlattenBan produz o formato do relatório de entidades throttled: ip_address /
// api_key no lugar de value/entity_type, sem a API key quando ela é Wildcard.
func FlattenBan(b Ban) map[string]any {
	out := map[string]any{
		"id":              b.ID,
		"throttling_from": b.ThrottlingFrom,
		"throttling_to":   b.ThrottlingTo,
	}
	put := func(e Entity) {
		if e.Kind == EntityIP {
			out["ip_address"] = e.Value
			return
		}
		if !e.IsWildcard() {
			out["api_key"] = e.Value
		}
	}
	put(b.Entity)
	if b.AndEntity != nil {
		put(*b.AndEntity)
	}
	return out
}
