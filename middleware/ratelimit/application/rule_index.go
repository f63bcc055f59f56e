package application

import (
	"sort"

	"admission-gateway/middleware/ratelimit/domain"
)

// RuleIndex é dono das regras (id -> regra) e mantém um índice derivado
// entidade -> ids. O índice guarda ids, nunca ponteiros: toda consulta resolve
// pelo map canônico, e edição/remoção corrigem o índice explicitamente.
//
// Não é seguro para uso concorrente; o Engine serializa o acesso.
type RuleIndex struct {
	rules    map[uint64]domain.Rule
	byEntity map[domain.Entity][]uint64
}

func NewRuleIndex() *RuleIndex {
	return &RuleIndex{
		rules:    make(map[uint64]domain.Rule),
		byEntity: make(map[domain.Entity][]uint64),
	}
}

// Put insere ou substitui a regra pelo id, refazendo suas entradas no índice.
func (x *RuleIndex) Put(rule domain.Rule) {
	x.unindex(rule.ID)
	x.rules[rule.ID] = rule
	seen := make(map[domain.Entity]bool, len(rule.Entities))
	for _, e := range rule.Entities {
		if seen[e] {
			continue
		}
		seen[e] = true
		x.byEntity[e] = append(x.byEntity[e], rule.ID)
	}
}

func (x *RuleIndex) Remove(id uint64) bool {
	if _, ok := x.rules[id]; !ok {
		return false
	}
	x.unindex(id)
	delete(x.rules, id)
	return true
}

func (x *RuleIndex) unindex(id uint64) {
	old, ok := x.rules[id]
	if !ok {
		return
	}
	for _, e := range old.Entities {
		ids := x.byEntity[e]
		kept := ids[:0]
		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(x.byEntity, e)
			continue
		}
		x.byEntity[e] = kept
	}
}

func (x *RuleIndex) Get(id uint64) (domain.Rule, bool) {
	r, ok := x.rules[id]
	return r, ok
}

func (x *RuleIndex) Len() int { return len(x.rules) }

// All devolve cópias das regras ordenadas por id.
func (x *RuleIndex) All() []domain.Rule {
	out := make([]domain.Rule, 0, len(x.rules))
	for _, r := range x.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (x *RuleIndex) Clear() {
	x.rules = make(map[uint64]domain.Rule)
	x.byEntity = make(map[domain.Entity][]uint64)
}

// Candidates junta, sem repetição, as regras que podem valer para o par:
// regras de IP wildcard, regras de API key wildcard, regras indexadas pelo IP
// literal e regras indexadas pela API key literal. Cada balde é filtrado pela
// restrição do outro tipo. A ordem de saída é por id.
func (x *RuleIndex) Candidates(ip, apiKey domain.Entity) []domain.Rule {
	seen := make(map[uint64]bool)
	var out []domain.Rule

	collect := func(key domain.Entity, other domain.Entity) {
		for _, id := range x.byEntity[key] {
			if seen[id] {
				continue
			}
			rule, ok := x.rules[id]
			if !ok || !rule.Accepts(other) {
				continue
			}
			seen[id] = true
			out = append(out, rule)
		}
	}

	collect(domain.WildcardOf(domain.EntityIP), apiKey)
	collect(domain.WildcardOf(domain.EntityAPIKey), ip)
	collect(ip, apiKey)
	collect(apiKey, ip)

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BlockedEntities lista as entidades do tipo pedido presentes em regras block,
// na ordem dos ids das regras.
func (x *RuleIndex) BlockedEntities(kind domain.EntityKind) []domain.Entity {
	var out []domain.Entity
	for _, r := range x.All() {
		if r.Action != domain.ActionBlock {
			continue
		}
		for _, e := range r.Entities {
			if e.Kind == kind {
				out = append(out, e)
			}
		}
	}
	return out
}
