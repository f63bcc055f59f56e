package domain

type Action int

const (
	ActionAllow Action = iota + 1
	ActionBlock
	ActionThrottle
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

func ParseAction(s string) (Action, bool) {
	switch s {
	case "allow":
		return ActionAllow, true
	case "block":
		return ActionBlock, true
	case "throttle":
		return ActionThrottle, true
	}
	return 0, false
}

// Rule liga um conjunto de entidades a uma ação e, no caso de throttle, a limites
// por minuto/hora e a uma escalada opcional para ban automático.
//
// Entities pode ter zero ou mais IPs e zero ou mais API keys. Um tipo ausente
// significa "qualquer valor daquele tipo".
type Rule struct {
	ID       uint64
	Action   Action
	Priority int32
	Entities []Entity

	MinuteThreshold *int64
	HourThreshold   *int64

	AutoBanThresholdNum *int64
	AutoBanNumHours     *int64

	ApplyLimitPerEntity bool
}

// AutoBanEnabled exige os dois campos e uma duração positiva (um ban de 0 horas
// teria throttling_to == throttling_from).
func (r Rule) AutoBanEnabled() bool {
	return r.AutoBanThresholdNum != nil && r.AutoBanNumHours != nil && *r.AutoBanNumHours > 0
}

// Constraint informa se a regra restringe o tipo e se a restrição é só o Wildcard.
func (r Rule) Constraint(kind EntityKind) (present, onlyWildcard bool) {
	onlyWildcard = true
	for _, e := range r.Entities {
		if e.Kind != kind {
			continue
		}
		present = true
		if !e.IsWildcard() {
			onlyWildcard = false
		}
	}
	return present, present && onlyWildcard
}

// Accepts aplica a regra simétrica de casamento para um tipo: sem entidades
// daquele tipo a regra não restringe; caso contrário precisa haver uma igual ao
// valor pedido ou um Wildcard.
func (r Rule) Accepts(e Entity) bool {
	present := false
	for _, re := range r.Entities {
		if re.Kind != e.Kind {
			continue
		}
		present = true
		if re.IsWildcard() || re.Value == e.Value {
			return true
		}
	}
	return !present
}

func (r Rule) Matches(ip, apiKey Entity) bool {
	return r.Accepts(ip) && r.Accepts(apiKey)
}

func (r Rule) EntitiesOf(kind EntityKind) []string {
	var out []string
	for _, e := range r.Entities {
		if e.Kind == kind {
			out = append(out, e.Value)
		}
	}
	return out
}

// Clone devolve uma cópia sem aliasing de slices/ponteiros, para entregar fora do lock.
func (r Rule) Clone() Rule {
	c := r
	c.Entities = append([]Entity(nil), r.Entities...)
	c.MinuteThreshold = cloneInt(r.MinuteThreshold)
	c.HourThreshold = cloneInt(r.HourThreshold)
	c.AutoBanThresholdNum = cloneInt(r.AutoBanThresholdNum)
	c.AutoBanNumHours = cloneInt(r.AutoBanNumHours)
	return c
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Int64 é um atalho para montar os campos opcionais.
func Int64(v int64) *int64 { return &v }
