package application

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// Engine é o motor de admissão: regras, contadores, bans e os alocadores de id,
// todos sob um único RWMutex. Avaliação e mutações pegam o lock exclusivo;
// consultas pegam o compartilhado.
//
// Escritas no KV acontecem com o lock seguro; se falham, a memória não muda.
type Engine struct {
	mu  sync.RWMutex
	log *zap.Logger
	kv  domain.KV
	now func() time.Time

	rules      *RuleIndex
	counters   *CounterStore
	bans       *BanStore
	nextRuleID uint64
}

type Option func(*Engine)

// WithClock troca o relógio (útil em testes).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine cria o motor e carrega o estado persistido em kv. Qualquer registro
// ilegível é ErrLoad: o processo não deve servir tráfego com política parcial.
func NewEngine(ctx context.Context, log *zap.Logger, kv domain.KV, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if kv == nil {
		return nil, domain.ErrLoad.New("kv is required")
	}
	counters := NewCounterStore()
	e := &Engine{
		log:      log,
		kv:       kv,
		now:      time.Now,
		rules:    NewRuleIndex(),
		counters: counters,
		bans:     NewBanStore(log, kv, counters),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	log.Info("rate limit state loaded",
		zap.Int("rules", e.rules.Len()),
		zap.Int("bans", e.bans.Len()),
		zap.Uint64("next_rule_id", e.nextRuleID),
		zap.Uint64("next_ban_id", e.bans.nextID),
	)
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	next, err := loadNextID(ctx, e.kv, RulesNextID)
	if err != nil {
		return err
	}
	lo, hi := scanRange(RulesPrefix)
	docs, err := e.kv.ScanPrefix(ctx, lo, hi)
	if err != nil {
		return domain.ErrLoad.New("scan rules: %v", err)
	}
	for _, doc := range docs {
		rule, err := domain.DecodeStoredRule(doc)
		if err != nil {
			return err
		}
		if rule.ID >= next {
			next = rule.ID + 1
		}
		e.rules.Put(rule)
	}
	e.nextRuleID = next
	return e.bans.Load(ctx)
}

// AddRule valida o documento, atribui o próximo id e persiste a regra e o contador.
func (e *Engine) AddRule(ctx context.Context, doc []byte) (domain.Rule, error) {
	rule, err := domain.ParseRuleDocument(doc)
	if err != nil {
		return domain.Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule.ID = e.nextRuleID
	if err := e.storeRule(ctx, rule); err != nil {
		return domain.Rule{}, err
	}
	if err := e.kv.Increment(ctx, RulesNextID, 1); err != nil {
		_, rmErr := e.kv.Remove(ctx, ruleKey(rule.ID))
		return domain.Rule{}, domain.ErrPersistence.Wrap(errs.Combine(err, rmErr))
	}
	e.nextRuleID++
	e.rules.Put(rule)

	e.log.Info("rate limit rule added", zap.Uint64("id", rule.ID), zap.Stringer("action", rule.Action))
	return rule.Clone(), nil
}

// EditRule substitui a regra id pelo documento novo, mantendo o id.
// Id desconhecido é ErrNotFound mesmo com documento inválido.
func (e *Engine) EditRule(ctx context.Context, id uint64, doc []byte) (domain.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules.Get(id); !ok {
		return domain.Rule{}, domain.ErrNotFound.New("rule %d", id)
	}
	rule, err := domain.ParseRuleDocument(doc)
	if err != nil {
		return domain.Rule{}, err
	}
	rule.ID = id
	if err := e.storeRule(ctx, rule); err != nil {
		return domain.Rule{}, err
	}
	e.rules.Put(rule)

	e.log.Info("rate limit rule edited", zap.Uint64("id", id), zap.Stringer("action", rule.Action))
	return rule.Clone(), nil
}

func (e *Engine) storeRule(ctx context.Context, rule domain.Rule) error {
	data, err := domain.MarshalRule(rule)
	if err != nil {
		return domain.ErrPersistence.Wrap(err)
	}
	if err := e.kv.Insert(ctx, ruleKey(rule.ID), data); err != nil {
		return domain.ErrPersistence.Wrap(err)
	}
	return nil
}

// DeleteRule devolve false quando não havia regra com esse id.
func (e *Engine) DeleteRule(ctx context.Context, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules.Get(id); !ok {
		return false, nil
	}
	if _, err := e.kv.Remove(ctx, ruleKey(id)); err != nil {
		return false, domain.ErrPersistence.Wrap(err)
	}
	e.rules.Remove(id)
	e.log.Info("rate limit rule deleted", zap.Uint64("id", id))
	return true, nil
}

func (e *Engine) FindRule(id uint64) (domain.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.rules.Get(id)
	if !ok {
		return domain.Rule{}, domain.ErrNotFound.New("rule %d", id)
	}
	return rule.Clone(), nil
}

// Rules lista todas as regras por id.
func (e *Engine) Rules() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.All()
}

// Exceeds lista as chaves que estão acima do limite agora.
func (e *Engine) Exceeds() []domain.ExceedRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counters.Exceeds()
}

// Bans lista as entidades do tipo pedido que estão banidas (temporário) ou
// bloqueadas por regra (permanente).
func (e *Engine) Bans(kind domain.EntityKind) []domain.Ban {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bans.List(kind, e.now().Unix(), e.rules)
}

// Throttles devolve todas as bans guardadas, inclusive as vencidas que ainda
// não foram consultadas.
func (e *Engine) Throttles() []domain.Ban {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bans.All()
}

// BanEntity cria um ban manual de `hours` horas. Ban de IP vale para qualquer
// API key; ban de API key vale para qualquer IP. Se já existir ban para a
// mesma chave, ela é devolvida sem alteração.
func (e *Engine) BanEntity(ctx context.Context, entity domain.Entity, hours int64) (domain.Ban, error) {
	if entity.Value == "" || entity.IsWildcard() {
		return domain.Ban{}, domain.ErrValidation.Wrap(&domain.FieldError{Field: "value", Reason: "must be a literal ip or api key"})
	}
	if hours <= 0 {
		return domain.Ban{}, domain.ErrValidation.Wrap(&domain.FieldError{Field: "hours", Reason: "must be greater than 0"})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		ban     domain.Ban
		created bool
		err     error
	)
	switch entity.Kind {
	case domain.EntityIP:
		ban, created, err = e.bans.Create(ctx, domain.WildcardOf(domain.EntityAPIKey), hours, &entity, e.now().Unix())
	case domain.EntityAPIKey:
		ban, created, err = e.bans.Create(ctx, entity, hours, nil, e.now().Unix())
	default:
		return domain.Ban{}, domain.ErrValidation.Wrap(&domain.FieldError{Field: "entity_type", Reason: "must be one of `ip`, `api_key`"})
	}
	if err != nil {
		return domain.Ban{}, err
	}
	if created {
		e.log.Info("entity banned", zap.Stringer("entity", entity), zap.Uint64("id", ban.ID), zap.Int64("until", ban.ThrottlingTo))
	}
	return ban, nil
}

// DeleteBan devolve false quando não havia ban com esse id.
func (e *Engine) DeleteBan(ctx context.Context, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deleted, err := e.bans.DeleteByID(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		e.log.Info("ban deleted", zap.Uint64("id", id))
	}
	return deleted, nil
}

// ClearAll apaga regras, bans, contadores e excessos. Os contadores de id são
// preservados, para que ids antigos nunca voltem.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var group errs.Group
	for _, rule := range e.rules.All() {
		if _, err := e.kv.Remove(ctx, ruleKey(rule.ID)); err != nil {
			group.Add(err)
			continue
		}
		e.rules.Remove(rule.ID)
	}
	if err := e.bans.Clear(ctx); err != nil {
		group.Add(err)
	}
	e.counters.ClearAll()

	if err := group.Err(); err != nil {
		return domain.ErrPersistence.Wrap(err)
	}
	e.log.Info("rate limit state cleared")
	return nil
}

// Counts é uma fotografia dos tamanhos do estado, para métricas e /health.
type Counts struct {
	Rules    int `json:"rules"`
	Bans     int `json:"bans"`
	Counters int `json:"counters"`
	Exceeds  int `json:"exceeds"`
}

func (e *Engine) Counts() Counts {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Counts{
		Rules:    e.rules.Len(),
		Bans:     e.bans.Len(),
		Counters: e.counters.Len(),
		Exceeds:  len(e.counters.exceeds),
	}
}
