package application

import (
	"context"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// BanStore guarda as bans temporárias por chave composta e as persiste no KV.
//
// Não é seguro para uso concorrente; o Engine serializa o acesso.
type BanStore struct {
	log      *zap.Logger
	kv       domain.KV
	counters *CounterStore

	bans   map[string]domain.Ban
	nextID uint64
}

func NewBanStore(log *zap.Logger, kv domain.KV, counters *CounterStore) *BanStore {
	return &BanStore{
		log:      log,
		kv:       kv,
		counters: counters,
		bans:     make(map[string]domain.Ban),
	}
}

// Load recarrega o contador de ids e todas as bans gravadas. O contador é
// empurrado para depois do maior id encontrado, para nunca reaproveitar ids.
func (s *BanStore) Load(ctx context.Context) error {
	next, err := loadNextID(ctx, s.kv, BansNextID)
	if err != nil {
		return err
	}
	lo, hi := scanRange(BansPrefix)
	docs, err := s.kv.ScanPrefix(ctx, lo, hi)
	if err != nil {
		return domain.ErrLoad.New("scan bans: %v", err)
	}
	bans := make(map[string]domain.Ban, len(docs))
	for _, doc := range docs {
		b, err := domain.DecodeStoredBan(doc)
		if err != nil {
			return err
		}
		if b.ID >= next {
			next = b.ID + 1
		}
		bans[b.Key()] = b
	}
	s.bans = bans
	s.nextID = next
	return nil
}

// ActiveKey procura, nesta ordem, "<api>_<ip>", "<api>_.*", ".*_<ip>" e ".*_.*".
func (s *BanStore) ActiveKey(ip, apiKey domain.Entity) (string, bool) {
	for _, key := range []string{
		apiKey.Value + "_" + ip.Value,
		apiKey.Value + "_" + domain.Wildcard,
		domain.Wildcard + "_" + ip.Value,
		domain.Wildcard + "_" + domain.Wildcard,
	} {
		if _, ok := s.bans[key]; ok {
			return key, true
		}
	}
	return "", false
}

func (s *BanStore) IsActive(key string, now int64) bool {
	b, ok := s.bans[key]
	return ok && b.ActiveAt(now)
}

func (s *BanStore) Get(key string) (domain.Ban, bool) {
	b, ok := s.bans[key]
	return b, ok
}

// Create grava uma ban de `hours` horas para a chave composta de entity/and.
// Se já existe ban para a chave, devolve a existente e created=false.
// Em falha de persistência nada muda em memória.
func (s *BanStore) Create(ctx context.Context, entity domain.Entity, hours int64, and *domain.Entity, now int64) (_ domain.Ban, created bool, err error) {
	key := domain.BanKey(entity, and)
	if existing, ok := s.bans[key]; ok {
		return existing, false, nil
	}
	if hours <= 0 {
		return domain.Ban{}, false, domain.ErrValidation.Wrap(&domain.FieldError{Field: "hours", Reason: "must be greater than 0"})
	}

	b := domain.Ban{
		ID:             s.nextID,
		ThrottlingFrom: now,
		ThrottlingTo:   now + hours*3600,
		Entity:         entity,
	}
	if and != nil {
		e := *and
		b.AndEntity = &e
	}

	doc, err := domain.MarshalBan(b)
	if err != nil {
		return domain.Ban{}, false, domain.ErrPersistence.Wrap(err)
	}
	if err := s.kv.Insert(ctx, banKey(b.ID), doc); err != nil {
		return domain.Ban{}, false, domain.ErrPersistence.Wrap(err)
	}
	if err := s.kv.Increment(ctx, BansNextID, 1); err != nil {
		_, rmErr := s.kv.Remove(ctx, banKey(b.ID))
		return domain.Ban{}, false, domain.ErrPersistence.Wrap(errs.Combine(err, rmErr))
	}

	s.bans[key] = b
	s.nextID++
	s.counters.Reset(key)
	return b, true, nil
}

// Lift tira a ban da memória e do KV e apaga o registro de excesso da chave.
// A ban sai da memória mesmo se a remoção no KV falhar; o erro devolvido só
// relata o lado persistente (recarregar uma ban vencida apenas a levanta de novo).
func (s *BanStore) Lift(ctx context.Context, key string) error {
	b, ok := s.bans[key]
	if !ok {
		return nil
	}
	delete(s.bans, key)
	s.counters.ClearExceed(key)
	if _, err := s.kv.Remove(ctx, banKey(b.ID)); err != nil {
		return domain.ErrPersistence.Wrap(err)
	}
	return nil
}

// DeleteByID remove uma ban pelo id. Devolve false se nada foi removido.
func (s *BanStore) DeleteByID(ctx context.Context, id uint64) (bool, error) {
	removed, err := s.kv.Remove(ctx, banKey(id))
	if err != nil {
		return false, domain.ErrPersistence.Wrap(err)
	}
	if !removed {
		return false, nil
	}
	for key, b := range s.bans {
		if b.ID == id {
			delete(s.bans, key)
			return true, nil
		}
	}
	return false, nil
}

// List devolve as bans ativas que restringem um valor literal do tipo pedido,
// seguidas das entradas permanentes derivadas das regras block.
func (s *BanStore) List(kind domain.EntityKind, now int64, rules *RuleIndex) []domain.Ban {
	var out []domain.Ban
	for _, b := range s.All() {
		if b.ActiveAt(now) && b.Involves(kind) {
			out = append(out, b)
		}
	}
	for _, e := range rules.BlockedEntities(kind) {
		out = append(out, domain.Ban{Entity: e, Permanent: true})
	}
	return out
}

// All devolve todas as bans em memória (inclusive vencidas ainda não levantadas), por id.
func (s *BanStore) All() []domain.Ban {
	out := make([]domain.Ban, 0, len(s.bans))
	for _, b := range s.bans {
		if b.AndEntity != nil {
			e := *b.AndEntity
			b.AndEntity = &e
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *BanStore) Len() int { return len(s.bans) }

// Clear apaga todas as bans do KV e da memória. Bans cuja remoção falhou ficam,
// e o erro combinado é devolvido.
func (s *BanStore) Clear(ctx context.Context) error {
	var group errs.Group
	for key, b := range s.bans {
		if _, err := s.kv.Remove(ctx, banKey(b.ID)); err != nil {
			group.Add(err)
			continue
		}
		delete(s.bans, key)
	}
	if err := group.Err(); err != nil {
		return domain.ErrPersistence.Wrap(err)
	}
	return nil
}
