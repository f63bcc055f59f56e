package application

import (
	"sort"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	minuteWindow = 60
	hourWindow   = 3600
)

// CounterStore guarda os contadores de janela deslizante aproximada por chave
// composta e os registros de excesso.
//
// A janela é aproximada de propósito: o peso da janela anterior cai linearmente
// conforme a atual enche, o que mantém O(1) de memória e tempo por chave.
type CounterStore struct {
	counters map[string]*domain.RequestCounter
	exceeds  map[string]*domain.ExceedRecord
}

func NewCounterStore() *CounterStore {
	return &CounterStore{
		counters: make(map[string]*domain.RequestCounter),
		exceeds:  make(map[string]*domain.ExceedRecord),
	}
}

func (s *CounterStore) GetOrCreate(key string) *domain.RequestCounter {
	c, ok := s.counters[key]
	if !ok {
		c = &domain.RequestCounter{}
		s.counters[key] = c
	}
	return c
}

func (s *CounterStore) Lookup(key string) (*domain.RequestCounter, bool) {
	c, ok := s.counters[key]
	return c, ok
}

// Rotate fecha as janelas vencidas. Se passou mais de uma janela inteira desde o
// último reset, a janela anterior não carrega nada.
func (s *CounterStore) Rotate(c *domain.RequestCounter, now int64) {
	rotate(&c.CurrentCountMinute, &c.PreviousCountMinute, &c.LastResetMinute, now, minuteWindow)
	rotate(&c.CurrentCountHour, &c.PreviousCountHour, &c.LastResetHour, now, hourWindow)
}

func rotate(current, previous, lastReset *int64, now, window int64) {
	gap := now - *lastReset
	if gap < window {
		return
	}
	*previous = *current
	if gap > 2*window {
		*previous = 0
	}
	*current = 0
	*lastReset = now
}

func (s *CounterStore) MinuteRate(c *domain.RequestCounter, now int64) float64 {
	return slidingRate(c.CurrentCountMinute, c.PreviousCountMinute, c.LastResetMinute, now, minuteWindow)
}

func (s *CounterStore) HourRate(c *domain.RequestCounter, now int64) float64 {
	return slidingRate(c.CurrentCountHour, c.PreviousCountHour, c.LastResetHour, now, hourWindow)
}

func slidingRate(current, previous, lastReset, now, window int64) float64 {
	weight := window - (now - lastReset)
	if weight < 0 {
		weight = 0
	}
	return float64(previous)*float64(weight)/float64(window) + float64(current)
}

func (s *CounterStore) Increment(c *domain.RequestCounter) {
	c.CurrentCountMinute++
	c.CurrentCountHour++
}

// Reset zera as contagens correntes da chave, se ela existir.
func (s *CounterStore) Reset(key string) {
	if c, ok := s.counters[key]; ok {
		c.CurrentCountMinute = 0
		c.CurrentCountHour = 0
	}
}

// RecordExceed cria o registro (contagem 1) ou incrementa o existente.
// Devolve true quando é um excesso novo, e não a continuação de um anterior.
func (s *CounterStore) RecordExceed(key string) bool {
	if rec, ok := s.exceeds[key]; ok {
		rec.RequestCount++
		return false
	}
	s.exceeds[key] = &domain.ExceedRecord{Key: key, RequestCount: 1}
	return true
}

func (s *CounterStore) ClearExceed(key string) { delete(s.exceeds, key) }

func (s *CounterStore) Exceeds() []domain.ExceedRecord {
	out := make([]domain.ExceedRecord, 0, len(s.exceeds))
	for _, rec := range s.exceeds {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *CounterStore) Len() int { return len(s.counters) }

func (s *CounterStore) ClearAll() {
	s.counters = make(map[string]*domain.RequestCounter)
	s.exceeds = make(map[string]*domain.ExceedRecord)
}
