package infra

import (
	"context"
	"sort"
	"strings"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulKV guarda as chaves no KV do Consul sob um prefixo.
type ConsulKV struct {
	log       *zap.Logger
	kv        *api.KV
	namespace string
}

// OpenConsulKV conecta ao agente em address (vazio = padrão do cliente,
// que respeita CONSUL_HTTP_ADDR).
func OpenConsulKV(log *zap.Logger, address, namespace string) (*ConsulKV, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, Error.New("consul client: %w", err)
	}
	return NewConsulKV(log, client, namespace), nil
}

// NewConsulKV usa namespace como prefixo ("ratelimit/" se vazio).
func NewConsulKV(log *zap.Logger, client *api.Client, namespace string) *ConsulKV {
	if log == nil {
		log = zap.NewNop()
	}
	namespace = strings.TrimPrefix(namespace, "/")
	if namespace == "" {
		namespace = "ratelimit/"
	}
	if !strings.HasSuffix(namespace, "/") {
		namespace += "/"
	}
	return &ConsulKV{log: log, kv: client.KV(), namespace: namespace}
}

func (c *ConsulKV) key(k string) string { return c.namespace + k }

func (c *ConsulKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pair, _, err := c.kv.Get(c.key(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

func (c *ConsulKV) Insert(ctx context.Context, key string, value []byte) error {
	_, err := c.kv.Put(&api.KVPair{Key: c.key(key), Value: value}, (&api.WriteOptions{}).WithContext(ctx))
	return Error.Wrap(err)
}

// Remove só apaga se a chave ainda estiver na versão lida (DeleteCAS), para
// poder responder se algo foi removido.
func (c *ConsulKV) Remove(ctx context.Context, key string) (bool, error) {
	for {
		pair, _, err := c.kv.Get(c.key(key), (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return false, Error.Wrap(err)
		}
		if pair == nil {
			return false, nil
		}
		ok, _, err := c.kv.DeleteCAS(pair, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return false, Error.Wrap(err)
		}
		if ok {
			return true, nil
		}
	}
}

// Increment usa CAS pelo ModifyIndex; índice 0 só cria se a chave não existir.
func (c *ConsulKV) Increment(ctx context.Context, key string, delta int64) error {
	full := c.key(key)
	for {
		pair, _, err := c.kv.Get(full, (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return Error.Wrap(err)
		}
		var (
			raw   []byte
			index uint64
		)
		if pair != nil {
			raw, index = pair.Value, pair.ModifyIndex
		}
		next, err := addDecimal(raw, pair != nil, delta)
		if err != nil {
			return err
		}
		ok, _, err := c.kv.CAS(&api.KVPair{Key: full, Value: next, ModifyIndex: index}, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return Error.Wrap(err)
		}
		if ok {
			return nil
		}
		c.log.Debug("consul increment lost race, retrying", zap.String("key", key))
	}
}

func (c *ConsulKV) ScanPrefix(ctx context.Context, lo, hi string) ([][]byte, error) {
	pairs, _, err := c.kv.List(c.key(commonPrefix(lo, hi)), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	from, to := c.key(lo), c.key(hi)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	out := make([][]byte, 0, len(pairs))
	for _, p := range pairs {
		if p.Key >= from && p.Key < to {
			out = append(out, p.Value)
		}
	}
	return out, nil
}

func (c *ConsulKV) Close() error { return nil }

func commonPrefix(a, b string) string {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return a[:n]
}
