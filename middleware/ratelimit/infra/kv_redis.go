package infra

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisKV guarda cada chave como string e mantém um ZSET (score 0) com os nomes
// das chaves, para varrer intervalos em ordem lexicográfica com ZRANGEBYLEX.
type RedisKV struct {
	log       *zap.Logger
	rdb       redis.UniversalClient
	namespace string
}

// NewRedisKV usa namespace como prefixo de todas as chaves ("ratelimit:kv" se vazio).
func NewRedisKV(log *zap.Logger, rdb redis.UniversalClient, namespace string) *RedisKV {
	if log == nil {
		log = zap.NewNop()
	}
	namespace = strings.Trim(namespace, ":")
	if namespace == "" {
		namespace = "ratelimit:kv"
	}
	return &RedisKV{log: log, rdb: rdb, namespace: namespace}
}

func (r *RedisKV) key(k string) string { return r.namespace + ":" + k }
func (r *RedisKV) index() string       { return r.namespace + ":index" }

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	return v, true, nil
}

func (r *RedisKV) Insert(ctx context.Context, key string, value []byte) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(key), value, 0)
		pipe.ZAdd(ctx, r.index(), redis.Z{Score: 0, Member: key})
		return nil
	})
	return Error.Wrap(err)
}

func (r *RedisKV) Remove(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.key(key))
		pipe.ZRem(ctx, r.index(), key)
		return nil
	})
	if err != nil {
		return false, Error.Wrap(err)
	}
	return del.Val() > 0, nil
}

// Increment usa INCRBY, que já guarda o valor como texto decimal.
func (r *RedisKV) Increment(ctx context.Context, key string, delta int64) error {
	return Error.Wrap(r.rdb.IncrBy(ctx, r.key(key), delta).Err())
}

func (r *RedisKV) ScanPrefix(ctx context.Context, lo, hi string) ([][]byte, error) {
	keys, err := r.rdb.ZRangeByLex(ctx, r.index(), &redis.ZRangeBy{Min: "[" + lo, Max: "(" + hi}).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([][]byte, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// índice apontando para chave apagada fora do RedisKV
			r.log.Warn("redis kv index entry without value", zap.String("key", keys[i]))
			continue
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

func (r *RedisKV) Close() error {
	return Error.Wrap(r.rdb.Close())
}
