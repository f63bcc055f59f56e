package infra

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// Error é a classe dos erros vindos dos backends de KV.
var Error = errs.Class("kv")

// OpenKV abre o backend de persistência descrito por uma URL curta:
//
//	memory
//	badger://<dir>            (dir vazio = em memória)
//	redis://... | rediss://...
//	sqlite3://<arquivo>
//	postgres://... | postgresql://...
//	mysql://<dsn>
//	etcd://host:porta[,host:porta]
//	consul://host:porta
func OpenKV(ctx context.Context, log *zap.Logger, backend string) (domain.KV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	scheme, rest, _ := strings.Cut(backend, "://")
	switch scheme {
	case "", "memory":
		return NewMemoryKV(), nil
	case "badger":
		return OpenBadgerKV(log, rest)
	case "redis", "rediss":
		opts, err := redis.ParseURL(backend)
		if err != nil {
			return nil, Error.New("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, Error.New("redis ping: %w", err)
		}
		return NewRedisKV(log, client, ""), nil
	case "sqlite3", "sqlite":
		return OpenSQLKV(ctx, log, DialectSQLite, rest)
	case "postgres", "postgresql":
		return OpenSQLKV(ctx, log, DialectPostgres, backend)
	case "mysql":
		return OpenSQLKV(ctx, log, DialectMySQL, rest)
	case "etcd":
		return OpenEtcdKV(ctx, log, strings.Split(rest, ","), "")
	case "consul":
		return OpenConsulKV(log, rest, "")
	}
	return nil, Error.New("unknown backend %q", backend)
}

// addDecimal soma delta a um contador guardado como texto decimal; ausente vale 0.
func addDecimal(raw []byte, found bool, delta int64) ([]byte, error) {
	var n int64
	if found {
		v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return nil, Error.New("counter value %q is not decimal", raw)
		}
		n = v
	}
	return []byte(strconv.FormatInt(n+delta, 10)), nil
}

// RedactBackend esconde a senha da URL do backend, para poder logar.
func RedactBackend(backend string) string {
	scheme, rest, ok := strings.Cut(backend, "://")
	if !ok {
		return backend
	}
	if u, err := url.Parse(backend); err == nil {
		return u.Redacted()
	}
	// DSN do mysql: user:senha@tcp(host:porta)/db
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return backend
	}
	user, _, hasPass := strings.Cut(rest[:at], ":")
	if !hasPass {
		return backend
	}
	return scheme + "://" + user + ":xxxxx" + rest[at:]
}
