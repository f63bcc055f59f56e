package infra

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdKV guarda as chaves sob um prefixo no etcd. Intervalos usam WithRange,
// que já devolve em ordem de bytes.
type EtcdKV struct {
	log       *zap.Logger
	client    *clientv3.Client
	namespace string
}

// OpenEtcdKV conecta aos endpoints e verifica o primeiro com Status.
func OpenEtcdKV(ctx context.Context, log *zap.Logger, endpoints []string, namespace string) (*EtcdKV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(endpoints) == 0 || endpoints[0] == "" {
		return nil, Error.New("etcd: at least one endpoint is required")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, Error.New("etcd connect: %w", err)
	}

	statusCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Status(statusCtx, endpoints[0]); err != nil {
		_ = client.Close()
		return nil, Error.New("etcd status: %w", err)
	}
	return NewEtcdKV(log, client, namespace), nil
}

// NewEtcdKV usa namespace como prefixo ("/ratelimit/" se vazio).
func NewEtcdKV(log *zap.Logger, client *clientv3.Client, namespace string) *EtcdKV {
	if log == nil {
		log = zap.NewNop()
	}
	if namespace == "" {
		namespace = "/ratelimit/"
	}
	if !strings.HasSuffix(namespace, "/") {
		namespace += "/"
	}
	return &EtcdKV{log: log, client: client, namespace: namespace}
}

func (e *EtcdKV) key(k string) string { return e.namespace + k }

func (e *EtcdKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := e.client.Get(ctx, e.key(key))
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *EtcdKV) Insert(ctx context.Context, key string, value []byte) error {
	_, err := e.client.Put(ctx, e.key(key), string(value))
	return Error.Wrap(err)
}

func (e *EtcdKV) Remove(ctx context.Context, key string) (bool, error) {
	resp, err := e.client.Delete(ctx, e.key(key))
	if err != nil {
		return false, Error.Wrap(err)
	}
	return resp.Deleted > 0, nil
}

// Increment faz compare-and-swap pela ModRevision até ganhar.
func (e *EtcdKV) Increment(ctx context.Context, key string, delta int64) error {
	full := e.key(key)
	for {
		resp, err := e.client.Get(ctx, full)
		if err != nil {
			return Error.Wrap(err)
		}
		var (
			raw   []byte
			found bool
			cmp   clientv3.Cmp
		)
		if len(resp.Kvs) > 0 {
			raw, found = resp.Kvs[0].Value, true
			cmp = clientv3.Compare(clientv3.ModRevision(full), "=", resp.Kvs[0].ModRevision)
		} else {
			cmp = clientv3.Compare(clientv3.CreateRevision(full), "=", 0)
		}
		next, err := addDecimal(raw, found, delta)
		if err != nil {
			return err
		}
		txn, err := e.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(full, string(next))).Commit()
		if err != nil {
			return Error.Wrap(err)
		}
		if txn.Succeeded {
			return nil
		}
		e.log.Debug("etcd increment lost race, retrying", zap.String("key", key))
	}
}

func (e *EtcdKV) ScanPrefix(ctx context.Context, lo, hi string) ([][]byte, error) {
	resp, err := e.client.Get(ctx, e.key(lo),
		clientv3.WithRange(e.key(hi)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, kv.Value)
	}
	return out, nil
}

func (e *EtcdKV) Close() error {
	return Error.Wrap(e.client.Close())
}
