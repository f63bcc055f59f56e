package domain

import "context"

// KV é o colaborador de persistência: um key-value com varredura ordenada.
//
// Increment trata o valor como inteiro decimal em texto (ausente = 0).
// ScanPrefix devolve os valores das chaves em [lo, hi), em ordem crescente.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Insert(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, delta int64) error
	ScanPrefix(ctx context.Context, lo, hi string) ([][]byte, error)
	Close() error
}
