package infra

import (
	"context"
	"time"

	badger "github.com/outcaste-io/badger/v3"
	"github.com/outcaste-io/badger/v3/options"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// BadgerKV é o backend embutido, em disco ou em memória.
type BadgerKV struct {
	log *zap.Logger
	db  *badger.DB
}

// OpenBadgerKV abre (ou cria) o banco em dir. Com dir vazio o banco vive só em memória.
func OpenBadgerKV(log *zap.Logger, dir string) (*BadgerKV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opt := badger.DefaultOptions(dir)
	if inMemory := dir == ""; inMemory {
		log.Warn("badger in-memory mode enabled; rate limit state will be lost on shutdown")
		opt = opt.WithInMemory(true)
	}
	opt = opt.WithSyncWrites(true)
	opt = opt.WithCompression(options.None)
	opt = opt.WithBlockCacheSize(0)
	opt = opt.WithLogger(badgerLogger{log.Sugar().Named("badger")})

	db, err := badger.Open(opt)
	if err != nil {
		return nil, Error.New("badger open: %w", err)
	}
	return &BadgerKV{log: log, db: db}, nil
}

func (b *BadgerKV) Get(_ context.Context, key string) (value []byte, found bool, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errs.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, found, Error.Wrap(err)
}

func (b *BadgerKV) Insert(_ context.Context, key string, value []byte) error {
	return Error.Wrap(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}))
}

func (b *BadgerKV) Remove(ctx context.Context, key string) (removed bool, err error) {
	err = b.update(ctx, func(txn *badger.Txn) error {
		removed = false
		if _, err := txn.Get([]byte(key)); err != nil {
			if errs.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		removed = true
		return txn.Delete([]byte(key))
	})
	return removed, Error.Wrap(err)
}

func (b *BadgerKV) Increment(ctx context.Context, key string, delta int64) error {
	return Error.Wrap(b.update(ctx, func(txn *badger.Txn) error {
		var (
			raw   []byte
			found bool
		)
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			found = true
			if raw, err = item.ValueCopy(nil); err != nil {
				return err
			}
		case !errs.Is(err, badger.ErrKeyNotFound):
			return err
		}
		next, err := addDecimal(raw, found, delta)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), next)
	}))
}

// update repete a transação enquanto houver conflito, até o ctx encerrar.
func (b *BadgerKV) update(ctx context.Context, f func(txn *badger.Txn) error) error {
	backoff := 5 * time.Millisecond
	for {
		err := b.db.Update(f)
		if !errs.Is(err, badger.ErrConflict) {
			return err
		}
		b.log.Debug("badger transaction conflict, retrying", zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (b *BadgerKV) ScanPrefix(_ context.Context, lo, hi string) (out [][]byte, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(lo)); it.Valid(); it.Next() {
			item := it.Item()
			if string(item.Key()) >= hi {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, Error.Wrap(err)
}

func (b *BadgerKV) Close() error {
	return Error.Wrap(b.db.Close())
}

// badgerLogger adapta o SugaredLogger do zap à interface de log do badger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, v ...interface{}) {
	l.Warnf(format, v...)
}
