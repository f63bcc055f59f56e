package infra

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Dialetos suportados pelo SQLKV (o nome é o do driver em database/sql).
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// SQLKV guarda as chaves numa tabela de duas colunas. A coluna da chave usa
// ordenação binária nos três dialetos, para que os intervalos sigam a ordem de bytes.
type SQLKV struct {
	log     *zap.Logger
	db      *sql.DB
	dialect string
}

// OpenSQLKV abre a conexão e cria a tabela se ela não existir.
func OpenSQLKV(ctx context.Context, log *zap.Logger, dialect, dsn string) (*SQLKV, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return nil, Error.New("unsupported dialect %q (supported: sqlite3, postgres, mysql)", dialect)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, Error.New("open %s: %w", dialect, err)
	}
	// SQLite aceita um escritor por vez.
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	kv := &SQLKV{log: log, db: db, dialect: dialect}
	if err := kv.initSchema(ctx); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return kv, nil
}

func (s *SQLKV) initSchema(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case DialectPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS rate_limit_kv (
	k TEXT COLLATE "C" PRIMARY KEY,
	v BYTEA NOT NULL
)`
	case DialectMySQL:
		ddl = `CREATE TABLE IF NOT EXISTS rate_limit_kv (
	k VARBINARY(255) PRIMARY KEY,
	v LONGBLOB NOT NULL
)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS rate_limit_kv (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
)`
	}
	_, err := s.db.ExecContext(ctx, ddl)
	return Error.Wrap(err)
}

// ph devolve o placeholder n (começando em 1) do dialeto.
func (s *SQLKV) ph(n int) string {
	if s.dialect == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLKV) upsertQuery() string {
	switch s.dialect {
	case DialectMySQL:
		return `INSERT INTO rate_limit_kv (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)`
	case DialectPostgres:
		return `INSERT INTO rate_limit_kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`
	default:
		return `INSERT INTO rate_limit_kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLKV) get(ctx context.Context, q queryer, key string, lock bool) ([]byte, bool, error) {
	query := `SELECT v FROM rate_limit_kv WHERE k = ` + s.ph(1)
	if lock && s.dialect != DialectSQLite {
		query += ` FOR UPDATE`
	}
	var v []byte
	err := q.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, found, err := s.get(ctx, s.db, key, false)
	return v, found, Error.Wrap(err)
}

func (s *SQLKV) Insert(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.upsertQuery(), key, value)
	return Error.Wrap(err)
}

func (s *SQLKV) Remove(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_kv WHERE k = `+s.ph(1), key)
	if err != nil {
		return false, Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

// Increment lê e regrava o contador numa transação (SELECT ... FOR UPDATE fora do SQLite).
func (s *SQLKV) Increment(ctx context.Context, key string, delta int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
	}()

	raw, found, err := s.get(ctx, tx, key, true)
	if err != nil {
		return Error.Wrap(err)
	}
	next, err := addDecimal(raw, found, delta)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, s.upsertQuery(), key, next); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

func (s *SQLKV) ScanPrefix(ctx context.Context, lo, hi string) (out [][]byte, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v FROM rate_limit_kv WHERE k >= `+s.ph(1)+` AND k < `+s.ph(2)+` ORDER BY k`, lo, hi)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, v)
	}
	return out, Error.Wrap(rows.Err())
}

func (s *SQLKV) Close() error {
	return Error.Wrap(s.db.Close())
}
