package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcriber/internal/common"
)

// base is embedded by every repository. q is either the pool handle or a
// transaction; WithTx swaps it.
type base struct {
	q       DBTX
	dialect string
	logger  *slog.Logger
}

func newBase(db *DB, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{q: db.SQL(), dialect: db.Dialect(), logger: logger}
}

func (b base) withTx(tx *sql.Tx) base {
	b.q = tx
	return b
}

func (b base) sb() *entsql.DialectBuilder {
	return entsql.Dialect(b.dialect)
}

func (b base) postgres() bool {
	return b.dialect == "postgres"
}

// raw builds a hand-written statement whose arguments still get the
// dialect's placeholder syntax.
func (b base) raw(f func(sb *entsql.Builder)) (string, []any) {
	sb := &entsql.Builder{}
	sb.SetDialect(b.dialect)
	f(sb)
	return sb.Query()
}

type querierErr interface {
	Err() error
}

func build(q entsql.Querier) (string, []any, error) {
	query, args := q.Query()
	if qe, ok := q.(querierErr); ok {
		if err := qe.Err(); err != nil {
			return "", nil, err
		}
	}
	return query, args, nil
}

func (b base) exec(ctx context.Context, q entsql.Querier) (int64, error) {
	query, args, err := build(q)
	if err != nil {
		return 0, err
	}
	return b.execRaw(ctx, query, args)
}

func (b base) execRaw(ctx context.Context, query string, args []any) (int64, error) {
	res, err := b.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	return n, nil
}

func (b base) query(ctx context.Context, q entsql.Querier) (*sql.Rows, error) {
	query, args, err := build(q)
	if err != nil {
		return nil, err
	}
	return b.queryRaw(ctx, query, args)
}

func (b base) queryRaw(ctx context.Context, query string, args []any) (*sql.Rows, error) {
	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return rows, nil
}

// queryRow scans a single row; sql.ErrNoRows becomes common.ErrNotFound.
func (b base) queryRow(ctx context.Context, q entsql.Querier, dest ...any) error {
	query, args, err := build(q)
	if err != nil {
		return err
	}
	return b.queryRowRaw(ctx, query, args, dest...)
}

func (b base) queryRowRaw(ctx context.Context, query string, args []any, dest ...any) error {
	err := b.q.QueryRowContext(ctx, query, args...).Scan(dest...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return common.ErrNotFound
	case err != nil:
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return nil
}

func (b base) count(ctx context.Context, q entsql.Querier) (int, error) {
	var n int64
	if err := b.queryRow(ctx, q, &n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func notFound(kind string, key any) error {
	return fmt.Errorf("%w: %s %v", common.ErrNotFound, kind, key)
}

// Timestamps are stored as Unix epoch milliseconds in both dialects.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
