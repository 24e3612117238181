package codelist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the reference table read by the PostgreSQL repository.
const Schema = `CREATE TABLE IF NOT EXISTS reference_codelist (
    name     VARCHAR(255) NOT NULL,
    version  VARCHAR(64)  NOT NULL DEFAULT '',
    system   VARCHAR(255) NOT NULL,
    code     VARCHAR(64)  NOT NULL,
    category VARCHAR(64),
    term     TEXT,
    PRIMARY KEY (name, code)
)`

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgRepo struct{ conn queryable }

// NewPGRepo returns a repository reading codelists from reference_codelist.
func NewPGRepo(pool *pgxpool.Pool) Repository { return &pgRepo{conn: pool} }

func (r *pgRepo) List(ctx context.Context, limit, offset int) ([]*Codelist, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(DISTINCT name) FROM reference_codelist`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("codelist count: %w", err)
	}

	rows, err := r.conn.Query(ctx,
		`SELECT DISTINCT name FROM reference_codelist ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("codelist list: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, 0, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	lists := make([]*Codelist, 0, len(names))
	for _, name := range names {
		cl, err := r.GetByName(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		lists = append(lists, cl)
	}
	return lists, total, nil
}

func (r *pgRepo) GetByName(ctx context.Context, name string) (*Codelist, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT version, system, code, COALESCE(category,''), COALESCE(term,'')
		 FROM reference_codelist WHERE name = $1 ORDER BY code`, name)
	if err != nil {
		return nil, fmt.Errorf("codelist get: %w", err)
	}
	defer rows.Close()

	var version, system string
	var codes []Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&version, &system, &c.Code, &c.Category, &c.Term); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return New(name, system, version, codes), nil
}

// Import replaces the stored codes of each codelist with the given ones.
func Import(ctx context.Context, pool *pgxpool.Pool, lists ...*Codelist) (int64, error) {
	var copied int64
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, cl := range lists {
			if _, err := tx.Exec(ctx, `DELETE FROM reference_codelist WHERE name = $1`, cl.Name()); err != nil {
				return fmt.Errorf("clear %s: %w", cl.Name(), err)
			}
			codes := cl.Codes()
			n, err := tx.CopyFrom(ctx,
				pgx.Identifier{"reference_codelist"},
				[]string{"name", "version", "system", "code", "category", "term"},
				pgx.CopyFromSlice(len(codes), func(i int) ([]interface{}, error) {
					c := codes[i]
					return []interface{}{cl.Name(), cl.Version(), cl.System(), c.Code, nullable(c.Category), nullable(c.Term)}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("copy %s: %w", cl.Name(), err)
			}
			copied += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
