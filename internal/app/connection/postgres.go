package connection

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgClient backs a Client with a pgx connection pool.
type pgClient struct {
	pool *pgxpool.Pool
}

func dialPostgres(ctx context.Context, info Info) (Client, error) {
	pool, err := pgxpool.New(ctx, info.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for %s: %w", info, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", info, err)
	}
	return &pgClient{pool: pool}, nil
}

func (c *pgClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *pgClient) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT datname, pg_catalog.pg_get_userbyid(datdba) AS owner,
		       pg_catalog.pg_database_size(datname) AS size_bytes
		FROM pg_catalog.pg_database
		WHERE datistemplate = false
		ORDER BY datname
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var databases []DatabaseInfo
	for rows.Next() {
		var db DatabaseInfo
		if err := rows.Scan(&db.Name, &db.Owner, &db.SizeBytes); err != nil {
			return nil, err
		}
		databases = append(databases, db)
	}
	return databases, rows.Err()
}

func (c *pgClient) Close() {
	c.pool.Close()
}
