package connection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlClient backs a Client with database/sql over the mysql driver.
type mysqlClient struct {
	db *sql.DB
}

func dialMySQL(ctx context.Context, info Info) (Client, error) {
	db, err := sql.Open("mysql", info.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection for %s: %w", info, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", info, err)
	}
	return &mysqlClient{db: db}, nil
}

func (c *mysqlClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *mysqlClient) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.schema_name, COALESCE(SUM(t.data_length + t.index_length), 0) AS size_bytes
		FROM information_schema.schemata s
		LEFT JOIN information_schema.tables t ON t.table_schema = s.schema_name
		GROUP BY s.schema_name
		ORDER BY s.schema_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var databases []DatabaseInfo
	for rows.Next() {
		var db DatabaseInfo
		if err := rows.Scan(&db.Name, &db.SizeBytes); err != nil {
			return nil, err
		}
		databases = append(databases, db)
	}
	return databases, rows.Err()
}

func (c *mysqlClient) Close() {
	_ = c.db.Close()
}
