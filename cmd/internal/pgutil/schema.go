package pgutil

import (
	"context"
	_ "embed"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// SchemaDDL returns the chat schema DDL targeting schema.
func SchemaDDL(schema string) string {
	return strings.ReplaceAll(schemaSQL, DefaultSchema+".", pgx.Identifier{schema}.Sanitize()+".")
}

// Migrate creates schema if needed and applies the idempotent DDL.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := CheckSchema(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return err
	}
	_, err = pool.Exec(ctx, SchemaDDL(schema))
	return err
}
