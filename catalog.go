package pgguard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const listSchemasSQL = `
SELECT
    n.nspname AS name,
    pg_catalog.pg_get_userbyid(n.nspowner) AS owner,
    count(c.oid) AS table_count
FROM pg_catalog.pg_namespace n
LEFT JOIN pg_catalog.pg_class c
    ON c.relnamespace = n.oid AND c.relkind IN ('r', 'v', 'm', 'f', 'p')
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND n.nspname NOT LIKE 'pg_temp_%'
  AND n.nspname NOT LIKE 'pg_toast_temp_%'
  AND has_schema_privilege(n.oid, 'USAGE')
GROUP BY n.nspname, n.nspowner
ORDER BY n.nspname`

const listTablesSQL = `
SELECT
    n.nspname AS schema,
    c.relname AS name,
    CASE c.relkind
        WHEN 'r' THEN 'table'
        WHEN 'v' THEN 'view'
        WHEN 'm' THEN 'materialized_view'
        WHEN 'f' THEN 'foreign_table'
        WHEN 'p' THEN 'partitioned_table'
    END AS type,
    pg_catalog.pg_get_userbyid(c.relowner) AS owner
FROM pg_catalog.pg_class c
LEFT JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND has_table_privilege(c.oid, 'SELECT')%s
ORDER BY n.nspname, c.relname`

// ListSchemas returns the schemas the current user can use, with the number
// of relations in each. The catalog query runs through the same safety
// pipeline as caller SQL, with the catalog timeout.
func (g *Guard) ListSchemas(ctx context.Context) (*ListSchemasOutput, error) {
	rows, err := g.catalogQuery(ctx, listSchemasSQL)
	if err != nil {
		return nil, fmt.Errorf("ListSchemas: %w", err)
	}
	schemas := make([]SchemaEntry, 0, len(rows))
	for _, row := range rows {
		schemas = append(schemas, SchemaEntry{
			Name:       rowString(row, "name"),
			Owner:      rowString(row, "owner"),
			TableCount: rowInt(row, "table_count"),
		})
	}
	return &ListSchemasOutput{Schemas: schemas}, nil
}

// ListTables returns all tables, views, materialized views, and foreign tables
// accessible to the current user, optionally limited to one schema.
func (g *Guard) ListTables(ctx context.Context, input ListTablesInput) (*ListTablesOutput, error) {
	filter := ""
	if input.Schema != "" {
		filter = "\n  AND n.nspname = " + quoteLiteral(input.Schema)
	}
	rows, err := g.catalogQuery(ctx, fmt.Sprintf(listTablesSQL, filter))
	if err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	tables := make([]TableEntry, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, TableEntry{
			Schema: rowString(row, "schema"),
			Name:   rowString(row, "name"),
			Type:   rowString(row, "type"),
			Owner:  rowString(row, "owner"),
		})
	}
	return &ListTablesOutput{Tables: tables}, nil
}

// ListMigrations returns the most recently recorded migrations, newest
// first. limit <= 0 returns all of them.
func (g *Guard) ListMigrations(ctx context.Context, limit int) (*ListMigrationsOutput, error) {
	if g.migrations == nil {
		return nil, fmt.Errorf("ListMigrations: migration recording is disabled")
	}
	queryCtx, cancel := context.WithTimeout(ctx, g.catalogTimeout())
	defer cancel()
	migrations, err := g.migrations.List(queryCtx, limit)
	if err != nil {
		return nil, fmt.Errorf("ListMigrations: %w", err)
	}
	if migrations == nil {
		migrations = []Migration{}
	}
	return &ListMigrationsOutput{Migrations: migrations}, nil
}

func (g *Guard) catalogTimeout() time.Duration {
	return time.Duration(g.config.Query.CatalogTimeoutSeconds) * time.Second
}

// catalogQuery runs a single read-only statement and returns its rows.
func (g *Guard) catalogQuery(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	exec, err := g.handle(ctx, sql, queryOptions{fixedTimeout: g.catalogTimeout()})
	if err != nil {
		return nil, err
	}
	if len(exec.Results) == 0 {
		return nil, nil
	}
	return exec.Results[0].Rows, nil
}

// quoteLiteral quotes s as a SQL string literal the way quote_literal() does.
func quoteLiteral(s string) string {
	quoted := "'" + strings.ReplaceAll(s, "'", "''") + "'"
	if strings.Contains(s, `\`) {
		return "E" + strings.ReplaceAll(quoted, `\`, `\\`)
	}
	return quoted
}

func rowString(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func rowInt(row map[string]interface{}, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
