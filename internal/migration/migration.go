package migration

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rickchristie/pgguard/internal/sqlcheck"
)

const (
	// DefaultSchema holds the migrations table when none is configured.
	DefaultSchema = "pgguard_migrations"
	tableName     = "schema_migrations"
	versionLayout = "20060102150405"
	maxNameLength = 100
)

var nonWord = regexp.MustCompile(`[^a-z0-9_]+`)

// Migration is one recorded batch of schema-changing SQL.
type Migration struct {
	Version    string    `json:"version"`
	Name       string    `json:"name"`
	Statements []string  `json:"statements"`
	CreatedAt  time.Time `json:"created_at"`
}

// Version formats t as a migration version (YYYYMMDDHHMMSS, UTC).
func Version(t time.Time) string {
	return t.UTC().Format(versionLayout)
}

// Name describes a batch as command_objecttype_category_suffix, taken from
// the first non transaction-control statement that needs migration.
func Name(result *sqlcheck.Result, suffix string) string {
	var picked *sqlcheck.Statement
	for i := range result.Statements {
		s := &result.Statements[i]
		if s.Category == sqlcheck.CategoryTCL || !s.NeedsMigration {
			continue
		}
		picked = s
		break
	}
	if picked == nil {
		return sanitizeName("migration_" + suffix)
	}
	objectType := picked.ObjectType
	if objectType == "" {
		objectType = "unknown"
	}
	return sanitizeName(strings.Join([]string{picked.Operation().Command, objectType, picked.Category.String(), suffix}, "_"))
}

func sanitizeName(name string) string {
	name = nonWord.ReplaceAllString(strings.ToLower(name), "_")
	name = strings.Trim(name, "_")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// Named turns a caller-chosen name into a migration name ending in suffix.
// A name with no usable characters returns "".
func Named(name, suffix string) string {
	base := sanitizeName(name)
	if base == "" {
		return ""
	}
	if limit := maxNameLength - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "_")
	}
	return base + "_" + suffix
}

// New builds the migration for a validated batch executed at now. An empty
// name, or one with no usable characters, is replaced by a name describing
// the batch.
func New(result *sqlcheck.Result, now time.Time, name string) Migration {
	statements := make([]string, 0, len(result.Statements))
	for _, s := range result.Statements {
		if s.Category == sqlcheck.CategoryTCL {
			continue
		}
		statements = append(statements, s.SQL)
	}
	return Migration{
		Version:    Version(now),
		Name:       migrationName(result, name, uuid.NewString()[:8]),
		Statements: statements,
		CreatedAt:  now.UTC(),
	}
}

func migrationName(result *sqlcheck.Result, name, suffix string) string {
	if named := Named(name, suffix); named != "" {
		return named
	}
	return Name(result, suffix)
}

// Recorder persists migrations in a table of the target database.
type Recorder struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder storing migrations in schema. Empty schema
// uses DefaultSchema.
func NewRecorder(pool *pgxpool.Pool, schema string, logger zerolog.Logger) *Recorder {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Recorder{
		pool:   pool,
		schema: schema,
		table:  pgx.Identifier{schema, tableName}.Sanitize(),
		logger: logger,
		now:    time.Now,
	}
}

// Table returns the quoted, schema-qualified migrations table.
func (r *Recorder) Table() string {
	return r.table
}

// EnsureTable creates the schema and table if they do not exist.
func (r *Recorder) EnsureTable(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{r.schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create migrations schema %q: %w", r.schema, err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version    text        NOT NULL,
    name       text        NOT NULL,
    statements text[]      NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (version, name)
)`, r.table)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", r.table, err)
	}
	return nil
}

// Record stores the batch described by result under name and returns the
// migration. An empty name is generated from the batch.
func (r *Recorder) Record(ctx context.Context, result *sqlcheck.Result, name string) (Migration, error) {
	m := New(result, r.now(), name)
	if len(m.Statements) == 0 {
		return Migration{}, fmt.Errorf("cannot record migration: no statements")
	}
	sql := fmt.Sprintf("INSERT INTO %s (version, name, statements, created_at) VALUES ($1, $2, $3, $4)", r.table)
	if _, err := r.pool.Exec(ctx, sql, m.Version, m.Name, m.Statements, m.CreatedAt); err != nil {
		return Migration{}, fmt.Errorf("failed to record migration %s_%s: %w", m.Version, m.Name, err)
	}
	r.logger.Info().
		Str("version", m.Version).
		Str("name", m.Name).
		Int("statement_count", len(m.Statements)).
		Msg("migration recorded")
	return m, nil
}

// List returns the most recent migrations, newest first. limit <= 0 returns
// all of them.
func (r *Recorder) List(ctx context.Context, limit int) ([]Migration, error) {
	sql := fmt.Sprintf("SELECT version, name, statements, created_at FROM %s ORDER BY version DESC, created_at DESC", r.table)
	var args []interface{}
	if limit > 0 {
		sql += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	migrations := []Migration{}
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Statements, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		migrations = append(migrations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	return migrations, nil
}
