package pgguard_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rickchristie/govner/pgflock/client"
	"github.com/rs/zerolog"

	"github.com/rickchristie/pgguard"
	"github.com/rickchristie/pgguard/internal/sqlcheck"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// acquireTestDB locks a throwaway database from pgflock. The test is skipped
// when no locker is running.
func acquireTestDB(t *testing.T) string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Skipf("pgflock unavailable, skipping database test: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})
	return connStr
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() pgguard.Config {
	return pgguard.Config{
		Pool: pgguard.PoolConfig{MaxConns: 5},
		Query: pgguard.QueryConfig{
			DefaultTimeoutSeconds: 30,
			CatalogTimeoutSeconds: 10,
			MaxSQLLength:          100000,
			MaxResultLength:       100000,
		},
	}
}

// newTestInstance creates a Guard backed by a pgflock database.
func newTestInstance(t *testing.T, config pgguard.Config, opts ...pgguard.Option) (*pgguard.Guard, string) {
	t.Helper()
	connStr := acquireTestDB(t)
	ctx := context.Background()
	g, err := pgguard.New(ctx, connStr, config, testLogger(), opts...)
	if err != nil {
		t.Fatalf("Failed to create Guard: %v", err)
	}
	t.Cleanup(func() { g.Close(ctx) })
	return g, connStr
}

// setupTable runs DDL/DML in permissive mode and restores the previous mode.
func setupTable(t *testing.T, g *pgguard.Guard, sql string) {
	t.Helper()
	previous, err := g.SetMode(pgguard.ServiceDatabase, pgguard.ModePermissive)
	if err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	defer g.SetMode(pgguard.ServiceDatabase, previous)

	output := g.Query(context.Background(), pgguard.QueryInput{SQL: sql})
	if output.Error != "" {
		t.Fatalf("setup failed: %s", output.Error)
	}
}

// fakeExecutor records every batch it receives and answers with one result
// set per statement, tagged with the statement's leading keyword.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	// rows, when set, are returned as the rows of every SELECT result.
	rows []map[string]interface{}
	// err, when set, is returned instead of results.
	err error
	// block, when set, is waited on before returning.
	block chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string) ([]pgguard.ResultSet, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sql)
	rows, execErr, block := f.rows, f.err, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if execErr != nil {
		return nil, execErr
	}

	parts, err := sqlcheck.Split(sql)
	if err != nil {
		return nil, fmt.Errorf("fake executor: %w", err)
	}
	results := make([]pgguard.ResultSet, len(parts))
	for i, part := range parts {
		tag := strings.ToUpper(strings.Fields(part)[0])
		results[i] = pgguard.ResultSet{CommandTag: tag}
		if tag == "SELECT" && rows != nil {
			copied := make([]map[string]interface{}, len(rows))
			for j, row := range rows {
				c := make(map[string]interface{}, len(row))
				for k, v := range row {
					c[k] = v
				}
				copied[j] = c
			}
			results[i].Rows = copied
			results[i].RowsAffected = int64(len(copied))
		}
	}
	return results, nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeMigrations is an in-memory MigrationStore.
type fakeMigrations struct {
	mu       sync.Mutex
	recorded []pgguard.Migration
	err      error
}

func (f *fakeMigrations) Record(ctx context.Context, result *pgguard.ValidationResult, name string) (pgguard.Migration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgguard.Migration{}, f.err
	}
	var stmts []string
	for _, s := range result.Statements {
		stmts = append(stmts, s.SQL)
	}
	if name == "" {
		name = fmt.Sprintf("migration_%d", len(f.recorded)+1)
	}
	m := pgguard.Migration{
		Version:    fmt.Sprintf("%014d", len(f.recorded)+1),
		Name:       name,
		Statements: stmts,
	}
	f.recorded = append(f.recorded, m)
	return m, nil
}

func (f *fakeMigrations) List(ctx context.Context, limit int) ([]pgguard.Migration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pgguard.Migration, 0, len(f.recorded))
	for i := len(f.recorded) - 1; i >= 0; i-- {
		out = append(out, f.recorded[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMigrations) Recorded() []pgguard.Migration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pgguard.Migration(nil), f.recorded...)
}

// newFakeInstance creates a Guard that executes against a fakeExecutor.
func newFakeInstance(t *testing.T, config pgguard.Config, opts ...pgguard.Option) (*pgguard.Guard, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{}
	opts = append([]pgguard.Option{pgguard.WithExecutor(exec)}, opts...)
	g, err := pgguard.New(context.Background(), "", config, testLogger(), opts...)
	if err != nil {
		t.Fatalf("Failed to create Guard: %v", err)
	}
	t.Cleanup(func() { g.Close(context.Background()) })
	return g, exec
}

func setMode(t *testing.T, g *pgguard.Guard, mode pgguard.Mode) {
	t.Helper()
	if _, err := g.SetMode(pgguard.ServiceDatabase, mode); err != nil {
		t.Fatalf("SetMode(%s): %v", mode, err)
	}
}

// mustQuery runs sql through HandleQuery and fails the test on error.
func mustQuery(t *testing.T, g *pgguard.Guard, sql string) *pgguard.Execution {
	t.Helper()
	exec, err := g.HandleQuery(context.Background(), sql)
	if err != nil {
		t.Fatalf("HandleQuery(%q): %v", sql, err)
	}
	return exec
}

// countRows returns SELECT count(*) of table as a string.
func countRows(t *testing.T, g *pgguard.Guard, table string) string {
	t.Helper()
	exec := mustQuery(t, g, "SELECT count(*) AS n FROM "+table)
	return fmt.Sprint(exec.Results[0].Rows[0]["n"])
}
