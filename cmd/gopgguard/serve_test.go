package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rickchristie/pgguard"
	"github.com/rs/zerolog"
)

// validServerConfig returns a minimal valid ServerConfig for testing.
func validServerConfig() pgguard.ServerConfig {
	return pgguard.ServerConfig{
		Config: pgguard.Config{
			Pool: pgguard.PoolConfig{MaxConns: 5},
			Query: pgguard.QueryConfig{
				DefaultTimeoutSeconds: 30,
				CatalogTimeoutSeconds: 10,
			},
		},
		Server: pgguard.ServerSettings{
			Port: 8080,
		},
		Connection: pgguard.ConnectionConfig{
			Host:   "localhost",
			Port:   5432,
			DBName: "testdb",
		},
	}
}

func writeConfigFile(t *testing.T, dir string, config pgguard.ServerConfig) string {
	t.Helper()
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func writeRawFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

type nopExecutor struct{}

func (nopExecutor) Execute(_ context.Context, _ string) ([]pgguard.ResultSet, error) {
	return nil, nil
}

func newTestGuard(t *testing.T) *pgguard.Guard {
	t.Helper()
	cfg := validServerConfig()
	g, err := pgguard.New(context.Background(), "", cfg.Config, zerolog.Nop(), pgguard.WithExecutor(nopExecutor{}))
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}

// Note: Tests using t.Setenv() cannot use t.Parallel() in Go.

func TestLoadConfigValid(t *testing.T) {
	dir := t.TempDir()
	cfg := validServerConfig()
	cfg.Safety.DatabaseMode = "permissive"
	path := writeConfigFile(t, dir, cfg)

	t.Setenv("GOPGGUARD_CONFIG_PATH", path)

	loaded, err := loadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", loaded.Server.Port)
	}
	if loaded.Pool.MaxConns != 5 {
		t.Fatalf("expected max_conns 5, got %d", loaded.Pool.MaxConns)
	}
	if loaded.Query.CatalogTimeoutSeconds != 10 {
		t.Fatalf("expected catalog_timeout_seconds 10, got %d", loaded.Query.CatalogTimeoutSeconds)
	}
	if loaded.Connection.DBName != "testdb" {
		t.Fatalf("expected dbname 'testdb', got %q", loaded.Connection.DBName)
	}
	if loaded.Safety.DatabaseMode != "permissive" {
		t.Fatalf("expected database_mode 'permissive', got %q", loaded.Safety.DatabaseMode)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeRawFile(t, "config.yaml", `
connection:
  host: db.internal
  port: 5433
  dbname: app
server:
  port: 9090
  metrics_enabled: true
pool:
  max_conns: 4
query:
  default_timeout_seconds: 15
  timeout_rules:
    - pattern: "(?i)pg_sleep"
      min_risk: low
      timeout_seconds: 2
safety:
  database_mode: restricted
  api_mode: permissive
  deny_rules:
    - command: DROP
      object_type: TABLE
      reason: tables are never dropped here
server_hooks:
  before_execute:
    - pattern: ".*"
      command: ./review.sh
      args: ["--strict"]
`)
	t.Setenv("GOPGGUARD_CONFIG_PATH", path)

	loaded, err := loadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Connection.Host != "db.internal" || loaded.Connection.Port != 5433 {
		t.Fatalf("unexpected connection: %+v", loaded.Connection)
	}
	if loaded.Server.Port != 9090 || !loaded.Server.MetricsEnabled {
		t.Fatalf("unexpected server settings: %+v", loaded.Server)
	}
	if len(loaded.Query.TimeoutRules) != 1 || loaded.Query.TimeoutRules[0].TimeoutSeconds != 2 {
		t.Fatalf("unexpected timeout rules: %+v", loaded.Query.TimeoutRules)
	}
	if loaded.Safety.APIMode != "permissive" || len(loaded.Safety.DenyRules) != 1 {
		t.Fatalf("unexpected safety config: %+v", loaded.Safety)
	}
	if hooks := loaded.ServerHooks.BeforeExecute; len(hooks) != 1 || hooks[0].Args[0] != "--strict" {
		t.Fatalf("unexpected hooks: %+v", hooks)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	t.Setenv("GOPGGUARD_CONFIG_PATH", "/nonexistent/path/config.json")

	_, err := loadServerConfig()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/config.json") {
		t.Fatalf("expected error to contain config path, got %q", err.Error())
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := writeRawFile(t, "config.json", "{invalid json}")
	t.Setenv("GOPGGUARD_CONFIG_PATH", path)

	_, err := loadServerConfig()
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Fatalf("expected parse error, got %q", err.Error())
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("GOPGGUARD_CONFIG_PATH", "")
	if got := defaultConfigPath(); got != ".gopgguard/config.json" {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv("GOPGGUARD_CONFIG_PATH", "/etc/gopgguard.yaml")
	if got := defaultConfigPath(); got != "/etc/gopgguard.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
}

func TestBuildConnString(t *testing.T) {
	t.Parallel()
	got := buildConnString(pgguard.ConnectionConfig{
		Host:    "localhost",
		Port:    5432,
		DBName:  "app",
		SSLMode: "disable",
	}, "alice", "s3cret")
	want := "host=localhost port=5432 dbname=app user=alice password=s3cret sslmode=disable"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := buildConnString(pgguard.ConnectionConfig{DBName: "app"}, "", ""); got != "dbname=app" {
		t.Fatalf("expected only dbname, got %q", got)
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for level, want := range tests {
		logger := setupLogger(pgguard.LoggingConfig{Level: level})
		if got := logger.GetLevel(); got != want {
			t.Errorf("level %q: got %v, want %v", level, got, want)
		}
	}
}

func TestSetupLoggerFileOutput(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "gopgguard.log")
	logger := setupLogger(pgguard.LoggingConfig{Output: path})
	logger.Info().Msg("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestBuildMuxHealthAndMetrics(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	mux := buildMux(pgguard.ServerSettings{
		HealthCheckEnabled: true,
		HealthCheckPath:    "/healthz",
		MetricsEnabled:     true,
	}, g)

	if _, err := g.HandleQuery(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
	if !strings.Contains(string(body), `pgguard_query_decisions_total{outcome="executed"`) {
		t.Fatalf("expected decision counter in metrics output:\n%s", body)
	}
}

func TestBuildMuxCustomMetricsPath(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	mux := buildMux(pgguard.ServerSettings{MetricsEnabled: true, MetricsPath: "/internal/metrics"}, g)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics at custom path, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected default path to be unmounted, got %d", rec.Code)
	}
}

func TestBuildMuxDisabledEndpoints(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	mux := buildMux(pgguard.ServerSettings{}, g)

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestBuildMuxHealthCheckPathRequired(t *testing.T) {
	t.Parallel()
	g := newTestGuard(t)
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for empty health_check_path")
		}
		if !strings.Contains(r.(string), "health_check_path must be set") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	buildMux(pgguard.ServerSettings{HealthCheckEnabled: true}, g)
}
