package pgguard_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rickchristie/pgguard"

	"github.com/mark3labs/mcp-go/server"
)

// mcpTestServer bundles everything needed for an MCP HTTP server test.
type mcpTestServer struct {
	guard      *pgguard.Guard
	exec       *fakeExecutor
	port       int
	baseURL    string
	httpServer *server.StreamableHTTPServer
}

// startMCPTestServer creates a Guard backed by a fake executor, registers
// the MCP tools, and serves them on a free port next to /metrics. The
// optional healthCheckPath enables the health check endpoint.
func startMCPTestServer(t *testing.T, config pgguard.Config, healthCheckPath string, opts ...pgguard.Option) *mcpTestServer {
	t.Helper()

	g, exec := newFakeInstance(t, config, opts...)

	// Find a free port.
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	mcpServer := server.NewMCPServer("gopgguard-test", "1.0.0",
		server.WithToolCapabilities(true),
	)
	pgguard.RegisterMCPTools(mcpServer, g)

	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()

	if healthCheckPath != "" {
		mux.HandleFunc(healthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}
	mux.Handle("/metrics", g.MetricsHandler())

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithStreamableHTTPServer(httpSrv),
	)
	mux.Handle("/mcp", streamableServer)

	go func() {
		if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	t.Cleanup(func() { streamableServer.Shutdown(context.Background()) })

	return &mcpTestServer{
		guard:      g,
		exec:       exec,
		port:       port,
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		httpServer: streamableServer,
	}
}

// jsonRPC sends a JSON-RPC request to the MCP endpoint and returns the parsed response.
func (s *mcpTestServer) jsonRPC(t *testing.T, method string, params interface{}) map[string]interface{} {
	t.Helper()

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		reqBody["params"] = params
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp, err := http.Post(
		s.baseURL+"/mcp",
		"application/json",
		strings.NewReader(string(bodyBytes)),
	)
	if err != nil {
		t.Fatalf("JSON-RPC request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("failed to parse response JSON: %v; body: %s", err, string(respBody))
	}

	return result
}

// callTool invokes a tool and returns its first text content and isError flag.
func (s *mcpTestServer) callTool(t *testing.T, name string, args map[string]interface{}) (string, bool) {
	t.Helper()
	result := s.jsonRPC(t, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})

	resultObj, ok := result["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %T: %v", result["result"], result)
	}
	content, ok := resultObj["content"].([]interface{})
	if !ok || len(content) == 0 {
		t.Fatalf("expected content array, got %v", resultObj["content"])
	}
	firstContent := content[0].(map[string]interface{})
	if firstContent["type"] != "text" {
		t.Fatalf("expected content type 'text', got %q", firstContent["type"])
	}
	isError, _ := resultObj["isError"].(bool)
	return firstContent["text"].(string), isError
}

func TestMCPServer_ToolsList(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")

	result := s.jsonRPC(t, "tools/list", map[string]interface{}{})

	resultObj := result["result"].(map[string]interface{})
	tools, ok := resultObj["tools"].([]interface{})
	if !ok {
		t.Fatalf("expected tools array, got %T: %v", resultObj["tools"], resultObj["tools"])
	}

	expected := []string{
		"query", "validate_query", "live_dangerously", "get_safety_mode",
		"check_api_request", "list_schemas", "list_tables", "list_migrations",
	}
	if len(tools) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(tools))
	}

	toolNames := map[string]bool{}
	for _, tool := range tools {
		toolMap := tool.(map[string]interface{})
		toolNames[toolMap["name"].(string)] = true
	}
	for _, name := range expected {
		if !toolNames[name] {
			t.Fatalf("expected tool %q in list, got %v", name, toolNames)
		}
	}
}

func TestMCPServer_QueryTool(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")
	s.exec.mu.Lock()
	s.exec.rows = []map[string]interface{}{{"id": int64(1), "name": "alice"}}
	s.exec.mu.Unlock()

	text, isError := s.callTool(t, "query", map[string]interface{}{
		"sql": "SELECT id, name FROM users ORDER BY id",
	})
	if isError {
		t.Fatalf("query returned error: %s", text)
	}

	var output pgguard.QueryOutput
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("failed to parse query output: %v", err)
	}
	if len(output.Results) != 1 || len(output.Results[0].Rows) != 1 {
		t.Fatalf("expected one result with one row, got %+v", output.Results)
	}
	if output.Results[0].Rows[0]["name"] != "alice" {
		t.Fatalf("expected 'alice', got %v", output.Results[0].Rows[0]["name"])
	}
	if output.HighestRisk != "LOW" {
		t.Fatalf("expected LOW risk, got %q", output.HighestRisk)
	}
}

func TestMCPServer_WriteNeedsLiveDangerously(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")
	args := map[string]interface{}{"sql": "UPDATE users SET name = 'bob' WHERE id = 1"}

	text, isError := s.callTool(t, "query", args)
	if !isError {
		t.Fatalf("expected rejection in restricted mode, got %s", text)
	}
	if !strings.Contains(text, "RESTRICTED") {
		t.Fatalf("expected the mode in the rejection, got %q", text)
	}
	if calls := s.exec.Calls(); len(calls) != 0 {
		t.Fatalf("rejected query reached the executor: %v", calls)
	}

	text, isError = s.callTool(t, "live_dangerously", map[string]interface{}{"enable": true})
	if isError {
		t.Fatalf("live_dangerously returned error: %s", text)
	}
	var mode pgguard.ModeOutput
	if err := json.Unmarshal([]byte(text), &mode); err != nil {
		t.Fatalf("failed to parse mode output: %v", err)
	}
	if mode.Service != "database" || mode.Mode != "PERMISSIVE" || mode.Previous != "RESTRICTED" {
		t.Fatalf("unexpected mode output: %+v", mode)
	}

	text, isError = s.callTool(t, "query", args)
	if isError {
		t.Fatalf("query after live_dangerously returned error: %s", text)
	}
	var output pgguard.QueryOutput
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("failed to parse query output: %v", err)
	}
	if !output.Wrapped {
		t.Fatal("expected the write to be wrapped in a transaction")
	}
}

func TestMCPServer_GetSafetyMode(t *testing.T) {
	t.Parallel()
	config := defaultConfig()
	config.Safety.APIMode = "permissive"
	s := startMCPTestServer(t, config, "")

	text, isError := s.callTool(t, "get_safety_mode", map[string]interface{}{})
	if isError {
		t.Fatalf("get_safety_mode returned error: %s", text)
	}
	var modes []pgguard.ModeOutput
	if err := json.Unmarshal([]byte(text), &modes); err != nil {
		t.Fatalf("failed to parse modes: %v", err)
	}
	got := map[string]string{}
	for _, m := range modes {
		got[m.Service] = m.Mode
	}
	if got["database"] != "RESTRICTED" || got["api"] != "PERMISSIVE" {
		t.Fatalf("unexpected modes: %v", got)
	}
}

func TestMCPServer_CheckAPIRequest(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")

	text, isError := s.callTool(t, "check_api_request", map[string]interface{}{
		"method": "POST",
		"path":   "/v1/projects/abc/pause",
	})
	if isError {
		t.Fatalf("check_api_request returned error: %s", text)
	}
	var output pgguard.APICheckOutput
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("failed to parse api check output: %v", err)
	}
	if output.Allowed {
		t.Fatal("expected HIGH risk request to be refused in restricted mode")
	}
	if output.Risk != "HIGH" || output.Mode != "RESTRICTED" || output.Reason == "" {
		t.Fatalf("unexpected output: %+v", output)
	}
}

func TestMCPServer_ValidateQueryTool(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")

	text, isError := s.callTool(t, "validate_query", map[string]interface{}{
		"sql": "CREATE TABLE t (id int)",
	})
	if isError {
		t.Fatalf("validate_query returned error: %s", text)
	}
	var output pgguard.ValidateOutput
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("failed to parse validate output: %v", err)
	}
	if output.Allowed || !output.NeedsMigration || output.Reason == "" {
		t.Fatalf("unexpected validation output: %+v", output)
	}
	if calls := s.exec.Calls(); len(calls) != 0 {
		t.Fatalf("validate_query must not execute, got %v", calls)
	}
}

func TestMCPServer_ConfirmDestructiveOperation(t *testing.T) {
	t.Parallel()
	config := defaultConfig()
	config.Safety.DatabaseMode = "permissive"
	config.Safety.ConfirmHighRisk = true
	config.Migrations.Enabled = true
	store := &fakeMigrations{}
	s := startMCPTestServer(t, config, "", pgguard.WithMigrationStore(store))

	text, isError := s.callTool(t, "query", map[string]interface{}{
		"sql":            "DROP TABLE legacy",
		"migration_name": "drop legacy",
	})
	if !isError {
		t.Fatalf("expected the HIGH risk query to be held, got %s", text)
	}
	match := regexp.MustCompile(`confirmation_id "([^"]+)"`).FindStringSubmatch(text)
	if match == nil {
		t.Fatalf("held message must carry the confirmation id, got %q", text)
	}
	if calls := s.exec.Calls(); len(calls) != 0 {
		t.Fatalf("held query reached the executor: %v", calls)
	}

	text, isError = s.callTool(t, "confirm_destructive_operation", map[string]interface{}{
		"confirmation_id":   match[1],
		"user_confirmation": false,
	})
	if !isError || !strings.Contains(text, "user_confirmation") {
		t.Fatalf("expected a refusal without user confirmation, got %q", text)
	}

	text, isError = s.callTool(t, "confirm_destructive_operation", map[string]interface{}{
		"confirmation_id":   match[1],
		"user_confirmation": true,
	})
	if isError {
		t.Fatalf("confirm_destructive_operation returned error: %s", text)
	}
	var output pgguard.QueryOutput
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		t.Fatalf("failed to parse query output: %v", err)
	}
	if !output.Wrapped || !strings.HasSuffix(output.Migration, "_drop legacy") {
		t.Fatalf("unexpected output: %+v", output)
	}
	if calls := s.exec.Calls(); len(calls) != 1 || calls[0] != "BEGIN;\nDROP TABLE legacy;\nCOMMIT;" {
		t.Fatalf("unexpected executor calls: %q", calls)
	}
}

func TestMCPServer_ListMigrationsDisabled(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "")

	text, isError := s.callTool(t, "list_migrations", map[string]interface{}{})
	if !isError {
		t.Fatalf("expected error with migrations disabled, got %s", text)
	}
	if !strings.Contains(text, "disabled") {
		t.Fatalf("unexpected error text: %q", text)
	}
}

func TestMCPServer_HealthCheck(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "/health")

	resp, err := http.Get(s.baseURL + "/health")
	if err != nil {
		t.Fatalf("health check request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	expected := `{"status":"ok"}`
	if strings.TrimSpace(string(body)) != expected {
		t.Fatalf("expected exact body %s, got %q", expected, string(body))
	}
}

func TestMCPServer_MetricsAndMCPCoexist(t *testing.T) {
	t.Parallel()
	s := startMCPTestServer(t, defaultConfig(), "/healthz")

	resp, err := http.Get(s.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health check request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health check: expected 200, got %d", resp.StatusCode)
	}

	if text, isError := s.callTool(t, "query", map[string]interface{}{"sql": "SELECT 1 AS val"}); isError {
		t.Fatalf("MCP query returned error: %s", text)
	}
	if text, isError := s.callTool(t, "query", map[string]interface{}{"sql": "DROP TABLE users"}); !isError {
		t.Fatalf("expected DROP to be rejected, got %s", text)
	}

	resp, err = http.Get(s.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		`pgguard_query_decisions_total{outcome="executed"`,
		`pgguard_query_decisions_total{outcome="rejected"`,
		"pgguard_safety_mode",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
