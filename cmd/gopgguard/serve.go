package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickchristie/pgguard"
	"github.com/rickchristie/pgguard/internal/configfile"
	"github.com/rickchristie/pgguard/internal/meta"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

const shutdownTimeout = 10 * time.Second

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serverConfig.Server.Port <= 0 {
		panic("gopgguard: server.port must be > 0")
	}

	// 2. Resolve connection string
	connString := os.Getenv("GOPGGUARD_PG_CONNSTRING")
	if connString == "" {
		username := promptInput("Username: ")
		password := promptPassword("Password: ")
		connString = buildConnString(serverConfig.Connection, username, password)
	}

	// 3. Setup logger
	logger := setupLogger(serverConfig.Logging)

	// 4. Create the guard
	var opts []pgguard.Option
	if len(serverConfig.ServerHooks.BeforeExecute) > 0 {
		opts = append(opts, pgguard.WithServerHooks(serverConfig.ServerHooks))
	}
	guard, err := pgguard.New(ctx, connString, serverConfig.Config, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}
	defer guard.Close(context.Background())

	// 5. Test database connection
	logger.Info().Msg("testing database connection")
	if err := guard.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().
		Str("database_mode", guard.CurrentMode(pgguard.ServiceDatabase).String()).
		Str("api_mode", guard.CurrentMode(pgguard.ServiceAPI).String()).
		Bool("read_only", serverConfig.ReadOnly).
		Msg("database connection test successful")

	// 6. Create MCP server with initialize lifecycle logging
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, req *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info().
			Str("client_name", req.Params.ClientInfo.Name).
			Str("client_version", req.Params.ClientInfo.Version).
			Msg("AI agent connected (MCP initialize)")
	})

	mcpServer := server.NewMCPServer("gopgguard", meta.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)

	pgguard.RegisterMCPTools(mcpServer, guard)

	// 7. Start HTTP server with optional health check and metrics
	addr := fmt.Sprintf(":%d", serverConfig.Server.Port)
	mux := buildMux(serverConfig.Server, guard)

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	streamableServer := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
		server.WithStreamableHTTPServer(httpSrv),
	)

	// Start() does not register the handler when a custom *http.Server is given.
	mux.Handle("/mcp", streamableServer)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Msg("starting gopgguard server")
		errCh <- streamableServer.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down gopgguard server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return streamableServer.Shutdown(shutdownCtx)
	}
}

// buildMux mounts the health check and metrics endpoints. The MCP handler is
// added by the caller.
func buildMux(settings pgguard.ServerSettings, guard *pgguard.Guard) *http.ServeMux {
	mux := http.NewServeMux()

	// Process liveness only, not DB connectivity.
	if settings.HealthCheckEnabled {
		if settings.HealthCheckPath == "" {
			panic("gopgguard: health_check_path must be set when health_check_enabled is true")
		}
		mux.HandleFunc(settings.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	if settings.MetricsEnabled {
		mux.Handle(metricsPath(settings), guard.MetricsHandler())
	}
	return mux
}

func metricsPath(settings pgguard.ServerSettings) string {
	if settings.MetricsPath == "" {
		return "/metrics"
	}
	return settings.MetricsPath
}

func defaultConfigPath() string {
	if path := os.Getenv("GOPGGUARD_CONFIG_PATH"); path != "" {
		return path
	}
	return ".gopgguard/config.json"
}

func loadServerConfig() (*pgguard.ServerConfig, error) {
	var config pgguard.ServerConfig
	if err := configfile.Load(defaultConfigPath(), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func buildConnString(conn pgguard.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", conn.Host))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", conn.DBName))
	}
	if username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", username))
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", password))
	}
	if conn.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", conn.SSLMode))
	}
	return strings.Join(parts, " ")
}

func setupLogger(config pgguard.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(password)
}
