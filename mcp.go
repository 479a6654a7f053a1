package pgguard

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterMCPTools registers the query, validation, safety mode, API check,
// and catalog tools on the given MCP server. confirm_destructive_operation is
// registered when safety.confirm_high_risk is set.
func RegisterMCPTools(mcpServer *server.MCPServer, g *Guard) {
	// Query tool
	queryTool := mcp.NewTool("query",
		mcp.WithDescription("Execute SQL against the PostgreSQL database. Statements are classified and checked against the current safety mode before anything runs. Write statements are wrapped in a transaction unless the SQL has its own BEGIN/COMMIT; reads run in a read-only transaction. Returns results as JSON."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The SQL to execute. May contain several statements separated by semicolons."),
		),
		mcp.WithString("migration_name",
			mcp.Description("Name for the migration recorded when the SQL changes the schema. Generated from the first statement when omitted."),
		),
	)

	mcpServer.AddTool(queryTool, g.loggedToolHandler("query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		output := g.Query(ctx, QueryInput{SQL: sql, MigrationName: req.GetString("migration_name", "")})
		if output.Error != "" {
			return mcp.NewToolResultError(output.Error), nil
		}
		return jsonResult(output, "failed to marshal query result")
	}))

	if g.confirms != nil {
		confirmTool := mcp.NewTool("confirm_destructive_operation",
			mcp.WithDescription("Execute a HIGH or EXTREME risk query that the query tool held for confirmation. Use this only after explaining the risk to the user and receiving their explicit approval."),
			mcp.WithString("confirmation_id",
				mcp.Required(),
				mcp.Description("The confirmation_id returned by the query tool."),
			),
			mcp.WithBoolean("user_confirmation",
				mcp.Required(),
				mcp.Description("Must be true: the user has approved this operation."),
			),
			mcp.WithDestructiveHintAnnotation(true),
		)

		mcpServer.AddTool(confirmTool, g.loggedToolHandler("confirm_destructive_operation", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("confirmation_id")
			if err != nil {
				return mcp.NewToolResultError("confirmation_id parameter is required"), nil
			}
			output := g.Confirm(ctx, ConfirmInput{ConfirmationID: id, UserConfirmation: req.GetBool("user_confirmation", false)})
			if output.Error != "" {
				return mcp.NewToolResultError(output.Error), nil
			}
			return jsonResult(output, "failed to marshal query result")
		}))
	}

	// ValidateQuery tool
	validateTool := mcp.NewTool("validate_query",
		mcp.WithDescription("Classify SQL without executing it. Reports each statement's category, command and risk level, and whether the query would be allowed in the current safety mode."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The SQL to classify"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(validateTool, g.loggedToolHandler("validate_query", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		output := g.Validate(ctx, QueryInput{SQL: sql})
		if output.Error != "" {
			return mcp.NewToolResultError(output.Error), nil
		}
		return jsonResult(output, "failed to marshal validation result")
	}))

	// LiveDangerously tool
	liveDangerouslyTool := mcp.NewTool("live_dangerously",
		mcp.WithDescription("Switch a service between restricted mode (read-only, LOW risk only) and permissive mode (MEDIUM and HIGH risk allowed). EXTREME risk operations are never allowed. Switch back to restricted mode when done."),
		mcp.WithBoolean("enable",
			mcp.Required(),
			mcp.Description("true for permissive mode, false for restricted mode"),
		),
		mcp.WithString("service",
			mcp.Description("The service to switch: 'database' (default) or 'api'"),
			mcp.Enum("database", "api"),
		),
	)

	mcpServer.AddTool(liveDangerouslyTool, g.loggedToolHandler("live_dangerously", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		enable, err := req.RequireBool("enable")
		if err != nil {
			return mcp.NewToolResultError("enable parameter is required"), nil
		}
		service, err := ParseService(req.GetString("service", "database"))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		previous := g.CurrentMode(service)
		mode, err := g.LiveDangerously(service, enable)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(&ModeOutput{
			Service:  service.String(),
			Mode:     mode.String(),
			Previous: previous.String(),
		}, "failed to marshal mode result")
	}))

	// GetSafetyMode tool
	getModeTool := mcp.NewTool("get_safety_mode",
		mcp.WithDescription("Report the current safety mode of the database and api services."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(getModeTool, g.loggedToolHandler("get_safety_mode", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output := []ModeOutput{
			{Service: ServiceDatabase.String(), Mode: g.CurrentMode(ServiceDatabase).String()},
			{Service: ServiceAPI.String(), Mode: g.CurrentMode(ServiceAPI).String()},
		}
		return jsonResult(output, "failed to marshal mode result")
	}))

	// CheckAPIRequest tool
	checkAPITool := mcp.NewTool("check_api_request",
		mcp.WithDescription("Assess the risk of a management API request and report whether the current api mode allows it. Nothing is sent."),
		mcp.WithString("method",
			mcp.Required(),
			mcp.Description("HTTP method, e.g. GET, POST, DELETE"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Request path, e.g. /v1/projects/abc/pause"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(checkAPITool, g.loggedToolHandler("check_api_request", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		method, err := req.RequireString("method")
		if err != nil {
			return mcp.NewToolResultError("method parameter is required"), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError("path parameter is required"), nil
		}
		return jsonResult(g.CheckAPI(method, path), "failed to marshal api check result")
	}))

	// ListSchemas tool
	listSchemasTool := mcp.NewTool("list_schemas",
		mcp.WithDescription("List the schemas accessible to the current user with the number of tables and views in each."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listSchemasTool, g.loggedToolHandler("list_schemas", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output, err := g.ListSchemas(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(output, "failed to marshal list schemas result")
	}))

	// ListTables tool
	listTablesTool := mcp.NewTool("list_tables",
		mcp.WithDescription("List all tables, views, materialized views, and foreign tables in the database that are accessible to the current user."),
		mcp.WithString("schema",
			mcp.Description("Only list relations in this schema"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listTablesTool, g.loggedToolHandler("list_tables", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output, err := g.ListTables(ctx, ListTablesInput{Schema: req.GetString("schema", "")})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(output, "failed to marshal list tables result")
	}))

	// ListMigrations tool
	listMigrationsTool := mcp.NewTool("list_migrations",
		mcp.WithDescription("List recorded schema migrations, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of migrations to return (default 50, 0 for all)"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listMigrationsTool, g.loggedToolHandler("list_migrations", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		output, err := g.ListMigrations(ctx, req.GetInt("limit", 50))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(output, "failed to marshal list migrations result")
	}))
}

func jsonResult(v interface{}, failure string) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(failure), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (g *Guard) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reqLen := requestLength(req)
		result, err := handler(ctx, req)
		respLen := resultLength(result)
		g.logger.Info().
			Str("tool", tool).
			Int("request_bytes", reqLen).
			Int("response_bytes", respLen).
			Msg("tool call")
		return result, err
	}
}

// requestLength returns the JSON-encoded byte length of the request arguments.
func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

// resultLength returns the total byte length of text content in a CallToolResult.
func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
