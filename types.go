package pgguard

// QueryInput is the input for the Query tool. MigrationName, when set, names
// the migration recorded for a schema-changing batch.
type QueryInput struct {
	SQL           string `json:"sql"`
	MigrationName string `json:"migration_name,omitempty"`
}

// ConfirmInput is the input for the confirm_destructive_operation tool.
type ConfirmInput struct {
	ConfirmationID   string `json:"confirmation_id"`
	UserConfirmation bool   `json:"user_confirmation"`
}

// QueryOutput is the output of the Query tool. All errors (validation
// failures, safety rejections, hook rejections, Postgres errors) are placed
// in Error with their kind in ErrorKind. The error message is evaluated
// against error_prompts and matching prompt messages are appended.
type QueryOutput struct {
	Results        []ResultSet `json:"results,omitempty"`
	HighestRisk    string      `json:"highest_risk,omitempty"`
	Wrapped        bool        `json:"wrapped,omitempty"`
	ReadOnly       bool        `json:"read_only,omitempty"`
	Migration      string      `json:"migration,omitempty"`
	ConfirmationID string      `json:"confirmation_id,omitempty"`
	Error          string      `json:"error,omitempty"`
	ErrorKind      string      `json:"error_kind,omitempty"`
}

// Execution is what HandleQuery returns for an accepted query.
type Execution struct {
	Validation *ValidationResult
	// Results has one entry per caller statement. Results of the statements
	// added by wrapping are not included.
	Results []ResultSet
	// Wrapped is true when the batch was run inside an implicit transaction.
	Wrapped bool
	// ReadOnly is true when a read batch was run inside a read-only
	// transaction that was rolled back afterwards.
	ReadOnly bool
	// Migration is set when the batch was recorded as a migration.
	Migration *Migration
}

// StatementInfo describes one classified statement in a ValidateOutput.
type StatementInfo struct {
	SQL                string   `json:"sql"`
	Category           string   `json:"category"`
	Command            string   `json:"command"`
	Risk               string   `json:"risk"`
	ObjectType         string   `json:"object_type,omitempty"`
	Schema             string   `json:"schema,omitempty"`
	Schemas            []string `json:"schemas,omitempty"`
	NeedsMigration     bool     `json:"needs_migration,omitempty"`
	NoTransactionBlock bool     `json:"no_transaction_block,omitempty"`
}

// ValidateOutput is the output of the validate_query tool. Allowed reports
// whether the query would pass the safety policy in the current mode.
type ValidateOutput struct {
	Statements            []StatementInfo `json:"statements,omitempty"`
	HighestRisk           string          `json:"highest_risk,omitempty"`
	Mode                  string          `json:"mode"`
	Allowed               bool            `json:"allowed"`
	Reason                string          `json:"reason,omitempty"`
	HasTransactionControl bool            `json:"has_transaction_control,omitempty"`
	WouldWrap             bool            `json:"would_wrap,omitempty"`
	NeedsConfirmation     bool            `json:"needs_confirmation,omitempty"`
	NeedsMigration        bool            `json:"needs_migration,omitempty"`
	Error                 string          `json:"error,omitempty"`
	ErrorKind             string          `json:"error_kind,omitempty"`
}

// ModeOutput reports the mode of one service.
type ModeOutput struct {
	Service  string `json:"service"`
	Mode     string `json:"mode"`
	Previous string `json:"previous,omitempty"`
}

// APICheckOutput is the output of the check_api_request tool.
type APICheckOutput struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Risk    string `json:"risk"`
	Mode    string `json:"mode"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// SchemaEntry represents a single schema in the ListSchemas output.
type SchemaEntry struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	TableCount int64  `json:"table_count"`
}

// ListSchemasOutput is the output of the ListSchemas tool.
type ListSchemasOutput struct {
	Schemas []SchemaEntry `json:"schemas"`
	Error   string        `json:"error,omitempty"`
}

// ListTablesInput is the input for the ListTables tool. Empty Schema lists
// every schema except the system ones.
type ListTablesInput struct {
	Schema string `json:"schema"`
}

// TableEntry represents a single table/view in the ListTables output.
type TableEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Type   string `json:"type"` // "table", "view", "materialized_view", "foreign_table", "partitioned_table"
	Owner  string `json:"owner"`
}

// ListTablesOutput is the output of the ListTables tool.
type ListTablesOutput struct {
	Tables []TableEntry `json:"tables"`
	Error  string       `json:"error,omitempty"`
}

// ListMigrationsOutput is the output of the ListMigrations tool.
type ListMigrationsOutput struct {
	Migrations []Migration `json:"migrations"`
	Error      string      `json:"error,omitempty"`
}
