package pgguard

import (
	"context"
	"time"
)

// Config is the base configuration used by library mode via New().
type Config struct {
	Pool                      PoolConfig         `json:"pool"`
	Query                     QueryConfig        `json:"query"`
	Safety                    SafetyConfig       `json:"safety"`
	Migrations                MigrationsConfig   `json:"migrations"`
	ErrorPrompts              []ErrorPromptRule  `json:"error_prompts"`
	Sanitization              []SanitizationRule `json:"sanitization"`
	ReadOnly                  bool               `json:"read_only"`
	Timezone                  string             `json:"timezone"`
	DefaultHookTimeoutSeconds int                `json:"default_hook_timeout_seconds"`

	// Library mode: Go review hooks (not serializable).
	// Mutually exclusive with ServerConfig.ServerHooks.
	ReviewHooks []ReviewHookEntry `json:"-"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection  ConnectionConfig  `json:"connection"`
	Server      ServerSettings    `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	ServerHooks ServerHooksConfig `json:"server_hooks"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
type ConnectionConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DBName  string `json:"dbname"`
	SSLMode string `json:"sslmode"`
}

// PoolConfig holds connection pool settings. MaxConns also bounds the number
// of batches executing at once.
type PoolConfig struct {
	MaxConns          int    `json:"max_conns"`
	MinConns          int    `json:"min_conns"`
	MaxConnLifetime   string `json:"max_conn_lifetime"`
	MaxConnIdleTime   string `json:"max_conn_idle_time"`
	HealthCheckPeriod string `json:"health_check_period"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
	MetricsEnabled     bool   `json:"metrics_enabled"`
	MetricsPath        string `json:"metrics_path"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stderr, stdout, or file path
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	DefaultTimeoutSeconds int           `json:"default_timeout_seconds"`
	CatalogTimeoutSeconds int           `json:"catalog_timeout_seconds"`
	MaxSQLLength          int           `json:"max_sql_length"`
	MaxResultLength       int           `json:"max_result_length"`
	TimeoutRules          []TimeoutRule `json:"timeout_rules"`
}

// TimeoutRule overrides the default timeout for queries that match Pattern
// and whose highest risk is at least MinRisk. Either may be empty.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	MinRisk        string `json:"min_risk"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SafetyConfig holds the initial modes and the deny list. With
// ConfirmHighRisk set, database batches of HIGH risk or above are held until
// a user confirms them through confirm_destructive_operation, even in
// permissive mode.
type SafetyConfig struct {
	DatabaseMode           string     `json:"database_mode"` // restricted (default) or permissive
	APIMode                string     `json:"api_mode"`
	DenyRules              []DenyRule `json:"deny_rules"`
	APIRules               []APIRule  `json:"api_rules"`
	ConfirmHighRisk        bool       `json:"confirm_high_risk"`
	ConfirmationTTLSeconds int        `json:"confirmation_ttl_seconds"` // default 300
}

// DenyRule blocks matching statements in every mode. Empty fields match
// anything; Pattern is a regex on the statement text. Schema matches a
// statement when any of its targets is qualified with that schema. An
// unqualified name such as "TRUNCATE log" carries no schema and is not
// matched by Schema; cover it with a Pattern.
type DenyRule struct {
	Command    string `json:"command"`
	ObjectType string `json:"object_type"`
	Schema     string `json:"schema"`
	Pattern    string `json:"pattern"`
	Reason     string `json:"reason"`
}

// APIRule assigns a risk to external API requests. Path segments in braces
// match one segment; {rest...} matches the rest of the path.
type APIRule struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Risk   string `json:"risk"`
}

// MigrationsConfig controls recording of schema-changing batches.
type MigrationsConfig struct {
	Enabled bool   `json:"enabled"`
	Schema  string `json:"schema"`
}

// ErrorPromptRule maps an error message pattern to a guidance message. Kind
// limits the rule to validation, safety, execution or internal errors.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// SanitizationRule defines a regex-based field sanitization rule. Columns
// limits it to result columns with those names.
type SanitizationRule struct {
	Pattern     string   `json:"pattern"`
	Replacement string   `json:"replacement"`
	Description string   `json:"description"`
	Columns     []string `json:"columns"`
}

// ServerHooksConfig holds command-based hook configuration for CLI mode.
type ServerHooksConfig struct {
	BeforeExecute []HookEntry `json:"before_execute"`
}

// HookEntry defines a single command-based review hook.
type HookEntry struct {
	Pattern        string   `json:"pattern"`
	MinRisk        string   `json:"min_risk"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Review is what a review hook sees: the classified batch and the database
// mode it was checked against.
type Review struct {
	Query      string
	Mode       Mode
	Validation *ValidationResult
}

// ReviewHook inspects an accepted batch before execution. Returning an error
// rejects the query.
type ReviewHook interface {
	Review(ctx context.Context, review *Review) error
}

// ReviewHookEntry wraps a ReviewHook with metadata.
type ReviewHookEntry struct {
	Name    string
	Timeout time.Duration
	Hook    ReviewHook
}
