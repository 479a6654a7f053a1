package pgguard

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rickchristie/pgguard/internal/errprompt"
	"github.com/rickchristie/pgguard/internal/hooks"
	"github.com/rickchristie/pgguard/internal/metrics"
	"github.com/rickchristie/pgguard/internal/migration"
	"github.com/rickchristie/pgguard/internal/pgexec"
	"github.com/rickchristie/pgguard/internal/protection"
	"github.com/rickchristie/pgguard/internal/safety"
	"github.com/rickchristie/pgguard/internal/sanitize"
	"github.com/rickchristie/pgguard/internal/timeout"
)

const (
	defaultMaxSQLLength    = 100000
	defaultMaxResultLength = 100000
	defaultConfirmationTTL = 300
)

// Guard gates caller SQL behind the safety policy before it reaches
// PostgreSQL. All exported methods are safe for concurrent use from multiple
// goroutines.
type Guard struct {
	config     Config
	pool       *pgxpool.Pool // nil when an Executor was injected
	executor   Executor
	migrations MigrationStore // nil when recording is disabled
	modes      *safety.ModeController
	safety     *safety.Manager
	readOnly   *protection.Checker   // nil unless config.ReadOnly
	confirms   *safety.Confirmations // nil unless safety.confirm_high_risk
	cmdHooks   *hooks.Runner         // command-based hooks (CLI mode)
	goHooks    []ReviewHookEntry     // Go review hooks (library mode)
	sanitizer  *sanitize.Sanitizer
	errPrompts *errprompt.Matcher
	timeoutMgr *timeout.Manager
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	serverHooks *ServerHooksConfig
	executor    Executor
	migrations  MigrationStore
}

// WithServerHooks passes command-based hook configuration to Guard.
// Mutually exclusive with Config.ReviewHooks (Go hooks).
func WithServerHooks(h ServerHooksConfig) Option {
	return func(o *options) {
		o.serverHooks = &h
	}
}

// WithExecutor replaces the pgx executor. No connection pool is created and
// connString may be empty.
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithMigrationStore replaces the table-backed migration recorder.
func WithMigrationStore(s MigrationStore) Option {
	return func(o *options) {
		o.migrations = s
	}
}

// New creates a new Guard.
// connString is the PostgreSQL connection string (must include credentials)
// unless WithExecutor is given.
// Panics on invalid config. Returns error only for runtime failures (e.g., pool creation).
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*Guard, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// --- Config validation (panics on invalid config) ---

	if o.executor == nil {
		if connString == "" {
			panic("pgguard: connString must be non-empty")
		}
		if config.Pool.MaxConns <= 0 {
			panic("pgguard: pool.max_conns must be > 0")
		}
	}
	if config.Query.DefaultTimeoutSeconds <= 0 {
		panic("pgguard: query.default_timeout_seconds must be > 0")
	}
	if config.Query.CatalogTimeoutSeconds < 0 {
		panic("pgguard: query.catalog_timeout_seconds must be > 0")
	}
	if config.Query.CatalogTimeoutSeconds == 0 {
		config.Query.CatalogTimeoutSeconds = config.Query.DefaultTimeoutSeconds
	}

	// Apply defaults for zero values
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = defaultMaxSQLLength
	}
	if config.Query.MaxResultLength == 0 {
		config.Query.MaxResultLength = defaultMaxResultLength
	}
	if config.Query.MaxSQLLength < 0 {
		panic("pgguard: query.max_sql_length must be > 0")
	}
	if config.Query.MaxResultLength < 0 {
		panic("pgguard: query.max_result_length must be > 0")
	}

	databaseMode, err := safety.ParseMode(config.Safety.DatabaseMode)
	if err != nil {
		panic(fmt.Sprintf("pgguard: safety.database_mode: %v", err))
	}
	apiMode, err := safety.ParseMode(config.Safety.APIMode)
	if err != nil {
		panic(fmt.Sprintf("pgguard: safety.api_mode: %v", err))
	}

	if config.Safety.ConfirmationTTLSeconds < 0 {
		panic("pgguard: safety.confirmation_ttl_seconds must be > 0")
	}
	if config.Safety.ConfirmationTTLSeconds == 0 {
		config.Safety.ConfirmationTTLSeconds = defaultConfirmationTTL
	}

	// Validate hook configuration: Go hooks and command hooks are mutually exclusive
	hasGoHooks := len(config.ReviewHooks) > 0
	hasCmdHooks := o.serverHooks != nil && len(o.serverHooks.BeforeExecute) > 0
	if hasGoHooks && hasCmdHooks {
		panic("pgguard: Go hooks (Config.ReviewHooks) and command hooks (WithServerHooks) are mutually exclusive")
	}
	if (hasGoHooks || hasCmdHooks) && config.DefaultHookTimeoutSeconds <= 0 {
		panic("pgguard: default_hook_timeout_seconds must be > 0 when hooks are configured")
	}
	for _, entry := range config.ReviewHooks {
		if entry.Hook == nil {
			panic(fmt.Sprintf("pgguard: review hook %q has no Hook", entry.Name))
		}
		if entry.Timeout < 0 {
			panic(fmt.Sprintf("pgguard: review hook %q has negative timeout", entry.Name))
		}
	}

	// Validate timeout rules
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("pgguard: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}

	if config.Migrations.Enabled && config.ReadOnly && o.migrations == nil {
		panic("pgguard: migrations.enabled cannot record into a read_only database")
	}
	if config.Migrations.Enabled && o.executor != nil && o.migrations == nil {
		panic("pgguard: migrations.enabled with WithExecutor requires WithMigrationStore")
	}

	// --- Initialize internal components (invalid patterns panic) ---

	collector := metrics.New(true)
	modes := safety.NewModeController(map[safety.Service]safety.Mode{
		safety.ServiceDatabase: databaseMode,
		safety.ServiceAPI:      apiMode,
	}, logger, collector.ModeObserver())

	safetyMgr, err := safety.NewManager(safety.Config{
		DenyRules: mapDenyRules(config.Safety.DenyRules),
		APIRules:  mapAPIRules(config.Safety.APIRules),
	}, modes)
	if err != nil {
		panic(fmt.Sprintf("pgguard: %v", err))
	}

	san, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		panic(fmt.Sprintf("pgguard: %v", err))
	}
	matcher, err := errprompt.NewMatcher(mapErrorPromptRules(config.ErrorPrompts))
	if err != nil {
		panic(fmt.Sprintf("pgguard: %v", err))
	}
	tmgr, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: time.Duration(config.Query.DefaultTimeoutSeconds) * time.Second,
		Rules:          mapTimeoutRules(config.Query.TimeoutRules),
	})
	if err != nil {
		panic(fmt.Sprintf("pgguard: %v", err))
	}

	var cmdHooks *hooks.Runner
	if hasCmdHooks {
		cmdHooks = hooks.NewRunner(hooks.Config{
			DefaultTimeout: time.Duration(config.DefaultHookTimeoutSeconds) * time.Second,
			BeforeExecute:  mapHookEntries(o.serverHooks.BeforeExecute),
		}, logger)
	}

	g := &Guard{
		config:     config,
		executor:   o.executor,
		migrations: o.migrations,
		modes:      modes,
		safety:     safetyMgr,
		cmdHooks:   cmdHooks,
		goHooks:    config.ReviewHooks,
		sanitizer:  san,
		errPrompts: matcher,
		timeoutMgr: tmgr,
		metrics:    collector,
		logger:     logger,
	}
	if config.ReadOnly {
		g.readOnly = protection.NewChecker()
	}
	if config.Safety.ConfirmHighRisk {
		g.confirms = safety.NewConfirmations(time.Duration(config.Safety.ConfirmationTTLSeconds) * time.Second)
	}
	if g.executor != nil {
		return g, nil
	}

	// --- Configure pgxpool ---

	pool, err := newPool(ctx, connString, config)
	if err != nil {
		return nil, err
	}
	g.pool = pool
	g.executor = pgexec.New(pool, config.Pool.MaxConns, logger)

	if config.Migrations.Enabled && g.migrations == nil {
		recorder := migration.NewRecorder(pool, config.Migrations.Schema, logger)
		if err := recorder.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		g.migrations = recorder
	}

	return g, nil
}

func newPool(ctx context.Context, connString string, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(config.Pool.MaxConns)
	poolConfig.MinConns = int32(config.Pool.MinConns)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	// Parse pool duration strings
	if config.Pool.MaxConnLifetime != "" {
		poolConfig.MaxConnLifetime = mustParseDuration("pool.max_conn_lifetime", config.Pool.MaxConnLifetime)
	}
	if config.Pool.MaxConnIdleTime != "" {
		poolConfig.MaxConnIdleTime = mustParseDuration("pool.max_conn_idle_time", config.Pool.MaxConnIdleTime)
	}
	if config.Pool.HealthCheckPeriod != "" {
		poolConfig.HealthCheckPeriod = mustParseDuration("pool.health_check_period", config.Pool.HealthCheckPeriod)
	}

	// Set AfterConnect hook for session-level settings
	if config.ReadOnly || config.Timezone != "" {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if config.ReadOnly {
				if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
					return fmt.Errorf("failed to SET default_transaction_read_only: %w", err)
				}
			}
			if config.Timezone != "" {
				escaped := strings.ReplaceAll(config.Timezone, "'", "''")
				if _, err := conn.Exec(ctx, fmt.Sprintf("SET timezone = '%s'", escaped)); err != nil {
					return fmt.Errorf("failed to SET timezone: %w", err)
				}
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

func mustParseDuration(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("pgguard: invalid %s %q: %v", field, value, err))
	}
	return d
}

// Close closes the connection pool, if Guard owns one. Accepts context for
// API forward-compatibility, but does not currently use it.
func (g *Guard) Close(ctx context.Context) {
	if g.pool != nil {
		g.pool.Close()
	}
}

// Ping checks that the database is reachable. It always succeeds when an
// Executor was injected.
func (g *Guard) Ping(ctx context.Context) error {
	if g.pool == nil {
		return nil
	}
	return g.pool.Ping(ctx)
}

// MetricsHandler serves the Guard's Prometheus metrics.
func (g *Guard) MetricsHandler() http.Handler {
	return g.metrics.Handler()
}

// mapDenyRules converts pgguard DenyRules to internal safety.DenyRules.
func mapDenyRules(rules []DenyRule) []safety.DenyRule {
	result := make([]safety.DenyRule, len(rules))
	for i, r := range rules {
		result[i] = safety.DenyRule{
			Command:    r.Command,
			ObjectType: r.ObjectType,
			Schema:     r.Schema,
			Pattern:    r.Pattern,
			Reason:     r.Reason,
		}
	}
	return result
}

func mapAPIRules(rules []APIRule) []safety.APIRule {
	result := make([]safety.APIRule, len(rules))
	for i, r := range rules {
		result[i] = safety.APIRule{
			Method: r.Method,
			Path:   r.Path,
			Risk:   mustParseRisk(fmt.Sprintf("safety.api_rules[%d].risk", i), r.Risk),
		}
	}
	return result
}

// mustParseRisk parses a configured risk level. Empty means LOW.
func mustParseRisk(field, value string) RiskLevel {
	if value == "" {
		return RiskLow
	}
	risk, err := safety.ParseRiskLevel(value)
	if err != nil {
		panic(fmt.Sprintf("pgguard: %s: %v", field, err))
	}
	return risk
}

func mapTimeoutRules(rules []TimeoutRule) []timeout.Rule {
	result := make([]timeout.Rule, len(rules))
	for i, r := range rules {
		result[i] = timeout.Rule{
			Pattern: r.Pattern,
			MinRisk: mustParseRisk(fmt.Sprintf("query.timeout_rules[%d].min_risk", i), r.MinRisk),
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	return result
}

func mapHookEntries(entries []HookEntry) []hooks.HookEntry {
	result := make([]hooks.HookEntry, len(entries))
	for i, e := range entries {
		result[i] = hooks.HookEntry{
			Pattern: e.Pattern,
			MinRisk: mustParseRisk(fmt.Sprintf("server_hooks.before_execute[%d].min_risk", i), e.MinRisk),
			Command: e.Command,
			Args:    e.Args,
			Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
		}
	}
	return result
}

// mapSanitizationRules converts pgguard SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			Columns:     r.Columns,
		}
	}
	return result
}

// mapErrorPromptRules converts pgguard ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{
			Pattern: r.Pattern,
			Message: r.Message,
			Kind:    r.Kind,
		}
	}
	return result
}
