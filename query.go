package pgguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rickchristie/pgguard/internal/hooks"
	"github.com/rickchristie/pgguard/internal/metrics"
	"github.com/rickchristie/pgguard/internal/safety"
	"github.com/rickchristie/pgguard/internal/sqlcheck"
)

// Query states, logged at debug level as a query moves through HandleQuery.
const (
	stateReceived      = "RECEIVED"
	stateSplit         = "SPLIT"
	stateRiskAssessed  = "RISK_ASSESSED"
	statePolicyChecked = "POLICY_CHECKED"
	stateHeld          = "HELD"
	stateWrapped       = "WRAPPED"
	stateUnwrapped     = "UNWRAPPED"
	stateExecuting     = "EXECUTING"
	stateCompleted     = "COMPLETED"
	stateFailed        = "FAILED"
)

// HandleQuery validates sql, checks it against the safety policy and the
// review hooks, and executes it. Rejected queries execute nothing. The
// returned error is a *ValidationError, *SafetyError or *ExecutionError. A
// query cancelled or timed out while executing is an *ExecutionError that
// wraps the context error. With safety.confirm_high_risk set, a HIGH or
// EXTREME batch is held and reported as a *ConfirmationRequiredError. Any
// other error is an internal failure, such as a review hook that crashed or
// timed out.
func (g *Guard) HandleQuery(ctx context.Context, sql string, opts ...QueryOption) (*Execution, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return g.handle(ctx, sql, o)
}

// QueryOption is a functional option for HandleQuery.
type QueryOption func(*queryOptions)

type queryOptions struct {
	// fixedTimeout replaces the timeout rules; the catalog tools use it.
	fixedTimeout  time.Duration
	migrationName string
	confirmed     bool
}

// WithMigrationName names the migration recorded for a schema-changing
// batch. Without it the name is generated from the first statement.
func WithMigrationName(name string) QueryOption {
	return func(o *queryOptions) {
		o.migrationName = name
	}
}

// ConfirmOperation runs a batch held for confirmation. Each id can be
// confirmed once, before it expires. The batch goes through the whole
// pipeline again, so a mode switched back to restricted or a review hook
// can still reject it.
func (g *Guard) ConfirmOperation(ctx context.Context, id string) (*Execution, error) {
	if g.confirms == nil {
		return nil, &ValidationError{Message: "no operations are held for confirmation: safety.confirm_high_risk is disabled"}
	}
	op, err := g.confirms.Take(id)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("cannot confirm operation %q: %v", id, err), Err: err}
	}
	held, ok := op.Payload.(heldQuery)
	if !ok || op.Service != ServiceDatabase {
		return nil, fmt.Errorf("confirmation %q does not hold a database query", id)
	}
	g.logger.Info().
		Str("confirmation_id", id).
		Str("risk", op.Risk.String()).
		Msg("held query confirmed")
	return g.handle(ctx, held.sql, queryOptions{migrationName: held.migrationName, confirmed: true})
}

// heldQuery is the payload of a query waiting for confirmation.
type heldQuery struct {
	sql           string
	migrationName string
}

// handle runs the pipeline.
func (g *Guard) handle(ctx context.Context, sql string, opts queryOptions) (*Execution, error) {
	startTime := time.Now()
	log := g.logger.With().Str("query_id", uuid.NewString()).Logger()
	logState(log, stateReceived).Send()

	// 1. Split, classify and assess
	result, err := g.validate(sql)
	if err != nil {
		return nil, g.fail(log, sql, RiskLow, metrics.OutcomeInvalid, err)
	}
	logState(log, stateSplit).Int("statement_count", len(result.Statements)).Send()
	logState(log, stateRiskAssessed).Str("risk", result.HighestRisk.String()).Send()

	// 2. Safety policy on the current database mode
	if err := g.checkPolicy(result); err != nil {
		return nil, g.fail(log, sql, result.HighestRisk, metrics.OutcomeRejected, err)
	}
	logState(log, statePolicyChecked).Send()

	// 3. Hold risky batches until a user confirms them
	if g.confirms != nil && !opts.confirmed && result.HighestRisk >= RiskHigh {
		if _, err := planBatch(result); err != nil {
			return nil, g.fail(log, sql, result.HighestRisk, metrics.OutcomeInvalid, err)
		}
		op := g.confirms.Hold(ServiceDatabase, result.HighestRisk, heldQuery{sql: sql, migrationName: opts.migrationName})
		logState(log, stateHeld).Str("confirmation_id", op.ID).Send()
		return nil, g.fail(log, sql, result.HighestRisk, metrics.OutcomeHeld,
			&ConfirmationRequiredError{ID: op.ID, Risk: op.Risk, ExpiresAt: op.ExpiresAt})
	}

	// 4. Review hooks
	reviewHooks, err := g.runReviewHooks(ctx, result)
	if err != nil {
		outcome := metrics.OutcomeFailed
		if ErrorKind(err) == KindSafety {
			outcome = metrics.OutcomeRejected
		}
		return nil, g.fail(log, sql, result.HighestRisk, outcome, err)
	}

	// 5. Wrap in a transaction when needed
	plan, err := planBatch(result)
	if err != nil {
		return nil, g.fail(log, sql, result.HighestRisk, metrics.OutcomeInvalid, err)
	}
	if plan.wrapped || plan.readOnly {
		logState(log, stateWrapped).Bool("read_only", plan.readOnly).Send()
	} else {
		logState(log, stateUnwrapped).Send()
	}

	// 6. Determine timeout
	queryTimeout, timeoutRule := opts.fixedTimeout, ""
	if queryTimeout == 0 {
		queryTimeout, timeoutRule = g.timeoutMgr.Resolve(sql, result.HighestRisk)
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// 7. Execute exactly once
	logState(log, stateExecuting).Send()
	execStart := time.Now()
	results, err := g.executor.Execute(queryCtx, plan.text)
	g.metrics.ObserveExecution(time.Since(execStart), plan.wrapped)
	if err != nil {
		return nil, g.fail(log, sql, result.HighestRisk, metrics.OutcomeFailed, newExecutionError(err))
	}

	// 8. Drop the results of the statements added by wrapping
	results = plan.callerResults(results)
	exec := &Execution{Validation: result, Results: results, Wrapped: plan.wrapped, ReadOnly: plan.readOnly}

	// 9. Record schema changes
	if g.migrations != nil && result.NeedsMigration() {
		m, err := g.migrations.Record(ctx, result, opts.migrationName)
		if err != nil {
			log.Error().Err(err).Msg("failed to record migration")
		} else {
			exec.Migration = &m
			g.metrics.ObserveMigration()
		}
	}

	// 10. Log successful execution with pipeline details
	g.metrics.ObserveDecision(metrics.OutcomeExecuted, result.HighestRisk)
	logState(log, stateCompleted).Send()
	logEvent := log.Info().
		Str("sql", truncateForLog(sql, 200)).
		Dur("duration", time.Since(startTime)).
		Str("risk", result.HighestRisk.String()).
		Int("statement_count", len(result.Statements)).
		Bool("wrapped", plan.wrapped).
		Bool("read_only", plan.readOnly)
	if len(reviewHooks) > 0 {
		logEvent = logEvent.Strs("review_hooks", reviewHooks)
	}
	if timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", timeoutRule)
	}
	if exec.Migration != nil {
		logEvent = logEvent.Str("migration", exec.Migration.Version+"_"+exec.Migration.Name)
	}
	logEvent.Msg("query executed")

	return exec, nil
}

func logState(log zerolog.Logger, state string) *zerolog.Event {
	return log.Debug().Str("state", state)
}

// fail logs a query that did not complete and counts it.
func (g *Guard) fail(log zerolog.Logger, sql string, risk RiskLevel, outcome string, err error) error {
	g.metrics.ObserveDecision(outcome, risk)
	if outcome != metrics.OutcomeHeld {
		logState(log, stateFailed).Send()
	}

	var event *zerolog.Event
	switch ErrorKind(err) {
	case KindConfirmation:
		event = log.Info()
	case KindValidation, KindSafety:
		event = log.Warn()
	default:
		event = log.Error()
	}
	event.Err(err).
		Str("kind", ErrorKind(err)).
		Str("outcome", outcome).
		Str("sql", truncateForLog(sql, 200)).
		Msg("query not executed")
	return err
}

// validate checks the length limits and classifies sql.
func (g *Guard) validate(sql string) (*ValidationResult, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, &ValidationError{Message: "SQL query is empty"}
	}
	if len(sql) > g.config.Query.MaxSQLLength {
		return nil, &ValidationError{Message: fmt.Sprintf("SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), g.config.Query.MaxSQLLength)}
	}
	result, err := sqlcheck.Validate(sql)
	if err != nil {
		return nil, newValidationError(err)
	}
	return result, nil
}

// checkPolicy applies the deny list and the risk gate of the database
// service, then the read-only guard when read_only is set. Violations are
// returned as *SafetyError.
func (g *Guard) checkPolicy(result *ValidationResult) error {
	err := g.safety.ValidateOperation(safety.ServiceDatabase, result.HighestRisk, result.Operations()...)
	if err != nil {
		return asSafetyError(err)
	}
	if g.readOnly == nil {
		return nil
	}
	for _, s := range result.Statements {
		if err := g.readOnly.Check(s.SQL); err != nil {
			return &SafetyError{
				Message: err.Error(),
				Risk:    s.Risk,
				Mode:    g.modes.CurrentMode(safety.ServiceDatabase),
				Err:     err,
			}
		}
	}
	return nil
}

func asSafetyError(err error) error {
	var v *safety.Violation
	if errors.As(err, &v) {
		return &SafetyError{Message: v.Error(), Risk: v.Risk, Mode: v.Mode, Err: v}
	}
	return err
}

// batchPlan is the text handed to the executor.
type batchPlan struct {
	text string
	// wrapped is set when a batch with side effects runs as BEGIN ... COMMIT.
	wrapped bool
	// readOnly is set when every statement of a read batch runs inside a
	// read-only transaction, so functions called from a SELECT cannot
	// persist writes.
	readOnly bool
	// added holds the positions of the statements planBatch inserted.
	added map[int]bool
}

// callerResults drops the results of inserted statements.
func (p batchPlan) callerResults(results []ResultSet) []ResultSet {
	if len(p.added) == 0 {
		return results
	}
	out := make([]ResultSet, 0, len(results))
	for i, r := range results {
		if !p.added[i] {
			out = append(out, r)
		}
	}
	return out
}

// planBatch decides how the batch is sent. A statement that cannot run
// inside a transaction block is only accepted on its own, and a batch with
// side effects and its own transaction control is passed through unchanged.
func planBatch(result *ValidationResult) (batchPlan, error) {
	if stmt, ok := result.NoTransactionBlock(); ok {
		if len(result.Statements) > 1 {
			return batchPlan{}, &ValidationError{Message: fmt.Sprintf(
				"%s cannot run inside a transaction block: send it as a single statement",
				strings.TrimSpace(stmt.Operation().Command+" "+stmt.ObjectType))}
		}
		return batchPlan{text: stmt.SQL}, nil
	}

	n := len(result.Statements)
	switch {
	case result.NeedsTransaction() && result.HasTransactionControl:
		return batchPlan{text: joinStatements(result.Statements)}, nil
	case result.NeedsTransaction():
		return batchPlan{
			text:    "BEGIN;\n" + joinStatements(result.Statements) + "COMMIT;",
			wrapped: true,
			added:   map[int]bool{0: true, n + 1: true},
		}, nil
	case result.HasTransactionControl:
		return readOnlyBlocks(result.Statements), nil
	default:
		return batchPlan{
			text:     "BEGIN READ ONLY;\n" + joinStatements(result.Statements) + "ROLLBACK;",
			readOnly: true,
			added:    map[int]bool{0: true, n + 1: true},
		}, nil
	}
}

// readOnlyBlocks plans a read batch that carries its own transaction
// control. Each caller block gets SET TRANSACTION READ ONLY after its BEGIN,
// and statements between blocks run in BEGIN READ ONLY ... ROLLBACK.
func readOnlyBlocks(stmts []Statement) batchPlan {
	plan := batchPlan{readOnly: true, added: map[int]bool{}}
	var sb strings.Builder
	pos := 0
	write := func(sql string, inserted bool) {
		if inserted {
			plan.added[pos] = true
		}
		writeStatement(&sb, sql)
		pos++
	}

	inCallerBlock, inOwnBlock := false, false
	for _, s := range stmts {
		switch {
		case s.Command == sqlcheck.CmdBegin:
			if inOwnBlock {
				write("ROLLBACK", true)
				inOwnBlock = false
			}
			write(s.SQL, false)
			write("SET TRANSACTION READ ONLY", true)
			inCallerBlock = true
		case s.Command == sqlcheck.CmdCommit || s.Command == sqlcheck.CmdRollback:
			write(s.SQL, false)
			inCallerBlock = false
		case !inCallerBlock && !inOwnBlock:
			write("BEGIN READ ONLY", true)
			inOwnBlock = true
			write(s.SQL, false)
		default:
			write(s.SQL, false)
		}
	}
	if inOwnBlock {
		write("ROLLBACK", true)
	}
	plan.text = sb.String()
	return plan
}

// joinStatements terminates every statement with a semicolon.
func joinStatements(stmts []Statement) string {
	var sb strings.Builder
	for _, s := range stmts {
		writeStatement(&sb, s.SQL)
	}
	return sb.String()
}

// writeStatement writes sql and its terminator. A statement whose last line
// has a line comment gets the semicolon on a new line.
func writeStatement(sb *strings.Builder, sql string) {
	sb.WriteString(sql)
	lastLine := sql[strings.LastIndexByte(sql, '\n')+1:]
	if strings.Contains(lastLine, "--") {
		sb.WriteByte('\n')
	}
	sb.WriteString(";\n")
}

// runReviewHooks runs Go review hooks or command hooks, whichever are
// configured. Returns the names of the hooks that ran.
func (g *Guard) runReviewHooks(ctx context.Context, result *ValidationResult) ([]string, error) {
	mode := g.modes.CurrentMode(safety.ServiceDatabase)
	if len(g.goHooks) > 0 {
		return g.runGoReviewHooks(ctx, result, mode)
	}
	if g.cmdHooks == nil {
		return nil, nil
	}

	executed, err := g.cmdHooks.RunBeforeExecute(ctx, hookRequest(result, mode))
	if err != nil {
		var rej *hooks.RejectedError
		if errors.As(err, &rej) {
			return executed, &SafetyError{
				Message: fmt.Sprintf("review hook rejected query (command: %s): %s", rej.Command, rej.Message),
				Risk:    result.HighestRisk,
				Mode:    mode,
				Err:     err,
			}
		}
		return executed, err
	}
	return executed, nil
}

// runGoReviewHooks runs Go review hooks in order. The first error stops the
// chain.
func (g *Guard) runGoReviewHooks(ctx context.Context, result *ValidationResult, mode Mode) ([]string, error) {
	review := &Review{Query: result.OriginalQuery, Mode: mode, Validation: result}
	var executed []string
	for _, entry := range g.goHooks {
		timeout := entry.Timeout
		if timeout == 0 {
			timeout = time.Duration(g.config.DefaultHookTimeoutSeconds) * time.Second
		}
		hookCtx, cancel := context.WithTimeout(ctx, timeout)

		err := entry.Hook.Review(hookCtx, review)
		cancel()
		executed = append(executed, entry.Name)
		if err != nil {
			if hookCtx.Err() == context.DeadlineExceeded {
				return executed, fmt.Errorf("review hook error: hook timed out (name: %s, timeout: %s)", entry.Name, timeout)
			}
			return executed, &SafetyError{
				Message: fmt.Sprintf("review hook rejected query (name: %s): %v", entry.Name, err),
				Risk:    result.HighestRisk,
				Mode:    mode,
				Err:     err,
			}
		}
	}
	return executed, nil
}

func hookRequest(result *ValidationResult, mode Mode) hooks.Request {
	stmts := make([]hooks.Statement, len(result.Statements))
	for i, s := range result.Statements {
		stmts[i] = hooks.Statement{
			SQL:        s.SQL,
			Category:   s.Category.String(),
			Command:    s.Operation().Command,
			Risk:       s.Risk.String(),
			ObjectType: s.ObjectType,
			Schema:     s.Schema,
			Schemas:    s.Schemas,
		}
	}
	return hooks.Request{
		Query:                 result.OriginalQuery,
		Mode:                  mode.String(),
		HighestRisk:           result.HighestRisk,
		HasTransactionControl: result.HasTransactionControl,
		Statements:            stmts,
	}
}

// Query executes the full query pipeline and returns only QueryOutput.
// All errors are converted to output.Error and output.ErrorKind. The error
// message is then evaluated against error_prompts and any matching prompt
// messages are appended. Callers only need to check output.Error.
func (g *Guard) Query(ctx context.Context, input QueryInput) *QueryOutput {
	return g.output(g.HandleQuery(ctx, input.SQL, WithMigrationName(input.MigrationName)))
}

// Confirm runs a query held by safety.confirm_high_risk once the user has
// approved it. UserConfirmation must be true.
func (g *Guard) Confirm(ctx context.Context, input ConfirmInput) *QueryOutput {
	if !input.UserConfirmation {
		return g.handleError(&ValidationError{Message: "destructive operation requires explicit user confirmation: set user_confirmation to true once the user has approved it"})
	}
	return g.output(g.ConfirmOperation(ctx, input.ConfirmationID))
}

// output converts the result of the pipeline into a QueryOutput.
func (g *Guard) output(exec *Execution, err error) *QueryOutput {
	if err != nil {
		return g.handleError(err)
	}

	output := &QueryOutput{
		Results:     exec.Results,
		HighestRisk: exec.Validation.HighestRisk.String(),
		Wrapped:     exec.Wrapped,
		ReadOnly:    exec.ReadOnly,
	}
	if exec.Migration != nil {
		output.Migration = exec.Migration.Version + "_" + exec.Migration.Name
	}

	// Apply sanitization (per-field, recursive into JSONB/arrays)
	for i := range output.Results {
		output.Results[i].Rows = g.sanitizer.SanitizeRows(output.Results[i].Rows)
	}

	// Apply max result length truncation
	g.truncateIfNeeded(output)
	return output
}

// handleError converts any error into a QueryOutput with error message.
// The error message is evaluated against error_prompts for its kind and
// matching prompt messages are appended.
func (g *Guard) handleError(err error) *QueryOutput {
	kind := ErrorKind(err)
	errMsg := err.Error()
	if prompt := g.errPrompts.Match(kind, errMsg); prompt != "" {
		g.logger.Debug().
			Str("kind", kind).
			Strs("error_prompts", g.errPrompts.MatchedPatterns(kind, errMsg)).
			Msg("error prompts matched")
		errMsg = errMsg + "\n\n" + prompt
	}
	output := &QueryOutput{Error: errMsg, ErrorKind: kind}
	var ce *ConfirmationRequiredError
	if errors.As(err, &ce) {
		output.ConfirmationID = ce.ID
		output.HighestRisk = ce.Risk.String()
	}
	return output
}

// truncateIfNeeded truncates query output if the serialized results exceed
// MaxResultLength (in characters).
func (g *Guard) truncateIfNeeded(output *QueryOutput) {
	jsonBytes, _ := json.Marshal(output.Results)
	jsonStr := string(jsonBytes)
	if utf8.RuneCountInString(jsonStr) <= g.config.Query.MaxResultLength {
		return
	}
	runes := []rune(jsonStr)
	truncated := string(runes[:g.config.Query.MaxResultLength])
	output.Results = nil
	output.Error = truncated + "...[truncated] Result is too long! Add limits in your query!"
}

// Validate classifies the query and reports whether it would be accepted in
// the current mode, without running review hooks or executing anything.
func (g *Guard) Validate(ctx context.Context, input QueryInput) *ValidateOutput {
	mode := g.modes.CurrentMode(safety.ServiceDatabase)
	output := &ValidateOutput{Mode: mode.String()}

	result, err := g.validate(input.SQL)
	if err != nil {
		output.Error = err.Error()
		output.ErrorKind = ErrorKind(err)
		return output
	}

	output.Statements = make([]StatementInfo, len(result.Statements))
	for i, s := range result.Statements {
		output.Statements[i] = StatementInfo{
			SQL:                s.SQL,
			Category:           s.Category.String(),
			Command:            s.Operation().Command,
			Risk:               s.Risk.String(),
			ObjectType:         s.ObjectType,
			Schema:             s.Schema,
			Schemas:            s.Schemas,
			NeedsMigration:     s.NeedsMigration,
			NoTransactionBlock: s.NoTransactionBlock,
		}
	}
	output.HighestRisk = result.HighestRisk.String()
	output.HasTransactionControl = result.HasTransactionControl
	output.NeedsMigration = result.NeedsMigration()

	if err := g.checkPolicy(result); err != nil {
		output.Reason = err.Error()
		return output
	}
	plan, err := planBatch(result)
	if err != nil {
		output.Error = err.Error()
		output.ErrorKind = ErrorKind(err)
		return output
	}
	output.Allowed = true
	output.WouldWrap = plan.wrapped
	output.NeedsConfirmation = g.confirms != nil && result.HighestRisk >= RiskHigh
	return output
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
