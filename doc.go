// Package pgguard gates arbitrary SQL behind a mutable safety policy before
// any statement reaches PostgreSQL.
//
// Every query is split with the PostgreSQL lexer, each statement is
// classified (category and command) and given a risk level, and explicit
// transaction control is detected. The database service runs in one of two
// modes: RESTRICTED allows LOW risk statements only, PERMISSIVE also allows
// MEDIUM and HIGH. EXTREME statements (DROP DATABASE, ALTER SYSTEM, granting
// SUPERUSER) and anything on the configured deny list are never allowed.
//
// Accepted batches that write are wrapped in an implicit transaction unless
// they carry their own BEGIN/COMMIT, then executed in one round trip over
// the simple query protocol. Read batches run in a read-only transaction
// that is rolled back. Schema changes can be recorded as migrations, named
// with WithMigrationName. With safety.confirm_high_risk set, HIGH and
// EXTREME batches wait for ConfirmOperation.
//
// # Library Usage
//
//	g, err := pgguard.New(ctx, connString, pgguard.Config{
//		Pool:  pgguard.PoolConfig{MaxConns: 10},
//		Query: pgguard.QueryConfig{DefaultTimeoutSeconds: 30},
//		Safety: pgguard.SafetyConfig{
//			DenyRules: []pgguard.DenyRule{
//				{Command: "TRUNCATE", Reason: "use DELETE with a WHERE clause"},
//			},
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close(ctx)
//
//	exec, err := g.HandleQuery(ctx, "UPDATE users SET active = false WHERE id = 7")
//	var se *pgguard.SafetyError
//	if errors.As(err, &se) {
//		// RESTRICTED mode refuses MEDIUM risk; switch explicitly.
//		g.SetMode(pgguard.ServiceDatabase, pgguard.ModePermissive)
//	}
//
//	// Or register as MCP tools
//	pgguard.RegisterMCPTools(mcpServer, g)
//
// # Review Hooks
//
// Review hooks see the classified batch after the policy check and before
// execution. They can reject a query but cannot change it:
//
//	type NoDeletes struct{}
//
//	func (NoDeletes) Review(ctx context.Context, r *pgguard.Review) error {
//		for _, s := range r.Validation.Statements {
//			if s.Command.String() == "DELETE" {
//				return errors.New("deletes go through the admin console")
//			}
//		}
//		return nil
//	}
//
// In server mode the same role is played by external commands configured
// under server_hooks.before_execute, which receive the batch as JSON on stdin.
package pgguard
