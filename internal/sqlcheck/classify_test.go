package sqlcheck

import (
	"strings"
	"testing"

	"github.com/rickchristie/pgguard/internal/safety"
)

type classifyCase struct {
	sql        string
	cmd        Command
	category   Category
	risk       safety.RiskLevel
	objectType string
	schema     string
}

func runClassifyCases(t *testing.T, cases []classifyCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.sql, func(t *testing.T) {
			got, err := Classify(tt.sql)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Command != tt.cmd {
				t.Errorf("command = %s, want %s", got.Command, tt.cmd)
			}
			if got.Category != tt.category {
				t.Errorf("category = %s, want %s", got.Category, tt.category)
			}
			if got.Risk != tt.risk {
				t.Errorf("risk = %s, want %s", got.Risk, tt.risk)
			}
			if tt.objectType != "" && got.ObjectType != tt.objectType {
				t.Errorf("object type = %q, want %q", got.ObjectType, tt.objectType)
			}
			if tt.schema != "" && got.Schema != tt.schema {
				t.Errorf("schema = %q, want %q", got.Schema, tt.schema)
			}
			if got.SQL != tt.sql {
				t.Errorf("SQL = %q, want %q", got.SQL, tt.sql)
			}
		})
	}
}

func TestClassify_ReadOnly(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "SELECT 1", cmd: CmdSelect, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "select * from users where id = 1", cmd: CmdSelect, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "  /* leading */ -- line\n SELECT 1", cmd: CmdSelect, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "WITH x AS (SELECT 1) SELECT * FROM x", cmd: CmdSelect, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "(SELECT 1) UNION (SELECT 2)", cmd: CmdSelect, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "VALUES (1), (2)", cmd: CmdValues, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "TABLE users", cmd: CmdTable, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "SHOW search_path", cmd: CmdShow, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "EXPLAIN SELECT * FROM users", cmd: CmdExplain, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "EXPLAIN DELETE FROM users", cmd: CmdExplain, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "EXPLAIN (ANALYZE, BUFFERS) SELECT 1", cmd: CmdExplain, category: CategoryDQL, risk: safety.RiskLow},
		{sql: "COPY users TO STDOUT", cmd: CmdCopyTo, category: CategoryDQL, risk: safety.RiskLow, objectType: "TABLE"},
		{sql: "COPY (SELECT 1) TO STDOUT", cmd: CmdCopyTo, category: CategoryDQL, risk: safety.RiskLow},
	})
}

func TestClassify_DataModification(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "INSERT INTO app.users (id) VALUES (1)", cmd: CmdInsert, category: CategoryDML, risk: safety.RiskMedium, objectType: "TABLE", schema: "app"},
		{sql: "UPDATE users SET name = 'x' WHERE id = 1", cmd: CmdUpdate, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "DELETE FROM users", cmd: CmdDelete, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "MERGE INTO t USING s ON t.id = s.id WHEN MATCHED THEN DELETE", cmd: CmdMerge, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d", cmd: CmdDelete, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "EXPLAIN ANALYZE DELETE FROM users", cmd: CmdExplain, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "COPY users FROM STDIN", cmd: CmdCopyFrom, category: CategoryDML, risk: safety.RiskMedium},
		{sql: "COPY (DELETE FROM users RETURNING *) TO STDOUT", cmd: CmdCopyTo, category: CategoryDML, risk: safety.RiskMedium},
	})
}

func TestClassify_Definition(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "CREATE TABLE app.t (id int)", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "TABLE", schema: "app"},
		{sql: "CREATE TEMP TABLE tt (id int)", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskMedium, objectType: "TABLE"},
		{sql: "CREATE TABLE pg_temp.tt (id int)", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskMedium, objectType: "TABLE"},
		{sql: "DROP TABLE pg_temp.tt", cmd: CmdDrop, category: CategoryDDL, risk: safety.RiskMedium, objectType: "TABLE"},
		{sql: "DROP TABLE app.users", cmd: CmdDrop, category: CategoryDDL, risk: safety.RiskHigh, objectType: "TABLE", schema: "app"},
		{sql: "DROP SCHEMA billing CASCADE", cmd: CmdDrop, category: CategoryDDL, risk: safety.RiskHigh, objectType: "SCHEMA", schema: "billing"},
		{sql: "DROP DATABASE prod", cmd: CmdDrop, category: CategoryDDL, risk: safety.RiskExtreme, objectType: "DATABASE"},
		{sql: "CREATE DATABASE scratch", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "DATABASE"},
		{sql: "ALTER TABLE app.t ADD COLUMN b int", cmd: CmdAlter, category: CategoryDDL, risk: safety.RiskHigh, objectType: "TABLE", schema: "app"},
		{sql: "CREATE INDEX CONCURRENTLY idx ON t (a)", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "INDEX"},
		{sql: "CREATE OR REPLACE FUNCTION f() RETURNS int AS $$ SELECT 1 $$ LANGUAGE sql", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "FUNCTION"},
		{sql: "CREATE MATERIALIZED VIEW mv AS SELECT 1", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "MATERIALIZED VIEW"},
		{sql: "CREATE SCHEMA reporting", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "SCHEMA", schema: "reporting"},
		{sql: "SELECT * INTO archive FROM users", cmd: CmdCreate, category: CategoryDDL, risk: safety.RiskHigh, objectType: "TABLE"},
		{sql: "TRUNCATE app.users", cmd: CmdTruncate, category: CategoryDDL, risk: safety.RiskHigh, schema: "app"},
		{sql: "COMMENT ON TABLE users IS 'people'", cmd: CmdComment, category: CategoryDDL, risk: safety.RiskMedium},
		{sql: "ALTER SYSTEM SET work_mem = '64MB'", cmd: CmdAlter, category: CategoryUtility, risk: safety.RiskExtreme, objectType: "SYSTEM"},
	})
}

func TestClassify_AccessControl(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "GRANT SELECT ON users TO bob", cmd: CmdGrant, category: CategoryDCL, risk: safety.RiskHigh},
		{sql: "REVOKE SELECT ON users FROM bob", cmd: CmdRevoke, category: CategoryDCL, risk: safety.RiskHigh},
		{sql: "REASSIGN OWNED BY alice TO bob", cmd: CmdReassign, category: CategoryDCL, risk: safety.RiskHigh},
		{sql: "CREATE ROLE bob LOGIN", cmd: CmdCreate, category: CategoryDCL, risk: safety.RiskHigh, objectType: "ROLE"},
		{sql: "CREATE USER bob", cmd: CmdCreate, category: CategoryDCL, risk: safety.RiskHigh, objectType: "ROLE"},
		{sql: "CREATE ROLE root SUPERUSER", cmd: CmdCreate, category: CategoryDCL, risk: safety.RiskExtreme, objectType: "ROLE"},
		{sql: "ALTER ROLE bob WITH SUPERUSER", cmd: CmdAlter, category: CategoryDCL, risk: safety.RiskExtreme, objectType: "ROLE"},
		{sql: "ALTER ROLE bob NOSUPERUSER", cmd: CmdAlter, category: CategoryDCL, risk: safety.RiskHigh, objectType: "ROLE"},
		{sql: "DROP ROLE bob", cmd: CmdDrop, category: CategoryDCL, risk: safety.RiskHigh, objectType: "ROLE"},
		{sql: "SET ROLE admin", cmd: CmdSetRole, category: CategoryDCL, risk: safety.RiskHigh},
		{sql: "SET SESSION AUTHORIZATION admin", cmd: CmdSetRole, category: CategoryDCL, risk: safety.RiskHigh},
	})
}

func TestClassify_TransactionControl(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "BEGIN", cmd: CmdBegin, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "begin transaction isolation level serializable", cmd: CmdBegin, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "START TRANSACTION", cmd: CmdBegin, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "COMMIT", cmd: CmdCommit, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "END", cmd: CmdCommit, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "ROLLBACK", cmd: CmdRollback, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "ABORT", cmd: CmdRollback, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "SAVEPOINT sp", cmd: CmdSavepoint, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "RELEASE SAVEPOINT sp", cmd: CmdRelease, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "ROLLBACK TO SAVEPOINT sp", cmd: CmdRollbackTo, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "ROLLBACK WORK TO sp", cmd: CmdRollbackTo, category: CategoryTCL, risk: safety.RiskLow},
		{sql: "PREPARE TRANSACTION 'tx1'", cmd: CmdUnknown, category: CategoryUnknown, risk: safety.RiskHigh},
		{sql: "COMMIT PREPARED 'tx1'", cmd: CmdUnknown, category: CategoryUnknown, risk: safety.RiskHigh},
		{sql: "ROLLBACK PREPARED 'tx1'", cmd: CmdUnknown, category: CategoryUnknown, risk: safety.RiskHigh},
	})
}

func TestClassify_Utility(t *testing.T) {
	t.Parallel()
	runClassifyCases(t, []classifyCase{
		{sql: "SET search_path TO app", cmd: CmdSet, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "RESET ALL", cmd: CmdReset, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "RESET ROLE", cmd: CmdReset, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "VACUUM users", cmd: CmdVacuum, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "ANALYZE users", cmd: CmdAnalyze, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "REINDEX TABLE users", cmd: CmdReindex, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "REFRESH MATERIALIZED VIEW mv", cmd: CmdRefresh, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "CHECKPOINT", cmd: CmdCheckpoint, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "LOCK TABLE users IN ACCESS EXCLUSIVE MODE", cmd: CmdLock, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "LISTEN events", cmd: CmdListen, category: CategoryUtility, risk: safety.RiskLow},
		{sql: "NOTIFY events", cmd: CmdNotify, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "UNLISTEN *", cmd: CmdUnlisten, category: CategoryUtility, risk: safety.RiskLow},
		{sql: "PREPARE q AS SELECT 1", cmd: CmdPrepare, category: CategoryUtility, risk: safety.RiskLow},
		{sql: "EXECUTE q", cmd: CmdExecute, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "DEALLOCATE q", cmd: CmdDeallocate, category: CategoryUtility, risk: safety.RiskLow},
		{sql: "DISCARD PLANS", cmd: CmdDiscard, category: CategoryUtility, risk: safety.RiskMedium},
		{sql: "LOAD 'auto_explain'", cmd: CmdLoad, category: CategoryUtility, risk: safety.RiskHigh},
		{sql: "CALL refresh_everything()", cmd: CmdCall, category: CategoryUtility, risk: safety.RiskHigh},
		{sql: "DO $$ BEGIN PERFORM 1; END $$", cmd: CmdDo, category: CategoryUtility, risk: safety.RiskHigh},
		{sql: "COPY users TO '/tmp/users.csv'", cmd: CmdCopyTo, category: CategoryUtility, risk: safety.RiskHigh, objectType: "FILE"},
		{sql: "COPY users FROM PROGRAM 'cat /etc/passwd'", cmd: CmdCopyFrom, category: CategoryUtility, risk: safety.RiskHigh, objectType: "PROGRAM"},
	})
}

func TestClassify_Unknown(t *testing.T) {
	t.Parallel()
	for _, sql := range []string{"FROBNICATE everything", "IMPORT FOREIGN SCHEMA s FROM SERVER x INTO app", "\"quoted\" nonsense"} {
		got, err := Classify(sql)
		if err != nil {
			t.Fatalf("Classify(%q): unexpected error: %v", sql, err)
		}
		if got.Command != CmdUnknown || got.Category != CategoryUnknown {
			t.Errorf("Classify(%q) = %s/%s, want UNKNOWN", sql, got.Command, got.Category)
		}
		if got.Risk == safety.RiskLow {
			t.Errorf("Classify(%q): unknown statement must not be LOW", sql)
		}
	}

	got, _ := Classify("frobnicate everything")
	if got.Verb != "FROBNICATE" {
		t.Fatalf("expected literal verb FROBNICATE, got %q", got.Verb)
	}
	if op := got.Operation(); op.Command != "FROBNICATE" {
		t.Fatalf("expected operation command to carry the verb, got %q", op.Command)
	}
}

func TestClassify_NoKeywords(t *testing.T) {
	t.Parallel()
	for _, sql := range []string{"", "   ", "-- comment only", "/* nothing */"} {
		if _, err := Classify(sql); err == nil {
			t.Errorf("Classify(%q): expected error", sql)
		}
	}
}

func TestClassify_NoTransactionBlock(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"VACUUM users":                         true,
		"VACUUM":                               true,
		"CREATE INDEX CONCURRENTLY i ON t (a)": true,
		"CREATE INDEX i ON t (a)":              false,
		"DROP INDEX CONCURRENTLY i":            true,
		"REINDEX DATABASE app":                 true,
		"REINDEX TABLE t":                      false,
		"DROP DATABASE scratch":                true,
		"CREATE DATABASE scratch":              true,
		"ALTER SYSTEM SET work_mem = '1MB'":    true,
		"DISCARD ALL":                          true,
		"DISCARD PLANS":                        false,
		"INSERT INTO t VALUES (1)":             false,
	}
	for sql, want := range tests {
		got, err := Classify(sql)
		if err != nil {
			t.Fatalf("Classify(%q): unexpected error: %v", sql, err)
		}
		if got.NoTransactionBlock != want {
			t.Errorf("Classify(%q).NoTransactionBlock = %v, want %v", sql, got.NoTransactionBlock, want)
		}
	}
}

func TestClassify_NeedsMigration(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"CREATE TABLE t (id int)":        true,
		"CREATE TEMP TABLE t (id int)":   false,
		"ALTER TABLE t ADD COLUMN b int": true,
		"GRANT SELECT ON t TO bob":       true,
		"INSERT INTO t VALUES (1)":       false,
		"SELECT 1":                       false,
		"BEGIN":                          false,
	}
	for sql, want := range tests {
		got, err := Classify(sql)
		if err != nil {
			t.Fatalf("Classify(%q): unexpected error: %v", sql, err)
		}
		if got.NeedsMigration != want {
			t.Errorf("Classify(%q).NeedsMigration = %v, want %v", sql, got.NeedsMigration, want)
		}
	}
}

func TestStatement_NeedsTransaction(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"SELECT 1":                      false,
		"EXPLAIN SELECT 1":              false,
		"BEGIN":                         false,
		"COMMIT":                        false,
		"INSERT INTO t VALUES (1)":      true,
		"EXPLAIN ANALYZE DELETE FROM t": true,
		"SET search_path TO app":        true,
		"CREATE TABLE t (id int)":       true,
	}
	for sql, want := range tests {
		got, err := Classify(sql)
		if err != nil {
			t.Fatalf("Classify(%q): unexpected error: %v", sql, err)
		}
		if got.NeedsTransaction() != want {
			t.Errorf("Classify(%q).NeedsTransaction() = %v, want %v", sql, got.NeedsTransaction(), want)
		}
	}
}

func TestClassify_MultiObjectTargets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sql       string
		risk      safety.RiskLevel
		temporary bool
		schemas   []string
	}{
		{"DROP TABLE pg_temp.scratch, public.users", safety.RiskHigh, false, []string{"pg_temp", "public"}},
		{"DROP TABLE public.users, pg_temp.scratch", safety.RiskHigh, false, []string{"public", "pg_temp"}},
		{"DROP TABLE pg_temp.a, pg_temp.b", safety.RiskMedium, true, []string{"pg_temp"}},
		{"DROP TABLE pg_temp.a, b", safety.RiskHigh, false, []string{"pg_temp"}},
		{"TRUNCATE public.a, audit.log", safety.RiskHigh, false, []string{"public", "audit"}},
		{"TRUNCATE a, audit.log", safety.RiskHigh, false, []string{"audit"}},
		{"DROP SCHEMA staging, billing CASCADE", safety.RiskHigh, false, []string{"staging", "billing"}},
		{"WITH d AS (DELETE FROM audit.log RETURNING id) INSERT INTO public.archive SELECT id FROM d", safety.RiskMedium, false, []string{"public", "audit"}},
		{"WITH d AS (DELETE FROM audit.log RETURNING id) SELECT * FROM d", safety.RiskMedium, false, []string{"audit"}},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			got, err := Classify(tt.sql)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Risk != tt.risk {
				t.Errorf("risk = %s, want %s", got.Risk, tt.risk)
			}
			if got.Temporary != tt.temporary {
				t.Errorf("temporary = %v, want %v", got.Temporary, tt.temporary)
			}
			if strings.Join(got.Schemas, ",") != strings.Join(tt.schemas, ",") {
				t.Errorf("schemas = %q, want %q", got.Schemas, tt.schemas)
			}
			if got.Schema != tt.schemas[0] {
				t.Errorf("schema = %q, want %q", got.Schema, tt.schemas[0])
			}
			if op := got.Operation(); strings.Join(op.Schemas, ",") != strings.Join(tt.schemas, ",") {
				t.Errorf("operation schemas = %q, want %q", op.Schemas, tt.schemas)
			}
		})
	}
}
