// Package protection keeps a read-only session read-only. The connection
// pool sets default_transaction_read_only, and the Checker rejects the
// statements that could switch it back off.
package protection

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Checker rejects statements that could turn a read-only session or
// transaction into a read-write one. It is stateless and safe for
// concurrent use.
type Checker struct {
	vars map[string]bool
}

// guardedVars is ordered longest first so literal matching reports the most
// specific name.
var guardedVars = []string{"default_transaction_read_only", "transaction_read_only"}

// NewChecker creates a Checker guarding transaction_read_only and
// default_transaction_read_only.
func NewChecker() *Checker {
	c := &Checker{vars: make(map[string]bool, len(guardedVars))}
	for _, v := range guardedVars {
		c.vars[v] = true
	}
	return c
}

// Check parses sql and returns a descriptive error if any statement in it
// could escape read-only mode. Returns nil otherwise.
func (c *Checker) Check(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return fmt.Errorf("SQL parse error: %w", err)
	}

	runsCode := false
	for _, rawStmt := range result.Stmts {
		if err := c.checkNode(rawStmt.Stmt); err != nil {
			return err
		}
		switch rawStmt.Stmt.GetNode().(type) {
		case *pg_query.Node_DoStmt, *pg_query.Node_CreateFunctionStmt:
			runsCode = true
		}
	}
	return c.checkLiterals(sql, runsCode)
}

// checkNode checks a single top-level statement.
func (c *Checker) checkNode(node *pg_query.Node) error {
	if node == nil {
		return nil
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_VariableSetStmt:
		return c.checkVariableSet(n.VariableSetStmt, "")

	case *pg_query.Node_TransactionStmt:
		if readWriteOption(n.TransactionStmt.Options) {
			return fmt.Errorf("%s READ WRITE is blocked in read-only mode: cannot start a read-write transaction",
				transactionVerb(n.TransactionStmt.Kind))
		}

	case *pg_query.Node_AlterRoleSetStmt:
		return c.checkVariableSet(n.AlterRoleSetStmt.Setstmt, "ALTER ROLE ... ")

	case *pg_query.Node_AlterDatabaseSetStmt:
		return c.checkVariableSet(n.AlterDatabaseSetStmt.Setstmt, "ALTER DATABASE ... ")

	case *pg_query.Node_AlterSystemStmt:
		return c.checkVariableSet(n.AlterSystemStmt.Setstmt, "ALTER SYSTEM ")

	case *pg_query.Node_ExplainStmt:
		return c.checkNode(n.ExplainStmt.Query)
	}
	return nil
}

func (c *Checker) checkVariableSet(stmt *pg_query.VariableSetStmt, prefix string) error {
	if stmt == nil {
		return nil
	}
	name := strings.ToLower(stmt.Name)
	switch {
	case stmt.Kind == pg_query.VariableSetKind_VAR_RESET_ALL:
		return fmt.Errorf("%sRESET ALL is blocked in read-only mode: could disable read-only transaction setting", prefix)
	case c.vars[name] && stmt.Kind == pg_query.VariableSetKind_VAR_RESET:
		return fmt.Errorf("%sRESET %s is blocked in read-only mode", prefix, name)
	case c.vars[name]:
		return fmt.Errorf("%sSET %s is blocked in read-only mode: cannot change transaction read-only setting", prefix, name)
	case (name == "transaction" || name == "session characteristics") && readWriteOption(stmt.Args):
		return fmt.Errorf("%sSET %s READ WRITE is blocked in read-only mode", prefix, strings.ToUpper(name))
	}
	return nil
}

// checkLiterals catches settings changed from inside function calls or
// procedural code, where the variable name only appears in a string literal.
func (c *Checker) checkLiterals(sql string, runsCode bool) error {
	scan, err := pg_query.Scan(sql)
	if err != nil {
		return fmt.Errorf("SQL parse error: %w", err)
	}

	callsSetConfig := false
	mentioned := ""
	for _, tok := range scan.Tokens {
		text := strings.ToLower(sql[tok.Start:tok.End])
		switch tok.Token {
		case pg_query.Token_IDENT:
			if text == "set_config" {
				callsSetConfig = true
			}
		case pg_query.Token_SCONST:
			for _, v := range guardedVars {
				if mentioned == "" && strings.Contains(text, v) {
					mentioned = v
				}
			}
		}
	}
	if mentioned == "" {
		return nil
	}
	if callsSetConfig {
		return fmt.Errorf("set_config on %s is blocked in read-only mode", mentioned)
	}
	if runsCode {
		return fmt.Errorf("procedural code referencing %s is blocked in read-only mode", mentioned)
	}
	return nil
}

// readWriteOption reports whether options carry transaction_read_only = false.
func readWriteOption(options []*pg_query.Node) bool {
	for _, opt := range options {
		defElem, ok := opt.Node.(*pg_query.Node_DefElem)
		if !ok || defElem.DefElem.Defname != "transaction_read_only" || defElem.DefElem.Arg == nil {
			continue
		}
		// The arg is an AConst integer; 0 means READ WRITE.
		if aconst, ok := defElem.DefElem.Arg.Node.(*pg_query.Node_AConst); ok {
			if ival, ok := aconst.AConst.Val.(*pg_query.A_Const_Ival); ok && ival.Ival.Ival == 0 {
				return true
			}
		}
	}
	return false
}

func transactionVerb(kind pg_query.TransactionStmtKind) string {
	if kind == pg_query.TransactionStmtKind_TRANS_STMT_START {
		return "START TRANSACTION"
	}
	return "BEGIN"
}
