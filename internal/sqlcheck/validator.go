package sqlcheck

import (
	"fmt"

	"github.com/rickchristie/pgguard/internal/safety"
)

// Result is the validation of a whole query. Statements are in textual
// order and never empty.
type Result struct {
	Statements            []Statement
	HighestRisk           safety.RiskLevel
	HasTransactionControl bool
	OriginalQuery         string
}

// NeedsTransaction reports whether any statement has side effects that an
// implicit transaction should protect.
func (r *Result) NeedsTransaction() bool {
	for _, s := range r.Statements {
		if s.NeedsTransaction() {
			return true
		}
	}
	return false
}

// NeedsMigration reports whether any statement changes schema or privileges.
func (r *Result) NeedsMigration() bool {
	for _, s := range r.Statements {
		if s.NeedsMigration {
			return true
		}
	}
	return false
}

// NoTransactionBlock returns the first statement that cannot run inside a
// transaction block.
func (r *Result) NoTransactionBlock() (Statement, bool) {
	for _, s := range r.Statements {
		if s.NoTransactionBlock {
			return s, true
		}
	}
	return Statement{}, false
}

// Operations returns the deny-list view of every statement.
func (r *Result) Operations() []safety.Operation {
	ops := make([]safety.Operation, len(r.Statements))
	for i, s := range r.Statements {
		ops[i] = s.Operation()
	}
	return ops
}

// Validate splits, classifies and assesses sql. Every error it returns is a
// validation failure of the input.
func Validate(sql string) (*Result, error) {
	parts, err := Split(sql)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("query contains no SQL statements")
	}

	result := &Result{
		Statements:    make([]Statement, 0, len(parts)),
		HighestRisk:   safety.RiskLow,
		OriginalQuery: sql,
	}
	for i, part := range parts {
		stmt, err := Classify(part)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		result.Statements = append(result.Statements, stmt)
		result.HighestRisk = safety.MaxRisk(result.HighestRisk, stmt.Risk)
	}

	explicit, err := AnalyzeTransactions(result.Statements)
	if err != nil {
		return nil, err
	}
	result.HasTransactionControl = explicit
	return result, nil
}
