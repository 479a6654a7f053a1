package sqlcheck

import "fmt"

// AnalyzeTransactions reports whether stmts carry their own transaction
// control: at least one BEGIN closed by COMMIT or ROLLBACK. Unbalanced
// control is an error: COMMIT or ROLLBACK without an open block, BEGIN inside
// an open block, SAVEPOINT, RELEASE or ROLLBACK TO outside a block, and a
// block still open after the last statement.
func AnalyzeTransactions(stmts []Statement) (bool, error) {
	explicit := false
	openedAt := -1
	for i, s := range stmts {
		n := i + 1
		switch s.Command {
		case CmdBegin:
			if openedAt >= 0 {
				return false, fmt.Errorf("statement %d: %s inside the transaction block opened at statement %d", n, s.Verb, openedAt+1)
			}
			openedAt = i
		case CmdCommit, CmdRollback:
			if openedAt < 0 {
				return false, fmt.Errorf("statement %d: %s without a matching BEGIN", n, s.Verb)
			}
			openedAt = -1
			explicit = true
		case CmdSavepoint, CmdRelease, CmdRollbackTo:
			if openedAt < 0 {
				return false, fmt.Errorf("statement %d: %s outside a transaction block", n, s.Command)
			}
		}
	}
	if openedAt >= 0 {
		return false, fmt.Errorf("statement %d: transaction block opened by %s is never closed with COMMIT or ROLLBACK", openedAt+1, stmts[openedAt].Verb)
	}
	return explicit, nil
}
