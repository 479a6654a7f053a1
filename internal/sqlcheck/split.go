package sqlcheck

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Split breaks sql into individual statements using the PostgreSQL lexer, so
// semicolons inside string literals, quoted identifiers, dollar-quoted bodies
// and comments never split. Statements are returned without their trailing
// semicolon. Empty and comment-only fragments are dropped. Blank input yields
// an empty slice.
func Split(sql string) ([]string, error) {
	if strings.TrimSpace(sql) == "" {
		return []string{}, nil
	}
	parts, err := pg_query.SplitWithScanner(sql, true)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL: %w", err)
	}
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		toks, err := significantTokens(part)
		if err != nil {
			return nil, fmt.Errorf("failed to split SQL: %w", err)
		}
		if len(toks) == 0 {
			continue
		}
		stmts = append(stmts, part)
	}
	return stmts, nil
}

// token is a significant (non-comment) lexer token.
type token struct {
	text  string
	upper string
	kind  pg_query.Token
}

// significantTokens scans sql and drops comment tokens.
func significantTokens(sql string) ([]token, error) {
	scan, err := pg_query.Scan(sql)
	if err != nil {
		return nil, err
	}
	toks := make([]token, 0, len(scan.Tokens))
	for _, t := range scan.Tokens {
		if t.Token == pg_query.Token_SQL_COMMENT || t.Token == pg_query.Token_C_COMMENT {
			continue
		}
		text := sql[t.Start:t.End]
		toks = append(toks, token{text: text, upper: strings.ToUpper(text), kind: t.Token})
	}
	return toks, nil
}
