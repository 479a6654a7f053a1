package sqlcheck

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/rickchristie/pgguard/internal/safety"
)

// Statement is one classified statement. It is an immutable value.
type Statement struct {
	SQL      string
	Category Category
	Command  Command
	// Verb is the literal leading keyword, upper-cased.
	Verb               string
	Risk               safety.RiskLevel
	ObjectType         string
	// Schema is the first schema named by the statement's targets; Schemas
	// lists every one of them.
	Schema             string
	Schemas            []string
	Temporary          bool
	NeedsMigration     bool
	NoTransactionBlock bool
}

// NeedsTransaction reports whether the statement has side effects that an
// implicit transaction should protect.
func (s Statement) NeedsTransaction() bool {
	if s.Category == CategoryTCL {
		return false
	}
	return !(s.Category == CategoryDQL && s.Risk == safety.RiskLow)
}

// Operation returns the deny-list view of the statement.
func (s Statement) Operation() safety.Operation {
	command := s.Command.String()
	if s.Command == CmdUnknown {
		command = s.Verb
	}
	return safety.Operation{
		Command:    command,
		ObjectType: s.ObjectType,
		Schema:     s.Schema,
		Schemas:    s.Schemas,
		Statement:  s.SQL,
	}
}

var verbCommands = map[string]Command{
	"SELECT":     CmdSelect,
	"VALUES":     CmdValues,
	"TABLE":      CmdTable,
	"SHOW":       CmdShow,
	"EXPLAIN":    CmdExplain,
	"INSERT":     CmdInsert,
	"UPDATE":     CmdUpdate,
	"DELETE":     CmdDelete,
	"MERGE":      CmdMerge,
	"COPY":       CmdCopyTo,
	"CALL":       CmdCall,
	"DO":         CmdDo,
	"CREATE":     CmdCreate,
	"ALTER":      CmdAlter,
	"DROP":       CmdDrop,
	"TRUNCATE":   CmdTruncate,
	"COMMENT":    CmdComment,
	"GRANT":      CmdGrant,
	"REVOKE":     CmdRevoke,
	"REASSIGN":   CmdReassign,
	"BEGIN":      CmdBegin,
	"START":      CmdBegin,
	"COMMIT":     CmdCommit,
	"END":        CmdCommit,
	"ROLLBACK":   CmdRollback,
	"ABORT":      CmdRollback,
	"SAVEPOINT":  CmdSavepoint,
	"RELEASE":    CmdRelease,
	"SET":        CmdSet,
	"RESET":      CmdReset,
	"VACUUM":     CmdVacuum,
	"ANALYZE":    CmdAnalyze,
	"ANALYSE":    CmdAnalyze,
	"CLUSTER":    CmdCluster,
	"REINDEX":    CmdReindex,
	"REFRESH":    CmdRefresh,
	"CHECKPOINT": CmdCheckpoint,
	"LOCK":       CmdLock,
	"LISTEN":     CmdListen,
	"NOTIFY":     CmdNotify,
	"UNLISTEN":   CmdUnlisten,
	"PREPARE":    CmdPrepare,
	"EXECUTE":    CmdExecute,
	"DEALLOCATE": CmdDeallocate,
	"DISCARD":    CmdDiscard,
	"LOAD":       CmdLoad,
}

// shape is the classification of a statement before rules are applied.
type shape struct {
	cmd        Command
	objectType string
	schema     string
	schemas    []string
	temporary  bool
	superuser  bool
	noTxn      bool
	// inner is a nested statement whose effects run with this one, such as
	// the target of EXPLAIN ANALYZE or the query of COPY (...) TO.
	inner *shape
}

// addSchema records a target schema. The first one becomes s.schema.
func (s *shape) addSchema(schema string) {
	if schema == "" {
		return
	}
	if s.schema == "" {
		s.schema = schema
	}
	for _, have := range s.schemas {
		if have == schema {
			return
		}
	}
	s.schemas = append(s.schemas, schema)
}

func (s *shape) addSchemas(schemas []string) {
	for _, schema := range schemas {
		s.addSchema(schema)
	}
}

func (s shape) target() string {
	if s.temporary && s.objectType != "" {
		return "TEMPORARY " + s.objectType
	}
	return s.objectType
}

func (s shape) rule() rule {
	return ruleFor(s.cmd, s.target())
}

func (s shape) risk() safety.RiskLevel {
	risk := s.rule().risk
	if s.superuser {
		risk = safety.RiskExtreme
	}
	if s.inner != nil {
		risk = safety.MaxRisk(risk, s.inner.risk())
	}
	return risk
}

func (s shape) category() Category {
	r := s.rule()
	if s.inner != nil && s.inner.risk() > r.risk {
		return s.inner.category()
	}
	return r.category
}

func (s shape) needsMigration() bool {
	if s.rule().needsMigration {
		return true
	}
	return s.inner != nil && s.inner.needsMigration()
}

// Classify determines the category, command and risk of one statement. The
// leading keyword decides the command; when the statement parses, the parse
// tree refines it. A statement without any significant token is an error.
func Classify(sql string) (Statement, error) {
	toks, err := significantTokens(sql)
	if err != nil {
		return Statement{}, fmt.Errorf("failed to scan statement: %w", err)
	}
	if len(toks) == 0 {
		return Statement{}, fmt.Errorf("statement has no SQL keywords")
	}

	verb := toks[0].upper
	s := keywordShape(toks)

	if tree, err := pg_query.Parse(sql); err == nil && len(tree.Stmts) == 1 {
		s = refine(s, tree.Stmts[0].Stmt)
	}

	r := s.rule()
	return Statement{
		SQL:                sql,
		Category:           s.category(),
		Command:            s.cmd,
		Verb:               verb,
		Risk:               s.risk(),
		ObjectType:         s.objectType,
		Schema:             s.schema,
		Schemas:            s.schemas,
		Temporary:          s.temporary,
		NeedsMigration:     s.needsMigration(),
		NoTransactionBlock: r.noTransactionBlock || s.noTxn,
	}, nil
}

// keywordShape classifies from tokens alone. Forms whose meaning depends on
// what follows the verb are resolved here; anything the tokens cannot decide
// safely is left UNKNOWN.
func keywordShape(toks []token) shape {
	words := make([]string, len(toks))
	for i, t := range toks {
		words[i] = t.upper
	}
	at := func(i int) string {
		if i < len(words) {
			return words[i]
		}
		return ""
	}

	cmd, ok := verbCommands[words[0]]
	if !ok {
		return shape{cmd: CmdUnknown}
	}
	s := shape{cmd: cmd}

	switch cmd {
	case CmdBegin:
		if words[0] == "START" && at(1) != "TRANSACTION" {
			s.cmd = CmdUnknown
		}
	case CmdCommit:
		if at(1) == "PREPARED" {
			s.cmd = CmdUnknown
		}
	case CmdRollback:
		i := 1
		if at(i) == "WORK" || at(i) == "TRANSACTION" {
			i++
		}
		switch {
		case at(1) == "PREPARED":
			s.cmd = CmdUnknown
		case at(i) == "TO":
			s.cmd = CmdRollbackTo
		}
	case CmdPrepare:
		if at(1) == "TRANSACTION" {
			s.cmd = CmdUnknown
		}
	case CmdSet:
		i := 1
		if at(i) == "SESSION" || at(i) == "LOCAL" {
			i++
		}
		if at(i) == "ROLE" || (at(1) == "SESSION" && at(2) == "AUTHORIZATION") {
			s.cmd = CmdSetRole
		}
	case CmdCopyTo:
		s = copyShape(toks)
	case CmdCreate, CmdAlter, CmdDrop:
		s.objectType, s.temporary = objectTypeFromWords(words[1:])
	case CmdExplain:
		for _, w := range words[1:] {
			if w == "ANALYZE" || w == "ANALYSE" {
				// The analyzed statement runs; without a tree its risk is unknown.
				s.cmd = CmdUnknown
				break
			}
		}
	case CmdReindex:
		for _, w := range words[1:] {
			if w == "DATABASE" || w == "SYSTEM" || w == "CONCURRENTLY" {
				s.noTxn = true
			}
		}
	case CmdDiscard:
		s.noTxn = at(1) == "ALL"
	}
	return s
}

// copyShape finds the COPY direction at parenthesis depth zero and whether
// the other end is a server file or program.
func copyShape(toks []token) shape {
	s := shape{cmd: CmdCopyTo, objectType: "TABLE"}
	depth := 0
	for i := 1; i < len(toks); i++ {
		switch toks[i].text {
		case "(":
			depth++
			if i == 1 {
				s.objectType = ""
			}
			continue
		case ")":
			depth--
			continue
		}
		if depth != 0 || (toks[i].upper != "FROM" && toks[i].upper != "TO") {
			continue
		}
		if toks[i].upper == "FROM" {
			s.cmd = CmdCopyFrom
		}
		if i+1 < len(toks) {
			next := toks[i+1]
			switch {
			case next.upper == "PROGRAM":
				s.objectType = "PROGRAM"
			case next.kind == pg_query.Token_SCONST:
				s.objectType = "FILE"
			}
		}
		break
	}
	return s
}

var objectModifiers = map[string]bool{
	"OR": true, "REPLACE": true, "UNIQUE": true, "UNLOGGED": true, "GLOBAL": true,
	"LOCAL": true, "TRUSTED": true, "PROCEDURAL": true, "RECURSIVE": true,
	"DEFAULT": true, "CONSTRAINT": true, "IF": true,
}

var twoWordObjects = map[string]bool{
	"MATERIALIZED": true, "FOREIGN": true, "EVENT": true, "ACCESS": true,
	"TEXT": true, "OPERATOR": true,
}

// objectTypeFromWords reads the object type after CREATE, ALTER or DROP.
func objectTypeFromWords(words []string) (string, bool) {
	temporary := false
	i := 0
	for i < len(words) {
		w := words[i]
		if w == "TEMP" || w == "TEMPORARY" {
			temporary = true
			i++
			continue
		}
		if !objectModifiers[w] {
			break
		}
		i++
	}
	if i >= len(words) {
		return "", temporary
	}
	w := words[i]
	switch {
	case w == "USER" && i+1 < len(words) && words[i+1] == "MAPPING":
		return "USER MAPPING", temporary
	case w == "USER" || w == "GROUP":
		return "ROLE", temporary
	case w == "FOREIGN" && i+2 < len(words) && words[i+1] == "DATA":
		return "FOREIGN DATA WRAPPER", temporary
	case twoWordObjects[w] && i+1 < len(words):
		return w + " " + words[i+1], temporary
	}
	return w, temporary
}

// refine applies what the parse tree knows about the statement.
func refine(s shape, node *pg_query.Node) shape {
	if node == nil {
		return s
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		sel := n.SelectStmt
		if s.cmd != CmdValues && s.cmd != CmdTable {
			s = shape{cmd: CmdSelect}
		}
		if sel.IntoClause != nil && sel.IntoClause.Rel != nil {
			s = relationShape(CmdCreate, "TABLE", sel.IntoClause.Rel)
		}
		if promoted, ok := modifyingCTE(sel.WithClause); ok && s.cmd != CmdCreate {
			s.cmd = promoted.cmd
			s.objectType = promoted.objectType
		}
		s.addSchemas(cteSchemas(sel.WithClause))

	case *pg_query.Node_InsertStmt:
		s = relationShape(CmdInsert, "TABLE", n.InsertStmt.Relation)
		s.addSchemas(cteSchemas(n.InsertStmt.WithClause))
	case *pg_query.Node_UpdateStmt:
		s = relationShape(CmdUpdate, "TABLE", n.UpdateStmt.Relation)
		s.addSchemas(cteSchemas(n.UpdateStmt.WithClause))
	case *pg_query.Node_DeleteStmt:
		s = relationShape(CmdDelete, "TABLE", n.DeleteStmt.Relation)
		s.addSchemas(cteSchemas(n.DeleteStmt.WithClause))
	case *pg_query.Node_MergeStmt:
		s = relationShape(CmdMerge, "TABLE", n.MergeStmt.Relation)
		s.addSchemas(cteSchemas(n.MergeStmt.WithClause))

	case *pg_query.Node_ExplainStmt:
		s = shape{cmd: CmdExplain}
		if hasTrueOption(n.ExplainStmt.Options, "analyze") {
			inner := refine(shape{cmd: CmdUnknown}, n.ExplainStmt.Query)
			s.inner = &inner
			s.addSchemas(inner.schemas)
		}

	case *pg_query.Node_CopyStmt:
		cp := n.CopyStmt
		cmd := CmdCopyTo
		if cp.IsFrom {
			cmd = CmdCopyFrom
		}
		s = relationShape(cmd, "TABLE", cp.Relation)
		if cp.Relation == nil {
			s.objectType = ""
		}
		switch {
		case cp.IsProgram:
			s.objectType = "PROGRAM"
		case cp.Filename != "":
			s.objectType = "FILE"
		}
		if cp.Query != nil {
			inner := refine(shape{cmd: CmdUnknown}, cp.Query)
			s.inner = &inner
			s.addSchemas(inner.schemas)
		}

	case *pg_query.Node_CreateStmt:
		s = relationShape(CmdCreate, "TABLE", n.CreateStmt.Relation)
	case *pg_query.Node_CreateTableAsStmt:
		objectType := "TABLE"
		if n.CreateTableAsStmt.Objtype == pg_query.ObjectType_OBJECT_MATVIEW {
			objectType = "MATERIALIZED VIEW"
		}
		if into := n.CreateTableAsStmt.Into; into != nil {
			s = relationShape(CmdCreate, objectType, into.Rel)
		}
	case *pg_query.Node_ViewStmt:
		s = relationShape(CmdCreate, "VIEW", n.ViewStmt.View)
		s.temporary = false
	case *pg_query.Node_CreateSeqStmt:
		s = relationShape(CmdCreate, "SEQUENCE", n.CreateSeqStmt.Sequence)
		s.temporary = false
	case *pg_query.Node_IndexStmt:
		s = relationShape(CmdCreate, "INDEX", n.IndexStmt.Relation)
		s.temporary = false
		s.noTxn = n.IndexStmt.Concurrent
	case *pg_query.Node_CreateSchemaStmt:
		s = shape{cmd: CmdCreate, objectType: "SCHEMA"}
		s.addSchema(n.CreateSchemaStmt.Schemaname)
	case *pg_query.Node_CreatedbStmt:
		s = shape{cmd: CmdCreate, objectType: "DATABASE"}
	case *pg_query.Node_AlterTableStmt:
		s = relationShape(CmdAlter, objectTypeName(n.AlterTableStmt.Objtype), n.AlterTableStmt.Relation)
		s.temporary = false

	case *pg_query.Node_DropStmt:
		s = dropShape(n.DropStmt)
	case *pg_query.Node_DropdbStmt:
		s = shape{cmd: CmdDrop, objectType: "DATABASE"}
	case *pg_query.Node_AlterSystemStmt:
		s = shape{cmd: CmdAlter, objectType: "SYSTEM"}

	case *pg_query.Node_CreateRoleStmt:
		s = shape{cmd: CmdCreate, objectType: "ROLE", superuser: grantsSuperuser(n.CreateRoleStmt.Options)}
	case *pg_query.Node_AlterRoleStmt:
		s = shape{cmd: CmdAlter, objectType: "ROLE", superuser: grantsSuperuser(n.AlterRoleStmt.Options)}
	case *pg_query.Node_DropRoleStmt:
		s = shape{cmd: CmdDrop, objectType: "ROLE"}

	case *pg_query.Node_VariableSetStmt:
		v := n.VariableSetStmt
		switch {
		case v.Kind == pg_query.VariableSetKind_VAR_RESET || v.Kind == pg_query.VariableSetKind_VAR_RESET_ALL:
			s = shape{cmd: CmdReset}
		case v.Name == "role" || v.Name == "session_authorization":
			s = shape{cmd: CmdSetRole}
		default:
			s = shape{cmd: CmdSet}
		}

	case *pg_query.Node_TransactionStmt:
		switch n.TransactionStmt.Kind {
		case pg_query.TransactionStmtKind_TRANS_STMT_PREPARE,
			pg_query.TransactionStmtKind_TRANS_STMT_COMMIT_PREPARED,
			pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_PREPARED:
			s = shape{cmd: CmdUnknown}
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
			s = shape{cmd: CmdRollbackTo}
		}

	case *pg_query.Node_ReindexStmt:
		r := n.ReindexStmt
		s.cmd = CmdReindex
		s.noTxn = r.Kind == pg_query.ReindexObjectType_REINDEX_OBJECT_DATABASE ||
			r.Kind == pg_query.ReindexObjectType_REINDEX_OBJECT_SYSTEM ||
			hasTrueOption(r.Params, "concurrently")
		if r.Relation != nil {
			s.addSchema(r.Relation.Schemaname)
		}

	case *pg_query.Node_TruncateStmt:
		s = shape{cmd: CmdTruncate, objectType: "TABLE"}
		for _, rel := range n.TruncateStmt.Relations {
			if rv := rel.GetRangeVar(); rv != nil {
				s.addSchema(rv.Schemaname)
			}
		}
	}
	return s
}

// relationShape builds a shape for cmd acting on rel.
func relationShape(cmd Command, objectType string, rel *pg_query.RangeVar) shape {
	s := shape{cmd: cmd, objectType: objectType}
	if rel == nil {
		return s
	}
	s.addSchema(rel.Schemaname)
	s.temporary = rel.Relpersistence == "t" || isTempSchema(rel.Schemaname)
	return s
}

func isTempSchema(schema string) bool {
	return schema == "pg_temp" || strings.HasPrefix(schema, "pg_temp_")
}

// modifyingCTE returns the first data-modifying statement in a WITH clause,
// searching nested WITH clauses too.
func modifyingCTE(with *pg_query.WithClause) (shape, bool) {
	if with == nil {
		return shape{}, false
	}
	for _, cte := range with.Ctes {
		cteNode, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
		if !ok {
			continue
		}
		inner := refine(shape{cmd: CmdUnknown}, cteNode.CommonTableExpr.Ctequery)
		switch inner.cmd {
		case CmdInsert, CmdUpdate, CmdDelete, CmdMerge:
			return inner, true
		}
		if sel, ok := cteNode.CommonTableExpr.Ctequery.GetNode().(*pg_query.Node_SelectStmt); ok {
			if nested, ok := modifyingCTE(sel.SelectStmt.WithClause); ok {
				return nested, true
			}
		}
	}
	return shape{}, false
}

// cteSchemas returns the schemas of every statement in a WITH clause,
// nested WITH clauses included.
func cteSchemas(with *pg_query.WithClause) []string {
	if with == nil {
		return nil
	}
	var schemas []string
	for _, cte := range with.Ctes {
		cteNode, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
		if !ok {
			continue
		}
		inner := refine(shape{cmd: CmdUnknown}, cteNode.CommonTableExpr.Ctequery)
		schemas = append(schemas, inner.schemas...)
	}
	return schemas
}

// dropShape is temporary only when every dropped table lives in pg_temp.
func dropShape(d *pg_query.DropStmt) shape {
	s := shape{cmd: CmdDrop, objectType: objectTypeName(d.RemoveType), noTxn: d.Concurrent}
	allTemp := len(d.Objects) > 0
	for _, obj := range d.Objects {
		schema := droppedSchema(d.RemoveType, obj)
		if !isTempSchema(schema) {
			allTemp = false
		}
		s.addSchema(schema)
	}
	s.temporary = s.objectType == "TABLE" && allTemp
	return s
}

// droppedSchema returns the schema of one DROP target: the name itself for
// DROP SCHEMA, the qualifier of a qualified name otherwise.
func droppedSchema(removeType pg_query.ObjectType, obj *pg_query.Node) string {
	if removeType == pg_query.ObjectType_OBJECT_SCHEMA {
		if str := obj.GetString_(); str != nil {
			return str.Sval
		}
		return ""
	}
	list := obj.GetList()
	if list == nil || len(list.Items) < 2 {
		return ""
	}
	if str := list.Items[0].GetString_(); str != nil {
		return str.Sval
	}
	return ""
}

var objectTypeAliases = map[string]string{
	"MATVIEW":        "MATERIALIZED VIEW",
	"FDW":            "FOREIGN DATA WRAPPER",
	"FOREIGN_SERVER": "SERVER",
	"TABCONSTRAINT":  "CONSTRAINT",
	"TYPE_UNDEFINED": "",
}

// objectTypeName turns OBJECT_FOREIGN_TABLE into "FOREIGN TABLE".
func objectTypeName(t pg_query.ObjectType) string {
	name := strings.TrimPrefix(t.String(), "OBJECT_")
	if alias, ok := objectTypeAliases[name]; ok {
		return alias
	}
	return strings.ReplaceAll(name, "_", " ")
}

// hasTrueOption reports whether a DefElem option list turns name on. A bare
// option (no argument) counts as on.
func hasTrueOption(opts []*pg_query.Node, name string) bool {
	for _, opt := range opts {
		def := opt.GetDefElem()
		if def == nil || !strings.EqualFold(def.Defname, name) {
			continue
		}
		return defElemTrue(def)
	}
	return false
}

func defElemTrue(def *pg_query.DefElem) bool {
	if def.Arg == nil {
		return true
	}
	switch arg := def.Arg.Node.(type) {
	case *pg_query.Node_Boolean:
		return arg.Boolean.Boolval
	case *pg_query.Node_Integer:
		return arg.Integer.Ival != 0
	case *pg_query.Node_String_:
		v := strings.ToLower(arg.String_.Sval)
		return v == "true" || v == "on" || v == "1" || v == "yes"
	}
	return true
}

// grantsSuperuser reports whether role options include SUPERUSER.
func grantsSuperuser(opts []*pg_query.Node) bool {
	return hasTrueOption(opts, "superuser")
}
