package sqlcheck

import (
	"fmt"

	"github.com/rickchristie/pgguard/internal/safety"
)

// Category is the coarse kind of a statement.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryDQL
	CategoryDML
	CategoryDDL
	CategoryDCL
	CategoryTCL
	CategoryUtility

	numCategories
)

var categoryNames = [numCategories]string{
	CategoryUnknown: "UNKNOWN",
	CategoryDQL:     "DQL",
	CategoryDML:     "DML",
	CategoryDDL:     "DDL",
	CategoryDCL:     "DCL",
	CategoryTCL:     "TCL",
	CategoryUtility: "UTILITY",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

// MarshalText encodes the category name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Command is the normalized verb of a statement.
type Command int

const (
	CmdUnknown Command = iota
	CmdSelect
	CmdValues
	CmdTable
	CmdShow
	CmdExplain
	CmdInsert
	CmdUpdate
	CmdDelete
	CmdMerge
	CmdCopyTo
	CmdCopyFrom
	CmdCall
	CmdDo
	CmdCreate
	CmdAlter
	CmdDrop
	CmdTruncate
	CmdComment
	CmdGrant
	CmdRevoke
	CmdReassign
	CmdBegin
	CmdCommit
	CmdRollback
	CmdSavepoint
	CmdRelease
	CmdRollbackTo
	CmdSet
	CmdReset
	CmdSetRole
	CmdVacuum
	CmdAnalyze
	CmdCluster
	CmdReindex
	CmdRefresh
	CmdCheckpoint
	CmdLock
	CmdListen
	CmdNotify
	CmdUnlisten
	CmdPrepare
	CmdExecute
	CmdDeallocate
	CmdDiscard
	CmdLoad

	numCommands
)

// rule is the static safety classification of a command.
type rule struct {
	name               string
	category           Category
	risk               safety.RiskLevel
	needsMigration     bool
	noTransactionBlock bool
}

type ruleTable [numCommands]rule

// commandRules is indexed by Command. Every command must have an entry;
// TestCommandRulesComplete enforces it.
var commandRules = ruleTable{
	CmdUnknown: {name: "UNKNOWN", category: CategoryUnknown, risk: safety.RiskHigh},

	CmdSelect:  {name: "SELECT", category: CategoryDQL, risk: safety.RiskLow},
	CmdValues:  {name: "VALUES", category: CategoryDQL, risk: safety.RiskLow},
	CmdTable:   {name: "TABLE", category: CategoryDQL, risk: safety.RiskLow},
	CmdShow:    {name: "SHOW", category: CategoryDQL, risk: safety.RiskLow},
	CmdExplain: {name: "EXPLAIN", category: CategoryDQL, risk: safety.RiskLow},
	CmdCopyTo:  {name: "COPY TO", category: CategoryDQL, risk: safety.RiskLow},

	CmdInsert:   {name: "INSERT", category: CategoryDML, risk: safety.RiskMedium},
	CmdUpdate:   {name: "UPDATE", category: CategoryDML, risk: safety.RiskMedium},
	CmdDelete:   {name: "DELETE", category: CategoryDML, risk: safety.RiskMedium},
	CmdMerge:    {name: "MERGE", category: CategoryDML, risk: safety.RiskMedium},
	CmdCopyFrom: {name: "COPY FROM", category: CategoryDML, risk: safety.RiskMedium},

	CmdCreate:   {name: "CREATE", category: CategoryDDL, risk: safety.RiskHigh, needsMigration: true},
	CmdAlter:    {name: "ALTER", category: CategoryDDL, risk: safety.RiskHigh, needsMigration: true},
	CmdDrop:     {name: "DROP", category: CategoryDDL, risk: safety.RiskHigh, needsMigration: true},
	CmdTruncate: {name: "TRUNCATE", category: CategoryDDL, risk: safety.RiskHigh, needsMigration: true},
	CmdComment:  {name: "COMMENT", category: CategoryDDL, risk: safety.RiskMedium, needsMigration: true},

	CmdGrant:    {name: "GRANT", category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},
	CmdRevoke:   {name: "REVOKE", category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},
	CmdReassign: {name: "REASSIGN", category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},
	CmdSetRole:  {name: "SET ROLE", category: CategoryDCL, risk: safety.RiskHigh},

	CmdBegin:      {name: "BEGIN", category: CategoryTCL, risk: safety.RiskLow},
	CmdCommit:     {name: "COMMIT", category: CategoryTCL, risk: safety.RiskLow},
	CmdRollback:   {name: "ROLLBACK", category: CategoryTCL, risk: safety.RiskLow},
	CmdSavepoint:  {name: "SAVEPOINT", category: CategoryTCL, risk: safety.RiskLow},
	CmdRelease:    {name: "RELEASE", category: CategoryTCL, risk: safety.RiskLow},
	CmdRollbackTo: {name: "ROLLBACK TO", category: CategoryTCL, risk: safety.RiskLow},

	CmdCall: {name: "CALL", category: CategoryUtility, risk: safety.RiskHigh},
	CmdDo:   {name: "DO", category: CategoryUtility, risk: safety.RiskHigh},
	CmdLoad: {name: "LOAD", category: CategoryUtility, risk: safety.RiskHigh},

	CmdSet:        {name: "SET", category: CategoryUtility, risk: safety.RiskMedium},
	CmdReset:      {name: "RESET", category: CategoryUtility, risk: safety.RiskMedium},
	CmdVacuum:     {name: "VACUUM", category: CategoryUtility, risk: safety.RiskMedium, noTransactionBlock: true},
	CmdAnalyze:    {name: "ANALYZE", category: CategoryUtility, risk: safety.RiskMedium},
	CmdCluster:    {name: "CLUSTER", category: CategoryUtility, risk: safety.RiskMedium},
	CmdReindex:    {name: "REINDEX", category: CategoryUtility, risk: safety.RiskMedium},
	CmdRefresh:    {name: "REFRESH", category: CategoryUtility, risk: safety.RiskMedium},
	CmdCheckpoint: {name: "CHECKPOINT", category: CategoryUtility, risk: safety.RiskMedium},
	CmdLock:       {name: "LOCK", category: CategoryUtility, risk: safety.RiskMedium},
	CmdNotify:     {name: "NOTIFY", category: CategoryUtility, risk: safety.RiskMedium},
	CmdExecute:    {name: "EXECUTE", category: CategoryUtility, risk: safety.RiskMedium},
	CmdDiscard:    {name: "DISCARD", category: CategoryUtility, risk: safety.RiskMedium},

	CmdListen:     {name: "LISTEN", category: CategoryUtility, risk: safety.RiskLow},
	CmdUnlisten:   {name: "UNLISTEN", category: CategoryUtility, risk: safety.RiskLow},
	CmdPrepare:    {name: "PREPARE", category: CategoryUtility, risk: safety.RiskLow},
	CmdDeallocate: {name: "DEALLOCATE", category: CategoryUtility, risk: safety.RiskLow},
}

type targetKey struct {
	cmd    Command
	target string
}

// targetRules refine a command by the kind of object it acts on.
var targetRules = map[targetKey]rule{
	{CmdCreate, "TEMPORARY TABLE"}: {category: CategoryDDL, risk: safety.RiskMedium},
	{CmdDrop, "TEMPORARY TABLE"}:   {category: CategoryDDL, risk: safety.RiskMedium},

	{CmdCreate, "DATABASE"}:   {category: CategoryDDL, risk: safety.RiskHigh, noTransactionBlock: true},
	{CmdDrop, "DATABASE"}:     {category: CategoryDDL, risk: safety.RiskExtreme, noTransactionBlock: true},
	{CmdCreate, "TABLESPACE"}: {category: CategoryDDL, risk: safety.RiskHigh, noTransactionBlock: true},
	{CmdDrop, "TABLESPACE"}:   {category: CategoryDDL, risk: safety.RiskHigh, noTransactionBlock: true},
	{CmdAlter, "SYSTEM"}:      {category: CategoryUtility, risk: safety.RiskExtreme, noTransactionBlock: true},

	{CmdCreate, "ROLE"}: {category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},
	{CmdAlter, "ROLE"}:  {category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},
	{CmdDrop, "ROLE"}:   {category: CategoryDCL, risk: safety.RiskHigh, needsMigration: true},

	{CmdCopyFrom, "FILE"}:    {category: CategoryUtility, risk: safety.RiskHigh},
	{CmdCopyFrom, "PROGRAM"}: {category: CategoryUtility, risk: safety.RiskHigh},
	{CmdCopyTo, "FILE"}:      {category: CategoryUtility, risk: safety.RiskHigh},
	{CmdCopyTo, "PROGRAM"}:   {category: CategoryUtility, risk: safety.RiskHigh},
}

func (c Command) String() string {
	if c < 0 || c >= numCommands {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return commandRules[c].name
}

// MarshalText encodes the command name.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// IsTransactionControl reports whether c opens, closes or marks a
// transaction block.
func (c Command) IsTransactionControl() bool {
	return commandRules.lookup(c).category == CategoryTCL
}

func (r *ruleTable) lookup(c Command) rule {
	if c < 0 || c >= numCommands {
		return r[CmdUnknown]
	}
	return r[c]
}

// ruleFor returns the rule for cmd acting on target. target is the object
// type, prefixed with "TEMPORARY " for temporary objects.
func ruleFor(cmd Command, target string) rule {
	base := commandRules.lookup(cmd)
	if target == "" {
		return base
	}
	if r, ok := targetRules[targetKey{cmd, target}]; ok {
		r.name = base.name
		return r
	}
	return base
}

// Assess returns the risk of cmd acting on target.
func Assess(cmd Command, target string) safety.RiskLevel {
	return ruleFor(cmd, target).risk
}
