package pgguard

import (
	"context"

	"github.com/rickchristie/pgguard/internal/migration"
	"github.com/rickchristie/pgguard/internal/pgexec"
	"github.com/rickchristie/pgguard/internal/safety"
	"github.com/rickchristie/pgguard/internal/sqlcheck"
)

// Shared value types. They are defined in internal packages and re-exported
// here so library users can name them.
type (
	RiskLevel        = safety.RiskLevel
	Mode             = safety.Mode
	Service          = safety.Service
	Statement        = sqlcheck.Statement
	ValidationResult = sqlcheck.Result
	ResultSet        = pgexec.ResultSet
	Migration        = migration.Migration
)

const (
	RiskLow     = safety.RiskLow
	RiskMedium  = safety.RiskMedium
	RiskHigh    = safety.RiskHigh
	RiskExtreme = safety.RiskExtreme

	ModeRestricted = safety.ModeRestricted
	ModePermissive = safety.ModePermissive

	ServiceDatabase = safety.ServiceDatabase
	ServiceAPI      = safety.ServiceAPI
)

// Executor runs a batch of SQL text, already validated and wrapped, against
// the database. Execute is called exactly once per accepted query and must
// return one ResultSet per statement in the text.
type Executor interface {
	Execute(ctx context.Context, sql string) ([]ResultSet, error)
}

// MigrationStore records schema-changing batches after they succeed. An
// empty name asks the store to name the migration after the batch.
type MigrationStore interface {
	Record(ctx context.Context, result *ValidationResult, name string) (Migration, error)
	List(ctx context.Context, limit int) ([]Migration, error)
}

var (
	_ Executor       = (*pgexec.Executor)(nil)
	_ MigrationStore = (*migration.Recorder)(nil)
)
