package services

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver" // parser needs a value expression driver

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// DDLGuard parses every generated DDL statement before execution and checks
// that it is exactly the single ALTER TABLE the engine intended to build.
// Identifier validation already blocks injection; the guard catches builder
// bugs before they reach a production table.
type DDLGuard struct {
	parser *parser.Parser
}

// NewDDLGuard creates a new DDLGuard
func NewDDLGuard() *DDLGuard {
	return &DDLGuard{parser: parser.New()}
}

// CheckDDL verifies that sql is one ALTER TABLE statement on tableName whose
// single spec matches the operation type
func (g *DDLGuard) CheckDDL(sql, tableName string, opType migration.MigrationType) error {
	stmtNodes, _, err := g.parser.Parse(sql, "", "")
	if err != nil {
		return apperrors.NewValidationError("ddl", fmt.Sprintf("generated DDL does not parse: %v", err))
	}
	if len(stmtNodes) != 1 {
		return apperrors.NewValidationError("ddl", "generated DDL must be a single statement")
	}

	alter, ok := stmtNodes[0].(*ast.AlterTableStmt)
	if !ok {
		return apperrors.NewValidationError("ddl", "generated DDL is not an ALTER TABLE statement")
	}
	if alter.Table.Name.L != tableName {
		return apperrors.NewValidationError("ddl", fmt.Sprintf(
			"generated DDL targets table '%s', expected '%s'", alter.Table.Name.O, tableName))
	}
	if len(alter.Specs) != 1 {
		return apperrors.NewValidationError("ddl", "generated DDL must contain exactly one alteration")
	}

	spec := alter.Specs[0]
	expected := specTypeFor(opType)
	if spec.Tp != expected {
		return apperrors.NewValidationError("ddl", fmt.Sprintf(
			"generated DDL alteration does not match operation %s", opType))
	}
	return nil
}

func specTypeFor(opType migration.MigrationType) ast.AlterTableType {
	switch opType {
	case migration.AddColumn:
		return ast.AlterTableAddColumns
	case migration.DropColumn:
		return ast.AlterTableDropColumn
	case migration.RenameColumn:
		return ast.AlterTableRenameColumn
	case migration.ModifyColumn:
		return ast.AlterTableModifyColumn
	}
	return ast.AlterTableType(0)
}
