package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	apperrors "github.com/qcollector/backend/pkg/errors"
	"github.com/qcollector/backend/pkg/identifier"
)

// SchemaDriver executes primitive DDL against the dynamic per-form tables.
// Every identifier is validated before any SQL is issued and values travel
// only through parameters. MySQL/TiDB auto-commits DDL, so each primitive is
// a single statement preceded by its precondition check; compensation for
// multi-step flows lives in the engine.
type SchemaDriver struct {
	db *sql.DB
}

// NewSchemaDriver creates a new SchemaDriver
func NewSchemaDriver(db *sql.DB) *SchemaDriver {
	return &SchemaDriver{db: db}
}

// ==================== SQL builders (pure; shared with preview) ====================

// BuildAddColumnSQL generates the forward DDL for adding a column.
// New columns are always nullable with no default.
func BuildAddColumnSQL(table, column, physicalType string) string {
	return fmt.Sprintf("ALTER TABLE `%s` ADD COLUMN `%s` %s", table, column, physicalType)
}

// BuildDropColumnSQL generates the forward DDL for dropping a column
func BuildDropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE `%s` DROP COLUMN `%s`", table, column)
}

// BuildRenameColumnSQL generates the forward DDL for renaming a column
func BuildRenameColumnSQL(table, oldColumn, newColumn string) string {
	return fmt.Sprintf("ALTER TABLE `%s` RENAME COLUMN `%s` TO `%s`", table, oldColumn, newColumn)
}

// BuildModifyColumnSQL generates the forward DDL for changing a column's type.
// MySQL casts existing values best-effort as part of the MODIFY.
func BuildModifyColumnSQL(table, column, physicalType string) string {
	return fmt.Sprintf("ALTER TABLE `%s` MODIFY COLUMN `%s` %s", table, column, physicalType)
}

// ValidateIdentifiers rejects any name that is not a lowercase [a-z0-9_]
// identifier before SQL touches it
func ValidateIdentifiers(names ...string) error {
	for _, name := range names {
		if !identifier.IsValid(name) {
			return apperrors.NewValidationError("identifier",
				fmt.Sprintf("'%s' is not a safe SQL identifier", name))
		}
	}
	return nil
}

// BuildCreateTableSQL generates the DDL for a new dynamic form table. Every
// dynamic table starts with the row id and submission timestamp; user columns
// are added by migrations.
func BuildCreateTableSQL(table string) string {
	return fmt.Sprintf("CREATE TABLE `%s` (\n"+
		"  `%s` CHAR(36) NOT NULL PRIMARY KEY,\n"+
		"  `%s` DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP\n"+
		")", table, ColumnRowID, ColumnSubmittedAt)
}

// BuildDropTableSQL generates the DDL that removes a dynamic form table
func BuildDropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)
}

// ==================== Introspection ====================

// TableExists queries INFORMATION_SCHEMA to see if a table exists
func (d *SchemaDriver) TableExists(ctx context.Context, tableName string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = ?
	`
	var count int
	if err := d.db.QueryRowContext(ctx, query, tableName).Scan(&count); err != nil {
		return false, ClassifyDBError("table existence check", err)
	}
	return count > 0, nil
}

// ColumnExists queries INFORMATION_SCHEMA to see if a column exists
func (d *SchemaDriver) ColumnExists(ctx context.Context, tableName, columnName string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = ?
		  AND COLUMN_NAME = ?
	`
	var count int
	if err := d.db.QueryRowContext(ctx, query, tableName, columnName).Scan(&count); err != nil {
		return false, ClassifyDBError("column existence check", err)
	}
	return count > 0, nil
}

// GetColumnType returns the full physical column type (e.g. "varchar(255)")
// from INFORMATION_SCHEMA, or a NotFoundError when the column is missing
func (d *SchemaDriver) GetColumnType(ctx context.Context, tableName, columnName string) (string, error) {
	query := `
		SELECT COLUMN_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = ?
		  AND COLUMN_NAME = ?
	`
	var columnType string
	err := d.db.QueryRowContext(ctx, query, tableName, columnName).Scan(&columnType)
	if err == sql.ErrNoRows {
		return "", apperrors.NewNotFoundError("column", fmt.Sprintf("%s.%s", tableName, columnName))
	}
	if err != nil {
		return "", ClassifyDBError("column type lookup", err)
	}
	return columnType, nil
}

// CountRows returns the number of rows in a dynamic table
func (d *SchemaDriver) CountRows(ctx context.Context, tableName string) (int64, error) {
	if err := ValidateIdentifiers(tableName); err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM `%s`", tableName)
	if err := d.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, ClassifyDBError("row count", err)
	}
	return count, nil
}

// ==================== Primitives ====================

// CreateFormTable creates the dynamic table backing a new form
func (d *SchemaDriver) CreateFormTable(ctx context.Context, tableName string) error {
	log.Printf("🆕 Creating dynamic table %s", tableName)

	if err := ValidateIdentifiers(tableName); err != nil {
		return err
	}
	if IsSystemTable(tableName) {
		return apperrors.NewValidationError("table",
			fmt.Sprintf("'%s' is a reserved system table name", tableName))
	}

	exists, err := d.TableExists(ctx, tableName)
	if err != nil {
		return fmt.Errorf("failed to check table existence: %w", err)
	}
	if exists {
		return apperrors.NewConflictError("table", "name", tableName)
	}

	ddl := BuildCreateTableSQL(tableName)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		log.Printf("   ❌ DDL execution failed: %v", err)
		return ClassifyDBError("create table", err)
	}
	log.Printf("   ✅ Table created: %s", tableName)
	return nil
}

// DropFormTable removes a dynamic form table. System tables are refused.
func (d *SchemaDriver) DropFormTable(ctx context.Context, tableName string) error {
	if err := ValidateIdentifiers(tableName); err != nil {
		return err
	}
	if IsSystemTable(tableName) {
		return apperrors.NewValidationError("table",
			fmt.Sprintf("'%s' is a reserved system table name", tableName))
	}
	if _, err := d.db.ExecContext(ctx, BuildDropTableSQL(tableName)); err != nil {
		return ClassifyDBError("drop table", err)
	}
	log.Printf("➖ Table dropped: %s", tableName)
	return nil
}

// AddColumn adds a nullable column with no default to the table
func (d *SchemaDriver) AddColumn(ctx context.Context, tableName, columnName, physicalType string) error {
	log.Printf("➕ Adding column %s to table %s", columnName, tableName)

	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return err
	}

	// PRECONDITION: column must not exist
	exists, err := d.ColumnExists(ctx, tableName, columnName)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if exists {
		return apperrors.NewConflictError("column", "name", columnName)
	}

	ddl := BuildAddColumnSQL(tableName, columnName, physicalType)
	log.Printf("   🏁 Executing DDL: %s", ddl)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		log.Printf("   ❌ DDL execution failed: %v", err)
		return ClassifyDBError("add column", err)
	}
	log.Printf("   ✅ Column added: %s.%s", tableName, columnName)
	return nil
}

// DropColumn removes a column from the table
func (d *SchemaDriver) DropColumn(ctx context.Context, tableName, columnName string) error {
	log.Printf("➖ Dropping column %s from table %s", columnName, tableName)

	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return err
	}

	// PRECONDITION: column must exist
	exists, err := d.ColumnExists(ctx, tableName, columnName)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if !exists {
		return apperrors.NewNotFoundError("column", fmt.Sprintf("%s.%s", tableName, columnName))
	}

	ddl := BuildDropColumnSQL(tableName, columnName)
	log.Printf("   🏁 Executing DDL: %s", ddl)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		log.Printf("   ❌ DDL execution failed: %v", err)
		return ClassifyDBError("drop column", err)
	}
	log.Printf("   ✅ Column dropped: %s.%s", tableName, columnName)
	return nil
}

// RenameColumn renames a column, preserving its type and data
func (d *SchemaDriver) RenameColumn(ctx context.Context, tableName, oldColumn, newColumn string) error {
	log.Printf("🔁 Renaming column %s.%s to %s", tableName, oldColumn, newColumn)

	if err := ValidateIdentifiers(tableName, oldColumn, newColumn); err != nil {
		return err
	}

	// PRECONDITIONS: source exists, target does not
	exists, err := d.ColumnExists(ctx, tableName, oldColumn)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if !exists {
		return apperrors.NewNotFoundError("column", fmt.Sprintf("%s.%s", tableName, oldColumn))
	}
	taken, err := d.ColumnExists(ctx, tableName, newColumn)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if taken {
		return apperrors.NewConflictError("column", "name", newColumn)
	}

	ddl := BuildRenameColumnSQL(tableName, oldColumn, newColumn)
	log.Printf("   🏁 Executing DDL: %s", ddl)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		log.Printf("   ❌ DDL execution failed: %v", err)
		return ClassifyDBError("rename column", err)
	}
	log.Printf("   ✅ Column renamed: %s.%s -> %s", tableName, oldColumn, newColumn)
	return nil
}

// ModifyColumnType changes a column's physical type. Existing values are
// cast best-effort by the engine; callers must run the conversion pre-check
// first so that non-convertible data never reaches this statement.
func (d *SchemaDriver) ModifyColumnType(ctx context.Context, tableName, columnName, physicalType string) error {
	log.Printf("🔧 Modifying column %s.%s to %s", tableName, columnName, physicalType)

	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return err
	}

	// PRECONDITION: column must exist
	exists, err := d.ColumnExists(ctx, tableName, columnName)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}
	if !exists {
		return apperrors.NewNotFoundError("column", fmt.Sprintf("%s.%s", tableName, columnName))
	}

	ddl := BuildModifyColumnSQL(tableName, columnName, physicalType)
	log.Printf("   🏁 Executing DDL: %s", ddl)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		log.Printf("   ❌ DDL execution failed: %v", err)
		return ClassifyDBError("modify column type", err)
	}
	log.Printf("   ✅ Column type changed: %s.%s -> %s", tableName, columnName, physicalType)
	return nil
}

// ==================== Value scans ====================

// ScanColumnValues streams every non-null value of a column as text through
// fn. Used by the conversion pre-check; runs in its own short-lived
// transaction so the scan never extends a DDL lock.
func (d *SchemaDriver) ScanColumnValues(ctx context.Context, tableName, columnName string, fn func(rowID, value string) error) error {
	if err := ValidateIdentifiers(tableName, columnName); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return ClassifyDBError("column scan", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("SELECT `%s`, CAST(`%s` AS CHAR) FROM `%s` WHERE `%s` IS NOT NULL",
		ColumnRowID, columnName, tableName, columnName)

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return ClassifyDBError("column scan", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rowID, value string
		if err := rows.Scan(&rowID, &value); err != nil {
			return ClassifyDBError("column scan", err)
		}
		if err := fn(rowID, value); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return ClassifyDBError("column scan", err)
	}

	return tx.Commit()
}
