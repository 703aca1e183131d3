package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qcollector/backend/internal/domain/migration"
)

func TestCheckDDLAccepts(t *testing.T) {
	guard := NewDDLGuard()

	tests := []struct {
		sql    string
		table  string
		opType migration.MigrationType
	}{
		{"ALTER TABLE `form_t_a1b2c3` ADD COLUMN `c_d4e5f6` VARCHAR(255)", "form_t_a1b2c3", migration.AddColumn},
		{"ALTER TABLE `form_t_a1b2c3` DROP COLUMN `c_d4e5f6`", "form_t_a1b2c3", migration.DropColumn},
		{"ALTER TABLE `form_t_a1b2c3` RENAME COLUMN `a_d4e5f6` TO `b_d4e5f6`", "form_t_a1b2c3", migration.RenameColumn},
		{"ALTER TABLE `form_t_a1b2c3` MODIFY COLUMN `c_d4e5f6` DECIMAL(65,30)", "form_t_a1b2c3", migration.ModifyColumn},
	}
	for _, tt := range tests {
		assert.NoError(t, guard.CheckDDL(tt.sql, tt.table, tt.opType), tt.sql)
	}
}

func TestCheckDDLRejects(t *testing.T) {
	guard := NewDDLGuard()

	// multiple statements
	err := guard.CheckDDL(
		"ALTER TABLE `t` ADD COLUMN `c` INT; DROP TABLE `users`",
		"t", migration.AddColumn)
	assert.Error(t, err)

	// not an ALTER TABLE
	err = guard.CheckDDL("DROP TABLE `form_t_a1b2c3`", "form_t_a1b2c3", migration.DropColumn)
	assert.Error(t, err)

	// wrong table
	err = guard.CheckDDL(
		"ALTER TABLE `other_table` ADD COLUMN `c_d4e5f6` INT",
		"form_t_a1b2c3", migration.AddColumn)
	assert.Error(t, err)

	// alteration kind does not match the operation
	err = guard.CheckDDL(
		"ALTER TABLE `form_t_a1b2c3` DROP COLUMN `c_d4e5f6`",
		"form_t_a1b2c3", migration.AddColumn)
	assert.Error(t, err)

	// garbage
	err = guard.CheckDDL("not sql at all", "t", migration.AddColumn)
	assert.Error(t, err)
}
