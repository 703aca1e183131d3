package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/qcollector/backend/pkg/errors"
	"github.com/qcollector/backend/pkg/fieldtypes"
)

// ConversionPolicy classifies a logical type change before any DDL runs
type ConversionPolicy int

const (
	// ConversionSafe never loses data; the column can be modified directly
	ConversionSafe ConversionPolicy = iota
	// ConversionValidated is allowed only after every stored value passes
	// the target type's validator
	ConversionValidated
	// ConversionForbidden cannot be expressed without data loss
	ConversionForbidden
)

// maxReportedRows bounds the offending-row sample in validation errors
const maxReportedRows = 10

// DecideConversion maps an (old, new) logical type pair onto a policy.
// Unknown types fall back to the TEXT family and are treated as text.
func DecideConversion(oldType, newType string) ConversionPolicy {
	oldFamily := fieldtypes.GetFamily(oldType)
	newFamily := fieldtypes.GetFamily(newType)

	if oldFamily == newFamily {
		// Narrowing within VARCHAR still needs a length check
		if newFamily == fieldtypes.FamilyVarchar &&
			fieldtypes.GetMaxLength(newType) < fieldtypes.GetMaxLength(oldType) {
			return ConversionValidated
		}
		return ConversionSafe
	}

	// Structured documents never convert to or from scalars
	if oldFamily == fieldtypes.FamilyJSON || newFamily == fieldtypes.FamilyJSON {
		return ConversionForbidden
	}

	switch newFamily {
	case fieldtypes.FamilyText:
		// Everything renders as text
		return ConversionSafe
	case fieldtypes.FamilyVarchar:
		// Rendered numerics and temporals always fit a varchar; only
		// unbounded text needs its lengths checked
		if oldFamily == fieldtypes.FamilyText {
			return ConversionValidated
		}
		return ConversionSafe
	case fieldtypes.FamilyDecimal, fieldtypes.FamilyInt,
		fieldtypes.FamilyDate, fieldtypes.FamilyTime, fieldtypes.FamilyDateTime:
		switch oldFamily {
		case fieldtypes.FamilyVarchar, fieldtypes.FamilyText:
			return ConversionValidated
		case fieldtypes.FamilyInt:
			if newFamily == fieldtypes.FamilyDecimal {
				return ConversionSafe
			}
			return ConversionValidated
		case fieldtypes.FamilyDecimal:
			return ConversionValidated
		case fieldtypes.FamilyDate:
			if newFamily == fieldtypes.FamilyDateTime {
				return ConversionSafe
			}
			return ConversionForbidden
		default:
			return ConversionForbidden
		}
	}
	return ConversionForbidden
}

// ValueValidator reports whether a stored text value fits a target type
type ValueValidator func(value string) bool

// validatorFor returns the validator for a target logical type. MySQL casts
// during MODIFY COLUMN; these mirror what the cast will accept so the
// pre-check catches every row the cast would mangle.
func validatorFor(newType string) ValueValidator {
	maxLen := fieldtypes.GetMaxLength(newType)

	switch fieldtypes.GetFamily(newType) {
	case fieldtypes.FamilyVarchar:
		return func(v string) bool { return len(v) <= maxLen }
	case fieldtypes.FamilyText:
		return func(string) bool { return true }
	case fieldtypes.FamilyDecimal:
		return func(v string) bool {
			v = strings.TrimSpace(v)
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				return false
			}
			// ParseFloat also takes hex floats; a DECIMAL cast does not
			return !strings.ContainsAny(v, "xX")
		}
	case fieldtypes.FamilyInt:
		return func(v string) bool {
			_, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return err == nil
		}
	case fieldtypes.FamilyDate:
		return func(v string) bool {
			_, err := time.Parse("2006-01-02", strings.TrimSpace(v))
			return err == nil
		}
	case fieldtypes.FamilyTime:
		return func(v string) bool {
			v = strings.TrimSpace(v)
			if _, err := time.Parse("15:04:05", v); err == nil {
				return true
			}
			_, err := time.Parse("15:04", v)
			return err == nil
		}
	case fieldtypes.FamilyDateTime:
		return func(v string) bool {
			v = strings.TrimSpace(v)
			if _, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
				return true
			}
			_, err := time.Parse(time.RFC3339, v)
			return err == nil
		}
	case fieldtypes.FamilyJSON:
		return func(v string) bool { return json.Valid([]byte(v)) }
	}
	return func(string) bool { return false }
}

// ColumnScanner streams a column's non-null values as text
type ColumnScanner interface {
	ScanColumnValues(ctx context.Context, tableName, columnName string, fn func(rowID, value string) error) error
}

// ValidateColumnData scans every non-null value of a column and checks it
// against the target type. NULLs always convert. Returns a ValidationError
// naming up to ten offending rows when any value would not survive the cast.
func ValidateColumnData(ctx context.Context, scanner ColumnScanner, tableName, columnName, newType string) error {
	validate := validatorFor(newType)

	var badRows []string
	total := 0
	err := scanner.ScanColumnValues(ctx, tableName, columnName, func(rowID, value string) error {
		if !validate(value) {
			total++
			if len(badRows) < maxReportedRows {
				badRows = append(badRows, rowID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if total > 0 {
		return apperrors.NewValidationError(columnName, fmt.Sprintf(
			"%d value(s) cannot convert to %s (rows: %s)",
			total, newType, strings.Join(badRows, ", ")))
	}
	return nil
}
