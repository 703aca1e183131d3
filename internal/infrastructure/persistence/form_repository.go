package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/qcollector/backend/internal/domain/migration"
	apperrors "github.com/qcollector/backend/pkg/errors"
)

// FormRepository persists form definitions and their field lists. The field
// list stored here is the source of truth the change detector diffs against
// when a form is updated.
type FormRepository struct {
	db *sql.DB
}

// NewFormRepository creates a new FormRepository
func NewFormRepository(db *sql.DB) *FormRepository {
	return &FormRepository{db: db}
}

// GetForm loads a form and its fields ordered by display order
func (r *FormRepository) GetForm(ctx context.Context, formID string) (*migration.Form, error) {
	query := fmt.Sprintf(`SELECT id, title, table_name, created_at, updated_at FROM %s WHERE id = ?`, TableForms)

	var form migration.Form
	err := r.db.QueryRowContext(ctx, query, formID).Scan(
		&form.ID, &form.Title, &form.TableName, &form.CreatedAt, &form.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("form", formID)
	}
	if err != nil {
		return nil, ClassifyDBError("form lookup", err)
	}

	fields, err := r.getFields(ctx, formID)
	if err != nil {
		return nil, err
	}
	form.Fields = fields
	return &form, nil
}

func (r *FormRepository) getFields(ctx context.Context, formID string) ([]migration.FieldDescriptor, error) {
	query := fmt.Sprintf(`
		SELECT id, title, field_type, column_name, display_order, options
		FROM %s WHERE form_id = ?
		ORDER BY display_order ASC, id ASC
	`, TableFormFields)

	rows, err := r.db.QueryContext(ctx, query, formID)
	if err != nil {
		return nil, ClassifyDBError("form field list", err)
	}
	defer func() { _ = rows.Close() }()

	fields := make([]migration.FieldDescriptor, 0)
	for rows.Next() {
		var f migration.FieldDescriptor
		var options sql.NullString
		if err := rows.Scan(&f.ID, &f.Title, &f.Type, &f.ColumnName, &f.DisplayOrder, &options); err != nil {
			return nil, ClassifyDBError("form field list", err)
		}
		if options.Valid && options.String != "" {
			if err := json.Unmarshal([]byte(options.String), &f.Options); err != nil {
				return nil, fmt.Errorf("failed to unmarshal options for field %s: %w", f.ID, err)
			}
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// CreateForm inserts a form definition and its fields. The caller has already
// computed table and column names; this write shares a transaction with the
// dynamic table creation via the executor.
func (r *FormRepository) CreateForm(ctx context.Context, exec Executor, form *migration.Form) error {
	if exec == nil {
		exec = r.db
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, title, table_name, created_at, updated_at)
		VALUES (?, ?, ?, NOW(), NOW())
	`, TableForms)
	if _, err := exec.ExecContext(ctx, query, form.ID, form.Title, form.TableName); err != nil {
		return ClassifyDBError("form insert", err)
	}

	for _, f := range form.Fields {
		if err := r.insertField(ctx, exec, form.ID, f); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceFields rewrites a form's field list to match the updated definition.
// Runs inside the caller's transaction so the stored definition and the
// enqueued migration jobs commit together.
func (r *FormRepository) ReplaceFields(ctx context.Context, exec Executor, formID string, fields []migration.FieldDescriptor) error {
	if exec == nil {
		exec = r.db
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE form_id = ?`, TableFormFields)
	if _, err := exec.ExecContext(ctx, del, formID); err != nil {
		return ClassifyDBError("form field replace", err)
	}

	for _, f := range fields {
		if err := r.insertField(ctx, exec, formID, f); err != nil {
			return err
		}
	}

	touch := fmt.Sprintf(`UPDATE %s SET updated_at = NOW() WHERE id = ?`, TableForms)
	if _, err := exec.ExecContext(ctx, touch, formID); err != nil {
		return ClassifyDBError("form field replace", err)
	}
	return nil
}

func (r *FormRepository) insertField(ctx context.Context, exec Executor, formID string, f migration.FieldDescriptor) error {
	var options interface{}
	if len(f.Options) > 0 {
		data, err := json.Marshal(f.Options)
		if err != nil {
			return fmt.Errorf("failed to marshal options for field %s: %w", f.ID, err)
		}
		options = string(data)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, form_id, title, field_type, column_name, display_order, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
	`, TableFormFields)

	if _, err := exec.ExecContext(ctx, query,
		f.ID, formID, f.Title, f.Type, f.ColumnName, f.DisplayOrder, options); err != nil {
		return ClassifyDBError("form field insert", err)
	}
	return nil
}

// ListForms returns all form definitions without their field lists
func (r *FormRepository) ListForms(ctx context.Context) ([]migration.Form, error) {
	query := fmt.Sprintf(`SELECT id, title, table_name, created_at, updated_at FROM %s ORDER BY created_at DESC`, TableForms)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, ClassifyDBError("form list", err)
	}
	defer func() { _ = rows.Close() }()

	var forms []migration.Form
	for rows.Next() {
		var form migration.Form
		if err := rows.Scan(&form.ID, &form.Title, &form.TableName, &form.CreatedAt, &form.UpdatedAt); err != nil {
			return nil, ClassifyDBError("form list", err)
		}
		forms = append(forms, form)
	}
	return forms, rows.Err()
}
