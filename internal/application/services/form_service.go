package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/qcollector/backend/internal/domain/migration"
	"github.com/qcollector/backend/internal/infrastructure/persistence"
	"github.com/qcollector/backend/pkg/fieldtypes"
	"github.com/qcollector/backend/pkg/identifier"
)

// TableCreator creates and removes dynamic form tables
type TableCreator interface {
	CreateFormTable(ctx context.Context, tableName string) error
	DropFormTable(ctx context.Context, tableName string) error
	TableExists(ctx context.Context, tableName string) (bool, error)
	AddColumn(ctx context.Context, tableName, columnName, physicalType string) error
}

// FormService creates form definitions and their dynamic tables. Field list
// updates after creation go through MigrationService so every schema change
// is planned, queued and recorded.
type FormService struct {
	forms  FormStore
	tables TableCreator
	txm    *persistence.TransactionManager
}

// NewFormService creates a new FormService
func NewFormService(forms FormStore, tables TableCreator, txm *persistence.TransactionManager) *FormService {
	return &FormService{forms: forms, tables: tables, txm: txm}
}

// CreateForm creates the dynamic table, adds one column per field, then
// persists the definition. Table creation auto-commits, so a definition
// insert failure drops the half-created table.
func (s *FormService) CreateForm(ctx context.Context, actor migration.Actor, title string, fields []migration.FieldDescriptor) (*migration.Form, error) {
	if err := AuthorizeMigration(actor, OpApply); err != nil {
		return nil, err
	}

	formID := uuid.New().String()
	tableName := identifier.NormalizeTable(title, formID)

	for i := range fields {
		if fields[i].ID == "" {
			fields[i].ID = uuid.New().String()
		}
		if fields[i].Title == "" {
			fields[i].Title = defaultFieldTitle(fields[i].Type)
		}
		fields[i].ColumnName = ResolveColumnName(fields[i])
	}

	if err := s.tables.CreateFormTable(ctx, tableName); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if err := s.tables.AddColumn(ctx, tableName, f.ColumnName, fieldtypes.GetSQLType(f.Type)); err != nil {
			s.dropTableQuietly(tableName)
			return nil, err
		}
	}

	now := time.Now()
	form := &migration.Form{
		ID:        formID,
		Title:     title,
		TableName: tableName,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.txm.WithTransaction(func(tx *sql.Tx) error {
		return s.forms.CreateForm(ctx, tx, form)
	})
	if err != nil {
		s.dropTableQuietly(tableName)
		return nil, err
	}

	log.Printf("🆕 Form %s created by %s (table %s, %d fields)", formID, actor.UserID, tableName, len(fields))
	return form, nil
}

// GetForm loads a form definition with its ordered fields
func (s *FormService) GetForm(ctx context.Context, formID string) (*migration.Form, error) {
	return s.forms.GetForm(ctx, formID)
}

// ListForms returns all form definitions
func (s *FormService) ListForms(ctx context.Context) ([]migration.Form, error) {
	return s.forms.ListForms(ctx)
}

var titleCaser = cases.Title(language.English)

// defaultFieldTitle turns a field type into a readable label when the client
// sent none, e.g. "short_answer" becomes "Short Answer"
func defaultFieldTitle(fieldType string) string {
	return titleCaser.String(strings.ReplaceAll(fieldType, "_", " "))
}

// dropTableQuietly compensates a failed create by removing the orphan table
func (s *FormService) dropTableQuietly(tableName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.tables.DropFormTable(ctx, tableName); err != nil {
		log.Printf("⚠️  Could not drop orphan table %s: %v", tableName, err)
	}
}
